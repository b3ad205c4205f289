package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts chat notifications (Slack-compatible payload) for high-value
// events such as a new agent activation.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook builds a webhook poster with a bounded request timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewAgentInfo carries the fields rendered into the activation message.
type NewAgentInfo struct {
	Hostname   string
	InternalIP string
	ExternalIP string
	Username   string
	OSDetails  string
	SessionID  string
}

// NotifyNewAgent posts the formatted new-agent notification. A missing URL
// is a no-op so callers can pass the listener option through unchecked.
func (w *Webhook) NotifyNewAgent(info NewAgentInfo) error {
	if w == nil || w.URL == "" {
		return nil
	}
	text := fmt.Sprintf("NEW AGENT\r\n```Machine Name: %s\r\nInternal IP: %s\r\nExternal IP: %s\r\nUser: %s\r\nOS Version: %s\r\nAgent ID: %s```",
		info.Hostname, info.InternalIP, info.ExternalIP, info.Username, info.OSDetails, info.SessionID)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

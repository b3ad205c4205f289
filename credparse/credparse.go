// Package credparse extracts credentials from tool output that flows back
// through agent results. It recognizes mimikatz logon-password dumps and
// hashdump-style SAM lines; everything else parses to nothing.
package credparse

import (
	"regexp"
	"strings"
)

// Credential is one harvested credential.
type Credential struct {
	CredType string // "plaintext" or "hash"
	Domain   string
	Username string
	Password string
	Host     string
	SID      string
	Notes    string
}

// Store receives harvested credentials. The agent core depends only on
// this interface; the backing store lives elsewhere.
type Store interface {
	AddCredential(c Credential) error
}

// NopStore discards credentials.
type NopStore struct{}

func (NopStore) AddCredential(Credential) error { return nil }

var (
	ntlmRe     = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	hashdumpRe = regexp.MustCompile(`^([^:\r\n]+):(\d+):([0-9a-fA-F]{32}):([0-9a-fA-F]{32}):::`)
)

// IsNTLM reports whether s looks like a bare NTLM hash.
func IsNTLM(s string) bool {
	return ntlmRe.MatchString(s)
}

// Parse inspects arbitrary tool output and extracts any credentials it can
// recognize. Mimikatz output is detected by its leading "Hostname:" line;
// hashdump output by SAM-format lines.
func Parse(data string) []Credential {
	lines := strings.Split(data, "\n")
	if len(lines) > 10 && strings.HasPrefix(strings.TrimSpace(lines[0]), "Hostname:") {
		return ParseMimikatz(data)
	}
	var creds []Credential
	for _, line := range lines {
		m := hashdumpRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		creds = append(creds, Credential{
			CredType: "hash",
			Username: m[1],
			Password: m[3] + ":" + m[4],
			SID:      m[2],
		})
	}
	return creds
}

// mimikatz sekurlsa output is a sequence of provider sections per logon
// session; each section carries Username/Domain and either a Password or an
// NTLM line.
var mimikatzSections = []*regexp.Regexp{
	regexp.MustCompile(`(?s)msv :(.*?)tspkg :`),
	regexp.MustCompile(`(?s)tspkg :(.*?)wdigest :`),
	regexp.MustCompile(`(?s)wdigest :(.*?)kerberos :`),
	regexp.MustCompile(`(?s)kerberos :(.*?)ssp :`),
	regexp.MustCompile(`(?s)ssp :(.*?)credman :`),
	regexp.MustCompile(`(?s)credman :(.*?)Authentication Id :`),
}

// ParseMimikatz extracts credentials from a mimikatz logon-password dump.
// Machine-account plaintexts (username ending in $) and null passwords are
// dropped; the host's FQDN and domain SID from the banner are substituted
// for bare NetBIOS domain names when they match.
func ParseMimikatz(data string) []Credential {
	hostName, hostDomain, domainSID := parseBanner(data)

	seen := make(map[string]bool)
	var creds []Credential
	for _, re := range mimikatzSections {
		for _, match := range re.FindAllStringSubmatch(data, -1) {
			username, domain, password := "", "", ""
			for _, line := range strings.Split(match[1], "\n") {
				key, val, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				val = strings.TrimSpace(val)
				switch {
				case strings.Contains(key, "Username"):
					username = val
				case strings.Contains(key, "Domain"):
					domain = val
				case strings.Contains(key, "NTLM"), strings.Contains(key, "Password"):
					password = val
				}
			}
			if username == "" || password == "" || password == "(null)" {
				continue
			}
			credType := "plaintext"
			if IsNTLM(password) {
				credType = "hash"
			}
			if credType == "plaintext" && strings.HasSuffix(username, "$") {
				continue
			}
			sid := ""
			if hostDomain != "" && strings.HasPrefix(hostDomain, strings.ToLower(domain)) {
				domain = hostDomain
				sid = domainSID
			}
			key := credType + "|" + domain + "|" + username + "|" + password
			if seen[key] {
				continue
			}
			seen[key] = true
			creds = append(creds, Credential{
				CredType: credType,
				Domain:   domain,
				Username: username,
				Password: password,
				Host:     hostName,
				SID:      sid,
			})
		}
	}
	return creds
}

// parseBanner pulls the short hostname, lowercase DNS domain, and domain SID
// from the "Hostname: host.dom.tld / S-1-5-21-..." line the dump opens with.
func parseBanner(data string) (hostName, hostDomain, domainSID string) {
	head := strings.SplitN(data, "\n", 3)
	if len(head) > 2 {
		head = head[:2]
	}
	for _, line := range head {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Hostname:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "Hostname:"))
		fqdn, sid, _ := strings.Cut(rest, "/")
		fqdn = strings.TrimSpace(fqdn)
		domainSID = strings.TrimSpace(sid)
		host, dom, ok := strings.Cut(fqdn, ".")
		hostName = host
		if ok {
			hostDomain = strings.ToLower(dom)
		}
		return
	}
	return
}

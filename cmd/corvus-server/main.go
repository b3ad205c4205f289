// corvus-server hosts the agent session manager behind an HTTP listener, an
// optional raw TCP listener, and an operator plane (event websocket,
// metrics, health).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvusc2/corvus/agents"
	"github.com/corvusc2/corvus/events"
	"github.com/corvusc2/corvus/filesink"
	"github.com/corvusc2/corvus/internal/cmdutil"
	cversion "github.com/corvusc2/corvus/internal/version"
	"github.com/corvusc2/corvus/listener"
	"github.com/corvusc2/corvus/observability/prom"
	"github.com/corvusc2/corvus/realtime/ws"
	"github.com/corvusc2/corvus/store"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type ready struct {
	Listen    string `json:"listen"`
	TCPListen string `json:"tcp_listen,omitempty"`
	OpsListen string `json:"ops_listen"`
	DB        string `json:"db"`
	Install   string `json:"install"`
	Listener  string `json:"listener"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	listen := cmdutil.EnvString("CORVUS_LISTEN", "127.0.0.1:8080")
	tcpListen := cmdutil.EnvString("CORVUS_TCP_LISTEN", "")
	opsListen := cmdutil.EnvString("CORVUS_OPS_LISTEN", "127.0.0.1:9090")
	dbPath := cmdutil.EnvString("CORVUS_DB", "corvus.db")
	install := cmdutil.EnvString("CORVUS_INSTALL", ".")
	stagingKey := cmdutil.EnvString("CORVUS_STAGING_KEY", "")
	listenerName := cmdutil.EnvString("CORVUS_LISTENER_NAME", "http")
	profile := cmdutil.EnvString("CORVUS_PROFILE", "")
	killDate := cmdutil.EnvString("CORVUS_KILLDATE", "")
	workingHours := cmdutil.EnvString("CORVUS_WORKING_HOURS", "")
	slackURL := cmdutil.EnvString("CORVUS_SLACK_URL", "")
	allowedOrigins := cmdutil.SplitCSVEnv("CORVUS_ALLOW_ORIGIN")

	delay, err := cmdutil.EnvInt("CORVUS_DELAY", 5)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CORVUS_DELAY: %v\n", err)
		return 2
	}
	lostLimit, err := cmdutil.EnvInt("CORVUS_LOST_LIMIT", 60)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CORVUS_LOST_LIMIT: %v\n", err)
		return 2
	}
	allowNoOrigin, err := cmdutil.EnvBool("CORVUS_ALLOW_NO_ORIGIN", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid CORVUS_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("corvus-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "agent HTTP listen address (env: CORVUS_LISTEN)")
	fs.StringVar(&tcpListen, "tcp-listen", tcpListen, "agent TCP listen address (empty disables) (env: CORVUS_TCP_LISTEN)")
	fs.StringVar(&opsListen, "ops-listen", opsListen, "operator plane listen address (env: CORVUS_OPS_LISTEN)")
	fs.StringVar(&dbPath, "db", dbPath, "database file (env: CORVUS_DB)")
	fs.StringVar(&install, "install", install, "install root for downloads/ (env: CORVUS_INSTALL)")
	fs.StringVar(&stagingKey, "staging-key", stagingKey, "pre-shared staging key (required) (env: CORVUS_STAGING_KEY)")
	fs.StringVar(&listenerName, "listener-name", listenerName, "listener name agents report (env: CORVUS_LISTENER_NAME)")
	fs.IntVar(&delay, "delay", delay, "default beacon delay seconds (env: CORVUS_DELAY)")
	fs.IntVar(&lostLimit, "lost-limit", lostLimit, "missed checkins before an agent is lost (env: CORVUS_LOST_LIMIT)")
	fs.StringVar(&slackURL, "slack-url", slackURL, "webhook for new-agent notifications (env: CORVUS_SLACK_URL)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		_, _ = fmt.Fprintln(stdout, cversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		fmt.Fprintln(stderr, msg)
		fs.Usage()
		return 2
	}
	if stagingKey == "" {
		return usageErr("missing --staging-key")
	}
	if n := len(stagingKey); n != 16 && n != 32 {
		return usageErr("staging key must be 16 or 32 bytes")
	}

	db, err := store.OpenBolt(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer db.Close()

	bus := events.NewBus(0)
	consoleCh, cancelConsole := bus.Subscribe()
	defer cancelConsole()
	go events.Console(stderr, consoleCh)

	reg := prom.NewRegistry()
	observer := prom.NewAgentObserver(reg)

	sink := filesink.New(install, bus)

	mgr, err := agents.NewManager(agents.Config{
		Store:    db,
		Events:   bus,
		Files:    sink,
		Observer: observer,
		Webhook:  events.NewWebhook(slackURL),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	opts := agents.ListenerOptions{
		Name:             listenerName,
		DefaultDelay:     delay,
		DefaultJitter:    0.0,
		DefaultProfile:   profile,
		KillDate:         killDate,
		WorkingHours:     workingHours,
		DefaultLostLimit: lostLimit,
		SlackURL:         slackURL,
	}

	// Agent plane.
	agentMux := http.NewServeMux()
	agentMux.Handle("/", &listener.HTTP{
		Manager:    mgr,
		StagingKey: []byte(stagingKey),
		Options:    opts,
	})
	agentLn, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	agentSrv := newHTTPServer(agentMux)
	go func() {
		if err := agentSrv.Serve(agentLn); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if tcpListen != "" {
		tcpLn, err := net.Listen("tcp", tcpListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		tcp := &listener.TCP{Manager: mgr, StagingKey: []byte(stagingKey), Options: opts, Events: bus}
		go func() {
			if err := tcp.Serve(ctx, tcpLn); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("tcp listener: %v", err)
			}
		}()
	}

	// Operator plane.
	hub := ws.NewHub(bus)
	hub.Upgrader.CheckOrigin = ws.NewOriginChecker(allowedOrigins, allowNoOrigin)
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", prom.Handler(reg))
	opsMux.Handle("/ws", hub)
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	opsLn, err := net.Listen("tcp", opsListen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	opsSrv := newHTTPServer(opsMux)
	go func() {
		if err := opsSrv.Serve(opsLn); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	_ = cmdutil.WriteJSON(stdout, ready{
		Listen:    agentLn.Addr().String(),
		TCPListen: tcpListen,
		OpsListen: opsLn.Addr().String(),
		DB:        dbPath,
		Install:   install,
		Listener:  listenerName,
	})

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = agentSrv.Shutdown(shutdownCtx)
	_ = opsSrv.Shutdown(shutdownCtx)
	cancelShutdown()
	return 0
}

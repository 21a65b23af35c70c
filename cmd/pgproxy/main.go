// Command pgproxy runs the authenticating WebSocket-to-PostgreSQL proxy.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgproxy/pgproxy/internal/audit"
	"github.com/pgproxy/pgproxy/internal/config"
	"github.com/pgproxy/pgproxy/internal/logctx"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
	"github.com/pgproxy/pgproxy/internal/proxy"
	"github.com/pgproxy/pgproxy/internal/wsendpoint"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgproxy: %v\n", err)
		return -1
	}

	log := logctx.New(cfg.Verbosity())

	auditStore, err := buildAuditStore(cfg)
	if err != nil {
		log.Fatal("audit store: %v", err)
		return -1
	}
	defer auditStore.Close()

	driver := pgdriver.NewPGXDriver()
	sup := proxy.New(cfg, log, auditStore, driver)

	endpoint := wsendpoint.New(sup, log)
	server := wsendpoint.NewServer(cfg, endpoint, log)
	sup.SetWSSender(endpoint)

	sup.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatal("websocket listener failed: %v", err)
			return -1
		}
	case <-sig:
		log.Info("received shutdown signal")
		sup.Stop()
		waitForShutdown(sup)
	}

	return 1
}

func buildAuditStore(cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Type {
	case "", "none":
		return audit.NoopStore{}, nil
	case "memory":
		return audit.NewMemoryStore(1000), nil
	case "sqlite":
		return audit.NewSQLiteStore(cfg.Audit.Path)
	case "postgres":
		return audit.NewPostgresStore(cfg.Audit.URL)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Type)
	}
}

// waitForShutdown polls until every client has been destroyed, bounded by
// a generous ceiling so a stuck drain can't hang the process forever.
func waitForShutdown(sup *proxy.Supervisor) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		n, err := sup.ClientCount()
		if err == nil && n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

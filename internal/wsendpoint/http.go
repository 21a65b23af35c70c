package wsendpoint

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pgproxy/pgproxy/internal/config"
	"github.com/pgproxy/pgproxy/internal/logctx"
)

// Server mounts the WebSocket endpoint at the configured path and port.
// Unlike the session-per-URL, debug-HTML, static-site-serving HTTP surface
// this is descended from, it exposes exactly one route: the WebSocket
// upgrade.
type Server struct {
	cfg      *config.Config
	endpoint *Endpoint
	log      *logctx.Logger
	httpSrv  *http.Server
}

// NewServer returns a Server wrapping the given Endpoint.
func NewServer(cfg *config.Config, endpoint *Endpoint, log *logctx.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, endpoint: endpoint, log: log}

	path := cfg.Server.Path
	if path == "" {
		path = "/pgproxy"
	}
	mux.HandleFunc(path, s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.WSPort),
		Handler: mux,
	}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.endpoint.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed: %v", err)
		return
	}

	clientID := newClientID()
	s.endpoint.register(clientID, conn)
	s.endpoint.sup.Connected(clientID, r.RemoteAddr)
	go s.endpoint.readPump(clientID, conn)
}

// ListenAndServe blocks serving the WebSocket endpoint until the server is
// shut down or a listen error occurs.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening for websocket connections on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

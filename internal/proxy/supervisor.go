// Package proxy implements the proxy supervisor: it owns the client
// table, the connection manager, start/stop lifecycle, the periodic tick,
// credential remapping, and the authenticate predicate, routing WebSocket
// events to the right client.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pgproxy/pgproxy/internal/audit"
	"github.com/pgproxy/pgproxy/internal/client"
	"github.com/pgproxy/pgproxy/internal/config"
	"github.com/pgproxy/pgproxy/internal/connmgr"
	"github.com/pgproxy/pgproxy/internal/logctx"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
	"github.com/pgproxy/pgproxy/internal/wire"
)

// WSSender is the WebSocket layer's send seam: deliver payload to
// clientID's socket, or report the transport error that occurred trying.
type WSSender interface {
	Send(clientID string, payload string) error
}

// Supervisor is the Proxy Supervisor (PGProxy) of the system: the single
// owner of client and connection-manager state, reachable only through its
// own serialized event loop.
type Supervisor struct {
	cfg    *config.Config
	log    *logctx.Logger
	audit  audit.Store
	driver pgdriver.Driver
	mgr    *connmgr.Manager

	svc ChanSvc

	mu       sync.RWMutex
	wsSender WSSender

	// The following fields are only ever touched from inside the svc
	// goroutine; no external lock is needed for them.
	clients     map[string]*client.Client
	running     bool
	stopping    bool
	currentTime int64
	idleTime    int64

	tickerStop chan struct{}
}

// New constructs a Supervisor. Call SetWSSender before Start.
func New(cfg *config.Config, log *logctx.Logger, auditStore audit.Store, driver pgdriver.Driver) *Supervisor {
	if auditStore == nil {
		auditStore = audit.NoopStore{}
	}
	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		audit:   auditStore,
		driver:  driver,
		clients: make(map[string]*client.Client),
		svc:     NewChanSvc(256),
	}
	s.mgr = connmgr.New(driver, s, s.post)
	return s
}

func (s *Supervisor) post(f func()) {
	Svc(s.svc, f)
}

// now returns the logical clock value, for stamping client-originated audit
// events (query, executeSql, fatalError) that have no Sink call site.
func (s *Supervisor) now() int64 {
	return s.currentTime
}

// SetWSSender wires the WebSocket layer's send path into the supervisor.
// Supervisor itself implements client.Sender by delegating here, the same
// callback-wiring shape used throughout this codebase to break the
// circular dependency between the socket layer and the component that
// decides what to send.
func (s *Supervisor) SetWSSender(sender WSSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsSender = sender
}

// Send implements client.Sender.
func (s *Supervisor) Send(clientID string, payload string) error {
	s.mu.RLock()
	sender := s.wsSender
	s.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("proxy: no websocket sender configured")
	}
	return sender.Send(clientID, payload)
}

// Start brings the supervisor up: its event loop goroutine and its
// 1-second tick goroutine both begin running.
func (s *Supervisor) Start() {
	go RunSvc(s.svc)
	s.tickerStop = make(chan struct{})
	go s.tickLoop()

	Svc(s.svc, func() {
		s.running = true
		s.log.Info("pgproxy started")
	})
}

func (s *Supervisor) tickLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			Svc(s.svc, s.tick)
		case <-s.tickerStop:
			return
		}
	}
}

// tick runs on the event loop every second: it advances the logical
// clock, drives the idle state dump, and GCs disconnected clients whose
// grace period has elapsed.
func (s *Supervisor) tick() {
	s.currentTime++
	s.idleTime++

	idleDumpEvery := int64(s.cfg.Lifecycle.IdleDumpStateFrequency.Duration() / time.Second)
	if idleDumpEvery > 0 && s.idleTime >= idleDumpEvery {
		s.dumpState()
		s.idleTime = 0
	}

	gcAfter := int64(s.cfg.Lifecycle.GarbageCollectDisconnectedClientsAfter.Duration() / time.Second)
	var toDestroy []string
	for id, c := range s.clients {
		if at, ok := c.DisconnectedAt(); ok && s.currentTime-at >= gcAfter {
			toDestroy = append(toDestroy, id)
		}
	}
	for _, id := range toDestroy {
		s.clientDestroyed(id)
	}
}

func (s *Supervisor) dumpState() {
	s.log.Debug("state dump: clients=%d", len(s.clients))
	if s.cfg.Logging.Debug {
		for id, c := range s.clients {
			fatal, hasFatal := c.FatalError()
			s.log.Debug("  client %s running=%v fatalError=%v(%q)", id, c.Running(), hasFatal, fatal)
		}
	}
}

// Connected handles a freshly accepted WebSocket connection.
func (s *Supervisor) Connected(clientID, ip string) {
	Svc(s.svc, func() {
		if s.stopping {
			s.log.Warn("rejecting connect for %s: supervisor is stopping", clientID)
			return
		}
		s.clients[clientID] = client.New(clientID, s.mgr, s.driver, s, s.post, s.now, s.audit)
		_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventConnect, Detail: ip})
		s.log.Info("client %s connected from %s", clientID, ip)
	})
}

// Disconnected handles a WebSocket disconnect: the client stops being able
// to receive responses and its backend connection begins unwinding, but
// the client record itself survives until GC.
func (s *Supervisor) Disconnected(clientID string) {
	Svc(s.svc, func() {
		c, ok := s.clients[clientID]
		if !ok {
			return
		}
		c.MarkDisconnected(s.currentTime)
		_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventDisconnect})
		if _, hasConn := s.mgr.ConnectionIDFor(clientID); hasConn {
			s.mgr.Disconnect(context.Background(), clientID, "", true)
		}
	})
}

// Message handles one inbound WebSocket text frame.
func (s *Supervisor) Message(clientID, raw string) {
	Svc(s.svc, func() {
		s.handleMessage(clientID, raw)
	})
}

func (s *Supervisor) handleMessage(clientID, raw string) {
	c, ok := s.clients[clientID]
	if !ok {
		s.log.Warn("message for unknown client %s", clientID)
		return
	}

	req := wire.Decode(raw)

	if s.stopping {
		s.log.Info("rejecting request %s from %s: supervisor is stopping", req.RequestID, clientID)
		return
	}

	if req.SessionID == "" || !s.cfg.Authenticate(req.SessionID) {
		c.RespondError(req.RequestID, req.FuncName, "Invalid session")
		return
	}

	if req.Kind == wire.KindConnect {
		req.Host = s.cfg.RemapHost(req.Host)
		req.Port = s.cfg.RemapPort(req.Port)
		req.Database = s.cfg.RemapDatabase(req.Database)
		req.User = s.cfg.RemapUser(req.User)
		req.Password = s.cfg.RemapPassword(req.Password)
	}

	ctx := context.Background()
	if req.Kind == wire.KindConnect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PG.ConnectTimeout.Duration())
		defer cancel()
	}

	c.Handle(ctx, req)
}

// Stop initiates graceful shutdown: every live client stops receiving
// responses, new connections and requests are rejected, the connection
// manager is marked stopping, and DelayedStop is scheduled after the
// configured grace period.
func (s *Supervisor) Stop() {
	Svc(s.svc, func() {
		s.running = false
		s.stopping = true
		for _, c := range s.clients {
			c.Stop()
		}
		s.mgr.SetStopping(true)
		s.log.Info("pgproxy stopping, delayed stop in %s", s.cfg.Lifecycle.DelayBeforeStop.Duration())

		delay := s.cfg.Lifecycle.DelayBeforeStop.Duration()
		time.AfterFunc(delay, func() {
			Svc(s.svc, s.delayedStop)
		})
	})
}

func (s *Supervisor) delayedStop() {
	if len(s.clients) == 0 {
		s.stopped()
		return
	}
	ids := make([]string, 0, len(s.clients))
	for id, c := range s.clients {
		c.MarkDisconnected(s.currentTime)
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.clientDestroyed(id)
	}
}

// ClientDestroyed removes a client's bookkeeping entirely. Exported for use
// as a direct call from tests and host integration; ordinary GC and
// shutdown paths call the internal clientDestroyed from inside the event
// loop already.
func (s *Supervisor) ClientDestroyed(clientID string) {
	Svc(s.svc, func() {
		s.clientDestroyed(clientID)
	})
}

func (s *Supervisor) clientDestroyed(clientID string) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	s.mgr.RemoveClient(clientID)
	_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventDisconnect, Detail: "destroyed"})

	if len(s.clients) == 0 && !s.running {
		s.stopped()
	}
}

func (s *Supervisor) stopped() {
	s.log.Info("pgproxy stopped")
	s.dumpState()
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

// ClientCount reports the number of live client records, for tests and
// diagnostics.
func (s *Supervisor) ClientCount() (int, error) {
	return SvcSync(s.svc, func() (int, error) {
		return len(s.clients), nil
	})
}

// --- connmgr.Sink ---

func (s *Supervisor) ConnectResult(clientID, request, connectionID string, err error) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	req := wire.Decode(request)
	if err != nil {
		_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventConnect, Err: err.Error()})
		c.OnConnectResult(req.RequestID, err)
		return
	}
	_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventConnect, Detail: connectionID})
	c.OnConnectResult(req.RequestID, nil)
}

func (s *Supervisor) DisconnectResult(clientID, request string, err error) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	req := wire.Decode(request)
	_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventDisconnect})
	c.OnDisconnectResult(req.RequestID, err)
}

func (s *Supervisor) ListenResult(clientID, request string, err error) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	req := wire.Decode(request)
	_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventListen})
	c.OnListenResult(req.RequestID, err)
}

func (s *Supervisor) UnlistenResult(clientID, request string, err error) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	req := wire.Decode(request)
	_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: clientID, Type: audit.EventUnlisten})
	c.OnUnlistenResult(req.RequestID, err)
}

func (s *Supervisor) Notification(clientIDs []string, payload string) {
	for _, id := range clientIDs {
		if c, ok := s.clients[id]; ok {
			c.OnNotification(payload)
		}
	}
}

func (s *Supervisor) ConnectionLost(clientIDs []string, err error) {
	for _, id := range clientIDs {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		_ = s.audit.Record(audit.Event{Timestamp: s.currentTime, ClientID: id, Type: audit.EventConnectionLost, Err: err.Error()})
		c.OnConnectionLost(err)
	}
}

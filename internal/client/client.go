// Package client implements the per-WebSocket-client state machine: it
// tracks liveness and the fatal-error latch, applies the canonical
// pre-check error strings, and dispatches decoded requests to the
// connection manager and database driver.
package client

import (
	"context"
	"sync"

	"github.com/pgproxy/pgproxy/internal/audit"
	"github.com/pgproxy/pgproxy/internal/connmgr"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
	"github.com/pgproxy/pgproxy/internal/wire"
)

// Sender delivers a formatted response string to the client's WebSocket.
// Send returns an error if the underlying transport failed to deliver it.
type Sender interface {
	Send(clientID string, payload string) error
}

// Client is one live WebSocket connection's state.
type Client struct {
	mu sync.Mutex

	ID             string
	running        bool
	fatalError     string
	hasFatalError  bool
	disconnectedAt int64 // supervisor's logical clock, in seconds; meaningful only when disconnected
	disconnected   bool
	listenRequest  string

	lastRequestID string
	lastFuncName  string

	mgr    *connmgr.Manager
	driver pgdriver.Driver
	sender Sender
	post   func(func())
	now    func() int64
	audit  audit.Store
}

// New returns a live Client bound to the given connection manager, driver,
// and WebSocket sender. post must schedule its argument onto the same
// serialized event loop that calls into the Client's own methods; driver
// callbacks use it to bring query/executeSql results back onto that loop.
// now supplies the logical timestamp used to stamp audit events recorded
// directly by the client (query, executeSql, fatalError); auditStore may be
// nil, in which case those events are simply not recorded.
func New(id string, mgr *connmgr.Manager, driver pgdriver.Driver, sender Sender, post func(func()), now func() int64, auditStore audit.Store) *Client {
	if auditStore == nil {
		auditStore = audit.NoopStore{}
	}
	return &Client{ID: id, running: true, mgr: mgr, driver: driver, sender: sender, post: post, now: now, audit: auditStore}
}

// recordAudit records a client-originated event (query, executeSql,
// fatalError) that the supervisor has no call site for, since their
// completion is reported straight from the driver callback to the client
// rather than routed back through the connection manager's Sink.
func (c *Client) recordAudit(t audit.EventType, detail, errMsg string) {
	var ts int64
	if c.now != nil {
		ts = c.now()
	}
	_ = c.audit.Record(audit.Event{Timestamp: ts, ClientID: c.ID, Type: t, Detail: detail, Err: errMsg})
}

// Running reports whether the client is still live (stop not yet issued).
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop marks the client stopped: thereafter responder calls become no-ops,
// though internal bookkeeping (e.g. connection manager cleanup) continues.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// MarkDisconnected stamps disconnectedAt and clears running, starting the
// GC countdown. Per the client record's definition, running goes false
// once stop is initiated *or* disconnection is recorded.
func (c *Client) MarkDisconnected(now int64) {
	c.mu.Lock()
	c.disconnectedAt = now
	c.disconnected = true
	c.running = false
	c.mu.Unlock()
}

// DisconnectedAt returns the disconnect timestamp and whether it is set.
func (c *Client) DisconnectedAt() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		return 0, false
	}
	return c.disconnectedAt, true
}

// FatalError returns the latched fatal error message, if any. Per
// invariant I4 this is monotonic: once set it is cleared only by client
// destruction, never by any request handling.
func (c *Client) FatalError() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalError, c.hasFatalError
}

// setFatalError latches the fatal error if one is not already set.
func (c *Client) setFatalError(msg string) {
	c.mu.Lock()
	alreadySet := c.hasFatalError
	if !alreadySet {
		c.hasFatalError = true
		c.fatalError = msg
	}
	c.mu.Unlock()
	if !alreadySet {
		c.recordAudit(audit.EventFatalError, "", msg)
	}
}

// ListenRequest returns the raw request that most recently established
// this client's current LISTEN subscription, used to tag unsolicited
// notifications.
func (c *Client) ListenRequest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenRequest
}

func (c *Client) setListenRequest(req *wire.Request) {
	c.mu.Lock()
	c.listenRequest = req.Raw
	c.mu.Unlock()
}

// LastRequest returns the requestId/func of the most recently dispatched
// request, used to tag a ConnectionLost error against "the client's most
// recent request" per the connection manager's fan-out contract.
func (c *Client) LastRequest() (requestID, funcName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequestID, c.lastFuncName
}

func (c *Client) rememberRequest(req *wire.Request) {
	c.mu.Lock()
	c.lastRequestID = req.RequestID
	c.lastFuncName = req.FuncName
	c.mu.Unlock()
}

// Canonical pre-check error strings, per section 4.4.
const (
	errNotConnected      = "Operation NOT allowed since not connected"
	errListening         = "Operation NOT allowed since connection is used for listening"
	errAlreadyListening  = "Operation NOT allowed since connection is ALREADY used for listening"
	errNotListeningOnChan = "Operation NOT allowed since connection is NOT listening to specified channel"
)

// Handle processes one decoded request. Credential remapping for Connect
// must already have been applied by the caller (the supervisor owns the
// remap tables).
func (c *Client) Handle(ctx context.Context, req *wire.Request) {
	c.rememberRequest(req)

	if msg, ok := c.FatalError(); ok {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, msg))
		return
	}

	switch req.Kind {
	case wire.KindConnect:
		c.handleConnect(ctx, req)
	case wire.KindDisconnect:
		c.handleDisconnect(ctx, req)
	case wire.KindQuery:
		c.handleQuery(ctx, req)
	case wire.KindMoreQueryResults:
		c.handleMoreQueryResults(ctx, req)
	case wire.KindExecuteSql:
		c.handleExecuteSql(ctx, req)
	case wire.KindListen:
		c.handleListen(ctx, req)
	case wire.KindUnlisten:
		c.handleUnlisten(ctx, req)
	default:
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, req.ErrorDetail))
	}
}

func (c *Client) handleConnect(ctx context.Context, req *wire.Request) {
	connReq := connmgr.ConnectRequest{
		Host: req.Host, Port: req.Port, Database: req.Database, User: req.User, Password: req.Password,
	}
	c.mgr.Connect(ctx, c.ID, connReq, req.Raw)
}

func (c *Client) handleDisconnect(ctx context.Context, req *wire.Request) {
	if _, ok := c.mgr.ConnectionIDFor(c.ID); !ok {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errNotConnected))
		return
	}
	c.mgr.Disconnect(ctx, c.ID, req.Raw, req.DiscardConnection)
}

func (c *Client) handleQuery(ctx context.Context, req *wire.Request) {
	connID, ok := c.mgr.ConnectionIDFor(c.ID)
	if !ok {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errNotConnected))
		return
	}
	if !c.mgr.IsNonListenConnection(c.ID) {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errListening))
		return
	}
	c.driver.Query(ctx, connID, req.SQL, req.RecordCount, &queryResultCB{c: c, req: req})
}

func (c *Client) handleMoreQueryResults(ctx context.Context, req *wire.Request) {
	connID, ok := c.mgr.ConnectionIDFor(c.ID)
	if !ok {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errNotConnected))
		return
	}
	c.driver.MoreQueryResults(ctx, connID, &queryResultCB{c: c, req: req})
}

func (c *Client) handleExecuteSql(ctx context.Context, req *wire.Request) {
	connID, ok := c.mgr.ConnectionIDFor(c.ID)
	if !ok {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errNotConnected))
		return
	}
	if !c.mgr.IsNonListenConnection(c.ID) {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errListening))
		return
	}
	c.driver.ExecuteSql(ctx, connID, req.SQL, &executeSqlCB{c: c, req: req})
}

// queryResultCB completes a Query or MoreQueryResults dispatched to the
// driver, posting the response back onto the client's event loop rather
// than letting the driver's own goroutine touch client state directly.
type queryResultCB struct {
	c   *Client
	req *wire.Request
}

func (q *queryResultCB) QueryDone(records []string, err error) {
	q.c.post(func() {
		if err != nil {
			q.c.recordAudit(audit.EventQuery, q.req.FuncName, err.Error())
			q.c.respond(wire.Error(q.req.RequestID, q.req.FuncName, q.c.ID, err.Error()))
			return
		}
		q.c.recordAudit(audit.EventQuery, q.req.FuncName, "")
		q.c.respond(wire.SuccessRecords(q.req.RequestID, q.req.FuncName, q.c.ID, records))
	})
}

// executeSqlCB completes an ExecuteSql dispatched to the driver, posting
// the response back onto the client's event loop.
type executeSqlCB struct {
	c   *Client
	req *wire.Request
}

func (e *executeSqlCB) ExecuteSqlDone(count int, err error) {
	e.c.post(func() {
		if err != nil {
			e.c.recordAudit(audit.EventExecuteSql, e.req.FuncName, err.Error())
			e.c.respond(wire.Error(e.req.RequestID, e.req.FuncName, e.c.ID, err.Error()))
			return
		}
		e.c.recordAudit(audit.EventExecuteSql, e.req.FuncName, "")
		e.c.respond(wire.SuccessCount(e.req.RequestID, e.req.FuncName, e.c.ID, count))
	})
}

func (c *Client) handleListen(ctx context.Context, req *wire.Request) {
	if !c.mgr.IsNonListenConnection(c.ID) {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errAlreadyListening))
		return
	}
	c.setListenRequest(req)
	c.mgr.Listen(ctx, c.ID, req.Raw, req.Channel)
}

func (c *Client) handleUnlisten(ctx context.Context, req *wire.Request) {
	if !c.mgr.IsListeningOnChannel(c.ID, req.Channel) {
		c.respond(wire.Error(req.RequestID, req.FuncName, c.ID, errNotListeningOnChan))
		return
	}
	c.mgr.Unlisten(ctx, c.ID, req.Raw, req.Channel)
}

// OnConnectResult finishes a Connect dispatched via the connection manager.
func (c *Client) OnConnectResult(requestID string, err error) {
	if err != nil {
		c.respond(wire.Error(requestID, "connect", c.ID, err.Error()))
		return
	}
	c.respond(wire.Success(requestID, "connect", c.ID))
}

// OnDisconnectResult finishes a Disconnect dispatched via the connection manager.
func (c *Client) OnDisconnectResult(requestID string, err error) {
	if err != nil {
		c.respond(wire.Error(requestID, "disconnect", c.ID, err.Error()))
		return
	}
	c.respond(wire.Success(requestID, "disconnect", c.ID))
}

// OnListenResult finishes a Listen dispatched via the connection manager.
func (c *Client) OnListenResult(requestID string, err error) {
	if err != nil {
		c.respond(wire.Error(requestID, "listen", c.ID, err.Error()))
		return
	}
	c.respond(wire.Success(requestID, "listen", c.ID))
}

// OnUnlistenResult finishes an Unlisten dispatched via the connection manager.
func (c *Client) OnUnlistenResult(requestID string, err error) {
	if err != nil {
		c.respond(wire.Error(requestID, "unlisten", c.ID, err.Error()))
		return
	}
	c.respond(wire.Success(requestID, "unlisten", c.ID))
}

// OnNotification delivers an unsolicited LISTEN notification, tagged with
// the raw request that established the subscription.
func (c *Client) OnNotification(payload string) {
	listenReq := wire.Decode(c.ListenRequest())
	c.respond(wire.ListenNotification(listenReq.RequestID, "listen", c.ID, payload))
}

// OnConnectionLost reports a ConnectionLost against the client's most
// recently dispatched request.
func (c *Client) OnConnectionLost(err error) {
	requestID, _ := c.LastRequest()
	c.respond(wire.ConnectionLost(requestID, c.ID, err.Error()))
}

// RespondError sends a standalone error response not tied to the normal
// dispatch table, used by the supervisor for pre-dispatch rejections such
// as a failed authentication check.
func (c *Client) RespondError(requestID, funcName, message string) {
	c.respond(wire.Error(requestID, funcName, c.ID, message))
}

// respond sends a response unless the client has been stopped, per
// section 4.4: once running is false, responder calls become no-ops so
// internal bookkeeping can continue without issuing further WebSocket
// sends.
func (c *Client) respond(r *wire.Response) {
	if !c.Running() {
		return
	}
	if err := c.sender.Send(c.ID, r.Encode()); err != nil {
		c.setFatalError("Unable to send: " + err.Error())
	}
}

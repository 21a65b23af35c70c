// Package connmgr implements the connection manager: it binds ClientIds to
// backend ConnectionIds and shares long-lived LISTEN connections across
// clients that present identical credentials and subscribe to the same
// channel.
package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/pgproxy/pgproxy/internal/pgdriver"
)

// ConnectRequest is the caller-supplied set of connection credentials.
type ConnectRequest struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Fingerprint is the (host, port, database, user) tuple used as the LISTEN
// sharing key. Password is intentionally excluded so that clients with
// identical non-secret credentials can share one backend LISTEN.
type Fingerprint struct {
	Host     string
	Port     int
	Database string
	User     string
}

func (r ConnectRequest) Fingerprint() Fingerprint {
	return Fingerprint{Host: r.Host, Port: r.Port, Database: r.Database, User: r.User}
}

func (r ConnectRequest) toDriverRequest() pgdriver.ConnectRequest {
	return pgdriver.ConnectRequest{
		Host: r.Host, Port: r.Port, Database: r.Database, User: r.User, Password: r.Password,
	}
}

// Sink receives the asynchronous outcomes of connection-manager operations.
// All methods are invoked on the caller's event loop (via the Post
// function passed to New), never concurrently, matching the single-thread
// scheduling model the rest of the proxy assumes.
type Sink interface {
	ConnectResult(clientID, request, connectionID string, err error)
	DisconnectResult(clientID, request string, err error)
	ListenResult(clientID, request string, err error)
	UnlistenResult(clientID, request string, err error)
	Notification(clientIDs []string, payload string)
	ConnectionLost(clientIDs []string, err error)
}

type connectRecord struct {
	req     ConnectRequest
	request string
}

type listenKey struct {
	fp      Fingerprint
	channel string
}

type sharedListenEntry struct {
	ownerClientID string
	connectionID  string
	refCount      int
}

// Manager owns the connect-request table, the client-to-connection index,
// and the shared-LISTEN index described in section 3 of the data model.
type Manager struct {
	mu sync.RWMutex

	driver pgdriver.Driver
	sink   Sink
	post   func(func())

	connectRequests map[string]connectRecord     // clientId -> (ConnectRequest, Request)
	connectionIDs   map[string]string            // clientId -> connectionId
	sharedListen    map[listenKey]*sharedListenEntry
	listenByConnID  map[string]listenKey // connectionId -> its shared listen key, for reverse lookup
	stopping        bool
}

// New returns a Manager driving the given pgdriver.Driver. post must
// schedule its argument onto the same serialized event loop that calls
// into the Manager's own methods.
func New(driver pgdriver.Driver, sink Sink, post func(func())) *Manager {
	return &Manager{
		driver:          driver,
		sink:            sink,
		post:            post,
		connectRequests: make(map[string]connectRecord),
		connectionIDs:   make(map[string]string),
		sharedListen:    make(map[listenKey]*sharedListenEntry),
		listenByConnID:  make(map[string]listenKey),
	}
}

// SetStopping marks the manager as draining. No manager operation consults
// the flag: Connect and the other operations behave the same while it is set.
func (m *Manager) SetStopping(stopping bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopping = stopping
}

// Connect stores the connect record and issues a driver-level connect.
func (m *Manager) Connect(ctx context.Context, clientID string, req ConnectRequest, request string) {
	m.mu.Lock()
	m.connectRequests[clientID] = connectRecord{req: req, request: request}
	m.mu.Unlock()

	m.driver.Connect(ctx, req.toDriverRequest(), &callbackAdapter{mgr: m, clientID: clientID, request: request})
}

// Connected is invoked (via the driver's callback, re-posted onto the
// event loop) once a connect attempt for clientID succeeds.
func (m *Manager) Connected(clientID, request, connectionID string) {
	m.mu.Lock()
	_, stillWanted := m.connectRequests[clientID]
	if stillWanted {
		m.connectionIDs[clientID] = connectionID
	}
	m.mu.Unlock()

	if !stillWanted {
		// The client disconnected while the connect was in flight; tear
		// down the now-orphaned backend connection immediately.
		m.driver.Disconnect(context.Background(), connectionID, true, discardAck{})
		return
	}
	m.sink.ConnectResult(clientID, request, connectionID, nil)
}

// ConnectFailed is invoked when a driver-level connect attempt fails.
func (m *Manager) ConnectFailed(clientID, request string, err error) {
	m.mu.Lock()
	delete(m.connectRequests, clientID)
	m.mu.Unlock()
	m.sink.ConnectResult(clientID, request, "", err)
}

// Disconnect drops clientID's binding. If it is the last reference to a
// shared connection, the backend connection is actually closed; otherwise
// the client's mapping is simply dropped and success is synthesized
// immediately.
func (m *Manager) Disconnect(ctx context.Context, clientID, request string, discardConnection bool) {
	m.mu.Lock()
	connectionID, hasConn := m.connectionIDs[clientID]
	if !hasConn {
		m.mu.Unlock()
		m.sink.DisconnectResult(clientID, request, nil)
		return
	}

	refs := m.referencesLocked(connectionID)
	delete(m.connectionIDs, clientID)
	delete(m.connectRequests, clientID)

	if len(refs) > 1 {
		// Not the last sharer: just drop this client's mapping.
		if key, ok := m.listenByConnID[connectionID]; ok {
			if entry := m.sharedListen[key]; entry != nil {
				entry.refCount--
			}
		}
		m.mu.Unlock()
		m.sink.DisconnectResult(clientID, request, nil)
		return
	}

	// Last reference: actually close the backend connection.
	if key, ok := m.listenByConnID[connectionID]; ok {
		delete(m.sharedListen, key)
		delete(m.listenByConnID, connectionID)
	}
	m.mu.Unlock()

	m.driver.Disconnect(ctx, connectionID, discardConnection, &disconnectAck{mgr: m, clientID: clientID, request: request})
}

// disconnectAck completes a Disconnect dispatched to the driver, posting
// the outcome back onto the manager's event loop.
type disconnectAck struct {
	mgr      *Manager
	clientID string
	request  string
}

func (a *disconnectAck) Done(err error) {
	a.mgr.post(func() {
		a.mgr.sink.DisconnectResult(a.clientID, a.request, err)
	})
}

// discardAck is used for driver calls whose outcome nothing downstream
// waits on (e.g. releasing a client's superseded connection after it
// rebinds onto an existing shared LISTEN).
type discardAck struct{}

func (discardAck) Done(error) {}

// referencesLocked returns every clientID currently bound to connectionID.
// Caller must hold m.mu.
func (m *Manager) referencesLocked(connectionID string) []string {
	var out []string
	for cid, cc := range m.connectionIDs {
		if cc == connectionID {
			out = append(out, cid)
		}
	}
	return out
}

// IsNonListenConnection reports whether clientID has no connection, or its
// connection is not a shared LISTEN connection.
func (m *Manager) IsNonListenConnection(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connectionID, ok := m.connectionIDs[clientID]
	if !ok {
		return true
	}
	_, isListen := m.listenByConnID[connectionID]
	return !isListen
}

// IsListeningOnChannel reports whether clientID's connection is the shared
// LISTEN entry for the given channel.
func (m *Manager) IsListeningOnChannel(clientID, channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connectionID, ok := m.connectionIDs[clientID]
	if !ok {
		return false
	}
	key, ok := m.listenByConnID[connectionID]
	return ok && key.channel == channel
}

// Listen requires IsNonListenConnection(clientID). It either rebinds the
// client onto an existing shared LISTEN connection (releasing the client's
// former connection), or promotes the client's own connection into a new
// shared LISTEN entry.
func (m *Manager) Listen(ctx context.Context, clientID, request, channel string) {
	m.mu.Lock()
	rec, hasRec := m.connectRequests[clientID]
	oldConnID, hasConn := m.connectionIDs[clientID]
	if !hasRec || !hasConn {
		m.mu.Unlock()
		m.sink.ListenResult(clientID, request, fmt.Errorf("Operation NOT allowed since not connected"))
		return
	}

	key := listenKey{fp: rec.req.Fingerprint(), channel: channel}
	if entry, exists := m.sharedListen[key]; exists {
		entry.refCount++
		m.connectionIDs[clientID] = entry.connectionID
		m.mu.Unlock()

		if oldConnID != entry.connectionID {
			m.driver.Disconnect(ctx, oldConnID, true, discardAck{})
		}
		m.sink.ListenResult(clientID, request, nil)
		return
	}

	entry := &sharedListenEntry{ownerClientID: clientID, connectionID: oldConnID, refCount: 1}
	m.sharedListen[key] = entry
	m.listenByConnID[oldConnID] = key
	m.mu.Unlock()

	notifyCB := &callbackAdapter{mgr: m, clientID: clientID, request: request}
	ack := &listenAck{mgr: m, clientID: clientID, request: request, connectionID: oldConnID, key: key}
	m.driver.Listen(ctx, oldConnID, channel, notifyCB, ack)
}

// listenAck completes the initial LISTEN registration dispatched to the
// driver, rolling back the just-installed shared entry on failure and
// posting the outcome back onto the manager's event loop.
type listenAck struct {
	mgr          *Manager
	clientID     string
	request      string
	connectionID string
	key          listenKey
}

func (a *listenAck) Done(err error) {
	a.mgr.post(func() {
		if err != nil {
			a.mgr.mu.Lock()
			if cur, ok := a.mgr.sharedListen[a.key]; ok && cur.connectionID == a.connectionID {
				delete(a.mgr.sharedListen, a.key)
				delete(a.mgr.listenByConnID, a.connectionID)
			}
			a.mgr.mu.Unlock()
		}
		a.mgr.sink.ListenResult(a.clientID, a.request, err)
	})
}

// Unlisten requires IsListeningOnChannel(clientID, channel). If clientID is
// the last sharer, the shared slot is removed and a driver-level UNLISTEN
// is issued; success is reported once the driver acknowledges it, and the
// connection stays bound to clientID as an ordinary non-listen connection.
// Otherwise a fresh non-listen connection is dialed for clientID before it
// is released from the shared slot.
func (m *Manager) Unlisten(ctx context.Context, clientID, request, channel string) {
	m.mu.Lock()
	connectionID, ok := m.connectionIDs[clientID]
	if !ok {
		m.mu.Unlock()
		m.sink.UnlistenResult(clientID, request, fmt.Errorf("Operation NOT allowed since not connected"))
		return
	}
	key, ok := m.listenByConnID[connectionID]
	if !ok || key.channel != channel {
		m.mu.Unlock()
		m.sink.UnlistenResult(clientID, request, fmt.Errorf("Operation NOT allowed since connection is NOT listening to specified channel"))
		return
	}
	entry := m.sharedListen[key]
	rec := m.connectRequests[clientID]

	if entry.refCount <= 1 {
		delete(m.sharedListen, key)
		delete(m.listenByConnID, connectionID)
		m.mu.Unlock()
		m.driver.Unlisten(ctx, connectionID, channel, &unlistenAck{mgr: m, clientID: clientID, request: request})
		return
	}

	entry.refCount--
	m.mu.Unlock()

	// Reconnect: give clientID its own non-listen connection.
	adapter := &callbackAdapter{mgr: m, clientID: clientID, request: request, reconnectAfterUnlisten: true}
	m.driver.Connect(ctx, rec.req.toDriverRequest(), adapter)
}

// unlistenAck completes the last-sharer Unlisten path, which must still
// issue a driver-level UNLISTEN (and let it stop the backend's
// notification loop) before reporting success.
type unlistenAck struct {
	mgr      *Manager
	clientID string
	request  string
}

func (a *unlistenAck) Done(err error) {
	a.mgr.post(func() {
		a.mgr.sink.UnlistenResult(a.clientID, a.request, err)
	})
}

// internalUnlistenConnected finishes the reconnect leg of Unlisten: the
// client is bound to its new dedicated connection and the shared entry no
// longer counts it.
func (m *Manager) internalUnlistenConnected(clientID, request, connectionID string) {
	m.mu.Lock()
	m.connectionIDs[clientID] = connectionID
	m.mu.Unlock()
	m.sink.UnlistenResult(clientID, request, nil)
}

// NotificationReceived fans a driver notification out to every client
// currently bound to the connection it arrived on.
func (m *Manager) NotificationReceived(n pgdriver.Notification) {
	m.post(func() {
		m.mu.RLock()
		var clientIDs []string
		for cid, cc := range m.connectionIDs {
			if cc == n.ConnectionID {
				clientIDs = append(clientIDs, cid)
			}
		}
		m.mu.RUnlock()

		if len(clientIDs) == 0 {
			return
		}
		m.sink.Notification(clientIDs, n.Payload)
	})
}

// ConnectionLost destroys all bookkeeping for connectionID and reports the
// affected clients so their most recent request can be answered with an
// error.
func (m *Manager) ConnectionLost(connectionID string, err error) {
	m.post(func() {
		m.mu.Lock()
		var clientIDs []string
		for cid, cc := range m.connectionIDs {
			if cc == connectionID {
				clientIDs = append(clientIDs, cid)
				delete(m.connectionIDs, cid)
				delete(m.connectRequests, cid)
			}
		}
		if key, ok := m.listenByConnID[connectionID]; ok {
			delete(m.sharedListen, key)
			delete(m.listenByConnID, connectionID)
		}
		m.mu.Unlock()

		if len(clientIDs) > 0 {
			m.sink.ConnectionLost(clientIDs, err)
		}
	})
}

// RemoveClient drops all bookkeeping for clientID without touching the
// backend connection; used when a client is force-destroyed and its
// connection cleanup has already been (or will be) handled separately.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connectRequests, clientID)
	delete(m.connectionIDs, clientID)
}

// ConnectionIDFor returns clientID's current backend connection, if any.
func (m *Manager) ConnectionIDFor(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.connectionIDs[clientID]
	return id, ok
}

// callbackAdapter implements pgdriver.Callbacks for a single in-flight
// operation, re-posting every callback onto the manager's event loop
// before touching manager state.
type callbackAdapter struct {
	mgr                    *Manager
	clientID               string
	request                string
	reconnectAfterUnlisten bool
}

func (a *callbackAdapter) Connected(connectionID string) {
	a.mgr.post(func() {
		if a.reconnectAfterUnlisten {
			a.mgr.internalUnlistenConnected(a.clientID, a.request, connectionID)
			return
		}
		a.mgr.Connected(a.clientID, a.request, connectionID)
	})
}

func (a *callbackAdapter) ConnectFailed(err error) {
	a.mgr.post(func() {
		if a.reconnectAfterUnlisten {
			a.mgr.sink.UnlistenResult(a.clientID, a.request, err)
			return
		}
		a.mgr.ConnectFailed(a.clientID, a.request, err)
	})
}

func (a *callbackAdapter) NotificationReceived(n pgdriver.Notification) {
	a.mgr.NotificationReceived(n)
}

func (a *callbackAdapter) ConnectionLost(connectionID string, err error) {
	a.mgr.ConnectionLost(connectionID, err)
}

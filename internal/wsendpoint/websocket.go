// Package wsendpoint hosts the minimal WebSocket listener: it upgrades
// incoming connections at the configured path, posts Connected/
// Disconnected/Message events into the supervisor's event loop, and
// writes responses back over the socket on demand.
package wsendpoint

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pgproxy/pgproxy/internal/logctx"
)

// EventSink is the subset of the supervisor's API the endpoint drives.
type EventSink interface {
	Connected(clientID, ip string)
	Disconnected(clientID string)
	Message(clientID, raw string)
}

// Endpoint owns the live WebSocket connection table and implements
// proxy.WSSender by writing directly to the relevant connection.
type Endpoint struct {
	sup EventSink
	log *logctx.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// New returns an Endpoint that will route accepted connections' events to
// sup.
func New(sup EventSink, log *logctx.Logger) *Endpoint {
	return &Endpoint{
		sup:   sup,
		log:   log,
		conns: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Send implements proxy.WSSender.
func (e *Endpoint) Send(clientID string, payload string) error {
	e.mu.RLock()
	conn, ok := e.conns[clientID]
	e.mu.RUnlock()
	if !ok {
		return errUnknownClient(clientID)
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (e *Endpoint) register(clientID string, conn *websocket.Conn) {
	e.mu.Lock()
	e.conns[clientID] = conn
	e.mu.Unlock()
}

func (e *Endpoint) unregister(clientID string) {
	e.mu.Lock()
	delete(e.conns, clientID)
	e.mu.Unlock()
}

func (e *Endpoint) readPump(clientID string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		e.unregister(clientID)
		e.sup.Disconnected(clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.log.Debug("client %s read error: %v", clientID, err)
			return
		}
		e.sup.Message(clientID, string(data))
	}
}

// newClientID assigns an opaque identifier to a freshly accepted
// connection, stable for the lifetime of that WebSocket.
func newClientID() string {
	return uuid.NewString()
}

type errUnknownClient string

func (e errUnknownClient) Error() string {
	return "wsendpoint: unknown client " + string(e)
}

package client

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pgproxy/pgproxy/internal/connmgr"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
	"github.com/pgproxy/pgproxy/internal/wire"
)

// fakeDriver connects and listens synchronously, one connection per call,
// so tests can drive the connection manager without a real database.
type fakeDriver struct {
	nextID int
}

func (d *fakeDriver) Connect(ctx context.Context, req pgdriver.ConnectRequest, cb pgdriver.Callbacks) {
	d.nextID++
	cb.Connected(itoaTest(d.nextID))
}
func (d *fakeDriver) Disconnect(ctx context.Context, connectionID string, discard bool, cb pgdriver.AckCallback) {
	cb.Done(nil)
}
func (d *fakeDriver) Query(ctx context.Context, connectionID, sql string, recordCount int, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}
func (d *fakeDriver) MoreQueryResults(ctx context.Context, connectionID string, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}
func (d *fakeDriver) ExecuteSql(ctx context.Context, connectionID, sql string, cb pgdriver.ExecuteSqlCallback) {
	cb.ExecuteSqlDone(0, nil)
}
func (d *fakeDriver) Listen(ctx context.Context, connectionID, channel string, cb pgdriver.Callbacks, ack pgdriver.AckCallback) {
	ack.Done(nil)
}
func (d *fakeDriver) Unlisten(ctx context.Context, connectionID, channel string, cb pgdriver.AckCallback) {
	cb.Done(nil)
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return "conn-" + digits
}

type recordingSender struct {
	sent    []string
	failNext bool
}

func (s *recordingSender) Send(clientID, payload string) error {
	if s.failNext {
		s.failNext = false
		return errors.New("broken pipe")
	}
	s.sent = append(s.sent, payload)
	return nil
}

func newTestClient(sender Sender) *Client {
	mgr := connmgr.New(nil, noopSink{}, func(f func()) { f() })
	return New("client-1", mgr, nil, sender, func(f func()) { f() }, func() int64 { return 0 }, nil)
}

type noopSink struct{}

func (noopSink) ConnectResult(clientID, request, connectionID string, err error)  {}
func (noopSink) DisconnectResult(clientID, request string, err error)            {}
func (noopSink) ListenResult(clientID, request string, err error)               {}
func (noopSink) UnlistenResult(clientID, request string, err error)             {}
func (noopSink) Notification(clientIDs []string, payload string)                {}
func (noopSink) ConnectionLost(clientIDs []string, err error)                   {}

func TestFatalErrorLatchIsMonotonic(t *testing.T) {
	sender := &recordingSender{failNext: true}
	c := newTestClient(sender)

	req := wire.Decode(`{"func":"disconnect","requestId":1,"sessionId":"s"}`)
	c.handleDisconnect(context.Background(), req) // triggers a respond() -> send failure -> latches fatalError

	msg, ok := c.FatalError()
	if !ok || !strings.Contains(msg, "broken pipe") {
		t.Fatalf("expected fatalError to be latched with send failure, got %q (ok=%v)", msg, ok)
	}

	// A second, otherwise-successful send must not overwrite the latch.
	sender.failNext = false
	c.respond(wire.Success("2", "query", c.ID))
	msg2, _ := c.FatalError()
	if msg2 != msg {
		t.Fatalf("fatalError mutated after being set: got %q, originally %q", msg2, msg)
	}

	// Every subsequent request must echo the latched message.
	req2 := wire.Decode(`{"func":"query","requestId":3,"sessionId":"s","sql":"SELECT 1","recordCount":1}`)
	c.Handle(context.Background(), req2)
	last := sender.sent[len(sender.sent)-1]
	if !strings.Contains(last, msg) {
		t.Fatalf("expected response to echo fatalError %q, got %q", msg, last)
	}
}

func TestPreCheckErrorStrings(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(sender)

	req := wire.Decode(`{"func":"disconnect","requestId":1,"sessionId":"s"}`)
	c.Handle(context.Background(), req)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0], errNotConnected) {
		t.Fatalf("expected %q in response, got %q", errNotConnected, sender.sent[0])
	}
}

func TestListeningModeForbidsQueryAndExecuteSql(t *testing.T) {
	sender := &recordingSender{}
	driver := &fakeDriver{}
	mgr := connmgr.New(driver, noopSink{}, func(f func()) { f() })
	c := New("client-1", mgr, driver, sender, func(f func()) { f() }, func() int64 { return 0 }, nil)

	c.Handle(context.Background(), wire.Decode(
		`{"func":"connect","requestId":1,"sessionId":"s","host":"h","port":5432,"database":"d","user":"u","password":"p"}`))
	c.Handle(context.Background(), wire.Decode(
		`{"func":"listen","requestId":2,"sessionId":"s","channel":"events"}`))

	sender.sent = nil
	c.Handle(context.Background(), wire.Decode(
		`{"func":"query","requestId":3,"sessionId":"s","sql":"SELECT 1","recordCount":1}`))
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], errListening) {
		t.Fatalf("expected query on a listening connection to be rejected with %q, got %v", errListening, sender.sent)
	}

	sender.sent = nil
	c.Handle(context.Background(), wire.Decode(
		`{"func":"executeSql","requestId":4,"sessionId":"s","sql":"UPDATE t SET x=1"}`))
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], errListening) {
		t.Fatalf("expected executeSql on a listening connection to be rejected with %q, got %v", errListening, sender.sent)
	}
}

func TestStopSuppressesResponses(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(sender)
	c.Stop()

	req := wire.Decode(`{"func":"disconnect","requestId":1,"sessionId":"s"}`)
	c.Handle(context.Background(), req)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no responses once stopped, got %d", len(sender.sent))
	}
}

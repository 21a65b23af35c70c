package connmgr

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
)

// fakeDriver is a synchronous, in-memory stand-in for pgdriver.Driver.
// Every operation reports its outcome immediately rather than from a
// background goroutine, which keeps these tests deterministic.
type fakeDriver struct {
	mu          sync.Mutex
	failConnect bool
	channels    map[string]map[string]bool // connectionId -> channel -> subscribed
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{channels: make(map[string]map[string]bool)}
}

func (f *fakeDriver) Connect(ctx context.Context, req pgdriver.ConnectRequest, cb pgdriver.Callbacks) {
	if f.failConnect {
		cb.ConnectFailed(assertErr("connect refused"))
		return
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.channels[id] = make(map[string]bool)
	f.mu.Unlock()
	cb.Connected(id)
}

func (f *fakeDriver) Disconnect(ctx context.Context, connectionID string, discard bool, cb pgdriver.AckCallback) {
	f.mu.Lock()
	delete(f.channels, connectionID)
	f.mu.Unlock()
	cb.Done(nil)
}

func (f *fakeDriver) Query(ctx context.Context, connectionID, sql string, recordCount int, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}

func (f *fakeDriver) MoreQueryResults(ctx context.Context, connectionID string, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}

func (f *fakeDriver) ExecuteSql(ctx context.Context, connectionID, sql string, cb pgdriver.ExecuteSqlCallback) {
	cb.ExecuteSqlDone(0, nil)
}

func (f *fakeDriver) Listen(ctx context.Context, connectionID, channel string, cb pgdriver.Callbacks, ack pgdriver.AckCallback) {
	f.mu.Lock()
	if f.channels[connectionID] == nil {
		f.channels[connectionID] = make(map[string]bool)
	}
	f.channels[connectionID][channel] = true
	f.mu.Unlock()
	ack.Done(nil)
}

func (f *fakeDriver) Unlisten(ctx context.Context, connectionID, channel string, cb pgdriver.AckCallback) {
	f.mu.Lock()
	delete(f.channels[connectionID], channel)
	f.mu.Unlock()
	cb.Done(nil)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(s string) error { return testErr(s) }

// fakeSink records every outcome delivered to it.
type fakeSink struct {
	mu             sync.Mutex
	connected      map[string]string // clientId -> connectionId
	connectErrs    map[string]error
	disconnects    []string
	listenErrs     map[string]error
	unlistenOK     map[string]bool
	notifications  [][]string
	connectionLost [][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		connected:   make(map[string]string),
		connectErrs: make(map[string]error),
		listenErrs:  make(map[string]error),
		unlistenOK:  make(map[string]bool),
	}
}

func (s *fakeSink) ConnectResult(clientID, request, connectionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.connectErrs[clientID] = err
		return
	}
	s.connected[clientID] = connectionID
}

func (s *fakeSink) DisconnectResult(clientID, request string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, clientID)
}

func (s *fakeSink) ListenResult(clientID, request string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenErrs[clientID] = err
}

func (s *fakeSink) UnlistenResult(clientID, request string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlistenOK[clientID] = err == nil
}

func (s *fakeSink) Notification(clientIDs []string, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, clientIDs)
}

func (s *fakeSink) ConnectionLost(clientIDs []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionLost = append(s.connectionLost, clientIDs)
}

func syncPost(f func()) { f() }

func TestConnectDisconnectSymmetry(t *testing.T) {
	driver := newFakeDriver()
	sink := newFakeSink()
	mgr := New(driver, sink, syncPost)
	ctx := context.Background()

	req := ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p"}
	mgr.Connect(ctx, "client-1", req, "req-1")

	connID, ok := mgr.ConnectionIDFor("client-1")
	if !ok {
		t.Fatalf("expected client-1 to have a connection after Connect")
	}

	mgr.Disconnect(ctx, "client-1", "req-2", true)

	if _, ok := mgr.ConnectionIDFor("client-1"); ok {
		t.Fatalf("client-1 still has a connection mapping after Disconnect")
	}
	if len(driver.channels) != 0 {
		t.Fatalf("expected backend connection %s to be closed", connID)
	}
}

func TestListenSharingCardinality(t *testing.T) {
	driver := newFakeDriver()
	sink := newFakeSink()
	mgr := New(driver, sink, syncPost)
	ctx := context.Background()

	req := ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p"}
	mgr.Connect(ctx, "A", req, "reqA")
	mgr.Connect(ctx, "B", req, "reqB")

	mgr.Listen(ctx, "A", "listenA", "events")
	mgr.Listen(ctx, "B", "listenB", "events")

	connA, _ := mgr.ConnectionIDFor("A")
	connB, _ := mgr.ConnectionIDFor("B")
	if connA != connB {
		t.Fatalf("expected A and B to share one backend connection, got %s and %s", connA, connB)
	}
	if len(driver.channels) != 1 {
		t.Fatalf("expected exactly one backend connection while both listen, got %d", len(driver.channels))
	}

	// A unlistens with B still sharing: A must get its own fresh connection.
	mgr.Unlisten(ctx, "A", "unlistenA", "events")
	newConnA, _ := mgr.ConnectionIDFor("A")
	if newConnA == connB {
		t.Fatalf("A should have a distinct connection after unlisten while B remains")
	}
	if !mgr.IsListeningOnChannel("B", "events") {
		t.Fatalf("B should still be listening on events")
	}

	// B unlistens last: the shared slot is removed, no driver-level reconnect needed.
	mgr.Unlisten(ctx, "B", "unlistenB", "events")
	if !sink.unlistenOK["B"] {
		t.Fatalf("expected B's unlisten to succeed")
	}
}

func TestConnectionLostFanOut(t *testing.T) {
	driver := newFakeDriver()
	sink := newFakeSink()
	mgr := New(driver, sink, syncPost)
	ctx := context.Background()

	req := ConnectRequest{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p"}
	mgr.Connect(ctx, "A", req, "reqA")
	mgr.Connect(ctx, "B", req, "reqB")
	mgr.Listen(ctx, "A", "listenA", "events")
	mgr.Listen(ctx, "B", "listenB", "events")

	connID, _ := mgr.ConnectionIDFor("A")
	mgr.ConnectionLost(connID, assertErr("connection reset"))

	if len(sink.connectionLost) != 1 {
		t.Fatalf("expected exactly one ConnectionLost fan-out, got %d", len(sink.connectionLost))
	}
	got := sink.connectionLost[0]
	if len(got) != 2 {
		t.Fatalf("expected both A and B to be reported lost, got %v", got)
	}
	if _, ok := mgr.ConnectionIDFor("A"); ok {
		t.Fatalf("A should no longer have a connection mapping")
	}
	if _, ok := mgr.ConnectionIDFor("B"); ok {
		t.Fatalf("B should no longer have a connection mapping")
	}
}

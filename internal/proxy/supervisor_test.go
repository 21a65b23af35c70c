package proxy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgproxy/pgproxy/internal/audit"
	"github.com/pgproxy/pgproxy/internal/config"
	"github.com/pgproxy/pgproxy/internal/logctx"
	"github.com/pgproxy/pgproxy/internal/pgdriver"
)

type noopDriver struct{}

func (noopDriver) Connect(ctx context.Context, req pgdriver.ConnectRequest, cb pgdriver.Callbacks) {
	cb.Connected("conn-1")
}
func (noopDriver) Disconnect(ctx context.Context, connectionID string, discard bool, cb pgdriver.AckCallback) {
	cb.Done(nil)
}
func (noopDriver) Query(ctx context.Context, connectionID, sql string, recordCount int, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}
func (noopDriver) MoreQueryResults(ctx context.Context, connectionID string, cb pgdriver.QueryCallback) {
	cb.QueryDone(nil, nil)
}
func (noopDriver) ExecuteSql(ctx context.Context, connectionID, sql string, cb pgdriver.ExecuteSqlCallback) {
	cb.ExecuteSqlDone(0, nil)
}
func (noopDriver) Listen(ctx context.Context, connectionID, channel string, cb pgdriver.Callbacks, ack pgdriver.AckCallback) {
	ack.Done(nil)
}
func (noopDriver) Unlisten(ctx context.Context, connectionID, channel string, cb pgdriver.AckCallback) {
	cb.Done(nil)
}

type recordingWSSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingWSSender) Send(clientID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *recordingWSSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Lifecycle.DelayBeforeStop = config.Duration(20 * time.Millisecond)
	cfg.Lifecycle.GarbageCollectDisconnectedClientsAfter = config.Duration(1 * time.Second)
	cfg.Lifecycle.IdleDumpStateFrequency = config.Duration(time.Hour)
	cfg.PG.ConnectTimeout = config.Duration(time.Second)
	return cfg
}

func TestInvalidSessionRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Authenticate = func(sessionID string) bool { return sessionID == "good" }

	sender := &recordingWSSender{}
	sup := New(cfg, logctx.New(0), audit.NewMemoryStore(10), noopDriver{})
	sup.SetWSSender(sender)
	sup.Start()

	sup.Connected("c1", "127.0.0.1")
	sup.Message("c1", `{"func":"connect","requestId":1,"sessionId":"bad","host":"h","port":5432,"database":"d","user":"u","password":"p"}`)

	waitFor(t, func() bool { return len(sender.all()) == 1 })

	got := sender.all()[0]
	if !strings.Contains(got, `"success":false`) || !strings.Contains(got, "Invalid session") {
		t.Fatalf("expected invalid session error, got %q", got)
	}
}

func TestGracefulShutdownDestroysClients(t *testing.T) {
	cfg := testConfig()
	sender := &recordingWSSender{}
	sup := New(cfg, logctx.New(0), audit.NewMemoryStore(10), noopDriver{})
	sup.SetWSSender(sender)
	sup.Start()

	sup.Connected("c1", "127.0.0.1")
	sup.Connected("c2", "127.0.0.1")

	waitFor(t, func() bool {
		n, err := sup.ClientCount()
		return err == nil && n == 2
	})

	sup.Stop()

	waitFor(t, func() bool {
		n, err := sup.ClientCount()
		return err == nil && n == 0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

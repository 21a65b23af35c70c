package pgdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGXDriver implements Driver on top of jackc/pgx. Every logical connection
// the connection manager tracks is backed by a dedicated *pgx.Conn rather
// than a shared pool connection: LISTEN pins a subscription to one physical
// backend connection for its whole lifetime, and ordinary query/executeSql
// connections are likewise 1:1 per the connection manager's contract. A
// pgxpool.Config is used only to parse the DSN before dialing a dedicated
// *pgx.Conn; no pgxpool.Pool is ever constructed. Every operation here runs
// on its own goroutine and reports back through a callback, never blocking
// the caller's own event loop.
type PGXDriver struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
}

type trackedConn struct {
	conn     *pgx.Conn
	cancel   context.CancelFunc
	channels map[string]bool
}

// NewPGXDriver returns a Driver with no open connections.
func NewPGXDriver() *PGXDriver {
	return &PGXDriver{conns: make(map[string]*trackedConn)}
}

func dsn(req ConnectRequest) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", req.User, req.Password, req.Host, req.Port, req.Database)
}

// Connect dials a dedicated connection and reports the outcome asynchronously.
func (d *PGXDriver) Connect(ctx context.Context, req ConnectRequest, cb Callbacks) {
	go func() {
		cfg, err := pgxpool.ParseConfig(dsn(req))
		if err != nil {
			cb.ConnectFailed(err)
			return
		}
		conn, err := pgx.ConnectConfig(ctx, cfg.ConnConfig)
		if err != nil {
			cb.ConnectFailed(err)
			return
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close(ctx)
			cb.ConnectFailed(err)
			return
		}

		connID := uuid.NewString()
		d.mu.Lock()
		d.conns[connID] = &trackedConn{conn: conn, channels: make(map[string]bool)}
		d.mu.Unlock()

		cb.Connected(connID)
	}()
}

// Disconnect closes the backend connection identified by connectionID.
func (d *PGXDriver) Disconnect(ctx context.Context, connectionID string, discard bool, cb AckCallback) {
	go func() {
		d.mu.Lock()
		tc, ok := d.conns[connectionID]
		if ok {
			delete(d.conns, connectionID)
		}
		d.mu.Unlock()
		if !ok {
			cb.Done(fmt.Errorf("pgdriver: unknown connection %s", connectionID))
			return
		}
		if tc.cancel != nil {
			tc.cancel()
		}
		cb.Done(tc.conn.Close(ctx))
	}()
}

func (d *PGXDriver) getConn(connectionID string) (*trackedConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tc, ok := d.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("pgdriver: unknown connection %s", connectionID)
	}
	return tc, nil
}

// Query executes sql and reports up to recordCount rows, each pre-encoded
// as a JSON array literal of its column values.
func (d *PGXDriver) Query(ctx context.Context, connectionID string, sql string, recordCount int, cb QueryCallback) {
	go func() {
		tc, err := d.getConn(connectionID)
		if err != nil {
			cb.QueryDone(nil, err)
			return
		}
		rows, err := tc.conn.Query(ctx, sql)
		if err != nil {
			cb.QueryDone(nil, err)
			return
		}
		defer rows.Close()

		var out []string
		for rows.Next() && (recordCount <= 0 || len(out) < recordCount) {
			values, err := rows.Values()
			if err != nil {
				cb.QueryDone(nil, err)
				return
			}
			out = append(out, encodeRow(values))
		}
		if err := rows.Err(); err != nil {
			cb.QueryDone(nil, err)
			return
		}
		cb.QueryDone(out, nil)
	}()
}

// MoreQueryResults is a placeholder seam for cursor-backed pagination; this
// driver does not keep a live cursor between calls, so it always reports an
// empty continuation.
func (d *PGXDriver) MoreQueryResults(ctx context.Context, connectionID string, cb QueryCallback) {
	go func() {
		if _, err := d.getConn(connectionID); err != nil {
			cb.QueryDone(nil, err)
			return
		}
		cb.QueryDone(nil, nil)
	}()
}

// ExecuteSql runs a statement not expected to return rows.
func (d *PGXDriver) ExecuteSql(ctx context.Context, connectionID string, sql string, cb ExecuteSqlCallback) {
	go func() {
		tc, err := d.getConn(connectionID)
		if err != nil {
			cb.ExecuteSqlDone(0, err)
			return
		}
		tag, err := tc.conn.Exec(ctx, sql)
		if err != nil {
			cb.ExecuteSqlDone(0, err)
			return
		}
		cb.ExecuteSqlDone(int(tag.RowsAffected()), nil)
	}()
}

// Listen issues LISTEN on the given connection, acknowledges the outcome,
// and (once acknowledged successfully) starts a background loop delivering
// notifications via cb.NotificationReceived until the connection is
// disconnected or lost.
func (d *PGXDriver) Listen(ctx context.Context, connectionID string, channel string, cb Callbacks, ack AckCallback) {
	go func() {
		tc, err := d.getConn(connectionID)
		if err != nil {
			ack.Done(err)
			return
		}
		if _, err := tc.conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
			ack.Done(err)
			return
		}

		d.mu.Lock()
		tc.channels[channel] = true
		alreadyWatching := tc.cancel != nil
		var loopCtx context.Context
		if !alreadyWatching {
			loopCtx, tc.cancel = context.WithCancel(context.Background())
		}
		d.mu.Unlock()

		if !alreadyWatching {
			go d.notifyLoop(loopCtx, connectionID, tc, cb)
		}
		ack.Done(nil)
	}()
}

// Unlisten removes a channel subscription from the given connection,
// cancelling the background notification loop once no channel remains.
func (d *PGXDriver) Unlisten(ctx context.Context, connectionID string, channel string, cb AckCallback) {
	go func() {
		tc, err := d.getConn(connectionID)
		if err != nil {
			cb.Done(err)
			return
		}
		if _, err := tc.conn.Exec(ctx, "UNLISTEN \""+channel+"\""); err != nil {
			cb.Done(err)
			return
		}
		d.mu.Lock()
		delete(tc.channels, channel)
		empty := len(tc.channels) == 0
		cancel := tc.cancel
		if empty {
			tc.cancel = nil
		}
		d.mu.Unlock()
		if empty && cancel != nil {
			cancel()
		}
		cb.Done(nil)
	}()
}

func (d *PGXDriver) notifyLoop(ctx context.Context, connectionID string, tc *trackedConn, cb Callbacks) {
	for {
		notification, err := tc.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cb.ConnectionLost(connectionID, err)
			return
		}
		cb.NotificationReceived(Notification{
			ConnectionID: connectionID,
			Channel:      notification.Channel,
			Payload:      notification.Payload,
		})
	}
}

func encodeRow(values []interface{}) string {
	out := "["
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", fmt.Sprintf("%v", v))
	}
	out += "]"
	return out
}

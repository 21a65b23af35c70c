// Package pgdriver defines the seam between the connection manager and a
// concrete PostgreSQL client library, plus a production implementation
// built on pgx.
package pgdriver

import "context"

// ConnectRequest carries the already-remapped credentials for a single
// connect attempt.
type ConnectRequest struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Notification is a single LISTEN/NOTIFY payload delivered out of band from
// the connection that issued the LISTEN.
type Notification struct {
	ConnectionID string
	Channel      string
	Payload      string
}

// Callbacks receives asynchronous events tied to a connection: the outcome
// of Connect, ongoing LISTEN notifications, and unsolicited connection
// loss. All methods are invoked from driver-owned goroutines; callers must
// re-post them onto their own serialized event loop rather than mutate
// shared state directly.
type Callbacks interface {
	Connected(connectionID string)
	ConnectFailed(err error)
	NotificationReceived(n Notification)
	ConnectionLost(connectionID string, err error)
}

// AckCallback receives the outcome of an operation that reports nothing
// beyond success or failure: Disconnect, the initial LISTEN registration,
// and Unlisten.
type AckCallback interface {
	Done(err error)
}

// QueryCallback receives the outcome of Query or MoreQueryResults.
type QueryCallback interface {
	QueryDone(records []string, err error)
}

// ExecuteSqlCallback receives the outcome of ExecuteSql.
type ExecuteSqlCallback interface {
	ExecuteSqlDone(count int, err error)
}

// Driver is the seam to the PostgreSQL client library. Every method is
// asynchronous: it is initiated by the call and reports its outcome later
// through the supplied callback, never by blocking the caller.
type Driver interface {
	// Connect dials a new backend connection and reports the outcome via
	// cb.Connected or cb.ConnectFailed. The returned connectionID is only
	// valid once Connected fires.
	Connect(ctx context.Context, req ConnectRequest, cb Callbacks)

	// Disconnect closes a backend connection. discard indicates the caller
	// does not want any further callbacks for this connection.
	Disconnect(ctx context.Context, connectionID string, discard bool, cb AckCallback)

	// Query executes a SQL statement expected to return rows, truncated to
	// recordCount rows, reporting each row pre-encoded as a JSON value
	// string (the driver must not be asked to re-decode these later).
	Query(ctx context.Context, connectionID string, sql string, recordCount int, cb QueryCallback)

	// MoreQueryResults continues a previously started query's result
	// stream for the given connection.
	MoreQueryResults(ctx context.Context, connectionID string, cb QueryCallback)

	// ExecuteSql runs a statement not expected to return rows, reporting
	// the affected row count.
	ExecuteSql(ctx context.Context, connectionID string, sql string, cb ExecuteSqlCallback)

	// Listen subscribes the given connection to a channel. ack reports
	// whether the LISTEN itself was registered; once acknowledged,
	// notifications arrive later via cb.NotificationReceived.
	Listen(ctx context.Context, connectionID string, channel string, cb Callbacks, ack AckCallback)

	// Unlisten removes a channel subscription from the given connection.
	Unlisten(ctx context.Context, connectionID string, channel string, cb AckCallback)
}

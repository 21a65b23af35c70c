package audit

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit events to a PostgreSQL database via
// database/sql and lib/pq. It is intentionally decoupled from this proxy's
// own pgx-based connection pool for the databases being proxied: the audit
// sink is typically a different database entirely, and gains nothing from
// sharing that pool's LISTEN-aware connection lifecycle.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to url and migrates its schema.
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			timestamp BIGINT NOT NULL,
			client_id TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			err TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_id, id);
	`)
	return err
}

func (s *PostgresStore) Record(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (timestamp, client_id, type, detail, err) VALUES ($1, $2, $3, $4, $5)`,
		e.Timestamp, e.ClientID, string(e.Type), e.Detail, e.Err,
	)
	return err
}

func (s *PostgresStore) RecentForClient(clientID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT timestamp, client_id, type, detail, err FROM audit_events
		 WHERE client_id = $1 ORDER BY id DESC LIMIT $2`,
		clientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.Timestamp, &e.ClientID, &typ, &e.Detail, &e.Err); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

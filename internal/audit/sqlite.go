package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit events to a local SQLite file using the
// pure-Go modernc.org/sqlite driver (chosen over a cgo sqlite driver so
// this proxy carries no cgo dependency anywhere in its stack).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// migrates its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			err TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_id, id);
	`)
	return err
}

func (s *SQLiteStore) Record(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (timestamp, client_id, type, detail, err) VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp, e.ClientID, string(e.Type), e.Detail, e.Err,
	)
	return err
}

func (s *SQLiteStore) RecentForClient(clientID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT timestamp, client_id, type, detail, err FROM audit_events
		 WHERE client_id = ? ORDER BY id DESC LIMIT ?`,
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

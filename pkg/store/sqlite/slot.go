// Package sqlite keeps the credential record in a sqlite database, for
// hosts that already keep their device state there.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS credential_record (
	slot INTEGER PRIMARY KEY CHECK (slot = 0),
	data BLOB NOT NULL
)`

// Slot implements store.Slot on a single row.
type Slot struct {
	db *sql.DB
}

// Open opens or creates the database at dsn, e.g. a file path or ":memory:".
func Open(dsn string) (*Slot, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Slot{db: db}, nil
}

// Read implements store.Slot.
func (s *Slot) Read() ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM credential_record WHERE slot = 0`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

// Write implements store.Slot.
func (s *Slot) Write(data []byte) error {
	_, err := s.db.Exec(`INSERT INTO credential_record (slot, data) VALUES (0, ?)
		ON CONFLICT(slot) DO UPDATE SET data = excluded.data`, data)
	return err
}

// Erase implements store.Slot.
func (s *Slot) Erase() error {
	_, err := s.db.Exec(`DELETE FROM credential_record WHERE slot = 0`)
	return err
}

// Close closes the database.
func (s *Slot) Close() error {
	return s.db.Close()
}

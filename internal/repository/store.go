// Package repository is the persistence gateway over PostgreSQL.
//
// Every inspection-scoped query filters by organization id, so a read that
// crosses a tenant boundary behaves exactly like a read of a missing row
// (sql.ErrNoRows). Callers translate that into a not-found error without
// leaking existence.
package repository

import (
	"database/sql"
	"time"
)

// Store provides tenant-scoped access to inspections, photos, findings and
// the background job queue.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// nullString converts an optional string to sql.NullString.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime converts an optional time pointer to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts sql.NullTime back to an optional time pointer.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Package store is the relational source of truth: installations, their
// sealed tokens, linked resources and the webhook delivery audit trail.
package store

import (
	"time"

	"github.com/mattjoyce/relaygate/internal/storage"
)

// Store runs queries against a storage.DB in either dialect.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func New(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *storage.DB {
	return s.db
}

func (s *Store) timestamp() string {
	return storage.FormatTime(s.now())
}

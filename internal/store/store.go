package store

import "database/sql"

// Store wraps the Postgres connection pool for tenant registry queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// To handle all database interactions. This is our data access layer,
// keeping SQL queries separate from business logic.

package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

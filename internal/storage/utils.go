package storage

import (
	"errors"

	"github.com/ignatij/flowsched/pkg/storage"
)

var ErrNoDatabase = errors.New("no database configured: pass --db or set DB_* environment variables")

// InitStore opens the PostgreSQL store for connStr, or an in-memory store
// when connStr is empty and memory is allowed.
func InitStore(connStr string, allowMemory bool) (storage.Store, error) {
	if connStr == "" {
		if allowMemory {
			return storage.NewMemoryStore(), nil
		}
		return nil, ErrNoDatabase
	}
	store, err := NewPostgresStore(connStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

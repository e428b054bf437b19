package storage

import (
	"github.com/ignatij/meetflow/pkg/storage"
)

// InitStore opens PostgreSQL when dbConnStr is set and falls back to the
// in-memory store otherwise.
func InitStore(dbConnStr string) (storage.Store, error) {
	if dbConnStr == "" {
		return storage.NewMockStore(), nil
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

package storage

import (
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for meetflow. Begin returns a
// transactional Store that must be finished with Commit or Rollback.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	UpdateTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks() ([]models.Task, error)
	DeleteTasks(ids []string) error

	// Cache operations
	SaveCacheEntry(e models.CacheEntry) error
	GetCacheEntry(fingerprint string) (models.CacheEntry, error)
}

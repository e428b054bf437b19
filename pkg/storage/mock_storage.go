package storage

import (
	"sort"
	"sync"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

type memState struct {
	mu      sync.RWMutex
	tasks   map[string]models.Task
	entries map[string]models.CacheEntry
}

// mockStore implements storage.Store with in-memory storage. Transactions
// share the parent's state; writes are applied immediately.
type mockStore struct {
	state     *memState
	tx        bool
	committed bool
}

func NewMockStore() Store {
	return &mockStore{state: &memState{
		tasks:   make(map[string]models.Task),
		entries: make(map[string]models.CacheEntry),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	return &mockStore{state: m.state, tx: true}, nil
}

func (m *mockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) writable() error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	return nil
}

func (m *mockStore) SaveTask(t models.Task) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if _, ok := m.state.tasks[t.ID]; ok {
		return errors.New("task already exists")
	}
	m.state.tasks[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) UpdateTask(t models.Task) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if _, ok := m.state.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.state.tasks[t.ID] = t.Clone()
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	t, ok := m.state.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *mockStore) ListTasks() ([]models.Task, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	tasks := make([]models.Task, 0, len(m.state.tasks))
	for _, t := range m.state.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (m *mockStore) DeleteTasks(ids []string) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	for _, id := range ids {
		delete(m.state.tasks, id)
	}
	return nil
}

func (m *mockStore) SaveCacheEntry(e models.CacheEntry) error {
	if err := m.writable(); err != nil {
		return err
	}
	if e.Result == nil {
		return errors.New("cache entry without result")
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.entries[e.Fingerprint] = e
	return nil
}

func (m *mockStore) GetCacheEntry(fingerprint string) (models.CacheEntry, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	e, ok := m.state.entries[fingerprint]
	if !ok {
		return models.CacheEntry{}, ErrNotFound
	}
	return e, nil
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// taskRow is the tasks table layout; nested values are stored as JSONB.
type taskRow struct {
	ID          string    `db:"id"`
	Status      string    `db:"status"`
	Progress    int       `db:"progress"`
	Stage       string    `db:"stage"`
	AudioPath   string    `db:"audio_path"`
	Fingerprint string    `db:"fingerprint"`
	Options     []byte    `db:"options"`
	Result      []byte    `db:"result"`
	Error       []byte    `db:"error"`
	CacheHit    bool      `db:"cache_hit"`
	Stages      []byte    `db:"stages"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const taskColumns = "id, status, progress, stage, audio_path, fingerprint, options, result, error, cache_hit, stages, created_at, updated_at"

func toRow(t models.Task) (taskRow, error) {
	row := taskRow{
		ID:          t.ID,
		Status:      string(t.Status),
		Progress:    t.Progress,
		Stage:       t.Stage,
		AudioPath:   t.Input.AudioPath,
		Fingerprint: t.Input.Fingerprint,
		CacheHit:    t.CacheHit,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	var err error
	if row.Options, err = json.Marshal(t.Input.Options); err != nil {
		return row, fmt.Errorf("encode options: %w", err)
	}
	if t.Result != nil {
		if row.Result, err = json.Marshal(t.Result); err != nil {
			return row, fmt.Errorf("encode result: %w", err)
		}
	}
	if t.Error != nil {
		if row.Error, err = json.Marshal(t.Error); err != nil {
			return row, fmt.Errorf("encode error: %w", err)
		}
	}
	stages := t.Stages
	if stages == nil {
		stages = []models.StageRecord{}
	}
	if row.Stages, err = json.Marshal(stages); err != nil {
		return row, fmt.Errorf("encode stages: %w", err)
	}
	return row, nil
}

func (r taskRow) task() (models.Task, error) {
	t := models.Task{
		ID:       r.ID,
		Status:   models.TaskStatus(r.Status),
		Progress: r.Progress,
		Stage:    r.Stage,
		Input: models.InputRef{
			AudioPath:   r.AudioPath,
			Fingerprint: r.Fingerprint,
		},
		CacheHit:  r.CacheHit,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &t.Input.Options); err != nil {
			return t, fmt.Errorf("decode options of task %s: %w", r.ID, err)
		}
	}
	if len(r.Result) > 0 {
		t.Result = &models.MergedResult{}
		if err := json.Unmarshal(r.Result, t.Result); err != nil {
			return t, fmt.Errorf("decode result of task %s: %w", r.ID, err)
		}
	}
	if len(r.Error) > 0 {
		t.Error = &models.TaskError{}
		if err := json.Unmarshal(r.Error, t.Error); err != nil {
			return t, fmt.Errorf("decode error of task %s: %w", r.ID, err)
		}
	}
	if len(r.Stages) > 0 {
		if err := json.Unmarshal(r.Stages, &t.Stages); err != nil {
			return t, fmt.Errorf("decode stages of task %s: %w", r.ID, err)
		}
		if len(t.Stages) == 0 {
			t.Stages = nil
		}
	}
	return t, nil
}

// jsonb passes encoded JSON as text; lib/pq would send []byte as bytea.
func jsonb(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// SaveTask inserts a new task
func (s *PostgresStore) SaveTask(t models.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		row.ID, row.Status, row.Progress, row.Stage, row.AudioPath, row.Fingerprint,
		jsonb(row.Options), jsonb(row.Result), jsonb(row.Error), row.CacheHit, jsonb(row.Stages), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask overwrites the mutable fields of an existing task
func (s *PostgresStore) UpdateTask(t models.Task) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		progress = $2,
		stage = $3,
		result = $4,
		error = $5,
		cache_hit = $6,
		stages = $7,
		updated_at = $8
		WHERE id = $9`,
		row.Status, row.Progress, row.Stage, jsonb(row.Result), jsonb(row.Error), row.CacheHit, jsonb(row.Stages), row.UpdatedAt, row.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return row.task()
}

func (s *PostgresStore) ListTasks() ([]models.Task, error) {
	rows := []taskRow{}
	if err := s.db.Select(&rows, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC"); err != nil {
		return nil, err
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *PostgresStore) DeleteTasks(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ANY($1)", pq.Array(ids))
	return err
}

// SaveCacheEntry stores a result under its fingerprint, replacing any
// previous entry.
func (s *PostgresStore) SaveCacheEntry(e models.CacheEntry) error {
	if e.Result == nil {
		return fmt.Errorf("cache entry %s without result", e.Fingerprint)
	}
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (fingerprint, result, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET result = EXCLUDED.result, created_at = EXCLUDED.created_at`,
		e.Fingerprint, jsonb(result), e.CreatedAt)
	return err
}

func (s *PostgresStore) GetCacheEntry(fingerprint string) (models.CacheEntry, error) {
	var row struct {
		Fingerprint string    `db:"fingerprint"`
		Result      []byte    `db:"result"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := s.db.Get(&row, "SELECT fingerprint, result, created_at FROM cache_entries WHERE fingerprint = $1", fingerprint)
	if err == sql.ErrNoRows {
		return models.CacheEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.CacheEntry{}, err
	}
	entry := models.CacheEntry{Fingerprint: row.Fingerprint, CreatedAt: row.CreatedAt, Result: &models.MergedResult{}}
	if err := json.Unmarshal(row.Result, entry.Result); err != nil {
		return models.CacheEntry{}, fmt.Errorf("decode cache entry %s: %w", fingerprint, err)
	}
	return entry, nil
}

package service

import (
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService writes task snapshots through to the store, one transaction
// per change.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

func (ts *TaskService) SaveTask(task models.Task) error {
	return ts.inTx("SaveTask", func(tx storage.Store) error {
		if err := tx.SaveTask(task); err != nil {
			ts.logger.Errorf("Failed to save task %s: %v", task.ID, err)
			return errors.Wrapf(err, "failed to save task %s", task.ID)
		}
		return nil
	})
}

func (ts *TaskService) UpdateTask(task models.Task) error {
	return ts.inTx("UpdateTask", func(tx storage.Store) error {
		if err := tx.UpdateTask(task); err != nil {
			ts.logger.Errorf("Failed to update task %s to %s: %v", task.ID, task.Status, err)
			return errors.Wrapf(err, "failed to update task %s", task.ID)
		}
		return nil
	})
}

func (ts *TaskService) DeleteTasks(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return ts.inTx("DeleteTasks", func(tx storage.Store) error {
		if err := tx.DeleteTasks(ids); err != nil {
			ts.logger.Errorf("Failed to delete %d task(s): %v", len(ids), err)
			return errors.Wrap(err, "failed to delete tasks")
		}
		return nil
	})
}

// GetTask reads a persisted task, e.g. one finished before a restart.
func (ts *TaskService) GetTask(id string) (models.Task, error) {
	return ts.store.GetTask(id)
}

func (ts *TaskService) inTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	return fn(txStore)
}

package storage_test

import (
	"testing"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_Transactions(t *testing.T) {
	store := storage.NewMockStore()

	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.SaveTask(models.Task{ID: "a", Status: models.PendingTaskStatus}))
	require.NoError(t, tx.Commit())

	// a committed transaction takes no more writes; the store itself does
	assert.Error(t, tx.SaveTask(models.Task{ID: "b"}))
	assert.Error(t, tx.Rollback())
	assert.Error(t, tx.Commit())

	next, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, next.SaveTask(models.Task{ID: "b"}))
	require.NoError(t, next.Commit())

	assert.Error(t, store.Commit())
	assert.Error(t, store.Rollback())
}

func TestMockStore_Tasks(t *testing.T) {
	store := storage.NewMockStore()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.SaveTask(models.Task{
			ID:        id,
			Status:    models.PendingTaskStatus,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Stages:    []models.StageRecord{{Name: "preprocess"}},
		}))
	}
	assert.Error(t, store.SaveTask(models.Task{ID: "old"}))

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "new", tasks[0].ID)
	assert.Equal(t, "old", tasks[2].ID)

	got, err := store.GetTask("mid")
	require.NoError(t, err)
	got.Stages[0].Name = "changed"
	again, err := store.GetTask("mid")
	require.NoError(t, err)
	assert.Equal(t, "preprocess", again.Stages[0].Name)

	got.Status = models.RunningTaskStatus
	require.NoError(t, store.UpdateTask(got))
	again, err = store.GetTask("mid")
	require.NoError(t, err)
	assert.Equal(t, models.RunningTaskStatus, again.Status)
	assert.ErrorIs(t, store.UpdateTask(models.Task{ID: "missing"}), storage.ErrNotFound)

	require.NoError(t, store.DeleteTasks([]string{"old", "missing"}))
	_, err = store.GetTask("old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMockStore_CacheEntries(t *testing.T) {
	store := storage.NewMockStore()

	_, err := store.GetCacheEntry("fp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Error(t, store.SaveCacheEntry(models.CacheEntry{Fingerprint: "fp"}))

	res := &models.MergedResult{MeetingID: "m1"}
	require.NoError(t, store.SaveCacheEntry(models.CacheEntry{Fingerprint: "fp", Result: res, CreatedAt: time.Now()}))
	entry, err := store.GetCacheEntry("fp")
	require.NoError(t, err)
	assert.Equal(t, "m1", entry.Result.MeetingID)
}

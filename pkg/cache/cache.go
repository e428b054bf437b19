package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ComputeFunc produces the result for a fingerprint on a cache miss.
type ComputeFunc func(ctx context.Context) (*models.MergedResult, error)

// ComputationError is returned to every caller that waited on a failed
// computation. The failure itself is never stored.
type ComputationError struct {
	Fingerprint string
	Err         error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation for %s failed: %v", short(e.Fingerprint), e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// Cache maps content fingerprints to merged results. Concurrent misses on
// the same fingerprint share a single computation; misses on different
// fingerprints run independently.
type Cache struct {
	lru    *expirable.LRU[string, *models.MergedResult]
	ttl    time.Duration
	flight singleflight.Group
	store  storage.Store
	logger Logger
}

// New builds a cache holding at most size results for ttl each. A zero size
// or ttl means unbounded. store may be nil, in which case results only live
// in memory.
func New(size int, ttl time.Duration, store storage.Store, logger Logger) *Cache {
	return &Cache{
		lru:    expirable.NewLRU[string, *models.MergedResult](size, nil, ttl),
		ttl:    ttl,
		store:  store,
		logger: logger,
	}
}

// Peek returns a stored result without computing anything. Entries found
// only in the persistent store are promoted into memory.
func (c *Cache) Peek(fingerprint string) (*models.MergedResult, bool) {
	if res, ok := c.lru.Get(fingerprint); ok {
		return res, true
	}
	if c.store == nil {
		return nil, false
	}
	entry, err := c.store.GetCacheEntry(fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Errorf("Failed to read cache entry %s: %v", short(fingerprint), err)
		}
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		return nil, false
	}
	c.lru.Add(fingerprint, entry.Result)
	return entry.Result, true
}

// GetOrCompute returns the result for fingerprint, running fn only when no
// result is stored and no other caller is already computing it. shared is
// true when the result was not produced by this caller's fn. A caller whose
// ctx ends stops waiting; the computation itself keeps running for others.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, fn ComputeFunc) (*models.MergedResult, bool, error) {
	if res, ok := c.Peek(fingerprint); ok {
		return res, true, nil
	}

	ran := false
	ch := c.flight.DoChan(fingerprint, func() (interface{}, error) {
		// a computation that finished between Peek and DoChan already stored it
		if res, ok := c.lru.Get(fingerprint); ok {
			return res, nil
		}
		ran = true
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errors.New("computation returned no result")
		}
		c.put(fingerprint, res)
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, !ran, &ComputationError{Fingerprint: fingerprint, Err: r.Err}
		}
		return r.Val.(*models.MergedResult), !ran, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Len reports the number of results held in memory.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) put(fingerprint string, res *models.MergedResult) {
	c.lru.Add(fingerprint, res)
	if c.store == nil {
		return
	}
	if err := c.persist(models.CacheEntry{Fingerprint: fingerprint, Result: res, CreatedAt: time.Now()}); err != nil {
		c.logger.Errorf("Failed to persist cache entry %s: %v", short(fingerprint), err)
	}
}

func (c *Cache) persist(entry models.CacheEntry) (err error) {
	txStore, err := c.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				c.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			err = commitErr
		}
	}()
	return txStore.SaveCacheEntry(entry)
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}

// Package cache provides the content-addressed result store that gives
// workflow execution its at-most-once guarantee.
//
// Every work unit is identified by a key derived from its task identity,
// its canonicalized concrete inputs and its execution environment. Before a
// unit runs, the scheduler asks the cache; if an identical unit already ran,
// its committed outputs are returned without re-execution. If an identical
// unit is currently running, in this process or another one sharing the
// cache directory, the caller waits for that execution instead of starting
// a duplicate.
//
// Entry payloads live on the filesystem; an Index keeps queryable metadata
// for listing and LRU eviction, with in-memory, SQLite and MySQL backends.
package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// CorruptError reports an entry whose on-disk payload cannot be decoded.
// The cache deletes the entry and the unit re-executes; the error surfaces
// only when deletion itself fails.
type CorruptError struct {
	Key   string
	Cause error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("cache entry %s is corrupt: %v", e.Key, e.Cause)
}

func (e *CorruptError) Unwrap() error { return e.Cause }

// Cache is a content-addressed result store rooted at a directory.
//
// A Cache is safe for concurrent use. Duplicate suppression is two-level:
// an in-process future map collapses concurrent identical units onto one
// execution, and a filesystem lock extends the guarantee across processes
// sharing the root directory.
type Cache struct {
	root  string
	index Index

	mu       sync.Mutex
	inflight map[string]*inflight
}

type inflight struct {
	done    chan struct{}
	outputs map[string]any
	err     error
}

// Option customizes a Cache.
type Option func(*Cache)

// WithIndex installs a metadata index. Defaults to an empty in-memory
// index; entries already on disk are not added to it.
func WithIndex(idx Index) Option {
	return func(c *Cache) { c.index = idx }
}

// New opens (creating if necessary) a cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}
	c := &Cache{
		root:     dir,
		index:    NewMemIndex(),
		inflight: make(map[string]*inflight),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

// Lookup returns the committed outputs for a key without executing
// anything. The second result is false on a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (map[string]any, bool, error) {
	if !c.committed(key) {
		return nil, false, nil
	}
	outputs, err := c.readEntry(key)
	if err != nil {
		// A corrupt committed entry is removed so the next attempt
		// recomputes it.
		if rmErr := c.removeEntry(key); rmErr != nil {
			return nil, false, err
		}
		_ = c.index.Delete(ctx, key)
		return nil, false, nil
	}
	_ = c.index.Touch(ctx, key, time.Now())
	return outputs, true, nil
}

// Execute runs a unit at most once per key. On a hit the committed outputs
// are returned with hit=true and run is never called. On a miss the caller
// that wins the claim invokes run and commits its outputs; concurrent
// callers with the same key block until that execution settles.
//
// A failed run commits nothing. Waiters see the failure, and the next
// Execute for the key starts fresh, so transient failures never poison the
// cache.
func (c *Cache) Execute(ctx context.Context, key, taskID, env string,
	inputs map[string]any, run func(ctx context.Context) (map[string]any, error)) (map[string]any, bool, error) {

	for {
		outputs, ok, err := c.Lookup(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return outputs, true, nil
		}

		c.mu.Lock()
		if fl, exists := c.inflight[key]; exists {
			c.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if fl.err == nil {
				return fl.outputs, true, nil
			}
			// The winning execution failed; loop to race for a
			// fresh claim.
			continue
		}
		fl := &inflight{done: make(chan struct{})}
		c.inflight[key] = fl
		c.mu.Unlock()

		outputs, err = c.executeClaim(ctx, key, taskID, env, inputs, run)
		fl.outputs, fl.err = outputs, err
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(fl.done)
		return outputs, false, err
	}
}

// executeClaim holds the in-process claim; it still has to win or wait out
// the cross-process lock before running.
func (c *Cache) executeClaim(ctx context.Context, key, taskID, env string,
	inputs map[string]any, run func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {

	for {
		got, err := c.tryLock(key)
		if err != nil {
			return nil, err
		}
		if got {
			break
		}
		// Another process holds the lock. Wait for it to commit or to
		// release without committing.
		outputs, settled, err := c.awaitForeign(ctx, key)
		if err != nil {
			return nil, err
		}
		if settled {
			return outputs, nil
		}
	}
	defer c.unlock(key)

	// The lock may have been released by a process that already committed.
	if outputs, ok, err := c.Lookup(ctx, key); err != nil || ok {
		return outputs, err
	}

	outputs, err := run(ctx)
	if err != nil {
		return nil, err
	}

	canon, err := Canonical(inputs)
	if err != nil {
		return nil, err
	}
	size, err := c.writeEntry(key, canon, outputs)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := c.index.Put(ctx, Record{
		Key: key, TaskID: taskID, Env: env,
		Size: size, CreatedAt: now, LastHit: now,
	}); err != nil {
		return nil, fmt.Errorf("cache: index entry: %w", err)
	}
	return outputs, nil
}

// awaitForeign polls while another process computes the entry. It returns
// settled=true with the outputs once the entry commits, or settled=false
// when the foreign lock vanishes without a commit.
func (c *Cache) awaitForeign(ctx context.Context, key string) (map[string]any, bool, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.committed(key) {
			outputs, ok, err := c.Lookup(ctx, key)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return outputs, true, nil
			}
		}
		if _, err := os.Stat(c.entryDir(key) + "/" + lockFile); os.IsNotExist(err) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evict removes entries, oldest hit first, until the cache's total size is
// at or below maxBytes. It returns the number of entries removed.
func (c *Cache) Evict(ctx context.Context, maxBytes int64) (int, error) {
	recs, err := c.index.List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range recs {
		total += r.Size
	}
	removed := 0
	for _, r := range recs {
		if total <= maxBytes {
			break
		}
		if err := c.removeEntry(r.Key); err != nil {
			return removed, err
		}
		if err := c.index.Delete(ctx, r.Key); err != nil {
			return removed, err
		}
		total -= r.Size
		removed++
	}
	return removed, nil
}

// Remove deletes a single entry and its index record.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.removeEntry(key); err != nil {
		return err
	}
	return c.index.Delete(ctx, key)
}

// Close closes the metadata index. Entry payloads stay on disk.
func (c *Cache) Close() error {
	return c.index.Close()
}

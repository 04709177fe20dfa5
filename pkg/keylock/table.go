package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/ports"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one lock per key.
type Table struct {
	mu    sync.Mutex            // guards locks only
	locks map[string]*lockEntry // active locks

	locker ports.DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Table.
type Option func(*Table)

// WithLocker enables distributed locking on top of the local mutex.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(t *Table) {
		t.locker = locker
		t.ttl = ttl
	}
}

// WithLogger configures a logger for deferred errors.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// New creates an empty lock table.
func New(opts ...Option) *Table {
	t := &Table{
		locks:  make(map[string]*lockEntry),
		ttl:    30 * time.Second,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(key) after unlocking.
func (t *Table) acquire(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.locks[key]
	if !exists {
		entry = &lockEntry{}
		t.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.locks[key]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(t.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// WithLock executes fn while holding the lock for key.
func (t *Table) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	entry := t.acquire(key)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		t.release(key)
	}()

	if t.locker != nil {
		unlock, err := t.locker.Lock(ctx, key, t.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				t.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

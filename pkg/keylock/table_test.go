package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_SerializesSameKey(t *testing.T) {
	table := New()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = table.WithLock(ctx, "same", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestTable_DistinctKeysDoNotContend(t *testing.T) {
	table := New()
	ctx := context.Background()

	held := make(chan struct{})
	releaseFirst := make(chan struct{})
	go func() {
		_ = table.WithLock(ctx, "a", func(context.Context) error {
			close(held)
			<-releaseFirst
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = table.WithLock(ctx, "b", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	close(releaseFirst)
}

func TestTable_LockLifecycle(t *testing.T) {
	table := New()
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		_ = table.WithLock(ctx, fmt.Sprintf("key-%d", i), func(context.Context) error { return nil })
	}

	assert.Equal(t, 0, table.Len(), "locks leaked after release")
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	fail     bool
}

func (r *recordingLocker) Lock(_ context.Context, key string, _ time.Duration) (ports.UnlockFunc, error) {
	if r.fail {
		return nil, errors.New("backend down")
	}
	r.mu.Lock()
	r.locked = append(r.locked, key)
	r.mu.Unlock()
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.unlocked = append(r.unlocked, key)
		return nil
	}, nil
}

func TestTable_DistributedLocker(t *testing.T) {
	locker := &recordingLocker{}
	table := New(WithLocker(locker, time.Second))

	err := table.WithLock(context.Background(), "link", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"link"}, locker.locked)
	assert.Equal(t, []string{"link"}, locker.unlocked)

	locker.fail = true
	called := false
	err = table.WithLock(context.Background(), "link", func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

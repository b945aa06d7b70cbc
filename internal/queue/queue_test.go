package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/streamsync/internal/logger"
)

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q := New(logger.Discard(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestEnqueueRunsJob(t *testing.T) {
	q := newQueue(t, Options{Workers: 2})
	q.Start()

	done := make(chan string, 1)
	id, err := q.Enqueue("k1", func(ctx context.Context, progress ProgressFunc) error {
		progress(10, 10)
		done <- "k1"
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case key := <-done:
		assert.Equal(t, "k1", key)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	assert.Eventually(t, func() bool { return len(q.Snapshot()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEnqueueDedupesKey(t *testing.T) {
	q := newQueue(t, Options{Workers: 1})

	_, err := q.Enqueue("k1", func(context.Context, ProgressFunc) error { return nil })
	require.NoError(t, err)
	_, err = q.Enqueue("k1", func(context.Context, ProgressFunc) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	_, err = q.Enqueue("k2", func(context.Context, ProgressFunc) error { return nil })
	assert.NoError(t, err)
}

func TestEnqueueFull(t *testing.T) {
	q := newQueue(t, Options{Workers: 1, Buffer: 1})

	_, err := q.Enqueue("a", func(context.Context, ProgressFunc) error { return nil })
	require.NoError(t, err)
	_, err = q.Enqueue("b", func(context.Context, ProgressFunc) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, q.Snapshot(), 1)
}

func TestCancelRunningJob(t *testing.T) {
	q := newQueue(t, Options{Workers: 1})
	q.Start()

	started := make(chan struct{})
	var stopped atomic.Bool
	_, err := q.Enqueue("k1", func(ctx context.Context, progress ProgressFunc) error {
		progress(5, 100)
		close(started)
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, JobRunning, snap[0].State)
	assert.EqualValues(t, 5, snap[0].BytesUploaded)
	assert.NotNil(t, snap[0].StartedAt)

	existed, err := q.Cancel(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.True(t, stopped.Load())
	assert.Empty(t, q.Snapshot())
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	q := newQueue(t, Options{Workers: 1})

	var ran atomic.Bool
	_, err := q.Enqueue("k1", func(context.Context, ProgressFunc) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	existed, err := q.Cancel(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, existed)

	// the key is free again once cancelled
	done := make(chan struct{})
	_, err = q.Enqueue("k1", func(context.Context, ProgressFunc) error {
		close(done)
		return nil
	})
	require.NoError(t, err)
	q.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replacement job did not run")
	}
	assert.False(t, ran.Load())
}

func TestCancelUnknownKey(t *testing.T) {
	q := newQueue(t, Options{})
	existed, err := q.Cancel(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, existed)
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	locked []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.locked = append(l.locked, key)
	return func() {}, true, nil
}

func TestLockerHeldElsewhereSkipsJob(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"busy": true}}
	q := newQueue(t, Options{Workers: 1, Locker: locker})
	q.Start()

	var ran atomic.Bool
	_, err := q.Enqueue("busy", func(context.Context, ProgressFunc) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	done := make(chan struct{})
	_, err = q.Enqueue("free", func(context.Context, ProgressFunc) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("free job did not run")
	}
	assert.False(t, ran.Load())
	locker.mu.Lock()
	assert.Equal(t, []string{"free"}, locker.locked)
	locker.mu.Unlock()
}

func TestStopCancelsAndRejects(t *testing.T) {
	q := New(logger.Discard(), Options{Workers: 1})
	q.Start()

	started := make(chan struct{})
	result := make(chan error, 1)
	_, err := q.Enqueue("k1", func(ctx context.Context, _ ProgressFunc) error {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	assert.True(t, errors.Is(<-result, context.Canceled))

	_, err = q.Enqueue("k2", func(context.Context, ProgressFunc) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NoError(t, q.Stop(ctx))
}

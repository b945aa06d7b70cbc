// Package queue runs upload jobs on a bounded worker pool, one job per asset key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed   = errors.New("upload queue is closed")
	ErrQueueFull     = errors.New("upload queue is full")
	ErrAlreadyQueued = errors.New("upload already queued for key")
)

// ProgressFunc receives transfer progress from a running job.
type ProgressFunc func(bytesUploaded, bytesTotal int64)

// Job is the work submitted for a key. It must return when ctx is cancelled.
type Job func(ctx context.Context, progress ProgressFunc) error

// Locker serialises keys across processes. TryLock reports ok=false when
// another holder owns the key; unlock must be called when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type noLocker struct{}

func (noLocker) TryLock(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

// JobState is the position of a job in the queue.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
)

// JobStatus is a point-in-time view of a queued or running job.
type JobStatus struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	State         JobState   `json:"state"`
	BytesUploaded int64      `json:"bytes_uploaded"`
	BytesTotal    int64      `json:"bytes_total"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// Options configures a Queue.
type Options struct {
	Workers int
	Buffer  int
	Locker  Locker
}

type entry struct {
	id     string
	key    string
	run    Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	state      JobState
	cancelled  bool
	uploaded   int64
	total      int64
	enqueuedAt time.Time
	startedAt  time.Time
}

func (e *entry) progress(uploaded, total int64) {
	e.mu.Lock()
	e.uploaded = uploaded
	e.total = total
	e.mu.Unlock()
}

func (e *entry) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.ctx.Err() != nil {
		return false
	}
	e.state = JobRunning
	e.startedAt = time.Now()
	return true
}

func (e *entry) status() JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := JobStatus{
		ID:            e.id,
		Key:           e.key,
		State:         e.state,
		BytesUploaded: e.uploaded,
		BytesTotal:    e.total,
		EnqueuedAt:    e.enqueuedAt,
	}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		status.StartedAt = &started
	}
	return status
}

// Queue dedupes jobs by key: while a key is queued or running, further
// submissions for it are rejected with ErrAlreadyQueued.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	pending chan *entry
	workers int
	locker  Locker
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New builds an idle queue; call Start to launch the workers.
func New(log *slog.Logger, opts Options) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Locker == nil {
		opts.Locker = noLocker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		entries: map[string]*entry{},
		pending: make(chan *entry, opts.Buffer),
		workers: opts.Workers,
		locker:  opts.Locker,
		logger:  log.With(slog.String("service", "upload_queue")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. Calling it more than once is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.logger.Info("starting upload queue", slog.Int("workers", q.workers), slog.Int("buffer_size", cap(q.pending)))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Enqueue submits job for key and returns the job id.
func (q *Queue) Enqueue(key string, job Job) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}
	if job == nil {
		return "", errors.New("job is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	if existing, ok := q.entries[key]; ok {
		return existing.id, fmt.Errorf("%w: %s", ErrAlreadyQueued, key)
	}

	ctx, cancel := context.WithCancel(q.ctx)
	e := &entry{
		id:         uuid.NewString(),
		key:        key,
		run:        job,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      JobQueued,
		enqueuedAt: time.Now(),
	}
	select {
	case q.pending <- e:
	default:
		cancel()
		return "", ErrQueueFull
	}
	q.entries[key] = e
	q.logger.Debug("upload job queued", slog.String("key", key), slog.String("job_id", e.id))
	return e.id, nil
}

// Cancel stops the queued or running job for key and waits until it has
// returned or ctx is done. It reports whether a job existed.
func (q *Queue) Cancel(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	e, ok := q.entries[key]
	q.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	e.cancelled = true
	running := e.state == JobRunning
	e.mu.Unlock()
	e.cancel()
	if !running {
		q.finish(e)
	}

	select {
	case <-e.done:
		q.logger.Info("upload job cancelled", slog.String("key", key), slog.String("job_id", e.id))
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Snapshot lists queued and running jobs ordered by submission time.
func (q *Queue) Snapshot() []JobStatus {
	q.mu.Lock()
	items := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		items = append(items, e)
	}
	q.mu.Unlock()

	out := make([]JobStatus, 0, len(items))
	for _, e := range items {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Stop rejects new jobs, cancels queued and running ones, and waits for the
// workers to exit or ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.pending)
	started := q.started
	q.mu.Unlock()

	q.cancel()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("upload queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.logger.With(slog.Int("worker", id))
	for e := range q.pending {
		q.process(log, e)
	}
}

func (q *Queue) process(log *slog.Logger, e *entry) {
	defer q.finish(e)
	if !e.begin() {
		return
	}
	log = log.With(slog.String("key", e.key), slog.String("job_id", e.id))

	unlock, ok, err := q.locker.TryLock(e.ctx, e.key)
	if err != nil {
		log.Error("acquire upload lock failed", slog.Any("error", err))
		return
	}
	if !ok {
		log.Info("upload for key is held by another process, skipping")
		return
	}
	defer unlock()

	if err := e.run(e.ctx, e.progress); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("upload job stopped", slog.Any("error", err))
			return
		}
		log.Error("upload job failed", slog.Any("error", err))
	}
}

func (q *Queue) finish(e *entry) {
	e.once.Do(func() {
		q.mu.Lock()
		if q.entries[e.key] == e {
			delete(q.entries, e.key)
		}
		q.mu.Unlock()
		e.cancel()
		close(e.done)
	})
}

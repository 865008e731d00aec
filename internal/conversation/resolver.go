package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a conversation's work queue is at its
// bound. The caller should tell the user rather than block the pump.
var ErrQueueFull = errors.New("conversation queue is full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("resolver is closed")

// Job is one unit of per-conversation work. It runs on the key's worker
// goroutine and has exclusive access to the conversation.
type Job func(ctx context.Context, conv *Conversation)

// History persists turns across restarts. Implementations are
// best-effort: resolver logs and continues on failure.
type History interface {
	RecordTurn(key Key, turn Turn) error
	RecentTurns(key Key, n int) ([]Turn, error)
	HasThread(channel, thread string) (bool, error)
	Close() error
}

// Options configures the resolver.
type Options struct {
	// QueueBound caps pending jobs per conversation.
	QueueBound int
	// IdleTTL is how long a conversation may sit idle before its worker
	// is evicted. In-flight or queued work is never evicted.
	IdleTTL time.Duration
	// RehydrateTurns is how many persisted turns to load when a known
	// thread comes back after eviction. Zero disables rehydration.
	RehydrateTurns int
	// History is optional turn persistence.
	History History

	Logger *zap.Logger
}

// Resolver maps events to conversations and runs one worker per key.
type Resolver struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	workers map[Key]*worker
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	key  Key
	jobs chan queuedJob
	conv *Conversation

	pending  atomic.Int64
	lastDone atomic.Int64 // unix nanos of last completed job
}

type queuedJob struct {
	ctx context.Context
	fn  Job
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.QueueBound <= 0 {
		opts.QueueBound = 8
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		workers: make(map[Key]*worker),
	}
}

// Dispatch queues fn on the conversation identified by key, creating the
// conversation if needed. Jobs for the same key run strictly in arrival
// order; jobs for different keys run concurrently.
func (r *Resolver) Dispatch(ctx context.Context, key Key, fn Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	w, ok := r.workers[key]
	if !ok {
		w = r.spawnLocked(key)
	}

	select {
	case w.jobs <- queuedJob{ctx: ctx, fn: fn}:
		w.pending.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// spawnLocked creates and starts a worker. Caller holds r.mu.
func (r *Resolver) spawnLocked(key Key) *worker {
	w := &worker{
		key:  key,
		jobs: make(chan queuedJob, r.opts.QueueBound),
		conv: &Conversation{Key: key, LastActive: r.now()},
	}
	w.lastDone.Store(r.now().UnixNano())
	r.rehydrate(w)
	r.workers[key] = w

	r.wg.Add(1)
	go r.runWorker(w)
	r.logger.Debug("conversation started",
		zap.String("channel", key.Channel),
		zap.String("thread", key.Thread))
	return w
}

// rehydrate loads persisted turns into a fresh conversation. Failures
// only cost context, never the turn, so they are logged and swallowed.
func (r *Resolver) rehydrate(w *worker) {
	if r.opts.History == nil || r.opts.RehydrateTurns <= 0 {
		return
	}
	turns, err := r.opts.History.RecentTurns(w.key, r.opts.RehydrateTurns)
	if err != nil {
		r.logger.Warn("failed to rehydrate conversation",
			zap.String("channel", w.key.Channel),
			zap.String("thread", w.key.Thread),
			zap.Error(err))
		return
	}
	w.conv.Turns = turns
}

func (r *Resolver) runWorker(w *worker) {
	defer r.wg.Done()
	for job := range w.jobs {
		job.fn(job.ctx, w.conv)
		if r.opts.History != nil && len(w.conv.Turns) > 0 {
			last := w.conv.Turns[len(w.conv.Turns)-1]
			if err := r.opts.History.RecordTurn(w.key, last); err != nil {
				r.logger.Warn("failed to persist turn",
					zap.String("turn", last.ID), zap.Error(err))
			}
		}
		w.lastDone.Store(r.now().UnixNano())
		w.pending.Add(-1)
	}
}

// KnowsThread reports whether the given thread belongs to a conversation
// this bot participated in, either live or persisted.
func (r *Resolver) KnowsThread(channel, thread string) bool {
	if thread == "" {
		return false
	}
	key := Key{Channel: channel, Thread: thread}

	r.mu.Lock()
	_, live := r.workers[key]
	r.mu.Unlock()
	if live {
		return true
	}

	if r.opts.History != nil {
		known, err := r.opts.History.HasThread(channel, thread)
		if err != nil {
			r.logger.Warn("thread lookup failed", zap.Error(err))
			return false
		}
		return known
	}
	return false
}

// Active returns the number of live conversations.
func (r *Resolver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Evict runs the idle-eviction loop until ctx is canceled.
func (r *Resolver) Evict(ctx context.Context) {
	interval := r.opts.IdleTTL / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictOnce()
		}
	}
}

// EvictOnce removes workers idle past the TTL, returning how many were
// evicted. A worker with queued or in-flight work is never evicted.
func (r *Resolver) EvictOnce() int {
	cutoff := r.now().Add(-r.opts.IdleTTL).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, w := range r.workers {
		if w.pending.Load() != 0 || w.lastDone.Load() > cutoff {
			continue
		}
		close(w.jobs)
		delete(r.workers, key)
		evicted++
		r.logger.Debug("conversation evicted",
			zap.String("channel", key.Channel),
			zap.String("thread", key.Thread))
	}
	return evicted
}

// Close stops accepting work, waits for in-flight jobs, and closes the
// history store.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for key, w := range r.workers {
		close(w.jobs)
		delete(r.workers, key)
	}
	r.mu.Unlock()

	r.wg.Wait()
	if r.opts.History != nil {
		return r.opts.History.Close()
	}
	return nil
}

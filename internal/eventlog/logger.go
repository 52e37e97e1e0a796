// Package eventlog records throttle events off the request path.
package eventlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
)

// Hooks lets the metrics layer observe the logger.
type Hooks struct {
	OnRecorded   func(eventType domain.ThrottleEventType)
	OnDropped    func()
	OnWriteError func()
	OnDepth      func(depth int)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		BufferSize:    4096,
		BatchSize:     200,
		FlushInterval: time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

// AsyncLogger buffers events in a bounded channel and writes them to the
// repository in batches from a single goroutine. Record never blocks: a
// full buffer drops the event.
type AsyncLogger struct {
	ch      chan domain.ThrottleEvent
	repo    Repository
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	hooks   Hooks
	dropped atomic.Int64
	warn    rate.Sometimes

	mu     sync.RWMutex
	closed bool
}

func NewAsyncLogger(repo Repository, opts Options, c clock.Clock, logger *zap.Logger, hooks Hooks) *AsyncLogger {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncLogger{
		ch:     make(chan domain.ThrottleEvent, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		clock:  c,
		logger: logger.With(zap.String("component", "event_log")),
		hooks:  hooks,
		warn:   rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Record enqueues e. It fills in the id and timestamp when they are unset.
// Events recorded after Run has returned are dropped.
func (l *AsyncLogger) Record(e domain.ThrottleEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop("throttle event log stopped, dropping events")
		return
	}
	select {
	case l.ch <- e:
		if l.hooks.OnRecorded != nil {
			l.hooks.OnRecorded(e.Type)
		}
	default:
		l.drop("throttle event buffer full, dropping events")
	}
}

func (l *AsyncLogger) drop(msg string) {
	n := l.dropped.Add(1)
	if l.hooks.OnDropped != nil {
		l.hooks.OnDropped()
	}
	l.warn.Do(func() {
		l.logger.Warn(msg, zap.Int64("dropped_total", n))
	})
}

// Dropped returns how many events were discarded, either because the buffer
// was full or because the logger had stopped.
func (l *AsyncLogger) Dropped() int64 { return l.dropped.Load() }

// Depth is the number of events waiting to be written.
func (l *AsyncLogger) Depth() int { return len(l.ch) }

func (l *AsyncLogger) Recent(ctx context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error) {
	return l.repo.Recent(ctx, tenantID, limit)
}

// Run writes buffered events until ctx is cancelled, then drains what is
// left in the buffer with a bounded timeout.
func (l *AsyncLogger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.ThrottleEvent, 0, l.opts.BatchSize)
	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.opts.BatchSize {
				batch = l.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = l.flush(ctx, batch)
			if l.hooks.OnDepth != nil {
				l.hooks.OnDepth(len(l.ch))
			}
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			l.drain(batch)
			return
		}
	}
}

func (l *AsyncLogger) drain(batch []domain.ThrottleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.FlushTimeout)
	defer cancel()
	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.opts.BatchSize {
				batch = l.flush(ctx, batch)
			}
		default:
			l.flush(ctx, batch)
			return
		}
	}
}

// flush writes batch and returns it emptied for reuse. Write failures are
// logged and the batch is discarded.
func (l *AsyncLogger) flush(ctx context.Context, batch []domain.ThrottleEvent) []domain.ThrottleEvent {
	if len(batch) == 0 {
		return batch
	}
	if err := l.repo.Append(ctx, batch); err != nil {
		if l.hooks.OnWriteError != nil {
			l.hooks.OnWriteError()
		}
		l.logger.Warn("write throttle events failed",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
	}
	return batch[:0]
}

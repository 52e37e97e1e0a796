package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/send-throttle/internal/clock"
)

// Job names used in logs and metrics.
const (
	JobEventRetention = "event_retention"
	JobBucketGC       = "bucket_gc"
)

// EventPruner deletes throttle events older than a cutoff.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// BucketPruner deletes buckets idle since a cutoff.
type BucketPruner interface {
	Prune(ctx context.Context, idleSince time.Time) (int, error)
}

// Hooks for metrics, injected so the janitor stays metrics-agnostic.
type Hooks struct {
	OnRun func(job string, removed int64, err error)
}

type JanitorConfig struct {
	EventSchedule  string
	EventRetention time.Duration
	BucketSchedule string
	BucketIdle     time.Duration
	JobTimeout     time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		EventSchedule:  "15 3 * * *",
		EventRetention: 30 * 24 * time.Hour,
		BucketSchedule: "*/10 * * * *",
		BucketIdle:     24 * time.Hour,
		JobTimeout:     2 * time.Minute,
	}
}

// Janitor runs the periodic cleanup jobs: throttle-event retention and
// garbage collection of idle buckets. Buckets refill lazily, so removing
// an idle one only means it is recreated full on next use.
type Janitor struct {
	cfg     JanitorConfig
	events  EventPruner
	buckets BucketPruner
	clock   clock.Clock
	logger  *zap.Logger
	hooks   Hooks
}

func NewJanitor(cfg JanitorConfig, events EventPruner, buckets BucketPruner, c clock.Clock, logger *zap.Logger, hooks Hooks) *Janitor {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJanitorConfig().JobTimeout
	}
	return &Janitor{
		cfg:     cfg,
		events:  events,
		buckets: buckets,
		clock:   c,
		logger:  logger.With(zap.String("component", "janitor")),
		hooks:   hooks,
	}
}

// Run schedules the jobs and blocks until ctx is cancelled, then waits
// for any running job to finish.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{j.logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{j.logger.Sugar()}), cron.SkipIfStillRunning(cronLogger{j.logger.Sugar()})),
	)
	if j.events != nil && j.cfg.EventSchedule != "" {
		if _, err := c.AddFunc(j.cfg.EventSchedule, func() { j.PruneEvents(ctx) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobEventRetention, err)
		}
	}
	if j.buckets != nil && j.cfg.BucketSchedule != "" {
		if _, err := c.AddFunc(j.cfg.BucketSchedule, func() { j.PruneBuckets(ctx) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobBucketGC, err)
		}
	}

	c.Start()
	j.logger.Info("janitor started",
		zap.String("event_schedule", j.cfg.EventSchedule),
		zap.String("bucket_schedule", j.cfg.BucketSchedule),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

// PruneEvents deletes events older than the retention window.
func (j *Janitor) PruneEvents(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.JobTimeout)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.cfg.EventRetention)
	n, err := j.events.Prune(ctx, cutoff)
	j.finish(JobEventRetention, n, err)
	return n, err
}

// PruneBuckets deletes buckets not touched within the idle window.
func (j *Janitor) PruneBuckets(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.JobTimeout)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.cfg.BucketIdle)
	n, err := j.buckets.Prune(ctx, cutoff)
	j.finish(JobBucketGC, int64(n), err)
	return int64(n), err
}

func (j *Janitor) finish(job string, removed int64, err error) {
	if err != nil {
		j.logger.Error("janitor job failed", zap.String("job", job), zap.Error(err))
	} else if removed > 0 {
		j.logger.Info("janitor job completed", zap.String("job", job), zap.Int64("removed", removed))
	}
	if j.hooks.OnRun != nil {
		j.hooks.OnRun(job, removed, err)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

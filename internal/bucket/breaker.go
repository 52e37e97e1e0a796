package bucket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// BreakerConfig tunes the storage circuit breaker.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears failure counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OnStateChange, if set, receives the new state name.
	OnStateChange func(name, state string)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "bucket-store",
		MaxRequests:         3,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerStore guards a Store with a circuit breaker so a dead backend
// fails fast instead of every caller waiting out its own timeout. All
// storage failures it returns wrap domain.ErrStorageUnavailable.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Bad specs and caller cancellations say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInvalidSpec) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to.String())
			}
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state for health endpoints.
func (s *BreakerStore) State() string {
	return s.cb.State().String()
}

func (s *BreakerStore) FindOrCreate(ctx context.Context, spec Spec) (Bucket, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.FindOrCreate(ctx, spec)
	})
	if err != nil {
		return Bucket{}, wrapUnavailable(err)
	}
	return v.(Bucket), nil
}

func (s *BreakerStore) Consume(ctx context.Context, spec Spec, n float64) (Result, error) {
	return s.ConsumeAll(ctx, []Spec{spec}, n)
}

func (s *BreakerStore) ConsumeAll(ctx context.Context, specs []Spec, n float64) (Result, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.ConsumeAll(ctx, specs, n)
	})
	if err != nil {
		return Result{}, wrapUnavailable(err)
	}
	return v.(Result), nil
}

func (s *BreakerStore) Peek(ctx context.Context, keys []string) ([]Bucket, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Peek(ctx, keys)
	})
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return v.([]Bucket), nil
}

func (s *BreakerStore) Prune(ctx context.Context, idleSince time.Time) (int, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Prune(ctx, idleSince)
	})
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	return v.(int), nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, ErrInvalidSpec) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}

var _ Store = (*BreakerStore)(nil)

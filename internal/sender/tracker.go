package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
)

// Eligibility is the result of a pre-send health check.
type Eligibility struct {
	CanSend          bool
	Wait             time.Duration
	Reason           string
	Stage            domain.SenderStage
	HealthScore      float64
	WarmupMultiplier float64
}

// Hooks receives state-machine events for metrics.
type Hooks struct {
	OnTransition   func(from, to domain.SenderStage)
	OnCircuitBreak func(suspended bool)
}

// Tracker applies Policy to sender status held in a Store.
type Tracker struct {
	store  Store
	policy Policy
	clock  clock.Clock
	logger *zap.Logger
	hooks  Hooks
}

func NewTracker(store Store, policy Policy, c clock.Clock, logger *zap.Logger, hooks Hooks) *Tracker {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		policy: policy,
		clock:  c,
		logger: logger.With(zap.String("component", "sender_tracker")),
		hooks:  hooks,
	}
}

func (t *Tracker) Policy() Policy { return t.policy }

// Check reports whether the sender may send now. Unknown senders are
// eligible at the tier's initial warm-up multiplier. An elapsed pause is
// lifted and persisted.
func (t *Tracker) Check(ctx context.Context, tenantID, phone string, tier domain.Tier) (Eligibility, error) {
	now := t.clock.Now()
	s, err := t.store.Get(ctx, tenantID, phone)
	if errors.Is(err, domain.ErrNotFound) {
		s = domain.NewSenderStatus(tenantID, phone, now)
	} else if err != nil {
		return Eligibility{}, err
	}

	if s.Stage.IsPausedStage() && !s.IsPaused(now) {
		from := s.Stage
		s, err = t.store.Update(ctx, tenantID, phone, nil, func(cur *domain.SenderStatus) error {
			t.policy.expire(cur, tier, now)
			return nil
		})
		if err != nil {
			return Eligibility{}, err
		}
		t.transition(tenantID, phone, Transition{From: from, To: s.Stage})
	}

	el := Eligibility{
		CanSend:          true,
		Stage:            s.Stage,
		HealthScore:      s.HealthScore,
		WarmupMultiplier: t.policy.WarmupMultiplier(s, tier, now),
	}
	if s.IsPaused(now) {
		el.CanSend = false
		if s.PausedUntil != nil {
			el.Wait = s.PausedUntil.Sub(now)
		}
		el.Reason = fmt.Sprintf("sender_paused: %s", s.Stage)
		if s.PauseReason != nil {
			el.Reason += " (" + *s.PauseReason + ")"
		}
	}
	return el, nil
}

// RecordSuccess counts a delivered message against the sender.
func (t *Tracker) RecordSuccess(ctx context.Context, tenantID, phone string, tier domain.Tier) error {
	var tr Transition
	_, err := t.store.Update(ctx, tenantID, phone, t.initFunc(tenantID, phone), func(s *domain.SenderStatus) error {
		tr = t.policy.applySuccess(s, tier, t.clock.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	t.transition(tenantID, phone, tr)
	return nil
}

// RecordFailure lowers the sender's health and may trip its circuit breaker.
func (t *Tracker) RecordFailure(ctx context.Context, tenantID, phone string, tier domain.Tier, errMsg string, permanent bool) (Transition, error) {
	var tr Transition
	s, err := t.store.Update(ctx, tenantID, phone, t.initFunc(tenantID, phone), func(s *domain.SenderStatus) error {
		tr = t.policy.applyFailure(s, tier, errMsg, permanent, t.clock.Now())
		return nil
	})
	if err != nil {
		return Transition{}, fmt.Errorf("record failure: %w", err)
	}
	if tr.Tripped {
		t.logger.Warn("sender circuit breaker tripped",
			zap.String("tenant_id", tenantID),
			zap.String("phone", phone),
			zap.String("stage", string(s.Stage)),
			zap.Int("circuit_breaks", s.CircuitBreaks),
			zap.Timep("paused_until", s.PausedUntil),
		)
		if t.hooks.OnCircuitBreak != nil {
			t.hooks.OnCircuitBreak(tr.Suspended)
		}
	}
	t.transition(tenantID, phone, tr)
	return tr, nil
}

// Resume lifts a pause immediately.
func (t *Tracker) Resume(ctx context.Context, tenantID, phone string, tier domain.Tier) (*domain.SenderStatus, error) {
	var tr Transition
	s, err := t.store.Update(ctx, tenantID, phone, nil, func(s *domain.SenderStatus) error {
		now := t.clock.Now()
		tr.From = s.Stage
		if s.Stage.IsPausedStage() {
			past := now
			s.PausedUntil = &past
			t.policy.expire(s, tier, now)
		}
		s.PausedUntil = nil
		s.PauseReason = nil
		s.UpdatedAt = now
		tr.To = s.Stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("sender resumed", zap.String("tenant_id", tenantID), zap.String("phone", phone))
	t.transition(tenantID, phone, tr)
	return s, nil
}

// Suspend pauses a sender until the given time.
func (t *Tracker) Suspend(ctx context.Context, tenantID, phone, reason string, until time.Time) (*domain.SenderStatus, error) {
	var tr Transition
	s, err := t.store.Update(ctx, tenantID, phone, t.initFunc(tenantID, phone), func(s *domain.SenderStatus) error {
		tr.From = s.Stage
		s.Stage = domain.StageSuspended
		u := until
		s.PausedUntil = &u
		r := reason
		s.PauseReason = &r
		s.UpdatedAt = t.clock.Now()
		tr.To = s.Stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Warn("sender suspended by operator",
		zap.String("tenant_id", tenantID),
		zap.String("phone", phone),
		zap.String("reason", reason),
		zap.Time("until", until),
	)
	t.transition(tenantID, phone, tr)
	return s, nil
}

func (t *Tracker) Get(ctx context.Context, tenantID, phone string) (*domain.SenderStatus, error) {
	return t.store.Get(ctx, tenantID, phone)
}

func (t *Tracker) List(ctx context.Context, tenantID string) ([]*domain.SenderStatus, error) {
	return t.store.ListByTenant(ctx, tenantID)
}

func (t *Tracker) initFunc(tenantID, phone string) func() *domain.SenderStatus {
	return func() *domain.SenderStatus {
		return domain.NewSenderStatus(tenantID, phone, t.clock.Now())
	}
}

func (t *Tracker) transition(tenantID, phone string, tr Transition) {
	if !tr.Changed() {
		return
	}
	t.logger.Debug("sender stage changed",
		zap.String("tenant_id", tenantID),
		zap.String("phone", phone),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
	)
	if t.hooks.OnTransition != nil {
		t.hooks.OnTransition(tr.From, tr.To)
	}
}

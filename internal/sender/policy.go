package sender

import (
	"fmt"
	"math"
	"time"

	"github.com/notifyhub/send-throttle/internal/domain"
)

const day = 24 * time.Hour

// Policy holds the health-score and circuit-breaker parameters.
type Policy struct {
	SuccessReward      float64
	TransientPenalty   float64
	PermanentPenalty   float64
	FairThreshold      float64
	PoorThreshold      float64
	BreakerThreshold   int
	Cooldown           time.Duration
	SuspendAfterBreaks int
	SuspendFor         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		SuccessReward:      1,
		TransientPenalty:   5,
		PermanentPenalty:   15,
		FairThreshold:      70,
		PoorThreshold:      50,
		BreakerThreshold:   5,
		Cooldown:           30 * time.Minute,
		SuspendAfterBreaks: 3,
		SuspendFor:         24 * time.Hour,
	}
}

// Transition describes a stage change caused by one recorded result.
type Transition struct {
	From      domain.SenderStage
	To        domain.SenderStage
	Tripped   bool
	Suspended bool
}

func (t Transition) Changed() bool { return t.From != t.To }

// WarmupMultiplier returns the fraction of the tier's sender rate a sender
// may use at now. It ramps linearly from the tier multiplier to 1 over the
// tier's warm-up days, counted from the first successful send.
func (p Policy) WarmupMultiplier(s *domain.SenderStatus, t domain.Tier, now time.Time) float64 {
	base := t.WarmupRateMultiplier
	if base <= 0 || base > 1 || t.WarmupDays <= 0 {
		return 1
	}
	if s == nil || s.FirstSuccessAt == nil {
		return base
	}
	if s.Stage == domain.StageStable {
		return 1
	}
	progress := now.Sub(*s.FirstSuccessAt).Hours() / (float64(t.WarmupDays) * 24)
	if progress <= 0 {
		return base
	}
	if progress >= 1 {
		return 1
	}
	return base + (1-base)*progress
}

// HealthMultiplier scales pacing delays for degraded senders.
func (p Policy) HealthMultiplier(score float64) float64 {
	switch {
	case score < p.PoorThreshold:
		return 2.0
	case score < p.FairThreshold:
		return 1.5
	default:
		return 1.0
	}
}

func (p Policy) warmupComplete(s *domain.SenderStatus, t domain.Tier, now time.Time) bool {
	if t.WarmupDays <= 0 {
		return true
	}
	if s.FirstSuccessAt == nil {
		return false
	}
	return !now.Before(s.FirstSuccessAt.Add(time.Duration(t.WarmupDays) * day))
}

// expire lifts an elapsed pause. It reports whether s changed.
func (p Policy) expire(s *domain.SenderStatus, t domain.Tier, now time.Time) bool {
	if !s.Stage.IsPausedStage() || s.IsPaused(now) {
		return false
	}
	if p.warmupComplete(s, t, now) {
		s.Stage = domain.StageStable
	} else {
		s.Stage = domain.StageWarming
	}
	s.ConsecutiveErrors = 0
	s.PausedUntil = nil
	s.PauseReason = nil
	s.UpdatedAt = now
	return true
}

func (p Policy) rollCounter(s *domain.SenderStatus, now time.Time) {
	today := now.Format(time.DateOnly)
	if s.CounterDate != today {
		s.CounterDate = today
		s.SentToday = 0
	}
}

func (p Policy) applySuccess(s *domain.SenderStatus, t domain.Tier, now time.Time) Transition {
	p.expire(s, t, now)
	tr := Transition{From: s.Stage}

	p.rollCounter(s, now)
	s.SentToday++
	s.SentTotal++
	s.ConsecutiveErrors = 0
	s.HealthScore = math.Min(domain.MaxHealthScore, s.HealthScore+p.SuccessReward)
	if s.HealthScore >= p.FairThreshold {
		s.CircuitBreaks = 0
	}
	if s.FirstSuccessAt == nil {
		first := now
		s.FirstSuccessAt = &first
	}
	last := now
	s.LastSuccessAt = &last

	switch s.Stage {
	case domain.StageNew:
		s.Stage = domain.StageWarming
		if p.warmupComplete(s, t, now) {
			s.Stage = domain.StageStable
		}
	case domain.StageWarming:
		if p.warmupComplete(s, t, now) {
			s.Stage = domain.StageStable
		}
	}
	s.UpdatedAt = now
	tr.To = s.Stage
	return tr
}

func (p Policy) applyFailure(s *domain.SenderStatus, t domain.Tier, errMsg string, permanent bool, now time.Time) Transition {
	p.expire(s, t, now)
	tr := Transition{From: s.Stage}

	penalty := p.TransientPenalty
	if permanent {
		penalty = p.PermanentPenalty
	}
	s.ConsecutiveErrors++
	s.HealthScore = math.Max(0, s.HealthScore-penalty)
	failed := now
	s.LastFailureAt = &failed
	if errMsg != "" {
		msg := errMsg
		s.LastError = &msg
	}

	// Results of messages already in flight must not extend an active pause.
	if s.ConsecutiveErrors >= p.BreakerThreshold && !s.IsPaused(now) {
		s.CircuitBreaks++
		tr.Tripped = true
		var until time.Time
		var reason string
		if s.CircuitBreaks >= p.SuspendAfterBreaks {
			s.Stage = domain.StageSuspended
			until = now.Add(p.SuspendFor)
			reason = fmt.Sprintf("circuit_break: suspended after %d breaks", s.CircuitBreaks)
			tr.Suspended = true
		} else {
			s.Stage = domain.StageCooldown
			until = now.Add(p.Cooldown)
			reason = fmt.Sprintf("circuit_break: %d consecutive errors", s.ConsecutiveErrors)
		}
		s.PausedUntil = &until
		s.PauseReason = &reason
	}
	s.UpdatedAt = now
	tr.To = s.Stage
	return tr
}

package sender_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
	"github.com/notifyhub/send-throttle/internal/sender"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const (
	tenant = "acme"
	phone  = "+15550001111"
)

func warmTier() domain.Tier {
	t := domain.FallbackTier()
	t.WarmupDays = 10
	t.WarmupRateMultiplier = 0.25
	return t
}

func newTracker(t *testing.T) (*sender.Tracker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	return sender.NewTracker(sender.NewMemoryStore(), sender.DefaultPolicy(), clk, nil, sender.Hooks{}), clk
}

func TestWarmupMultiplier(t *testing.T) {
	p := sender.DefaultPolicy()
	first := epoch
	tier := warmTier()

	tests := []struct {
		name   string
		status *domain.SenderStatus
		tier   domain.Tier
		now    time.Time
		want   float64
	}{
		{"unknown sender", nil, tier, epoch, 0.25},
		{"no first success", &domain.SenderStatus{Stage: domain.StageNew}, tier, epoch, 0.25},
		{"start of ramp", &domain.SenderStatus{Stage: domain.StageWarming, FirstSuccessAt: &first}, tier, epoch, 0.25},
		{"halfway", &domain.SenderStatus{Stage: domain.StageWarming, FirstSuccessAt: &first}, tier, epoch.Add(5 * 24 * time.Hour), 0.625},
		{"ramp complete", &domain.SenderStatus{Stage: domain.StageWarming, FirstSuccessAt: &first}, tier, epoch.Add(11 * 24 * time.Hour), 1},
		{"stable", &domain.SenderStatus{Stage: domain.StageStable, FirstSuccessAt: &first}, tier, epoch, 1},
		{"no warm-up days", &domain.SenderStatus{Stage: domain.StageNew}, domain.Tier{WarmupRateMultiplier: 0.25}, epoch, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.WarmupMultiplier(tt.status, tt.tier, tt.now)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("WarmupMultiplier = %v, want %v", got, tt.want)
			}
			if got <= 0 || got > 1 {
				t.Fatalf("WarmupMultiplier = %v, outside (0, 1]", got)
			}
		})
	}
}

func TestHealthMultiplier(t *testing.T) {
	p := sender.DefaultPolicy()
	tests := []struct {
		score float64
		want  float64
	}{
		{100, 1.0},
		{70, 1.0},
		{69.9, 1.5},
		{50, 1.5},
		{49, 2.0},
		{0, 2.0},
	}
	for _, tt := range tests {
		if got := p.HealthMultiplier(tt.score); got != tt.want {
			t.Errorf("HealthMultiplier(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestTracker_UnknownSenderIsEligible(t *testing.T) {
	tr, _ := newTracker(t)
	el, err := tr.Check(context.Background(), tenant, phone, warmTier())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !el.CanSend || el.Stage != domain.StageNew || el.WarmupMultiplier != 0.25 {
		t.Fatalf("unexpected eligibility: %+v", el)
	}
}

func TestTracker_SuccessLifecycle(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()
	tier := warmTier()

	if err := tr.RecordSuccess(ctx, tenant, phone, tier); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	s, _ := tr.Get(ctx, tenant, phone)
	if s.Stage != domain.StageWarming || s.FirstSuccessAt == nil || s.SentToday != 1 || s.SentTotal != 1 {
		t.Fatalf("after first success: %+v", s)
	}

	clk.Advance(10 * 24 * time.Hour)
	if err := tr.RecordSuccess(ctx, tenant, phone, tier); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	s, _ = tr.Get(ctx, tenant, phone)
	if s.Stage != domain.StageStable {
		t.Fatalf("stage after warm-up = %s, want stable", s.Stage)
	}
	if s.SentToday != 1 || s.SentTotal != 2 {
		t.Fatalf("daily counter not rolled: today=%d total=%d", s.SentToday, s.SentTotal)
	}
}

func TestTracker_HealthScoreBounds(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	tier := warmTier()

	for i := 0; i < 3; i++ {
		if err := tr.RecordSuccess(ctx, tenant, phone, tier); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := tr.Get(ctx, tenant, phone)
	if s.HealthScore != domain.MaxHealthScore {
		t.Fatalf("score = %v, want capped at 100", s.HealthScore)
	}

	if _, err := tr.RecordFailure(ctx, tenant, phone, tier, "timeout", false); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RecordFailure(ctx, tenant, phone, tier, "blocked", true); err != nil {
		t.Fatal(err)
	}
	s, _ = tr.Get(ctx, tenant, phone)
	if s.HealthScore != 80 {
		t.Fatalf("score = %v, want 80 after -5 and -15", s.HealthScore)
	}
	if s.LastError == nil || *s.LastError != "blocked" {
		t.Fatalf("last error = %v, want blocked", s.LastError)
	}

	for i := 0; i < 10; i++ {
		_, _ = tr.RecordFailure(ctx, tenant, phone, tier, "blocked", true)
	}
	s, _ = tr.Get(ctx, tenant, phone)
	if s.HealthScore != 0 {
		t.Fatalf("score = %v, want floored at 0", s.HealthScore)
	}
}

func TestTracker_CircuitBreakerPausesUntilCooldownEnds(t *testing.T) {
	var breaks int
	clk := clock.NewFake(epoch)
	tr := sender.NewTracker(sender.NewMemoryStore(), sender.DefaultPolicy(), clk, nil, sender.Hooks{
		OnCircuitBreak: func(bool) { breaks++ },
	})
	ctx := context.Background()
	tier := warmTier()

	var last sender.Transition
	for i := 0; i < 5; i++ {
		var err error
		last, err = tr.RecordFailure(ctx, tenant, phone, tier, "timeout", false)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !last.Tripped || last.To != domain.StageCooldown || breaks != 1 {
		t.Fatalf("transition = %+v breaks=%d, want trip to cooldown", last, breaks)
	}

	// Further in-flight failures do not extend the pause.
	_, _ = tr.RecordFailure(ctx, tenant, phone, tier, "timeout", false)
	if breaks != 1 {
		t.Fatalf("breaks = %d, want 1", breaks)
	}

	clk.Advance(10 * time.Minute)
	el, err := tr.Check(ctx, tenant, phone, tier)
	if err != nil {
		t.Fatal(err)
	}
	if el.CanSend || el.Wait != 20*time.Minute || el.Stage != domain.StageCooldown {
		t.Fatalf("eligibility during cooldown: %+v", el)
	}

	clk.Advance(20 * time.Minute)
	el, err = tr.Check(ctx, tenant, phone, tier)
	if err != nil {
		t.Fatal(err)
	}
	if !el.CanSend || el.Stage != domain.StageWarming {
		t.Fatalf("eligibility after cooldown: %+v", el)
	}
	s, _ := tr.Get(ctx, tenant, phone)
	if s.ConsecutiveErrors != 0 || s.PausedUntil != nil {
		t.Fatalf("pause not cleared: %+v", s)
	}
}

func TestTracker_ThirdBreakSuspends(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()
	tier := warmTier()

	var last sender.Transition
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			last, _ = tr.RecordFailure(ctx, tenant, phone, tier, "timeout", false)
		}
		clk.Advance(31 * time.Minute)
	}
	if !last.Suspended || last.To != domain.StageSuspended {
		t.Fatalf("transition = %+v, want suspension", last)
	}
	s, _ := tr.Get(ctx, tenant, phone)
	if s.CircuitBreaks != 3 {
		t.Fatalf("circuit breaks = %d, want 3", s.CircuitBreaks)
	}
	want := epoch.Add(2*31*time.Minute + 24*time.Hour)
	if s.PausedUntil == nil || !s.PausedUntil.Equal(want) {
		t.Fatalf("paused until = %v, want %v", s.PausedUntil, want)
	}
}

func TestTracker_ResumeAndSuspend(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()
	tier := warmTier()

	if _, err := tr.Resume(ctx, tenant, phone, tier); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Resume unknown sender err = %v, want ErrNotFound", err)
	}

	s, err := tr.Suspend(ctx, tenant, phone, "spam complaints", clk.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if s.Stage != domain.StageSuspended || s.PauseReason == nil || *s.PauseReason != "spam complaints" {
		t.Fatalf("after suspend: %+v", s)
	}
	el, _ := tr.Check(ctx, tenant, phone, tier)
	if el.CanSend {
		t.Fatal("suspended sender reported eligible")
	}

	s, err = tr.Resume(ctx, tenant, phone, tier)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.Stage != domain.StageWarming || s.PausedUntil != nil {
		t.Fatalf("after resume: %+v", s)
	}
	el, _ = tr.Check(ctx, tenant, phone, tier)
	if !el.CanSend {
		t.Fatal("resumed sender reported ineligible")
	}
}

func TestTracker_SuspensionWithoutEndHoldsUntilResumed(t *testing.T) {
	store := sender.NewMemoryStore()
	clk := clock.NewFake(epoch)
	tr := sender.NewTracker(store, sender.DefaultPolicy(), clk, nil, sender.Hooks{})
	ctx := context.Background()
	tier := warmTier()

	for _, stage := range []domain.SenderStage{domain.StageSuspended, domain.StageCooldown} {
		t.Run(string(stage), func(t *testing.T) {
			p := phone + string(stage)
			_, err := store.Update(ctx, tenant, p, func() *domain.SenderStatus {
				s := domain.NewSenderStatus(tenant, p, clk.Now())
				s.Stage = stage
				return s
			}, func(*domain.SenderStatus) error { return nil })
			if err != nil {
				t.Fatal(err)
			}

			clk.Advance(365 * 24 * time.Hour)
			el, err := tr.Check(ctx, tenant, p, tier)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if el.CanSend || el.Wait != 0 || el.Stage != stage {
				t.Fatalf("eligibility = %+v, want paused %s with no known end", el, stage)
			}
			got, _ := store.Get(ctx, tenant, p)
			if got.Stage != stage {
				t.Fatalf("stored stage = %s, want %s", got.Stage, stage)
			}

			if _, err := tr.Resume(ctx, tenant, p, tier); err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if el, _ := tr.Check(ctx, tenant, p, tier); !el.CanSend {
				t.Fatalf("resumed sender ineligible: %+v", el)
			}
		})
	}
}

func TestTracker_BreakCountResetsWhenHealthy(t *testing.T) {
	p := sender.DefaultPolicy()
	p.BreakerThreshold = 1
	clk := clock.NewFake(epoch)
	tr := sender.NewTracker(sender.NewMemoryStore(), p, clk, nil, sender.Hooks{})
	ctx := context.Background()
	tier := warmTier()

	_, _ = tr.RecordFailure(ctx, tenant, phone, tier, "timeout", false)
	clk.Advance(time.Hour)
	if err := tr.RecordSuccess(ctx, tenant, phone, tier); err != nil {
		t.Fatal(err)
	}
	s, _ := tr.Get(ctx, tenant, phone)
	if s.CircuitBreaks != 0 {
		t.Fatalf("circuit breaks = %d, want reset at healthy score", s.CircuitBreaks)
	}
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/notifyhub/send-throttle/internal/bucket"
	"github.com/notifyhub/send-throttle/internal/campaign"
	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
	"github.com/notifyhub/send-throttle/internal/eventlog"
	"github.com/notifyhub/send-throttle/internal/gate"
	"github.com/notifyhub/send-throttle/internal/pacing"
	"github.com/notifyhub/send-throttle/internal/sender"
	"github.com/notifyhub/send-throttle/internal/service"
	"github.com/notifyhub/send-throttle/internal/tier"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const (
	tenantID = "acme"
	phone    = "+15550001111"
)

// syncLog records events synchronously so tests can read them back at once.
type syncLog struct {
	repo *eventlog.MemoryRepository
}

func (l syncLog) Record(e domain.ThrottleEvent) {
	_ = l.repo.Append(context.Background(), []domain.ThrottleEvent{e})
}

func (l syncLog) Recent(ctx context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error) {
	return l.repo.Recent(ctx, tenantID, limit)
}

type harness struct {
	engine  *service.Engine
	clock   *clock.Fake
	source  *tier.StaticSource
	running *campaign.MemoryCounter
	events  *eventlog.MemoryRepository
}

func newEngine() *harness {
	clk := clock.NewFake(epoch)
	src := tier.NewStaticSource(
		[]domain.Tier{
			{Name: "growth", Segment: "smb", MessagesPerMinute: 60, BurstCapacity: 20, MaxConcurrentCampaigns: 2,
				MaxCampaignSize: 5000, InterMessageDelayMs: 500, WarmupDays: 7, WarmupRateMultiplier: 0.5, Active: true},
			{Name: "enterprise", Segment: "ent", MessagesPerMinute: 600, BurstCapacity: 200, MaxConcurrentCampaigns: 10,
				MaxCampaignSize: 100000, InterMessageDelayMs: 100, Active: true},
		},
		domain.Plan{TenantID: tenantID, Segment: "smb", Active: true},
	)
	resolver := tier.NewResolver(src, tier.NewMemoryCache(time.Hour, clk), nil, tier.Hooks{})
	policy := sender.DefaultPolicy()
	tracker := sender.NewTracker(sender.NewMemoryStore(), policy, clk, nil, sender.Hooks{})
	store := bucket.NewMemoryStore(clk)
	repo := eventlog.NewMemoryRepository()
	events := syncLog{repo: repo}
	g := gate.New(gate.DefaultConfig(), resolver, tracker, store, pacing.NewCalculator(0, policy.HealthMultiplier), events, nil, gate.WithClock(clk))
	running := campaign.NewMemoryCounter()
	e := service.NewEngine(g, resolver, tracker, store, campaign.NewAdmission(running), events, clk, nil)
	return &harness{engine: e, clock: clk, source: src, running: running, events: repo}
}

func TestEngine_CircuitBreakDeniesUntilPausedUntil(t *testing.T) {
	h := newEngine()
	ctx := context.Background()

	if d, err := h.engine.CheckAndConsume(ctx, tenantID, phone, ""); err != nil || !d.Allowed {
		t.Fatalf("first send: %+v, %v", d, err)
	}

	for i := 0; i < 5; i++ {
		err := h.engine.RecordSendResult(ctx, service.SendResult{TenantID: tenantID, SenderPhone: phone, Error: "carrier timeout"})
		if err != nil {
			t.Fatalf("RecordSendResult: %v", err)
		}
	}

	d, err := h.engine.CheckAndConsume(ctx, tenantID, phone, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Delay != 30*time.Minute {
		t.Fatalf("decision during cooldown = %+v, want denied for 30m", d)
	}

	h.clock.Advance(30 * time.Minute)
	d, err = h.engine.CheckAndConsume(ctx, tenantID, phone, "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("decision after cooldown = %+v, want allowed", d)
	}

	var breaks int
	for _, e := range h.events.All() {
		if e.Type == domain.EventCircuitBreak {
			breaks++
			if e.WaitSeconds != 1800 {
				t.Fatalf("circuit break wait = %v, want 1800", e.WaitSeconds)
			}
		}
	}
	if breaks != 1 {
		t.Fatalf("circuit_break events = %d, want 1", breaks)
	}
}

func TestEngine_RecordSendResult_Validation(t *testing.T) {
	h := newEngine()
	tests := []struct {
		name string
		res  service.SendResult
		want error
	}{
		{"missing tenant", service.SendResult{SenderPhone: phone, Success: true}, domain.ErrInvalidTenant},
		{"missing sender", service.SendResult{TenantID: tenantID, Success: true}, domain.ErrInvalidSender},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.engine.RecordSendResult(context.Background(), tc.res); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEngine_CanStartCampaign(t *testing.T) {
	h := newEngine()
	ctx := context.Background()

	d, err := h.engine.CanStartCampaign(ctx, tenantID, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if !d.CanStart || d.EstimatedDurationMinutes != 84 {
		t.Fatalf("decision = %+v, want allowed with 84 minutes", d)
	}

	d, _ = h.engine.CanStartCampaign(ctx, tenantID, 5001)
	if d.CanStart || !errors.Is(d.Err(), domain.ErrCampaignOversized) {
		t.Fatalf("oversized decision = %+v", d)
	}

	h.running.Set(tenantID, 2)
	d, _ = h.engine.CanStartCampaign(ctx, tenantID, 10)
	if d.CanStart || !errors.Is(d.Err(), domain.ErrConcurrentCampaignLimit) {
		t.Fatalf("concurrency decision = %+v", d)
	}
}

func TestEngine_InvalidateTenant(t *testing.T) {
	h := newEngine()
	ctx := context.Background()

	if got := h.engine.GetTierForTenant(ctx, tenantID).Name; got != "growth" {
		t.Fatalf("tier = %q, want growth", got)
	}
	h.source.SetPlan(domain.Plan{TenantID: tenantID, Segment: "ent", Active: true})
	if err := h.engine.InvalidateTenant(ctx, tenantID); err != nil {
		t.Fatal(err)
	}
	if got := h.engine.GetTierForTenant(ctx, tenantID).Name; got != "enterprise" {
		t.Fatalf("tier after plan change = %q, want enterprise", got)
	}
}

func TestEngine_SuspendAndResume(t *testing.T) {
	h := newEngine()
	ctx := context.Background()

	if _, err := h.engine.SuspendSender(ctx, tenantID, phone, "abuse", epoch.Add(-time.Minute)); !errors.Is(err, domain.ErrInvalidSuspension) {
		t.Fatalf("expected ErrInvalidSuspension, got %v", err)
	}
	if _, err := h.engine.SuspendSender(ctx, tenantID, phone, "abuse", epoch.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if d, _ := h.engine.CheckAndConsume(ctx, tenantID, phone, ""); d.Allowed {
		t.Fatal("suspended sender allowed")
	}
	if _, err := h.engine.ResumeSender(ctx, tenantID, phone); err != nil {
		t.Fatal(err)
	}
	if d, _ := h.engine.CheckAndConsume(ctx, tenantID, phone, ""); !d.Allowed {
		t.Fatalf("resumed sender denied: %+v", d)
	}
	if _, err := h.engine.ResumeSender(ctx, tenantID, "+15559999999"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown sender, got %v", err)
	}
}

func TestEngine_GetStats(t *testing.T) {
	h := newEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.CheckAndConsume(ctx, tenantID, phone, ""); err != nil {
			t.Fatal(err)
		}
		if err := h.engine.RecordSendResult(ctx, service.SendResult{TenantID: tenantID, SenderPhone: phone, Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := h.engine.GetStats(ctx, tenantID)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Tier.Name != "growth" {
		t.Fatalf("tier = %q", stats.Tier.Name)
	}
	if len(stats.Buckets) != 2 {
		t.Fatalf("buckets = %+v, want global and tenant", stats.Buckets)
	}
	if len(stats.Senders) != 1 {
		t.Fatalf("senders = %d, want 1", len(stats.Senders))
	}
	s := stats.Senders[0]
	if s.SentTotal != 3 || s.Stage != domain.StageWarming || s.WarmupMultiplier != 0.5 {
		t.Fatalf("sender stats = %+v", s)
	}
	if s.Bucket == nil || s.Bucket.Tokens != 7 {
		t.Fatalf("sender bucket = %+v, want 7 tokens", s.Bucket)
	}
}

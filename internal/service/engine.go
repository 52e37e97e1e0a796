package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/send-throttle/internal/bucket"
	"github.com/notifyhub/send-throttle/internal/campaign"
	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
	"github.com/notifyhub/send-throttle/internal/gate"
	"github.com/notifyhub/send-throttle/internal/sender"
	"github.com/notifyhub/send-throttle/internal/tier"
)

// DefaultRecentEvents is how many throttle events GetStats returns.
const DefaultRecentEvents = 50

// EventLog is the write and read side of the throttle event log.
type EventLog interface {
	Record(e domain.ThrottleEvent)
	Recent(ctx context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error)
}

// SendResult is the outcome of one delivery attempt reported by a dispatcher.
type SendResult struct {
	TenantID    string `json:"tenant_id"`
	SenderPhone string `json:"sender_phone"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
}

// SenderStats is a sender's stored status plus the limits derived from it.
type SenderStats struct {
	*domain.SenderStatus
	WarmupMultiplier float64        `json:"warmup_multiplier"`
	Bucket           *bucket.Bucket `json:"bucket,omitempty"`
}

// Stats is the observability snapshot for one tenant.
type Stats struct {
	TenantID     string                 `json:"tenant_id"`
	Tier         domain.Tier            `json:"tier"`
	Buckets      []bucket.Bucket        `json:"buckets"`
	Senders      []SenderStats          `json:"senders"`
	RecentEvents []domain.ThrottleEvent `json:"recent_events"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// Engine is the entry point used by dispatch workers and the HTTP layer.
// It owns no state of its own; every decision goes through the gate and
// every health update through the sender tracker.
type Engine struct {
	gate      *gate.Gate
	tiers     *tier.Resolver
	senders   *sender.Tracker
	store     bucket.Store
	admission *campaign.Admission
	events    EventLog
	clock     clock.Clock
	logger    *zap.Logger
}

func NewEngine(
	g *gate.Gate,
	tiers *tier.Resolver,
	senders *sender.Tracker,
	store bucket.Store,
	admission *campaign.Admission,
	events EventLog,
	c clock.Clock,
	logger *zap.Logger,
) *Engine {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gate:      g,
		tiers:     tiers,
		senders:   senders,
		store:     store,
		admission: admission,
		events:    events,
		clock:     c,
		logger:    logger.With(zap.String("component", "engine")),
	}
}

// CheckAndConsume asks whether one message may be sent now. A denied
// decision means the caller must requeue the message with the returned delay.
func (e *Engine) CheckAndConsume(ctx context.Context, tenantID, senderPhone, campaignID string) (gate.Decision, error) {
	return e.gate.CheckAndConsume(ctx, gate.Request{
		TenantID:    tenantID,
		SenderPhone: senderPhone,
		CampaignID:  campaignID,
	})
}

// RecordSendResult feeds a delivery outcome into the sender's health state.
func (e *Engine) RecordSendResult(ctx context.Context, r SendResult) error {
	if r.TenantID == "" {
		return domain.ErrInvalidTenant
	}
	if r.SenderPhone == "" {
		return domain.ErrInvalidSender
	}
	t := e.tiers.Resolve(ctx, r.TenantID)

	if r.Success {
		return e.senders.RecordSuccess(ctx, r.TenantID, r.SenderPhone, t)
	}

	tr, err := e.senders.RecordFailure(ctx, r.TenantID, r.SenderPhone, t, r.Error, r.Permanent)
	if err != nil {
		return err
	}
	if tr.Tripped {
		ev := domain.ThrottleEvent{
			Type:        domain.EventCircuitBreak,
			TenantID:    r.TenantID,
			SenderPhone: r.SenderPhone,
			Context: map[string]any{
				"from":       string(tr.From),
				"to":         string(tr.To),
				"suspended":  tr.Suspended,
				"last_error": r.Error,
				"permanent":  r.Permanent,
			},
			CreatedAt: e.clock.Now(),
		}
		if r.CampaignID != "" {
			id := r.CampaignID
			ev.CampaignID = &id
		}
		if s, err := e.senders.Get(ctx, r.TenantID, r.SenderPhone); err == nil && s.PausedUntil != nil {
			ev.WaitSeconds = s.PausedUntil.Sub(e.clock.Now()).Seconds()
		}
		e.events.Record(ev)
	}
	return nil
}

// CanStartCampaign checks the tenant's campaign size and concurrency limits.
func (e *Engine) CanStartCampaign(ctx context.Context, tenantID string, targetCount int) (campaign.Decision, error) {
	if tenantID == "" {
		return campaign.Decision{}, domain.ErrInvalidTenant
	}
	return e.admission.CanStart(ctx, tenantID, e.tiers.Resolve(ctx, tenantID), targetCount)
}

func (e *Engine) GetTierForTenant(ctx context.Context, tenantID string) domain.Tier {
	return e.tiers.Resolve(ctx, tenantID)
}

// InvalidateTenant must be called whenever a tenant's plan changes.
func (e *Engine) InvalidateTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return domain.ErrInvalidTenant
	}
	if err := e.tiers.Invalidate(ctx, tenantID); err != nil {
		return err
	}
	e.logger.Info("tenant tier invalidated", zap.String("tenant_id", tenantID))
	return nil
}

func (e *Engine) ResumeSender(ctx context.Context, tenantID, phone string) (*domain.SenderStatus, error) {
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if phone == "" {
		return nil, domain.ErrInvalidSender
	}
	return e.senders.Resume(ctx, tenantID, phone, e.tiers.Resolve(ctx, tenantID))
}

func (e *Engine) SuspendSender(ctx context.Context, tenantID, phone, reason string, until time.Time) (*domain.SenderStatus, error) {
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if phone == "" {
		return nil, domain.ErrInvalidSender
	}
	if !until.After(e.clock.Now()) {
		return nil, fmt.Errorf("suspend until %s: %w", until.Format(time.RFC3339), domain.ErrInvalidSuspension)
	}
	return e.senders.Suspend(ctx, tenantID, phone, reason, until)
}

// GetStats gathers tier, bucket, sender and event state concurrently.
func (e *Engine) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	now := e.clock.Now()
	t := e.tiers.Resolve(ctx, tenantID)
	stats := &Stats{TenantID: tenantID, Tier: t, GeneratedAt: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bs, err := e.store.Peek(gctx, []string{
			domain.GlobalBucketKey,
			domain.TenantBucketKey(tenantID),
			domain.TenantHourBucketKey(tenantID),
			domain.TenantDayBucketKey(tenantID),
		})
		if err != nil {
			return fmt.Errorf("peek tenant buckets: %w", err)
		}
		stats.Buckets = bs
		return nil
	})
	g.Go(func() error {
		list, err := e.senders.List(gctx, tenantID)
		if err != nil {
			return fmt.Errorf("list senders: %w", err)
		}
		keys := make([]string, len(list))
		for i, s := range list {
			keys[i] = domain.SenderBucketKey(s.Phone)
		}
		byKey := map[string]bucket.Bucket{}
		if len(keys) > 0 {
			bs, err := e.store.Peek(gctx, keys)
			if err != nil {
				return fmt.Errorf("peek sender buckets: %w", err)
			}
			for _, b := range bs {
				byKey[b.Key] = b
			}
		}
		policy := e.senders.Policy()
		out := make([]SenderStats, len(list))
		for i, s := range list {
			out[i] = SenderStats{SenderStatus: s, WarmupMultiplier: policy.WarmupMultiplier(s, t, now)}
			if b, ok := byKey[domain.SenderBucketKey(s.Phone)]; ok {
				out[i].Bucket = &b
			}
		}
		stats.Senders = out
		return nil
	})
	g.Go(func() error {
		evs, err := e.events.Recent(gctx, tenantID, DefaultRecentEvents)
		if err != nil {
			return fmt.Errorf("recent events: %w", err)
		}
		stats.RecentEvents = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

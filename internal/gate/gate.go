// Package gate decides whether one message may be sent now. It resolves
// the tenant tier, checks sender health, then consumes a token from every
// applicable bucket in one atomic store call.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/send-throttle/internal/bucket"
	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
	"github.com/notifyhub/send-throttle/internal/pacing"
	"github.com/notifyhub/send-throttle/internal/sender"
	"github.com/notifyhub/send-throttle/internal/tier"
)

// FailurePolicy selects what the gate answers when its storage fails.
type FailurePolicy string

const (
	// FailOpen allows the send with a fixed conservative delay.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the send and asks the caller to retry later.
	FailClosed FailurePolicy = "closed"
)

// Decision outcomes reported to Hooks.OnDecision.
const (
	OutcomeAllowed    = "allowed"
	OutcomePaused     = "sender_paused"
	OutcomeLimited    = "bucket_empty"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
	OutcomeInvalid    = "invalid_spec"
)

type Config struct {
	GlobalCapacity        float64
	GlobalRefillPerSecond float64
	SenderMinCapacity     float64
	SenderMinRefill       float64
	PausedMinWait         time.Duration
	FailurePolicy         FailurePolicy
	FailOpenDelay         time.Duration
	FailClosedWait        time.Duration
}

func DefaultConfig() Config {
	return Config{
		GlobalCapacity:        1000,
		GlobalRefillPerSecond: 100,
		SenderMinCapacity:     1,
		SenderMinRefill:       1.0 / 60,
		PausedMinWait:         time.Minute,
		FailurePolicy:         FailOpen,
		FailOpenDelay:         3 * time.Second,
		FailClosedWait:        30 * time.Second,
	}
}

// Request identifies one message about to be sent. CampaignID is optional.
type Request struct {
	TenantID    string
	SenderPhone string
	CampaignID  string
}

// Decision is the gate's answer. A denied decision is not an error: the
// caller must requeue the message and retry after Delay.
type Decision struct {
	Allowed        bool          `json:"allowed"`
	Delay          time.Duration `json:"-"`
	Reason         string        `json:"reason"`
	LimitingBucket string        `json:"limiting_bucket,omitempty"`
	Tier           string        `json:"tier"`
	Cause          error         `json:"-"`
}

// DelaySeconds is Delay as fractional seconds.
func (d Decision) DelaySeconds() float64 { return d.Delay.Seconds() }

// Err returns the sentinel behind a denial, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.Cause
}

// EventRecorder receives throttle events. Implementations must not block.
type EventRecorder interface {
	Record(e domain.ThrottleEvent)
}

// Hooks reports decisions to the metrics layer.
type Hooks struct {
	OnDecision func(outcome, scope string, elapsed time.Duration)
}

type Option func(*Gate)

// WithTracerProvider sets the provider used for gate spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) { g.tracer = tp.Tracer("github.com/notifyhub/send-throttle/internal/gate") }
}

func WithHooks(h Hooks) Option {
	return func(g *Gate) { g.hooks = h }
}

func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

type Gate struct {
	cfg     Config
	tiers   *tier.Resolver
	senders *sender.Tracker
	store   bucket.Store
	pacing  *pacing.Calculator
	events  EventRecorder
	logger  *zap.Logger
	tracer  trace.Tracer
	hooks   Hooks
	clock   clock.Clock
	errLog  rate.Sometimes
	specLog rate.Sometimes
}

func New(cfg Config, tiers *tier.Resolver, senders *sender.Tracker, store bucket.Store, calc *pacing.Calculator, events EventRecorder, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:     cfg,
		tiers:   tiers,
		senders: senders,
		store:   store,
		pacing:  calc,
		events:  events,
		logger:  logger.With(zap.String("component", "gate")),
		tracer:  otel.GetTracerProvider().Tracer("github.com/notifyhub/send-throttle/internal/gate"),
		clock:   clock.System{},
		errLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		specLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndConsume returns the send decision for req. It returns an error
// only for invalid input or a cancelled context; every other failure is
// folded into the decision according to the failure policy.
func (g *Gate) CheckAndConsume(ctx context.Context, req Request) (Decision, error) {
	if req.TenantID == "" {
		return Decision{}, domain.ErrInvalidTenant
	}
	if req.SenderPhone == "" {
		return Decision{}, domain.ErrInvalidSender
	}

	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "gate.CheckAndConsume", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("sender.phone", req.SenderPhone),
		attribute.String("campaign.id", req.CampaignID),
	))
	defer span.End()

	d, outcome, err := g.decide(ctx, req, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("gate.allowed", d.Allowed),
		attribute.String("gate.reason", d.Reason),
		attribute.String("gate.tier", d.Tier),
		attribute.Float64("gate.delay_seconds", d.DelaySeconds()),
	)
	if g.hooks.OnDecision != nil {
		g.hooks.OnDecision(outcome, scopeOf(d.LimitingBucket), time.Since(start))
	}
	return d, nil
}

func (g *Gate) decide(ctx context.Context, req Request, span trace.Span) (Decision, string, error) {
	t := g.tiers.Resolve(ctx, req.TenantID)

	el, err := g.senders.Check(ctx, req.TenantID, req.SenderPhone, t)
	if err != nil {
		return g.fail(ctx, req, t, fmt.Errorf("check sender: %w", err), span)
	}
	if !el.CanSend {
		wait := el.Wait
		if wait < g.cfg.PausedMinWait {
			wait = g.cfg.PausedMinWait
		}
		d := Decision{
			Delay:          wait,
			Reason:         el.Reason,
			LimitingBucket: domain.SenderBucketKey(req.SenderPhone),
			Tier:           t.Name,
			Cause:          domain.ErrSenderPaused,
		}
		g.record(req, domain.EventSenderPaused, "", wait, map[string]any{
			"stage":        string(el.Stage),
			"health_score": el.HealthScore,
		})
		return d, OutcomePaused, nil
	}

	res, err := g.store.ConsumeAll(ctx, g.specs(req, t, el.WarmupMultiplier), 1)
	if errors.Is(err, bucket.ErrInvalidSpec) && t.Name != domain.FallbackTierName {
		// A tier that cannot size its buckets is enforced as the fallback tier.
		g.specLog.Do(func() {
			g.logger.Error("tier yields invalid buckets, enforcing fallback tier",
				zap.String("tenant_id", req.TenantID),
				zap.String("tier", t.Name),
				zap.Error(err),
			)
		})
		t = domain.FallbackTier()
		res, err = g.store.ConsumeAll(ctx, g.specs(req, t, el.WarmupMultiplier), 1)
	}
	if errors.Is(err, bucket.ErrInvalidSpec) {
		d := Decision{
			Delay:  g.cfg.FailClosedWait,
			Reason: "invalid_bucket_spec",
			Tier:   t.Name,
			Cause:  err,
		}
		return d, OutcomeInvalid, nil
	}
	if err != nil {
		return g.fail(ctx, req, t, fmt.Errorf("consume buckets: %w", err), span)
	}
	if !res.Allowed {
		d := Decision{
			Delay:          res.Wait,
			Reason:         "bucket_empty: " + res.LimitingKey,
			LimitingBucket: res.LimitingKey,
			Tier:           t.Name,
			Cause:          fmt.Errorf("%w: %s", domain.ErrBucketExhausted, res.LimitingKey),
		}
		ctxFields := map[string]any{"tier": t.Name}
		if b, ok := res.Find(res.LimitingKey); ok {
			ctxFields["tokens"] = b.Tokens
			ctxFields["max_tokens"] = b.MaxTokens
		}
		g.record(req, domain.EventBucketEmpty, res.LimitingKey, res.Wait, ctxFields)
		return d, OutcomeLimited, nil
	}

	return Decision{
		Allowed: true,
		Delay:   g.pacing.Delay(t, el.WarmupMultiplier, el.HealthScore),
		Reason:  OutcomeAllowed,
		Tier:    t.Name,
	}, OutcomeAllowed, nil
}

// specs builds the bucket set for one message. Quota buckets exist only
// when the tier sets an hourly or daily allowance.
func (g *Gate) specs(req Request, t domain.Tier, warmup float64) []bucket.Spec {
	perSecond := t.RefillPerSecond()
	specs := []bucket.Spec{
		{Key: domain.GlobalBucketKey, MaxTokens: g.cfg.GlobalCapacity, RefillRate: g.cfg.GlobalRefillPerSecond},
		{Key: domain.TenantBucketKey(req.TenantID), MaxTokens: float64(t.BurstCapacity), RefillRate: perSecond},
	}
	if t.MessagesPerHour > 0 {
		specs = append(specs, bucket.Spec{
			Key:        domain.TenantHourBucketKey(req.TenantID),
			MaxTokens:  float64(t.MessagesPerHour),
			RefillRate: float64(t.MessagesPerHour) / 3600,
		})
	}
	if t.MessagesPerDay > 0 {
		specs = append(specs, bucket.Spec{
			Key:        domain.TenantDayBucketKey(req.TenantID),
			MaxTokens:  float64(t.MessagesPerDay),
			RefillRate: float64(t.MessagesPerDay) / 86400,
		})
	}
	specs = append(specs, bucket.Spec{
		Key:        domain.SenderBucketKey(req.SenderPhone),
		MaxTokens:  math.Max(float64(t.BurstCapacity)*warmup, g.cfg.SenderMinCapacity),
		RefillRate: math.Max(perSecond*warmup, g.cfg.SenderMinRefill),
	})
	if req.CampaignID != "" {
		specs = append(specs, bucket.Spec{
			Key:        domain.CampaignBucketKey(req.CampaignID),
			MaxTokens:  float64(t.BurstCapacity),
			RefillRate: perSecond,
		})
	}
	return specs
}

// fail applies the failure policy to a storage error.
func (g *Gate) fail(ctx context.Context, req Request, t domain.Tier, err error, span trace.Span) (Decision, string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Decision{}, "", ctxErr
	}
	span.RecordError(err)

	g.errLog.Do(func() {
		g.logger.Error("throttle storage unavailable, applying failure policy",
			zap.String("policy", string(g.cfg.FailurePolicy)),
			zap.String("tenant_id", req.TenantID),
			zap.String("sender_phone", req.SenderPhone),
			zap.Bool("storage_unavailable", errors.Is(err, domain.ErrStorageUnavailable)),
			zap.Error(err),
		)
	})

	if g.cfg.FailurePolicy == FailClosed {
		d := Decision{
			Delay:  g.cfg.FailClosedWait,
			Reason: "fail_closed: storage unavailable",
			Tier:   t.Name,
			Cause:  err,
		}
		g.record(req, domain.EventStorageFallback, "", d.Delay, map[string]any{"policy": string(FailClosed), "error": err.Error()})
		return d, OutcomeFailClosed, nil
	}

	d := Decision{
		Allowed: true,
		Delay:   g.cfg.FailOpenDelay,
		Reason:  "fail_open: storage unavailable",
		Tier:    t.Name,
	}
	g.record(req, domain.EventStorageFallback, "", d.Delay, map[string]any{"policy": string(FailOpen), "error": err.Error()})
	return d, OutcomeFailOpen, nil
}

func (g *Gate) record(req Request, typ domain.ThrottleEventType, key string, wait time.Duration, fields map[string]any) {
	if g.events == nil {
		return
	}
	e := domain.ThrottleEvent{
		Type:        typ,
		TenantID:    req.TenantID,
		SenderPhone: req.SenderPhone,
		BucketKey:   key,
		WaitSeconds: wait.Seconds(),
		Context:     fields,
		CreatedAt:   g.clock.Now(),
	}
	if req.CampaignID != "" {
		id := req.CampaignID
		e.CampaignID = &id
	}
	g.events.Record(e)
}

// scopeOf maps a bucket key to the scope label used in metrics.
func scopeOf(key string) string {
	if key == "" {
		return "none"
	}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		scope := key[:i]
		if scope == "tenant" && (strings.HasSuffix(key, ":hour") || strings.HasSuffix(key, ":day")) {
			return "tenant_quota"
		}
		return scope
	}
	return key
}

package tier

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// Lookup outcomes reported through Hooks.OnResolve.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultFallback = "fallback"
	ResultError    = "error"
)

// Hooks lets callers observe resolution without coupling the resolver to
// a metrics backend.
type Hooks struct {
	OnResolve func(result string)
}

// Resolver maps a tenant to its active rate-limit tier.
type Resolver struct {
	source PolicySource
	cache  Cache
	logger *zap.Logger
	hooks  Hooks
}

func NewResolver(source PolicySource, cache Cache, logger *zap.Logger, hooks Hooks) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source: source,
		cache:  cache,
		logger: logger.With(zap.String("component", "tier_resolver")),
		hooks:  hooks,
	}
}

// Resolve never fails: tenants without a plan or mapping get the fallback
// tier. Fallbacks caused by source errors are not cached so the next call
// retries the source.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) domain.Tier {
	if t, ok := r.cache.Get(ctx, tenantID); ok {
		r.observe(ResultHit)
		return t
	}

	t, err := r.lookup(ctx, tenantID)
	switch {
	case err == nil:
		r.observe(ResultMiss)
		r.cache.Set(ctx, tenantID, t)
		return t
	case errors.Is(err, domain.ErrPolicyNotFound):
		r.observe(ResultFallback)
		r.cache.Set(ctx, tenantID, domain.FallbackTier())
		return domain.FallbackTier()
	default:
		r.observe(ResultError)
		r.logger.Warn("tier lookup failed, using fallback tier",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return domain.FallbackTier()
	}
}

// Invalidate drops the cached tier for a tenant. Call it whenever the
// tenant's plan or its tier definitions change.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) error {
	return r.cache.Invalidate(ctx, tenantID)
}

func (r *Resolver) lookup(ctx context.Context, tenantID string) (domain.Tier, error) {
	plan, err := r.source.ActivePlan(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Tier{}, domain.ErrPolicyNotFound
	}
	if err != nil {
		return domain.Tier{}, err
	}

	tiers, err := r.source.TiersForSegment(ctx, plan.Segment)
	if err != nil {
		return domain.Tier{}, err
	}
	t, ok := pick(tiers)
	if !ok {
		return domain.Tier{}, domain.ErrPolicyNotFound
	}
	return t, nil
}

// pick returns the highest-priority active tier. Ties go to the name that
// sorts first so the choice is stable across sources.
func pick(tiers []domain.Tier) (domain.Tier, bool) {
	active := make([]domain.Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.Active {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return domain.Tier{}, false
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	return active[0], true
}

func (r *Resolver) observe(result string) {
	if r.hooks.OnResolve != nil {
		r.hooks.OnResolve(result)
	}
}

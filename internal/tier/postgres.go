package tier

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/send-throttle/internal/domain"
)

type pgSource struct {
	pool *pgxpool.Pool
}

// NewPgSource returns a PolicySource reading tenant_plans and rate_limit_tiers.
func NewPgSource(pool *pgxpool.Pool) PolicySource {
	return &pgSource{pool: pool}
}

func (s *pgSource) ActivePlan(ctx context.Context, tenantID string) (domain.Plan, error) {
	var p domain.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, plan_id, segment, active
		FROM tenant_plans
		WHERE tenant_id = $1 AND active
		ORDER BY updated_at DESC
		LIMIT 1`, tenantID).Scan(&p.TenantID, &p.PlanID, &p.Segment, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Plan{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("get active plan: %w", err)
	}
	return p, nil
}

func (s *pgSource) TiersForSegment(ctx context.Context, segment string) ([]domain.Tier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, segment, messages_per_minute, messages_per_hour, messages_per_day,
		       burst_capacity, max_concurrent_campaigns, max_campaign_size,
		       inter_message_delay_ms, warmup_days, warmup_rate_multiplier,
		       priority, active
		FROM rate_limit_tiers
		WHERE segment = $1`, segment)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.Tier
	for rows.Next() {
		var t domain.Tier
		if err := rows.Scan(
			&t.Name, &t.Segment, &t.MessagesPerMinute, &t.MessagesPerHour, &t.MessagesPerDay,
			&t.BurstCapacity, &t.MaxConcurrentCampaigns, &t.MaxCampaignSize,
			&t.InterMessageDelayMs, &t.WarmupDays, &t.WarmupRateMultiplier,
			&t.Priority, &t.Active,
		); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

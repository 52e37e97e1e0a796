package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// Repository persists throttle events.
type Repository interface {
	Append(ctx context.Context, events []domain.ThrottleEvent) error
	// Recent returns a tenant's newest events first.
	Recent(ctx context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error)
	// Prune deletes events created before the cutoff and returns how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// MemoryRepository keeps events in a slice. Used in tests and with the
// memory store backend.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []domain.ThrottleEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Append(_ context.Context, events []domain.ThrottleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryRepository) Recent(_ context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ThrottleEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].TenantID == tenantID {
			out = append(out, m.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

// All returns a copy of every stored event in insertion order.
func (m *MemoryRepository) All() []domain.ThrottleEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ThrottleEvent(nil), m.events...)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository returns a Repository backed by the throttle_events table.
func NewPgRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Append(ctx context.Context, events []domain.ThrottleEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"throttle_events"},
		[]string{"id", "event_type", "tenant_id", "campaign_id", "sender_phone", "bucket_key", "wait_seconds", "context", "created_at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ID, string(e.Type), e.TenantID, e.CampaignID, e.SenderPhone, e.BucketKey, e.WaitSeconds, e.Context, e.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy throttle events: %w", err)
	}
	return nil
}

func (r *pgRepository) Recent(ctx context.Context, tenantID string, limit int) ([]domain.ThrottleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, tenant_id, campaign_id, sender_phone, bucket_key,
		       wait_seconds, context, created_at
		FROM throttle_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list throttle events: %w", err)
	}
	defer rows.Close()

	var out []domain.ThrottleEvent
	for rows.Next() {
		var e domain.ThrottleEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.TenantID, &e.CampaignID, &e.SenderPhone,
			&e.BucketKey, &e.WaitSeconds, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan throttle event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM throttle_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune throttle events: %w", err)
	}
	return tag.RowsAffected(), nil
}

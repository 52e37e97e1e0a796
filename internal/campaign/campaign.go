// Package campaign decides whether a tenant may start another campaign.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// RunningCounter reports how many campaigns a tenant is currently running.
type RunningCounter interface {
	CountRunning(ctx context.Context, tenantID string) (int, error)
}

// Decision is the admission verdict. Cause carries the sentinel behind a
// refusal so callers can match it with errors.Is.
type Decision struct {
	CanStart                 bool   `json:"can_start"`
	Reason                   string `json:"reason,omitempty"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes,omitempty"`
	Cause                    error  `json:"-"`
}

type Admission struct {
	running RunningCounter
}

func NewAdmission(running RunningCounter) *Admission {
	return &Admission{running: running}
}

// CanStart checks the campaign size and concurrency limits of the tier.
// A non-nil error means the running count could not be read.
func (a *Admission) CanStart(ctx context.Context, tenantID string, tier domain.Tier, targetCount int) (Decision, error) {
	if targetCount <= 0 {
		return refuse(domain.ErrInvalidTarget, "target count must be positive"), nil
	}
	if targetCount > tier.MaxCampaignSize {
		return refuse(domain.ErrCampaignOversized,
			fmt.Sprintf("campaign size %d exceeds tier maximum %d", targetCount, tier.MaxCampaignSize)), nil
	}

	running, err := a.running.CountRunning(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("count running campaigns: %w", err)
	}
	if running >= tier.MaxConcurrentCampaigns {
		return refuse(domain.ErrConcurrentCampaignLimit,
			fmt.Sprintf("%d campaigns running, tier allows %d", running, tier.MaxConcurrentCampaigns)), nil
	}

	return Decision{CanStart: true, EstimatedDurationMinutes: EstimateMinutes(targetCount, tier.MessagesPerMinute)}, nil
}

// EstimateMinutes is ceil(target / perMinute).
func EstimateMinutes(target, perMinute int) int {
	if perMinute <= 0 {
		return 0
	}
	return (target + perMinute - 1) / perMinute
}

func refuse(cause error, reason string) Decision {
	return Decision{Reason: reason, Cause: cause}
}

// Err returns the refusal cause, or nil when the campaign may start.
func (d Decision) Err() error {
	if d.CanStart {
		return nil
	}
	if d.Cause == nil {
		return errors.New(d.Reason)
	}
	return fmt.Errorf("%w: %s", d.Cause, d.Reason)
}

// MemoryCounter is a RunningCounter for tests and single-node use.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (m *MemoryCounter) Set(tenantID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[tenantID] = n
}

func (m *MemoryCounter) CountRunning(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[tenantID], nil
}

type pgCounter struct {
	pool *pgxpool.Pool
}

// NewPgCounter counts rows in the campaigns table with status 'running'.
func NewPgCounter(pool *pgxpool.Pool) RunningCounter {
	return &pgCounter{pool: pool}
}

func (c *pgCounter) CountRunning(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE tenant_id = $1 AND status = 'running'`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count campaigns: %w", err)
	}
	return n, nil
}

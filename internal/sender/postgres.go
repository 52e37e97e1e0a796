package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/send-throttle/internal/domain"
)

const statusColumns = `
	tenant_id, phone, stage, health_score, consecutive_errors, circuit_breaks,
	sent_today, sent_total, counter_date, first_success_at, last_success_at,
	last_failure_at, last_error, paused_until, pause_reason, created_at, updated_at`

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the sender_status table.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (r *pgStore) Get(ctx context.Context, tenantID, phone string) (*domain.SenderStatus, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+statusColumns+`
		FROM sender_status WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	s, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sender status: %w", err)
	}
	return s, nil
}

func (r *pgStore) Update(ctx context.Context, tenantID, phone string, init func() *domain.SenderStatus, fn func(*domain.SenderStatus) error) (*domain.SenderStatus, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+statusColumns+`
		FROM sender_status WHERE tenant_id = $1 AND phone = $2
		FOR UPDATE`, tenantID, phone)
	s, err := scanStatus(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if init == nil {
			return nil, domain.ErrNotFound
		}
		s = init()
	case err != nil:
		return nil, fmt.Errorf("lock sender status: %w", err)
	}

	if err := fn(s); err != nil {
		return nil, err
	}

	// Two first-time writers race on the insert; the later one wins.
	_, err = tx.Exec(ctx, `
		INSERT INTO sender_status (`+statusColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			stage = EXCLUDED.stage,
			health_score = EXCLUDED.health_score,
			consecutive_errors = EXCLUDED.consecutive_errors,
			circuit_breaks = EXCLUDED.circuit_breaks,
			sent_today = EXCLUDED.sent_today,
			sent_total = EXCLUDED.sent_total,
			counter_date = EXCLUDED.counter_date,
			first_success_at = EXCLUDED.first_success_at,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			last_error = EXCLUDED.last_error,
			paused_until = EXCLUDED.paused_until,
			pause_reason = EXCLUDED.pause_reason,
			updated_at = EXCLUDED.updated_at`,
		s.TenantID, s.Phone, s.Stage, s.HealthScore, s.ConsecutiveErrors, s.CircuitBreaks,
		s.SentToday, s.SentTotal, s.CounterDate, s.FirstSuccessAt, s.LastSuccessAt,
		s.LastFailureAt, s.LastError, s.PausedUntil, s.PauseReason, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert sender status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sender status: %w", err)
	}
	return s, nil
}

func (r *pgStore) ListByTenant(ctx context.Context, tenantID string) ([]*domain.SenderStatus, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+statusColumns+`
		FROM sender_status WHERE tenant_id = $1 ORDER BY phone`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sender status: %w", err)
	}
	defer rows.Close()

	var out []*domain.SenderStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStatus(row pgx.Row) (*domain.SenderStatus, error) {
	var s domain.SenderStatus
	err := row.Scan(
		&s.TenantID, &s.Phone, &s.Stage, &s.HealthScore, &s.ConsecutiveErrors, &s.CircuitBreaks,
		&s.SentToday, &s.SentTotal, &s.CounterDate, &s.FirstSuccessAt, &s.LastSuccessAt,
		&s.LastFailureAt, &s.LastError, &s.PausedUntil, &s.PauseReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

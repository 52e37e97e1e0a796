package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/send-throttle/internal/clock"
)

// PgStore keeps buckets as rows in rate_limit_buckets. ConsumeAll runs in
// one transaction holding row locks (SELECT ... FOR UPDATE) taken in key
// order, so concurrent attempts on the same bucket serialize and cannot
// deadlock against each other.
type PgStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPgStore(pool *pgxpool.Pool, c clock.Clock) *PgStore {
	if c == nil {
		c = clock.System{}
	}
	return &PgStore{pool: pool, clock: c}
}

func (s *PgStore) FindOrCreate(ctx context.Context, spec Spec) (Bucket, error) {
	res, err := s.ConsumeAll(ctx, []Spec{spec}, 0)
	if err != nil {
		return Bucket{}, err
	}
	return res.Buckets[0], nil
}

func (s *PgStore) Consume(ctx context.Context, spec Spec, n float64) (Result, error) {
	return s.ConsumeAll(ctx, []Spec{spec}, n)
}

func (s *PgStore) ConsumeAll(ctx context.Context, specs []Spec, n float64) (Result, error) {
	specs, err := normalize(specs)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.clock.Now()
	keys := make([]string, len(specs))
	for i, spec := range specs {
		keys[i] = spec.Key
		// Rows are created full on first reference.
		_, err := tx.Exec(ctx, `
			INSERT INTO rate_limit_buckets (key, max_tokens, tokens, refill_rate, last_refill, last_access)
			VALUES ($1, $2, $2, $3, $4, $4)
			ON CONFLICT (key) DO NOTHING`,
			spec.Key, spec.MaxTokens, spec.RefillRate, now)
		if err != nil {
			return Result{}, fmt.Errorf("create bucket %s: %w", spec.Key, err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT key, max_tokens, tokens, refill_rate, last_refill, last_access
		FROM rate_limit_buckets
		WHERE key = ANY($1)
		ORDER BY key COLLATE "C"
		FOR UPDATE`, keys)
	if err != nil {
		return Result{}, fmt.Errorf("lock buckets: %w", err)
	}
	locked, err := scanBuckets(rows)
	if err != nil {
		return Result{}, err
	}
	if len(locked) != len(specs) {
		return Result{}, fmt.Errorf("lock buckets: expected %d rows, got %d", len(specs), len(locked))
	}

	byKey := make(map[string]*Bucket, len(locked))
	for i := range locked {
		byKey[locked[i].Key] = &locked[i]
	}
	buckets := make([]*Bucket, len(specs))
	for i, spec := range specs {
		b, ok := byKey[spec.Key]
		if !ok {
			return Result{}, fmt.Errorf("lock buckets: row %s missing", spec.Key)
		}
		buckets[i] = b
	}
	res := consumeAll(buckets, specs, n, now)

	batch := &pgx.Batch{}
	for _, b := range res.Buckets {
		batch.Queue(`
			UPDATE rate_limit_buckets
			SET max_tokens = $2, tokens = $3, refill_rate = $4, last_refill = $5, last_access = $6
			WHERE key = $1`,
			b.Key, b.MaxTokens, b.Tokens, b.RefillRate, b.LastRefill, b.LastAccess)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Result{}, fmt.Errorf("update buckets: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit buckets: %w", err)
	}
	return res, nil
}

func (s *PgStore) Peek(ctx context.Context, keys []string) ([]Bucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, max_tokens, tokens, refill_rate, last_refill, last_access
		FROM rate_limit_buckets
		WHERE key = ANY($1)
		ORDER BY key`, keys)
	if err != nil {
		return nil, fmt.Errorf("peek buckets: %w", err)
	}
	buckets, err := scanBuckets(rows)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range buckets {
		buckets[i] = buckets[i].Refilled(now)
	}
	return buckets, nil
}

func (s *PgStore) Prune(ctx context.Context, idleSince time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_buckets WHERE last_access < $1`, idleSince)
	if err != nil {
		return 0, fmt.Errorf("prune buckets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanBuckets(rows pgx.Rows) ([]Bucket, error) {
	defer rows.Close()
	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.MaxTokens, &b.Tokens, &b.RefillRate, &b.LastRefill, &b.LastAccess); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ Store = (*PgStore)(nil)

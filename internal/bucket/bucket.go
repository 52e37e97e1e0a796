// Package bucket implements the token-bucket store shared by every worker.
//
// Buckets refill lazily: nothing ticks in the background. Each access
// recomputes tokens from the time elapsed since the last refill, capped at
// capacity, and advances the refill timestamp in the same atomic step.
// ConsumeAll is all-or-nothing across the buckets it is given: either every
// bucket has enough tokens and all are decremented, or none is.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidSpec is returned for a spec with no key, no capacity or no refill.
var ErrInvalidSpec = errors.New("invalid bucket spec")

// maxWait bounds reported waits so a misconfigured bucket cannot produce
// an overflowing duration.
const maxWait = 24 * time.Hour

// Spec sizes a bucket at the moment it is referenced. A bucket referenced
// with a different capacity or rate than it was stored with is resized
// after the idle interval has been credited at the stored rate.
type Spec struct {
	Key        string
	MaxTokens  float64
	RefillRate float64 // tokens per second
}

func (s Spec) validate() error {
	if s.Key == "" || s.MaxTokens <= 0 || s.RefillRate <= 0 ||
		math.IsNaN(s.MaxTokens) || math.IsNaN(s.RefillRate) {
		return fmt.Errorf("%w: %+v", ErrInvalidSpec, s)
	}
	return nil
}

// Bucket is the observable state of one token bucket.
type Bucket struct {
	Key        string    `json:"key"`
	MaxTokens  float64   `json:"max_tokens"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"`
	LastRefill time.Time `json:"last_refill"`
	LastAccess time.Time `json:"last_access"`
}

func newBucket(s Spec, now time.Time) Bucket {
	return Bucket{
		Key:        s.Key,
		MaxTokens:  s.MaxTokens,
		Tokens:     s.MaxTokens,
		RefillRate: s.RefillRate,
		LastRefill: now,
		LastAccess: now,
	}
}

// refill adds the tokens earned since LastRefill. A clock that moved
// backwards earns nothing and does not rewind LastRefill.
func (b *Bucket) refill(now time.Time) {
	if now.After(b.LastRefill) {
		elapsed := now.Sub(b.LastRefill).Seconds()
		b.Tokens += elapsed * b.RefillRate
		b.LastRefill = now
	}
	b.clamp()
}

// resize applies the spec's capacity and rate.
func (b *Bucket) resize(s Spec) {
	b.MaxTokens = s.MaxTokens
	b.RefillRate = s.RefillRate
	b.clamp()
}

func (b *Bucket) clamp() {
	if b.Tokens > b.MaxTokens {
		b.Tokens = b.MaxTokens
	}
	if b.Tokens < 0 {
		b.Tokens = 0
	}
}

// Refilled returns a copy of b with tokens recomputed at now.
func (b Bucket) Refilled(now time.Time) Bucket {
	b.refill(now)
	return b
}

// WaitFor returns how long a bucket holding tokens must refill at rate
// before n tokens are available, rounded up to the millisecond.
func WaitFor(tokens, n, rate float64) time.Duration {
	need := n - tokens
	if need <= 0 {
		return 0
	}
	if rate <= 0 {
		return maxWait
	}
	ms := math.Ceil(need / rate * 1000)
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait || d < 0 {
		return maxWait
	}
	return d
}

// Result is the outcome of a consume attempt.
type Result struct {
	Allowed bool
	// Wait is the largest wait across short buckets; zero when allowed.
	Wait time.Duration
	// LimitingKey is the bucket that determined Wait.
	LimitingKey string
	// Buckets is the post-attempt state, ordered by key.
	Buckets []Bucket
}

// Store is the shared bucket persistence. Every implementation must make
// ConsumeAll linearizable per bucket across concurrent callers.
type Store interface {
	// FindOrCreate returns the bucket for spec, creating it full if absent.
	FindOrCreate(ctx context.Context, spec Spec) (Bucket, error)
	// Consume attempts to take n tokens from one bucket.
	Consume(ctx context.Context, spec Spec, n float64) (Result, error)
	// ConsumeAll attempts to take n tokens from every bucket in one atomic step.
	ConsumeAll(ctx context.Context, specs []Spec, n float64) (Result, error)
	// Peek returns refilled views of existing buckets without mutating them.
	// Missing keys are omitted.
	Peek(ctx context.Context, keys []string) ([]Bucket, error)
	// Prune removes buckets not accessed since idleSince.
	Prune(ctx context.Context, idleSince time.Time) (int, error)
}

// normalize validates specs, drops duplicate keys (first wins) and sorts by
// key so every implementation locks in the same order.
func normalize(specs []Spec) ([]Spec, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no buckets", ErrInvalidSpec)
	}
	seen := make(map[string]struct{}, len(specs))
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Key]; dup {
			continue
		}
		seen[s.Key] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// consumeAll runs the all-or-nothing decision over already-locked buckets.
// buckets[i] must correspond to specs[i].
func consumeAll(buckets []*Bucket, specs []Spec, n float64, now time.Time) Result {
	res := Result{Allowed: true}
	for i, b := range buckets {
		b.refill(now)
		b.resize(specs[i])
		b.LastAccess = now
		if b.Tokens < n {
			res.Allowed = false
			if w := WaitFor(b.Tokens, n, b.RefillRate); res.LimitingKey == "" || w > res.Wait {
				res.Wait = w
				res.LimitingKey = b.Key
			}
		}
	}
	if res.Allowed {
		for _, b := range buckets {
			b.Tokens -= n
			b.clamp()
		}
	}
	res.Buckets = make([]Bucket, len(buckets))
	for i, b := range buckets {
		res.Buckets[i] = *b
	}
	return res
}

// Find returns the bucket with key from a result, if present.
func (r Result) Find(key string) (Bucket, bool) {
	for _, b := range r.Buckets {
		if b.Key == key {
			return b, true
		}
	}
	return Bucket{}, false
}

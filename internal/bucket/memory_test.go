package bucket_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notifyhub/send-throttle/internal/bucket"
	"github.com/notifyhub/send-throttle/internal/clock"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newMemoryStore() (*bucket.MemoryStore, *clock.Fake) {
	c := clock.NewFake(epoch)
	return bucket.NewMemoryStore(c), c
}

func TestMemoryStore_FindOrCreateStartsFull(t *testing.T) {
	s, _ := newMemoryStore()

	b, err := s.FindOrCreate(context.Background(), bucket.Spec{Key: "k", MaxTokens: 10, RefillRate: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Tokens != 10 || b.MaxTokens != 10 {
		t.Fatalf("expected full bucket of 10, got %+v", b)
	}
}

// TestMemoryStore_RefillCorrectness drains a 10-token bucket refilling at
// 1 token/s and checks the lazily computed level after idle periods.
func TestMemoryStore_RefillCorrectness(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()
	spec := bucket.Spec{Key: "k", MaxTokens: 10, RefillRate: 1}

	res, err := s.Consume(ctx, spec, 10)
	if err != nil || !res.Allowed {
		t.Fatalf("drain: allowed=%v err=%v", res.Allowed, err)
	}

	c.Advance(5 * time.Second)
	b, _ := s.FindOrCreate(ctx, spec)
	if b.Tokens != 5 {
		t.Fatalf("expected 5 tokens after 5s, got %v", b.Tokens)
	}

	c.Advance(10 * time.Second)
	b, _ = s.FindOrCreate(ctx, spec)
	if b.Tokens != 10 {
		t.Fatalf("expected capped at 10 tokens, got %v", b.Tokens)
	}
}

func TestMemoryStore_WaitReportedWhenEmpty(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()
	spec := bucket.Spec{Key: "k", MaxTokens: 1, RefillRate: 0.5}

	if res, _ := s.Consume(ctx, spec, 1); !res.Allowed {
		t.Fatal("first consume should succeed")
	}

	res, err := s.Consume(ctx, spec, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial on empty bucket")
	}
	if res.Wait != 2*time.Second {
		t.Fatalf("expected 2s wait, got %v", res.Wait)
	}
	if res.LimitingKey != "k" {
		t.Fatalf("expected limiting key k, got %q", res.LimitingKey)
	}
	b, _ := res.Find("k")
	if b.Tokens != 0 {
		t.Fatalf("denied attempt must not consume, tokens=%v", b.Tokens)
	}
}

// TestMemoryStore_NoDoubleSpend fires N concurrent single-token consumes at
// a bucket holding K < N tokens; exactly K must succeed.
func TestMemoryStore_NoDoubleSpend(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()

	const (
		k = 7
		n = 64
	)
	spec := bucket.Spec{Key: "shared", MaxTokens: k, RefillRate: 0.001}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := s.Consume(ctx, spec, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != k {
		t.Fatalf("expected exactly %d successes, got %d", k, got)
	}
}

// TestMemoryStore_ConsumeAllIsAllOrNothing checks that a shortfall in one
// bucket leaves every other bucket untouched.
func TestMemoryStore_ConsumeAllIsAllOrNothing(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()

	roomy := bucket.Spec{Key: "a", MaxTokens: 10, RefillRate: 1}
	empty := bucket.Spec{Key: "b", MaxTokens: 1, RefillRate: 0.1}

	if res, _ := s.Consume(ctx, empty, 1); !res.Allowed {
		t.Fatal("draining b should succeed")
	}

	res, err := s.ConsumeAll(ctx, []bucket.Spec{roomy, empty}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial when one bucket is empty")
	}
	if res.LimitingKey != "b" {
		t.Fatalf("expected b to be limiting, got %q", res.LimitingKey)
	}
	if res.Wait != 10*time.Second {
		t.Fatalf("expected 10s wait, got %v", res.Wait)
	}

	got, _ := s.Peek(ctx, []string{"a"})
	if len(got) != 1 || got[0].Tokens != 10 {
		t.Fatalf("bucket a must not be consumed, got %+v", got)
	}
}

func TestMemoryStore_LimitingBucketHasLargestWait(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()

	fast := bucket.Spec{Key: "fast", MaxTokens: 1, RefillRate: 1}
	slow := bucket.Spec{Key: "slow", MaxTokens: 1, RefillRate: 0.25}
	if res, _ := s.ConsumeAll(ctx, []bucket.Spec{fast, slow}, 1); !res.Allowed {
		t.Fatal("first attempt should succeed")
	}

	res, _ := s.ConsumeAll(ctx, []bucket.Spec{fast, slow}, 1)
	if res.Allowed || res.LimitingKey != "slow" || res.Wait != 4*time.Second {
		t.Fatalf("expected slow bucket limiting with 4s wait, got %+v", res)
	}
}

func TestMemoryStore_ResizeClampsTokens(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()

	if _, err := s.FindOrCreate(ctx, bucket.Spec{Key: "k", MaxTokens: 100, RefillRate: 1}); err != nil {
		t.Fatal(err)
	}

	b, _ := s.FindOrCreate(ctx, bucket.Spec{Key: "k", MaxTokens: 25, RefillRate: 0.5})
	if b.MaxTokens != 25 || b.Tokens != 25 || b.RefillRate != 0.5 {
		t.Fatalf("expected bucket resized to 25 @0.5/s, got %+v", b)
	}
}

// TestMemoryStore_ResizeCreditsIdleTimeAtStoredRate drains a bucket, lets
// it idle, then references it with a higher rate. The idle interval earns
// tokens at the old rate; the new rate applies from the reference onwards.
func TestMemoryStore_ResizeCreditsIdleTimeAtStoredRate(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()
	slow := bucket.Spec{Key: "tenant:acme", MaxTokens: 100, RefillRate: 0.5}
	fast := bucket.Spec{Key: "tenant:acme", MaxTokens: 100, RefillRate: 10}

	if res, err := s.Consume(ctx, slow, 100); err != nil || !res.Allowed {
		t.Fatalf("drain: allowed=%v err=%v", res.Allowed, err)
	}
	c.Advance(4 * time.Second)

	b, err := s.FindOrCreate(ctx, fast)
	if err != nil {
		t.Fatal(err)
	}
	if b.Tokens != 2 || b.RefillRate != 10 {
		t.Fatalf("after upgrade got %v tokens @%v/s, want 2 @10/s", b.Tokens, b.RefillRate)
	}

	c.Advance(time.Second)
	if b, _ = s.FindOrCreate(ctx, fast); b.Tokens != 12 {
		t.Fatalf("one second at the new rate: got %v tokens, want 12", b.Tokens)
	}
}

func TestMemoryStore_DuplicateSpecsConsumeOnce(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()
	spec := bucket.Spec{Key: "k", MaxTokens: 5, RefillRate: 1}

	res, err := s.ConsumeAll(ctx, []bucket.Spec{spec, spec}, 1)
	if err != nil || !res.Allowed {
		t.Fatalf("allowed=%v err=%v", res.Allowed, err)
	}
	if len(res.Buckets) != 1 || res.Buckets[0].Tokens != 4 {
		t.Fatalf("expected one bucket at 4 tokens, got %+v", res.Buckets)
	}
}

func TestMemoryStore_InvalidSpec(t *testing.T) {
	s, _ := newMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name string
		spec bucket.Spec
	}{
		{"empty key", bucket.Spec{MaxTokens: 1, RefillRate: 1}},
		{"zero capacity", bucket.Spec{Key: "k", RefillRate: 1}},
		{"zero refill", bucket.Spec{Key: "k", MaxTokens: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Consume(ctx, tc.spec, 1)
			if !errors.Is(err, bucket.ErrInvalidSpec) {
				t.Fatalf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()

	_, _ = s.FindOrCreate(ctx, bucket.Spec{Key: "old", MaxTokens: 1, RefillRate: 1})
	c.Advance(2 * time.Hour)
	_, _ = s.FindOrCreate(ctx, bucket.Spec{Key: "fresh", MaxTokens: 1, RefillRate: 1})

	removed, err := s.Prune(ctx, c.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 || s.Len() != 1 {
		t.Fatalf("expected 1 removed and 1 left, got removed=%d len=%d", removed, s.Len())
	}
	if got, _ := s.Peek(ctx, []string{"old", "fresh"}); len(got) != 1 || got[0].Key != "fresh" {
		t.Fatalf("expected only fresh to remain, got %+v", got)
	}
}

// TestMemoryStore_TokensStayInRange exercises random consume sizes and idle
// gaps and checks 0 <= tokens <= max after every step.
func TestMemoryStore_TokensStayInRange(t *testing.T) {
	s, c := newMemoryStore()
	ctx := context.Background()
	spec := bucket.Spec{Key: "k", MaxTokens: 12, RefillRate: 0.7}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		c.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		res, err := s.Consume(ctx, spec, float64(rng.Intn(4)))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		b := res.Buckets[0]
		if b.Tokens < 0 || b.Tokens > b.MaxTokens {
			t.Fatalf("step %d: tokens out of range: %+v", i, b)
		}
	}
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s, _ := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Consume(ctx, bucket.Spec{Key: "k", MaxTokens: 1, RefillRate: 1}, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitFor(t *testing.T) {
	tests := []struct {
		name   string
		tokens float64
		n      float64
		rate   float64
		want   time.Duration
	}{
		{"enough tokens", 3, 1, 1, 0},
		{"whole seconds", 0, 1, 0.5, 2 * time.Second},
		{"fractional rounds up to ms", 0.25, 1, 3, 250 * time.Millisecond},
		{"sub-millisecond rounds up", 0.9999, 1, 1, time.Millisecond},
		{"no refill is capped", 0, 1, 0, 24 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := bucket.WaitFor(tc.tokens, tc.n, tc.rate); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

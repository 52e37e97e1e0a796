package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/send-throttle/internal/clock"
)

// MemoryStore keeps buckets in process memory. Each bucket has its own
// mutex; ConsumeAll locks the buckets it touches in key order so two
// multi-bucket attempts can never deadlock. It enforces nothing across
// processes and is meant for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	clock   clock.Clock
}

type memEntry struct {
	mu      sync.Mutex
	b       Bucket
	removed bool
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		clock:   c,
	}
}

func (s *MemoryStore) FindOrCreate(ctx context.Context, spec Spec) (Bucket, error) {
	res, err := s.ConsumeAll(ctx, []Spec{spec}, 0)
	if err != nil {
		return Bucket{}, err
	}
	return res.Buckets[0], nil
}

func (s *MemoryStore) Consume(ctx context.Context, spec Spec, n float64) (Result, error) {
	return s.ConsumeAll(ctx, []Spec{spec}, n)
}

func (s *MemoryStore) ConsumeAll(ctx context.Context, specs []Spec, n float64) (Result, error) {
	specs, err := normalize(specs)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	for {
		entries := s.acquire(specs)
		if entries == nil {
			// A prune raced us and removed one of the entries; retry with fresh ones.
			continue
		}

		now := s.clock.Now()
		buckets := make([]*Bucket, len(entries))
		for i, e := range entries {
			buckets[i] = &e.b
		}
		res := consumeAll(buckets, specs, n, now)

		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		return res, nil
	}
}

// acquire returns the locked entries for specs in order, or nil if any was
// pruned between lookup and lock (all locks released).
func (s *MemoryStore) acquire(specs []Spec) []*memEntry {
	now := s.clock.Now()
	entries := make([]*memEntry, len(specs))

	s.mu.Lock()
	for i, spec := range specs {
		e, ok := s.entries[spec.Key]
		if !ok {
			e = &memEntry{b: newBucket(spec, now)}
			s.entries[spec.Key] = e
		}
		entries[i] = e
	}
	s.mu.Unlock()

	for i, e := range entries {
		e.mu.Lock()
		if e.removed {
			for j := i; j >= 0; j-- {
				entries[j].mu.Unlock()
			}
			return nil
		}
	}
	return entries
}

func (s *MemoryStore) Peek(_ context.Context, keys []string) ([]Bucket, error) {
	now := s.clock.Now()
	out := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		s.mu.Lock()
		e, ok := s.entries[k]
		s.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		b := e.b
		e.mu.Unlock()
		out = append(out, b.Refilled(now))
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, idleSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		e.mu.Lock()
		if e.b.LastAccess.Before(idleSince) {
			e.removed = true
			delete(s.entries, k)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)

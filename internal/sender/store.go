package sender

import (
	"context"
	"sort"
	"sync"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// Store persists sender status. Update runs fn under the row's lock; when
// the row is missing it starts from init(), or returns domain.ErrNotFound
// if init is nil.
type Store interface {
	Get(ctx context.Context, tenantID, phone string) (*domain.SenderStatus, error)
	Update(ctx context.Context, tenantID, phone string, init func() *domain.SenderStatus, fn func(*domain.SenderStatus) error) (*domain.SenderStatus, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.SenderStatus, error)
}

type memKey struct{ tenantID, phone string }

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[memKey]*domain.SenderStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memKey]*domain.SenderStatus)}
}

func (m *MemoryStore) Get(_ context.Context, tenantID, phone string) (*domain.SenderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[memKey{tenantID, phone}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, tenantID, phone string, init func() *domain.SenderStatus, fn func(*domain.SenderStatus) error) (*domain.SenderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{tenantID, phone}
	var s domain.SenderStatus
	if cur, ok := m.rows[k]; ok {
		s = *cur
	} else if init != nil {
		s = *init()
	} else {
		return nil, domain.ErrNotFound
	}
	if err := fn(&s); err != nil {
		return nil, err
	}
	m.rows[k] = &s
	cp := s
	return &cp, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*domain.SenderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SenderStatus
	for k, s := range m.rows {
		if k.tenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

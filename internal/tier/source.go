package tier

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// PolicySource is the read-only plan → tier lookup. ActivePlan returns
// domain.ErrNotFound when the tenant has no active plan.
type PolicySource interface {
	ActivePlan(ctx context.Context, tenantID string) (domain.Plan, error)
	TiersForSegment(ctx context.Context, segment string) ([]domain.Tier, error)
}

// StaticSource serves tiers and plans held in memory, loaded from a YAML
// file for single-node deployments or built directly in tests.
type StaticSource struct {
	mu    sync.RWMutex
	tiers []domain.Tier
	plans map[string]domain.Plan
}

// File is the YAML layout read by LoadFile:
//
//	tiers:
//	  - name: growth
//	    segment: smb
//	    messages_per_minute: 60
//	    ...
//	tenants:
//	  acme: smb
//
// Omitted tier fields take the same defaults as the rate_limit_tiers table.
type File struct {
	Tiers   []FileTier        `yaml:"tiers"`
	Tenants map[string]string `yaml:"tenants"`
}

// FileTier is a tier entry whose omitted fields are defaulted on decode.
type FileTier domain.Tier

func defaultFileTier() domain.Tier {
	return domain.Tier{
		MaxConcurrentCampaigns: 1,
		MaxCampaignSize:        500,
		InterMessageDelayMs:    1000,
		WarmupDays:             14,
		WarmupRateMultiplier:   0.25,
		Active:                 true,
	}
}

func (t *FileTier) UnmarshalYAML(n *yaml.Node) error {
	type plain domain.Tier
	p := plain(defaultFileTier())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*t = FileTier(p)
	return nil
}

func (t FileTier) validate(i int) error {
	if t.Name == "" || t.MessagesPerMinute <= 0 || t.BurstCapacity <= 0 {
		return fmt.Errorf("tier %d: name, messages_per_minute and burst_capacity are required", i)
	}
	if t.WarmupRateMultiplier <= 0 || t.WarmupRateMultiplier > 1 {
		return fmt.Errorf("tier %q: warmup_rate_multiplier must be within (0, 1]", t.Name)
	}
	if t.MaxConcurrentCampaigns <= 0 || t.MaxCampaignSize <= 0 {
		return fmt.Errorf("tier %q: max_concurrent_campaigns and max_campaign_size must be positive", t.Name)
	}
	if t.InterMessageDelayMs < 0 || t.WarmupDays < 0 || t.MessagesPerHour < 0 || t.MessagesPerDay < 0 {
		return fmt.Errorf("tier %q: delays, warm-up days and quotas must not be negative", t.Name)
	}
	return nil
}

func NewStaticSource(tiers []domain.Tier, plans ...domain.Plan) *StaticSource {
	s := &StaticSource{
		tiers: append([]domain.Tier(nil), tiers...),
		plans: make(map[string]domain.Plan, len(plans)),
	}
	for _, p := range plans {
		s.plans[p.TenantID] = p
	}
	return s
}

// LoadFile reads tier definitions and tenant segments from a YAML file.
func LoadFile(path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes the YAML layout described on File.
func Parse(raw []byte) (*StaticSource, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	tiers := make([]domain.Tier, len(f.Tiers))
	for i, t := range f.Tiers {
		if err := t.validate(i); err != nil {
			return nil, err
		}
		tiers[i] = domain.Tier(t)
	}
	plans := make([]domain.Plan, 0, len(f.Tenants))
	for tenantID, segment := range f.Tenants {
		plans = append(plans, domain.Plan{TenantID: tenantID, PlanID: segment, Segment: segment, Active: true})
	}
	return NewStaticSource(tiers, plans...), nil
}

// SetPlan replaces a tenant's plan. Callers must invalidate the resolver
// afterwards.
func (s *StaticSource) SetPlan(p domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.TenantID] = p
}

func (s *StaticSource) ActivePlan(_ context.Context, tenantID string) (domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[tenantID]
	if !ok || !p.Active {
		return domain.Plan{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *StaticSource) TiersForSegment(_ context.Context, segment string) ([]domain.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Tier
	for _, t := range s.tiers {
		if t.Segment == segment {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ PolicySource = (*StaticSource)(nil)

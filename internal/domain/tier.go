package domain

// Tier is a resolved rate-limit policy. It is a value: buckets sized from
// one resolution are not mutated when the tenant's plan later changes.
type Tier struct {
	Name                   string  `json:"name" yaml:"name"`
	Segment                string  `json:"segment" yaml:"segment"`
	MessagesPerMinute      int     `json:"messages_per_minute" yaml:"messages_per_minute"`
	MessagesPerHour        int     `json:"messages_per_hour" yaml:"messages_per_hour"`
	MessagesPerDay         int     `json:"messages_per_day" yaml:"messages_per_day"`
	BurstCapacity          int     `json:"burst_capacity" yaml:"burst_capacity"`
	MaxConcurrentCampaigns int     `json:"max_concurrent_campaigns" yaml:"max_concurrent_campaigns"`
	MaxCampaignSize        int     `json:"max_campaign_size" yaml:"max_campaign_size"`
	InterMessageDelayMs    int     `json:"inter_message_delay_ms" yaml:"inter_message_delay_ms"`
	WarmupDays             int     `json:"warmup_days" yaml:"warmup_days"`
	WarmupRateMultiplier   float64 `json:"warmup_rate_multiplier" yaml:"warmup_rate_multiplier"`
	Priority               int     `json:"priority" yaml:"priority"`
	Active                 bool    `json:"active" yaml:"active"`
}

// FallbackTierName identifies the hard-coded tier used when no plan or
// tier mapping exists for a tenant.
const FallbackTierName = "fallback"

// FallbackTier returns the conservative policy enforced for tenants with
// no resolvable tier. It favours under-sending.
func FallbackTier() Tier {
	return Tier{
		Name:                   FallbackTierName,
		Segment:                "",
		MessagesPerMinute:      10,
		MessagesPerHour:        300,
		MessagesPerDay:         2000,
		BurstCapacity:          10,
		MaxConcurrentCampaigns: 1,
		MaxCampaignSize:        500,
		InterMessageDelayMs:    2000,
		WarmupDays:             14,
		WarmupRateMultiplier:   0.25,
		Priority:               0,
		Active:                 true,
	}
}

// RefillPerSecond is the steady-state token refill rate derived from the
// per-minute allowance.
func (t Tier) RefillPerSecond() float64 {
	return float64(t.MessagesPerMinute) / 60
}

// Plan is the tenant's active subscription as seen by the policy source.
type Plan struct {
	TenantID string `json:"tenant_id"`
	PlanID   string `json:"plan_id"`
	Segment  string `json:"segment"`
	Active   bool   `json:"active"`
}

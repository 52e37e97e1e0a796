// Package pacing computes the delay a caller should wait before the next
// send on an allowed sender.
package pacing

import (
	"time"

	"github.com/notifyhub/send-throttle/internal/domain"
)

// DefaultMinDelay is the smallest delay ever returned.
const DefaultMinDelay = 100 * time.Millisecond

// HealthMultiplier maps a health score to a delay multiplier.
type HealthMultiplier func(score float64) float64

type Calculator struct {
	MinDelay time.Duration
	Health   HealthMultiplier
}

func NewCalculator(minDelay time.Duration, health HealthMultiplier) *Calculator {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Calculator{MinDelay: minDelay, Health: health}
}

// Delay stretches the tier's inter-message delay for senders still warming
// up and for senders with degraded health.
func (c *Calculator) Delay(t domain.Tier, warmupMultiplier, healthScore float64) time.Duration {
	base := float64(t.InterMessageDelayMs) / 1000
	if warmupMultiplier > 0 && warmupMultiplier < 1 {
		base /= warmupMultiplier
	}
	if c.Health != nil {
		base *= c.Health(healthScore)
	}
	d := time.Duration(base * float64(time.Second))
	if d < c.MinDelay {
		return c.MinDelay
	}
	return d
}

package domain

import "time"

// ThrottleEventType classifies an entry in the throttle event log.
type ThrottleEventType string

const (
	EventSenderPaused    ThrottleEventType = "sender_paused"
	EventBucketEmpty     ThrottleEventType = "bucket_empty"
	EventCircuitBreak    ThrottleEventType = "circuit_break"
	EventStorageFallback ThrottleEventType = "storage_fallback"
)

// ThrottleEvent is a write-once audit record of a deny, pause or fallback.
type ThrottleEvent struct {
	ID          string            `json:"id"`
	Type        ThrottleEventType `json:"type"`
	TenantID    string            `json:"tenant_id"`
	CampaignID  *string           `json:"campaign_id,omitempty"`
	SenderPhone string            `json:"sender_phone"`
	BucketKey   string            `json:"bucket_key,omitempty"`
	WaitSeconds float64           `json:"wait_seconds"`
	Context     map[string]any    `json:"context,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

package domain

import "time"

// SenderStage is the lifecycle stage of a sending identity.
type SenderStage string

const (
	StageNew       SenderStage = "new"
	StageWarming   SenderStage = "warming"
	StageStable    SenderStage = "stable"
	StageCooldown  SenderStage = "cooldown"
	StageSuspended SenderStage = "suspended"
)

func (s SenderStage) IsValid() bool {
	switch s {
	case StageNew, StageWarming, StageStable, StageCooldown, StageSuspended:
		return true
	}
	return false
}

// IsPausedStage reports whether the stage blocks sending while paused_until
// has not elapsed.
func (s SenderStage) IsPausedStage() bool {
	return s == StageCooldown || s == StageSuspended
}

// MaxHealthScore is the score of a sender with no recorded failures.
const MaxHealthScore = 100.0

// SenderStatus is the health and warm-up state of one (tenant, phone) pair.
type SenderStatus struct {
	TenantID          string      `json:"tenant_id"`
	Phone             string      `json:"phone"`
	Stage             SenderStage `json:"stage"`
	HealthScore       float64     `json:"health_score"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	CircuitBreaks     int         `json:"circuit_breaks"`
	SentToday         int64       `json:"sent_today"`
	SentTotal         int64       `json:"sent_total"`
	CounterDate       string      `json:"counter_date"`
	FirstSuccessAt    *time.Time  `json:"first_success_at,omitempty"`
	LastSuccessAt     *time.Time  `json:"last_success_at,omitempty"`
	LastFailureAt     *time.Time  `json:"last_failure_at,omitempty"`
	LastError         *string     `json:"last_error,omitempty"`
	PausedUntil       *time.Time  `json:"paused_until,omitempty"`
	PauseReason       *string     `json:"pause_reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// NewSenderStatus returns the initial state of a sender seen for the first time.
func NewSenderStatus(tenantID, phone string, now time.Time) *SenderStatus {
	return &SenderStatus{
		TenantID:    tenantID,
		Phone:       phone,
		Stage:       StageNew,
		HealthScore: MaxHealthScore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsPaused reports whether the sender is blocked at now. A cooldown or
// suspended stage without paused_until is paused until resumed.
func (s *SenderStatus) IsPaused(now time.Time) bool {
	if s.PausedUntil == nil {
		return s.Stage.IsPausedStage()
	}
	return now.Before(*s.PausedUntil)
}

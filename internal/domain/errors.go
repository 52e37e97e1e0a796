package domain

import "errors"

// Sentinel errors used throughout the engine.
// Denials are not errors: they are returned as decisions. These sentinels
// classify why, and mark the few conditions that do surface to callers.
var (
	ErrNotFound           = errors.New("not found")
	ErrPolicyNotFound     = errors.New("no rate limit tier resolvable for tenant")
	ErrSenderPaused       = errors.New("sender is paused")
	ErrBucketExhausted    = errors.New("rate limit bucket exhausted")
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")

	ErrCampaignOversized       = errors.New("campaign exceeds the maximum size for the tenant tier")
	ErrConcurrentCampaignLimit = errors.New("tenant has reached the concurrent campaign limit")
	ErrInvalidTarget           = errors.New("campaign target count must be positive")

	ErrInvalidTenant     = errors.New("tenant id must not be empty")
	ErrInvalidSender     = errors.New("sender phone must not be empty")
	ErrInvalidSuspension = errors.New("suspension must end in the future")
)

package model

import "time"

// SyncState is the lifecycle state of one (provider, month) sync task.
type SyncState string

const (
	SyncUnknown SyncState = "unknown"
	SyncQueued  SyncState = "queued"
	SyncRunning SyncState = "running"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// Active reports whether the state means work is queued or in flight.
func (s SyncState) Active() bool {
	return s == SyncQueued || s == SyncRunning
}

// RateLimitKind classifies a provider-imposed throttle.
type RateLimitKind string

const (
	RateLimitNone RateLimitKind = "none"

	// RateLimitShortTerm clears within minutes (e.g. a 15-minute window).
	RateLimitShortTerm RateLimitKind = "short_term"

	// RateLimitLongTerm is a daily quota clearing at a fixed reset time.
	RateLimitLongTerm RateLimitKind = "long_term"
)

// SyncStatus is the persisted state of one (provider, month) key.
// Created lazily on first reference; mutated only by the scheduler and
// by provider error reporting; deleted only by an explicit provider
// reset.
type SyncStatus struct {
	Key             SyncKey       `json:"key"`
	State           SyncState     `json:"state"`
	TaskID          string        `json:"task_id,omitempty"`
	LastOperationAt time.Time     `json:"last_operation_at,omitzero"`
	LastMessage     string        `json:"last_message,omitempty"`
	RateLimitKind   RateLimitKind `json:"rate_limit_kind"`
	RateLimitReset  time.Time     `json:"rate_limit_reset,omitzero"`

	// Attempts counts transient-error retries consumed by the current
	// task. Rate-limit deferrals do not increment it.
	Attempts int `json:"attempts"`
}

// RateLimited reports whether the provider's throttle is still active
// at instant now.
func (s *SyncStatus) RateLimited(now time.Time) bool {
	return s.RateLimitKind != RateLimitNone && s.RateLimitKind != "" && now.Before(s.RateLimitReset)
}

// ReviewState is the cached per-month sync-review judgement.
type ReviewState string

const (
	ReviewUnknown        ReviewState = "unknown"
	ReviewSynced         ReviewState = "synced"
	ReviewRequiresAction ReviewState = "requires_action"
)

// FieldResolution records that a field value was successfully written
// back to a provider, so a repeated diff run does not re-surface it
// unless the provider's reported value diverges again.
type FieldResolution struct {
	Provider   ProviderName `json:"provider"`
	ProviderID string       `json:"provider_id"`
	Field      FieldName    `json:"field"`
	Value      FieldValue   `json:"value"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/resilience"
)

// RateLimitError reports that the provider throttled the call. It is a
// scheduling delay, not a failure: the scheduler re-queues the task for
// after ResetAt and the deferral never counts against the retry budget.
type RateLimitError struct {
	Provider model.ProviderName
	Kind     model.RateLimitKind
	ResetAt  time.Time

	// RetryAfter is the provider-suggested wait; only short-term limits
	// carry one.
	RetryAfter time.Duration

	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s rate limit, resets %s", e.Provider, e.Kind, e.ResetAt.UTC().Format(time.RFC3339))
}

// AuthError reports that the provider's credential must be
// re-established by a human. Terminal: never auto-retried past one
// attempt.
type AuthError struct {
	Provider model.ProviderName
	Message  string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: authorization expired, reconnect required", e.Provider)
}

// TransientError wraps a failure that is safe to retry with backoff
// (network blip, 5xx, timeout).
type TransientError struct {
	Provider model.ProviderName
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UnsupportedError reports that the provider cannot perform the
// requested write (read-only source, or unsupported field). The applier
// records the change as skipped.
type UnsupportedError struct {
	Provider  model.ProviderName
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s not supported", e.Provider, e.Operation)
}

// AsRateLimit extracts a RateLimitError from err's chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	ok := errors.As(err, &rl)
	return rl, ok
}

// AsAuth extracts an AuthError from err's chain.
func AsAuth(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}

// IsTransient reports whether err is safe to retry: a provider
// TransientError, or a network-level failure the resilience package
// recognizes.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return resilience.IsTransient(err)
}

// IsUnsupported reports whether err is an UnsupportedError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}

// NextMidnightUTC is when daily (long-term) quotas clear.
func NextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// NextQuarterHour is when 15-minute (short-term) windows clear.
func NextQuarterHour(now time.Time) time.Time {
	now = now.UTC()
	mins := 15 - now.Minute()%15
	return now.Truncate(time.Minute).Add(time.Duration(mins) * time.Minute)
}

// Package provider defines the capability contract every activity
// source must satisfy and the typed error taxonomy the scheduler and
// applier dispatch on. The core never sees provider-specific payloads —
// only normalized records and these errors.
package provider

import (
	"context"

	"github.com/fitsync/fitsync/internal/model"
)

// Capabilities describes which write operations a provider supports.
// Unsupported operations are surfaced to the user as skipped rather
// than attempted.
type Capabilities struct {
	UpdateName      bool
	UpdateEquipment bool
	CreateActivity  bool
}

// Provider is the narrow contract the sync core depends on.
//
// FetchMonth returns every activity the provider reports for the month.
// It must not touch any other provider's data. ApplyChange writes one
// approved field value to the remote activity.
//
// Both return nil or exactly one of *RateLimitError, *AuthError,
// *TransientError, *UnsupportedError. Anything else escaping an adapter
// is a bug.
type Provider interface {
	Name() model.ProviderName
	Capabilities() Capabilities
	FetchMonth(ctx context.Context, month model.Month) ([]model.NormalizedActivity, error)
	ApplyChange(ctx context.Context, providerID string, field model.FieldName, value model.FieldValue) error
}

// Creator is implemented by providers that can accept a whole new
// activity (the "add missing activity" path). Optional.
type Creator interface {
	CreateActivity(ctx context.Context, act model.NormalizedActivity) (string, error)
}

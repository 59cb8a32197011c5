package model

import (
	"strings"
	"time"
)

// ProviderName identifies a known activity provider.
type ProviderName string

const (
	ProviderStrava      ProviderName = "strava"
	ProviderGarmin      ProviderName = "garmin"
	ProviderRideWithGPS ProviderName = "ridewithgps"
	ProviderSpreadsheet ProviderName = "spreadsheet"
	ProviderFile        ProviderName = "file"
)

// KnownProviders lists every provider name in default priority order
// (highest priority first). Configuration may override the ordering.
func KnownProviders() []ProviderName {
	return []ProviderName{
		ProviderSpreadsheet,
		ProviderRideWithGPS,
		ProviderStrava,
		ProviderGarmin,
		ProviderFile,
	}
}

// ActivityType is the canonical activity classification.
type ActivityType string

const (
	TypeRun   ActivityType = "run"
	TypeRide  ActivityType = "ride"
	TypeSwim  ActivityType = "swim"
	TypeWalk  ActivityType = "walk"
	TypeHike  ActivityType = "hike"
	TypeSki   ActivityType = "ski"
	TypeOther ActivityType = "other"
)

// typeAliases maps provider-reported activity type strings (lowercased)
// to canonical types. Anything unlisted maps to TypeOther.
var typeAliases = map[string]ActivityType{
	"run":               TypeRun,
	"running":           TypeRun,
	"trail run":         TypeRun,
	"trailrun":          TypeRun,
	"treadmill_running": TypeRun,
	"ride":              TypeRide,
	"cycling":           TypeRide,
	"biking":            TypeRide,
	"virtualride":       TypeRide,
	"gravel ride":       TypeRide,
	"mountain biking":   TypeRide,
	"swim":              TypeSwim,
	"swimming":          TypeSwim,
	"open_water":        TypeSwim,
	"lap_swimming":      TypeSwim,
	"walk":              TypeWalk,
	"walking":           TypeWalk,
	"hike":              TypeHike,
	"hiking":            TypeHike,
	"ski":               TypeSki,
	"nordic ski":        TypeSki,
	"alpineski":         TypeSki,
	"backcountryski":    TypeSki,
	"cross_country_skiing": TypeSki,
}

// CanonicalType maps a provider-reported activity type string to the
// canonical enum. Unknown strings map to TypeOther rather than failing:
// classification never blocks ingestion.
func CanonicalType(raw string) ActivityType {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return TypeOther
	}
	if t, ok := typeAliases[raw]; ok {
		return t
	}
	return TypeOther
}

// NormalizedActivity is one provider's view of one real-world activity.
// Rows are written only by their own provider's adapter and are never
// mutated in place; a re-pull replaces the provider's own rows for the
// month wholesale.
type NormalizedActivity struct {
	// ProviderID is stable within its provider's namespace only.
	ProviderID string       `json:"provider_id"`
	Provider   ProviderName `json:"provider"`

	StartTime time.Time `json:"start_time"`

	// DurationSeconds and DistanceMeters are nil when the provider does
	// not report them.
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	DistanceMeters  *float64 `json:"distance_meters,omitempty"`

	ActivityType ActivityType `json:"activity_type"`

	Fields Fields `json:"fields,omitempty"`

	// PulledAt is when the local store last wrote this row. Set by the
	// store, not by adapters; the diff builder uses it to decide
	// whether a recorded write-back still covers the row.
	PulledAt time.Time `json:"pulled_at,omitzero"`
}

// Float64 returns a pointer to v, for the optional numeric fields.
func Float64(v float64) *float64 { return &v }

// Field returns the named attribute and whether the provider reports it
// at all. A reported-but-null value returns (value, true).
func (a *NormalizedActivity) Field(name FieldName) (FieldValue, bool) {
	v, ok := a.Fields[name]
	return v, ok
}

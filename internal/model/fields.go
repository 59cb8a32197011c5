package model

import (
	"fmt"
	"math"
	"strings"
)

// FieldName names one open activity attribute.
type FieldName string

// Known field names. The fields bag is open — adapters may add names not
// listed here — but these are the ones the diff builder knows how to
// compare and the applier knows how to write back.
const (
	FieldTitle         FieldName = "name"
	FieldEquipment     FieldName = "equipment"
	FieldNotes         FieldName = "notes"
	FieldLocation      FieldName = "location"
	FieldCity          FieldName = "city"
	FieldState         FieldName = "state"
	FieldAvgHeartRate  FieldName = "avg_heart_rate"
	FieldMaxHeartRate  FieldName = "max_heart_rate"
	FieldCalories      FieldName = "calories"
	FieldElevationGain FieldName = "total_elevation_gain"
	FieldMaxElevation  FieldName = "max_elevation"
	FieldMaxSpeed      FieldName = "max_speed"
	FieldAvgCadence    FieldName = "avg_cadence"
	FieldTemperature   FieldName = "temperature"
)

// First-class columns of NormalizedActivity also participate in the
// comparison table; the diff builder projects them under these names.
const (
	FieldDistance     FieldName = "distance_meters"
	FieldDuration     FieldName = "duration_seconds"
	FieldActivityType FieldName = "activity_type"
)

// FieldKind distinguishes the value forms a provider can report.
type FieldKind string

const (
	KindNull   FieldKind = "null"
	KindText   FieldKind = "text"
	KindNumber FieldKind = "number"
)

// FieldValue is one provider-reported attribute value. An explicit null
// means the provider tracks the field but reported nothing for this
// activity; that is distinct from the field being absent from the bag,
// which means the provider does not track it at all.
type FieldValue struct {
	Kind   FieldKind `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
}

// Text builds a text field value.
func Text(s string) FieldValue { return FieldValue{Kind: KindText, Text: s} }

// Number builds a numeric field value.
func Number(n float64) FieldValue { return FieldValue{Kind: KindNumber, Number: n} }

// Null builds an explicit-null field value.
func Null() FieldValue { return FieldValue{Kind: KindNull} }

// IsNull reports whether the value is an explicit null.
func (v FieldValue) IsNull() bool { return v.Kind == KindNull }

// String renders the value for display and for write-back payloads.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		if v.Number == math.Trunc(v.Number) {
			return fmt.Sprintf("%d", int64(v.Number))
		}
		return fmt.Sprintf("%g", v.Number)
	default:
		return ""
	}
}

// EqualFold compares two values. Text compares after trimming and case
// folding; numbers compare within relEpsilon relative tolerance (exact
// when relEpsilon is zero). Nulls equal only nulls; kinds never cross.
func (v FieldValue) EqualFold(other FieldValue, relEpsilon float64, fold func(string) string) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindText:
		a := fold(strings.TrimSpace(v.Text))
		b := fold(strings.TrimSpace(other.Text))
		return a == b
	case KindNumber:
		if relEpsilon <= 0 {
			return v.Number == other.Number
		}
		return relativeDelta(v.Number, other.Number) <= relEpsilon
	}
	return false
}

// Fields is the open attribute bag of a NormalizedActivity. Absence of a
// key is meaningful and survives serialization (absent keys are simply
// not present in the JSON object).
type Fields map[FieldName]FieldValue

// Clone returns a copy of the bag; a nil bag clones to nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// relativeDelta returns |a-b| scaled by the larger magnitude, 0 when
// both are zero.
func relativeDelta(a, b float64) float64 {
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	return diff / scale
}

// NumericFields lists the field names compared with a relative epsilon
// rather than exactly.
var NumericFields = map[FieldName]bool{
	FieldAvgHeartRate:  true,
	FieldMaxHeartRate:  true,
	FieldCalories:      true,
	FieldElevationGain: true,
	FieldMaxElevation:  true,
	FieldMaxSpeed:      true,
	FieldAvgCadence:    true,
	FieldTemperature:   true,
}

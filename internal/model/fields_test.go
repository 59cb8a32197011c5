package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fold(s string) string { return strings.ToLower(s) }

func TestFieldValueEqualFold_Text(t *testing.T) {
	a := Text("Morning Ride")
	b := Text("  morning ride ")
	assert.True(t, a.EqualFold(b, 0, fold))

	c := Text("Evening Ride")
	assert.False(t, a.EqualFold(c, 0, fold))
}

func TestFieldValueEqualFold_NumberEpsilon(t *testing.T) {
	a := Number(10000)
	assert.True(t, a.EqualFold(Number(10050), 0.01, fold), "0.5%% delta inside 1%% epsilon")
	assert.False(t, a.EqualFold(Number(10200), 0.01, fold), "2%% delta outside 1%% epsilon")
}

func TestFieldValueEqualFold_NullOnlyMatchesNull(t *testing.T) {
	assert.True(t, Null().EqualFold(Null(), 0.01, fold))
	assert.False(t, Null().EqualFold(Text(""), 0, fold))
	assert.False(t, Number(0).EqualFold(Null(), 0.01, fold))
}

func TestFieldValueEqualFold_KindMismatch(t *testing.T) {
	assert.False(t, Text("300").EqualFold(Number(300), 0.01, fold))
}

func TestCanonicalType(t *testing.T) {
	cases := map[string]ActivityType{
		"Run":                  TypeRun,
		"running":              TypeRun,
		"VirtualRide":          TypeRide,
		"lap_swimming":         TypeSwim,
		"cross_country_skiing": TypeSki,
		"":                     TypeOther,
		"underwater basket weaving": TypeOther,
	}
	for raw, want := range cases {
		assert.Equal(t, want, CanonicalType(raw), "raw=%q", raw)
	}
}

func TestFieldsClone(t *testing.T) {
	orig := Fields{FieldTitle: Text("ride")}
	clone := orig.Clone()
	clone[FieldTitle] = Text("changed")
	assert.Equal(t, Text("ride"), orig[FieldTitle])
}

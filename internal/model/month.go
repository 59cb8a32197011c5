package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Month is a calendar month in "YYYY-MM" form. It is the unit of work
// for pulls and comparisons.
type Month string

// ParseMonth validates a "YYYY-MM" string.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", eris.Wrapf(err, "model: invalid month %q (want YYYY-MM)", s)
	}
	return Month(t.Format("2006-01")), nil
}

// MonthOf returns the month containing t in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	return Month(t.In(loc).Format("2006-01"))
}

func (m Month) String() string { return string(m) }

// Range returns the [start, end) instants of the month interpreted in
// loc. Providers use this to bound their fetch queries.
func (m Month) Range(loc *time.Location) (time.Time, time.Time) {
	t, err := time.Parse("2006-01", string(m))
	if err != nil {
		return time.Time{}, time.Time{}
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// Contains reports whether instant t falls inside the month in loc.
func (m Month) Contains(t time.Time, loc *time.Location) bool {
	start, end := m.Range(loc)
	return !t.Before(start) && t.Before(end)
}

// Prev returns the preceding calendar month.
func (m Month) Prev() Month {
	t, err := time.Parse("2006-01", string(m))
	if err != nil {
		return m
	}
	return Month(t.AddDate(0, -1, 0).Format("2006-01"))
}

// SyncKey identifies one unit of sync work.
type SyncKey struct {
	Provider ProviderName `json:"provider"`
	Month    Month        `json:"month"`
}

func (k SyncKey) String() string {
	return fmt.Sprintf("%s/%s", k.Provider, k.Month)
}

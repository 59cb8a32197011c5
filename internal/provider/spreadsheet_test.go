package provider

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/fitsync/fitsync/internal/model"
)

// writeWorkbook builds a test workbook with a header row plus the given
// data rows and returns its path.
func writeWorkbook(t *testing.T, headers []string, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Log")
	require.NoError(t, err)

	hr := sheet.AddRow()
	for _, h := range headers {
		hr.AddCell().SetString(h)
	}
	for _, row := range rows {
		r := sheet.AddRow()
		for _, v := range row {
			r.AddCell().SetString(v)
		}
	}

	path := filepath.Join(t.TempDir(), "log.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

var logHeaders = []string{"Date", "Time", "Type", "Duration", "Distance_km", "Name", "Equipment", "Notes"}

func TestSpreadsheetFetchMonth(t *testing.T) {
	path := writeWorkbook(t, logHeaders, [][]string{
		{"2024-05-03", "08:15", "Ride", "1:30:00", "42.5", "Gravel Loop", "canyon", "windy"},
		{"2024-05-10", "", "Run", "2700", "", "Tempo", "", ""},
		{"2024-06-01", "07:00", "Ride", "1:00:00", "30", "June Ride", "", ""},
		{"bogus-date", "", "Ride", "", "", "Bad Row", "", ""},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path})

	acts, err := s.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err)
	require.Len(t, acts, 2, "June row and unparseable row are excluded")

	first := acts[0]
	assert.Equal(t, "2", first.ProviderID, "row identity is the sheet row number")
	assert.Equal(t, model.ProviderSpreadsheet, first.Provider)
	assert.Equal(t, time.Date(2024, 5, 3, 8, 15, 0, 0, time.UTC), first.StartTime)
	assert.Equal(t, model.TypeRide, first.ActivityType)
	require.NotNil(t, first.DurationSeconds)
	assert.Equal(t, 5400.0, *first.DurationSeconds)
	require.NotNil(t, first.DistanceMeters)
	assert.Equal(t, 42500.0, *first.DistanceMeters)
	assert.Equal(t, model.Text("Gravel Loop"), first.Fields[model.FieldTitle])
	assert.Equal(t, model.Text("canyon"), first.Fields[model.FieldEquipment])
	assert.Equal(t, model.Text("windy"), first.Fields[model.FieldNotes])

	second := acts[1]
	assert.Equal(t, "3", second.ProviderID)
	require.NotNil(t, second.DurationSeconds)
	assert.Equal(t, 2700.0, *second.DurationSeconds, "plain seconds accepted")
	assert.Nil(t, second.DistanceMeters)
}

func TestSpreadsheetFetchMonth_HomeLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)

	path := writeWorkbook(t, logHeaders, [][]string{
		{"2024-05-03", "08:00", "Ride", "", "", "", "", ""},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path, Location: loc})

	acts, err := s.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, time.Date(2024, 5, 3, 14, 0, 0, 0, time.UTC), acts[0].StartTime,
		"local 08:00 MDT stored as UTC")
}

func TestSpreadsheetApplyChange(t *testing.T) {
	path := writeWorkbook(t, logHeaders, [][]string{
		{"2024-05-03", "08:15", "Ride", "", "", "Old Name", "", ""},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path})

	err := s.ApplyChange(context.Background(), "2", model.FieldTitle, model.Text("New Name"))
	require.NoError(t, err)

	acts, err := s.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, model.Text("New Name"), acts[0].Fields[model.FieldTitle])
}

func TestSpreadsheetApplyChange_RowOutOfRange(t *testing.T) {
	path := writeWorkbook(t, logHeaders, [][]string{
		{"2024-05-03", "", "Ride", "", "", "", "", ""},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path})

	err := s.ApplyChange(context.Background(), "9", model.FieldTitle, model.Text("x"))
	assert.Error(t, err, "write to a vanished row must not silently land elsewhere")
}

func TestSpreadsheetApplyChange_UnmappedField(t *testing.T) {
	path := writeWorkbook(t, []string{"Date", "Name"}, [][]string{
		{"2024-05-03", "Ride"},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path})

	err := s.ApplyChange(context.Background(), "2", model.FieldEquipment, model.Text("canyon"))
	assert.True(t, IsUnsupported(err), "no equipment column means unsupported, got %v", err)
}

func TestSpreadsheetCreateActivity(t *testing.T) {
	path := writeWorkbook(t, logHeaders, [][]string{
		{"2024-05-03", "08:15", "Ride", "", "", "", "", ""},
	})
	s := NewSpreadsheet(SpreadsheetOptions{Path: path})

	dur := 3600.0
	dist := 25000.0
	id, err := s.CreateActivity(context.Background(), model.NormalizedActivity{
		Provider:        model.ProviderStrava,
		ProviderID:      "101",
		StartTime:       time.Date(2024, 5, 20, 17, 30, 0, 0, time.UTC),
		ActivityType:    model.TypeRide,
		DurationSeconds: &dur,
		DistanceMeters:  &dist,
		Fields: model.Fields{
			model.FieldTitle: model.Text("Evening Ride"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	acts, err := s.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err)
	require.Len(t, acts, 2)

	added := acts[1]
	assert.Equal(t, "3", added.ProviderID)
	assert.Equal(t, time.Date(2024, 5, 20, 17, 30, 0, 0, time.UTC), added.StartTime)
	require.NotNil(t, added.DistanceMeters)
	assert.Equal(t, 25000.0, *added.DistanceMeters)
	assert.Equal(t, model.Text("Evening Ride"), added.Fields[model.FieldTitle])
}

func TestParseDuration(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"1:30:00", 5400, true},
		{"45:30", 2730, true},
		{"2700", 2700, true},
		{"", 0, false},
		{"abc", 0, false},
		{"1:2:3:4", 0, false},
	} {
		got, ok := parseDuration(tc.raw)
		assert.Equal(t, tc.ok, ok, "raw %q", tc.raw)
		if tc.ok {
			assert.Equal(t, tc.want, got, "raw %q", tc.raw)
		}
	}
}

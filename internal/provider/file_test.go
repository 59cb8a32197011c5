package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/model"
)

const mayExport = `
- id: run-001
  start_time: 2024-05-02T07:00:00Z
  type: Running
  duration_seconds: 2400
  distance_meters: 8000
  name: Morning Run
  notes: easy pace
- start_time: 2024-05-15T18:30:00Z
  type: ride
  fields:
    location: river path
- type: ride
- id: stray
  start_time: 2024-06-02T07:00:00Z
  type: ride
`

func TestFileFetchMonth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-05.yaml"), []byte(mayExport), 0o644))
	f := NewFile(dir)

	acts, err := f.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err)
	require.Len(t, acts, 2, "entries without start_time or outside the month are dropped")

	run := acts[0]
	assert.Equal(t, "run-001", run.ProviderID)
	assert.Equal(t, model.ProviderFile, run.Provider)
	assert.Equal(t, time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC), run.StartTime)
	assert.Equal(t, model.TypeRun, run.ActivityType)
	require.NotNil(t, run.DistanceMeters)
	assert.Equal(t, 8000.0, *run.DistanceMeters)
	assert.Equal(t, model.Text("Morning Run"), run.Fields[model.FieldTitle])
	assert.Equal(t, model.Text("easy pace"), run.Fields[model.FieldNotes])

	anon := acts[1]
	assert.Equal(t, "2024-05#1", anon.ProviderID, "missing id falls back to file position")
	assert.Equal(t, model.Text("river path"), anon.Fields[model.FieldLocation])
}

func TestFileFetchMonth_MissingFile(t *testing.T) {
	f := NewFile(t.TempDir())

	acts, err := f.FetchMonth(context.Background(), model.Month("2024-05"))
	require.NoError(t, err, "an absent month file is an empty month, not an error")
	assert.Empty(t, acts)
}

func TestFileFetchMonth_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-05.yaml"), []byte("{not yaml"), 0o644))
	f := NewFile(dir)

	_, err := f.FetchMonth(context.Background(), model.Month("2024-05"))
	assert.Error(t, err)
}

func TestFileApplyChange_AlwaysUnsupported(t *testing.T) {
	f := NewFile(t.TempDir())

	err := f.ApplyChange(context.Background(), "run-001", model.FieldTitle, model.Text("x"))
	assert.True(t, IsUnsupported(err))
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var mayKey = model.SyncKey{Provider: model.ProviderStrava, Month: model.Month("2024-05")}

func sampleActivity(id string, day int) model.NormalizedActivity {
	return model.NormalizedActivity{
		ProviderID:      id,
		Provider:        model.ProviderStrava,
		StartTime:       time.Date(2024, 5, day, 8, 0, 0, 0, time.UTC),
		DurationSeconds: model.Float64(3600),
		DistanceMeters:  model.Float64(25000),
		ActivityType:    model.TypeRide,
		Fields: model.Fields{
			model.FieldTitle: model.Text("Morning Ride"),
		},
	}
}

func TestSQLite_ReplaceProviderMonth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceProviderMonth(ctx, mayKey, []model.NormalizedActivity{
		sampleActivity("101", 3),
		sampleActivity("102", 10),
	}))

	acts, err := st.ListProviderMonth(ctx, mayKey)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "101", acts[0].ProviderID)
	assert.Equal(t, model.TypeRide, acts[0].ActivityType)
	require.NotNil(t, acts[0].DistanceMeters)
	assert.Equal(t, 25000.0, *acts[0].DistanceMeters)
	assert.Equal(t, model.Text("Morning Ride"), acts[0].Fields[model.FieldTitle])
	assert.False(t, acts[0].PulledAt.IsZero())

	// A second pull replaces the month wholesale.
	require.NoError(t, st.ReplaceProviderMonth(ctx, mayKey, []model.NormalizedActivity{
		sampleActivity("103", 20),
	}))
	acts, err = st.ListProviderMonth(ctx, mayKey)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "103", acts[0].ProviderID)
}

func TestSQLite_ListMonthSpansProviders(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	g := sampleActivity("g-1", 3)
	g.Provider = model.ProviderGarmin
	require.NoError(t, st.ReplaceProviderMonth(ctx, mayKey, []model.NormalizedActivity{sampleActivity("101", 3)}))
	require.NoError(t, st.ReplaceProviderMonth(ctx,
		model.SyncKey{Provider: model.ProviderGarmin, Month: mayKey.Month},
		[]model.NormalizedActivity{g}))

	acts, err := st.ListMonth(ctx, mayKey.Month)
	require.NoError(t, err)
	assert.Len(t, acts, 2)
}

func TestSQLite_NullableActivityColumns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := sampleActivity("101", 3)
	a.DurationSeconds = nil
	a.DistanceMeters = nil
	a.Fields = nil
	require.NoError(t, st.ReplaceProviderMonth(ctx, mayKey, []model.NormalizedActivity{a}))

	acts, err := st.ListProviderMonth(ctx, mayKey)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Nil(t, acts[0].DurationSeconds)
	assert.Nil(t, acts[0].DistanceMeters)
	assert.Empty(t, acts[0].Fields)
}

func TestSQLite_SyncStatusRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetSyncStatus(ctx, mayKey)
	require.NoError(t, err)
	assert.Nil(t, got, "unknown key has no status row")

	reset := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertSyncStatus(ctx, &model.SyncStatus{
		Key:             mayKey,
		State:           model.SyncQueued,
		TaskID:          "task-1",
		LastOperationAt: time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC),
		LastMessage:     "queued",
		RateLimitKind:   model.RateLimitLongTerm,
		RateLimitReset:  reset,
		Attempts:        2,
	}))

	got, err = st.GetSyncStatus(ctx, mayKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SyncQueued, got.State)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, model.RateLimitLongTerm, got.RateLimitKind)
	assert.True(t, got.RateLimitReset.Equal(reset))
	assert.Equal(t, 2, got.Attempts)

	// Upsert overwrites in place.
	require.NoError(t, st.UpsertSyncStatus(ctx, &model.SyncStatus{
		Key:           mayKey,
		State:         model.SyncSuccess,
		RateLimitKind: model.RateLimitNone,
	}))
	got, err = st.GetSyncStatus(ctx, mayKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SyncSuccess, got.State)
	assert.Empty(t, got.TaskID)
	assert.True(t, got.RateLimitReset.IsZero())

	statuses, err := st.ListMonthStatuses(ctx, mayKey.Month)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, mayKey, statuses[0].Key)
}

func TestSQLite_Claims(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.AcquireClaim(ctx, mayKey, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireClaim(ctx, mayKey, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live claim is exclusive")

	// Re-acquire by the holder refreshes.
	ok, err = st.AcquireClaim(ctx, mayKey, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "holder must release before re-acquiring a live claim")

	require.NoError(t, st.ReleaseClaim(ctx, mayKey, "owner-a"))
	ok, err = st.AcquireClaim(ctx, mayKey, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_StaleClaimIsStolen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.AcquireClaim(ctx, mayKey, "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A zero TTL makes the existing claim instantly stale.
	ok, err = st.AcquireClaim(ctx, mayKey, "owner-b", 0)
	require.NoError(t, err)
	assert.True(t, ok, "stale claims are stolen")
}

func TestSQLite_TaskQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)

	first := &model.Task{ID: "t-1", Key: mayKey, State: model.TaskPending, CreatedAt: now, UpdatedAt: now}
	second := &model.Task{ID: "t-2", Key: mayKey, State: model.TaskPending, CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second)}
	require.NoError(t, st.CreateTask(ctx, first))
	require.NoError(t, st.CreateTask(ctx, second))

	popped, err := st.NextPendingTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "t-1", popped.ID, "oldest pending first")
	assert.Equal(t, model.TaskRunning, popped.State)

	require.NoError(t, st.UpdateTask(ctx, "t-1", model.TaskSuccess, "42 activities"))
	got, err := st.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccess, got.State)
	assert.Equal(t, "42 activities", got.Message)

	popped, err = st.NextPendingTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "t-2", popped.ID)

	popped, err = st.NextPendingTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, popped, "empty queue pops nil")
}

func TestSQLite_SkipTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &model.Task{ID: "t-1", Key: mayKey, State: model.TaskPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateTask(ctx, task))

	ok, err := st.SkipTask(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SkipTask(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok, "only pending tasks can be skipped")
}

func TestSQLite_MonthReview(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	state, err := st.GetMonthReview(ctx, mayKey.Month)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewUnknown, state)

	require.NoError(t, st.SetMonthReview(ctx, mayKey.Month, model.ReviewRequiresAction))
	state, err = st.GetMonthReview(ctx, mayKey.Month)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewRequiresAction, state)

	require.NoError(t, st.SetMonthReview(ctx, mayKey.Month, model.ReviewSynced))
	state, err = st.GetMonthReview(ctx, mayKey.Month)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSynced, state)
}

func TestSQLite_Resolutions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetResolution(ctx, model.ProviderStrava, "101", model.FieldTitle)
	require.NoError(t, err)
	assert.Nil(t, got)

	resolvedAt := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertResolution(ctx, &model.FieldResolution{
		Provider:   model.ProviderStrava,
		ProviderID: "101",
		Field:      model.FieldTitle,
		Value:      model.Text("Gravel Loop"),
		ResolvedAt: resolvedAt,
	}))

	got, err = st.GetResolution(ctx, model.ProviderStrava, "101", model.FieldTitle)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.Text("Gravel Loop"), got.Value)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))

	// Re-resolving the same field advances the record.
	later := resolvedAt.Add(time.Hour)
	require.NoError(t, st.UpsertResolution(ctx, &model.FieldResolution{
		Provider:   model.ProviderStrava,
		ProviderID: "101",
		Field:      model.FieldTitle,
		Value:      model.Text("Gravel Loop v2"),
		ResolvedAt: later,
	}))
	got, err = st.GetResolution(ctx, model.ProviderStrava, "101", model.FieldTitle)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.Text("Gravel Loop v2"), got.Value)
}

func TestSQLite_ResetProvider(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceProviderMonth(ctx, mayKey, []model.NormalizedActivity{sampleActivity("101", 3)}))
	require.NoError(t, st.UpsertSyncStatus(ctx, &model.SyncStatus{Key: mayKey, State: model.SyncSuccess, RateLimitKind: model.RateLimitNone}))
	require.NoError(t, st.UpsertResolution(ctx, &model.FieldResolution{
		Provider: model.ProviderStrava, ProviderID: "101", Field: model.FieldTitle,
		Value: model.Text("x"), ResolvedAt: time.Now().UTC(),
	}))

	gKey := model.SyncKey{Provider: model.ProviderGarmin, Month: mayKey.Month}
	g := sampleActivity("g-1", 4)
	g.Provider = model.ProviderGarmin
	require.NoError(t, st.ReplaceProviderMonth(ctx, gKey, []model.NormalizedActivity{g}))

	require.NoError(t, st.ResetProvider(ctx, model.ProviderStrava))

	acts, err := st.ListProviderMonth(ctx, mayKey)
	require.NoError(t, err)
	assert.Empty(t, acts)
	status, err := st.GetSyncStatus(ctx, mayKey)
	require.NoError(t, err)
	assert.Nil(t, status)
	res, err := st.GetResolution(ctx, model.ProviderStrava, "101", model.FieldTitle)
	require.NoError(t, err)
	assert.Nil(t, res)

	others, err := st.ListProviderMonth(ctx, gKey)
	require.NoError(t, err)
	assert.Len(t, others, 1, "other providers are untouched")
}

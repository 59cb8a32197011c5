package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/provider"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore is an in-memory store.Store covering what the scheduler
// touches.
type memStore struct {
	mu          sync.Mutex
	activities  map[model.SyncKey][]model.NormalizedActivity
	statuses    map[model.SyncKey]model.SyncStatus
	claims      map[model.SyncKey]string
	tasks       map[string]*model.Task
	taskOrder   []string
	reviews     map[model.Month]model.ReviewState
	resolutions map[string]*model.FieldResolution
}

func newMemStore() *memStore {
	return &memStore{
		activities:  map[model.SyncKey][]model.NormalizedActivity{},
		statuses:    map[model.SyncKey]model.SyncStatus{},
		claims:      map[model.SyncKey]string{},
		tasks:       map[string]*model.Task{},
		reviews:     map[model.Month]model.ReviewState{},
		resolutions: map[string]*model.FieldResolution{},
	}
}

func (m *memStore) ReplaceProviderMonth(_ context.Context, key model.SyncKey, acts []model.NormalizedActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[key] = acts
	return nil
}

func (m *memStore) ListMonth(_ context.Context, month model.Month) ([]model.NormalizedActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NormalizedActivity
	for k, acts := range m.activities {
		if k.Month == month {
			out = append(out, acts...)
		}
	}
	return out, nil
}

func (m *memStore) ListProviderMonth(_ context.Context, key model.SyncKey) ([]model.NormalizedActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activities[key], nil
}

func (m *memStore) GetSyncStatus(_ context.Context, key model.SyncKey) (*model.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[key]; ok {
		cp := st
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) UpsertSyncStatus(_ context.Context, st *model.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.Key] = *st
	return nil
}

func (m *memStore) ListMonthStatuses(_ context.Context, month model.Month) ([]model.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SyncStatus
	for k, st := range m.statuses {
		if k.Month == month {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) AcquireClaim(_ context.Context, key model.SyncKey, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.claims[key]; held && holder != owner {
		return false, nil
	}
	m.claims[key] = owner
	return true, nil
}

func (m *memStore) ReleaseClaim(_ context.Context, key model.SyncKey, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[key] == owner {
		delete(m.claims, key)
	}
	return nil
}

func (m *memStore) CreateTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) UpdateTask(_ context.Context, id string, state model.TaskState, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return eris.Errorf("no task %s", id)
	}
	t.State = state
	t.Message = message
	return nil
}

func (m *memStore) NextPendingTask(_ context.Context) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.State == model.TaskPending {
			t.State = model.TaskRunning
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SkipTask(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.State != model.TaskPending {
		return false, nil
	}
	t.State = model.TaskSkipped
	return true, nil
}

func (m *memStore) GetMonthReview(_ context.Context, month model.Month) (model.ReviewState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.reviews[month]; ok {
		return st, nil
	}
	return model.ReviewUnknown, nil
}

func (m *memStore) SetMonthReview(_ context.Context, month model.Month, state model.ReviewState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[month] = state
	return nil
}

func (m *memStore) UpsertResolution(_ context.Context, res *model.FieldResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[string(res.Provider)+"/"+res.ProviderID+"/"+string(res.Field)] = res
	return nil
}

func (m *memStore) GetResolution(_ context.Context, p model.ProviderName, id string, f model.FieldName) (*model.FieldResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolutions[string(p)+"/"+id+"/"+string(f)], nil
}

func (m *memStore) ResetProvider(_ context.Context, p model.ProviderName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.activities {
		if k.Provider == p {
			delete(m.activities, k)
		}
	}
	for k := range m.statuses {
		if k.Provider == p {
			delete(m.statuses, k)
		}
	}
	return nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

func (m *memStore) status(key model.SyncKey) model.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}

func (m *memStore) task(id string) model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

// fakeProvider scripts FetchMonth responses.
type fakeProvider struct {
	name    model.ProviderName
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	acts []model.NormalizedActivity
	err  error
}

func (f *fakeProvider) Name() model.ProviderName     { return f.name }
func (f *fakeProvider) Capabilities() provider.Capabilities { return provider.Capabilities{UpdateName: true} }

func (f *fakeProvider) FetchMonth(_ context.Context, _ model.Month) ([]model.NormalizedActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	return r.acts, r.err
}

func (f *fakeProvider) ApplyChange(_ context.Context, _ string, _ model.FieldName, _ model.FieldValue) error {
	return nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testScheduler(st *memStore, p *fakeProvider) *Scheduler {
	reg := provider.NewRegistry()
	reg.Register(p)
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond
	return New(cfg, st, reg)
}

var month = model.Month("2024-05")

func TestRequestAndRun_Success(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{
		acts: []model.NormalizedActivity{{ProviderID: "1", Provider: model.ProviderStrava, StartTime: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)}},
	}}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	task, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, model.SyncQueued, st.status(key).State)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, model.SyncSuccess, st.status(key).State)
	assert.Equal(t, model.TaskSuccess, st.task(task.ID).State)

	acts, err := st.ListProviderMonth(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, acts, 1)

	review, err := st.GetMonthReview(context.Background(), month)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewUnknown, review, "fresh pull invalidates the month review")
}

func TestRequest_IdempotentWhileActive(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{}}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	t1, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	t2, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, t2.ID, "second request returns the live task")
}

func TestRequest_UnknownProvider(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{}}}
	s := testScheduler(st, p)

	_, err := s.Request(context.Background(), model.SyncKey{Provider: "polar", Month: month})
	assert.Error(t, err)
}

func TestRun_TransientRetriesThenSucceeds(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{
		{err: &provider.TransientError{Provider: model.ProviderStrava, Err: eris.New("blip")}},
		{acts: nil},
	}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	_, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, model.SyncSuccess, st.status(key).State)
	assert.Equal(t, 2, p.callCount())
}

func TestRun_TransientExhaustionFails(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{
		{err: &provider.TransientError{Provider: model.ProviderStrava, Err: eris.New("down")}},
	}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	task, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, model.SyncError, st.status(key).State)
	assert.Equal(t, model.TaskFailure, st.task(task.ID).State)
	assert.Equal(t, 3, p.callCount(), "default budget is three attempts")
}

func TestRun_RateLimitDefersWithoutConsumingBudget(t *testing.T) {
	st := newMemStore()
	reset := time.Now().Add(10 * time.Minute)
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{
		{err: &provider.RateLimitError{Provider: model.ProviderStrava, Kind: model.RateLimitShortTerm, ResetAt: reset}},
	}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	task, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	got := st.status(key)
	assert.Equal(t, model.SyncQueued, got.State, "rate limit re-queues, never errors")
	assert.Equal(t, model.RateLimitShortTerm, got.RateLimitKind)
	assert.WithinDuration(t, reset, got.RateLimitReset, time.Second)
	assert.Zero(t, got.Attempts, "deferral does not consume the retry budget")
	assert.Equal(t, model.TaskSkipped, st.task(task.ID).State)
	assert.Equal(t, 1, p.callCount(), "no blind retry against a throttling provider")
}

func TestRun_DeferredKeySkipsProviderCall(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{}}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	require.NoError(t, st.UpsertSyncStatus(context.Background(), &model.SyncStatus{
		Key:            key,
		State:          model.SyncQueued,
		RateLimitKind:  model.RateLimitLongTerm,
		RateLimitReset: time.Now().Add(time.Hour),
	}))

	_, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, p.callCount(), "open window means no provider traffic")
	assert.Equal(t, model.SyncQueued, st.status(key).State)
}

func TestRun_AuthErrorIsTerminal(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{
		{err: &provider.AuthError{Provider: model.ProviderStrava}},
	}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	task, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, model.SyncError, st.status(key).State)
	assert.Equal(t, model.TaskFailure, st.task(task.ID).State)
	assert.Equal(t, 1, p.callCount(), "auth failures are never auto-retried")
}

func TestRequeueDeferred(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{}}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	require.NoError(t, st.UpsertSyncStatus(context.Background(), &model.SyncStatus{
		Key:            key,
		State:          model.SyncQueued,
		RateLimitKind:  model.RateLimitShortTerm,
		RateLimitReset: time.Now().Add(-time.Minute), // window passed
	}))

	n, err := s.RequeueDeferred(context.Background(), month)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, model.SyncSuccess, st.status(key).State)
}

func TestRun_ClaimHeldElsewhereSkips(t *testing.T) {
	st := newMemStore()
	p := &fakeProvider{name: model.ProviderStrava, results: []fetchResult{{}}}
	s := testScheduler(st, p)

	key := model.SyncKey{Provider: model.ProviderStrava, Month: month}
	ok, err := st.AcquireClaim(context.Background(), key, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	task, err := s.Request(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, model.TaskSkipped, st.task(task.ID).State)
	assert.Zero(t, p.callCount())
}

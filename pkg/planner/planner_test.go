package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/spprobe/pkg/config"
	"github.com/filbeam/spprobe/pkg/queue"
	"github.com/filbeam/spprobe/pkg/types"
)

type fakeStore struct {
	rows     map[string]*types.JobScheduleState
	advanced map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string]*types.JobScheduleState),
		advanced: make(map[string]time.Time),
	}
}

func (f *fakeStore) UpsertScheduleState(_ context.Context, st *types.JobScheduleState) error {
	f.rows[st.Name+"/"+st.Key] = st
	return nil
}

func (f *fakeStore) ListScheduleState(_ context.Context) ([]*types.JobScheduleState, error) {
	out := make([]*types.JobScheduleState, 0, len(f.rows))
	for _, st := range f.rows {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) AdvanceScheduleState(_ context.Context, name, key string, next time.Time) error {
	f.advanced[name+"/"+key] = next
	if st, ok := f.rows[name+"/"+key]; ok {
		st.NextRunAt = next
	}
	return nil
}

func (f *fakeStore) DeleteScheduleStateNotIn(_ context.Context, keys []string) (int64, error) {
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}
	var n int64
	for id, st := range f.rows {
		if !keep[st.Key] {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

type fakePublisher struct {
	published []string
	lockHeld  bool
}

func (f *fakePublisher) Publish(_ context.Context, key, singletonKey string, _ []byte, _ queue.PublishOptions) (string, error) {
	f.published = append(f.published, singletonKey)
	return "id-" + singletonKey, nil
}

func (f *fakePublisher) PlannerLock(_ context.Context) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fakeSource struct {
	providers []*types.StorageProvider
}

func (f *fakeSource) TestingProviders(_ context.Context) ([]*types.StorageProvider, error) {
	return f.providers, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{DatabaseURL: "postgres://test"}
	cfg.ApplyDefaults()
	return cfg
}

func testPlanner(st *fakeStore, pub *fakePublisher, src *fakeSource, cfg *config.Config) *Planner {
	p := New(st, pub, src, cfg)
	return p
}

func TestTickPublishesDueJobs(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	src := &fakeSource{providers: []*types.StorageProvider{
		{Address: "0xabc", ProviderID: 1, Active: true},
	}}
	p := testPlanner(st, pub, src, testConfig())

	// Reconcile writes the schedule rows; force them all due.
	require.NoError(t, p.Tick(context.Background()))
	for _, row := range st.rows {
		row.NextRunAt = time.Now().Add(-time.Minute)
	}
	pub.published = nil

	require.NoError(t, p.Tick(context.Background()))

	assert.Contains(t, pub.published, "deal:0xabc")
	assert.Contains(t, pub.published, "retrieval:0xabc")
	assert.Contains(t, pub.published, "metricsRollup:global")
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{lockHeld: true}
	src := &fakeSource{providers: []*types.StorageProvider{{Address: "0xabc"}}}
	p := testPlanner(st, pub, src, testConfig())

	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, st.rows)
	assert.Empty(t, pub.published)
}

func TestMaintenanceWindowSkipsPublish(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	src := &fakeSource{providers: []*types.StorageProvider{{Address: "0xabc"}}}
	cfg := testConfig()
	cfg.MaintenanceWindowsUTC = []string{"02:00"}
	cfg.MaintenanceWindowMinutes = 30
	p := testPlanner(st, pub, src, cfg)
	p.now = func() time.Time {
		return time.Date(2026, 8, 24, 2, 15, 0, 0, time.UTC)
	}

	require.NoError(t, p.Tick(context.Background()))
	for _, row := range st.rows {
		row.NextRunAt = p.now().Add(-time.Minute)
	}
	pub.published = nil

	require.NoError(t, p.Tick(context.Background()))

	assert.Empty(t, pub.published)
	// Skipped rows keep their due time so they fire after the window.
	assert.Empty(t, st.advanced)
}

func TestScheduleRowsPrunedForDepartedProviders(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	src := &fakeSource{providers: []*types.StorageProvider{
		{Address: "0xabc"}, {Address: "0xdef"},
	}}
	p := testPlanner(st, pub, src, testConfig())

	require.NoError(t, p.Tick(context.Background()))
	assert.Len(t, st.rows, 5) // 2 families x 2 providers + rollup

	src.providers = src.providers[:1]
	require.NoError(t, p.Tick(context.Background()))
	assert.Len(t, st.rows, 3)
	for _, row := range st.rows {
		assert.NotEqual(t, "0xdef", row.Key)
	}
}

func TestStaggerIsDeterministicAndBounded(t *testing.T) {
	a := stagger(types.JobFamilyDeal, "0xabc", 3600)
	b := stagger(types.JobFamilyDeal, "0xabc", 3600)
	c := stagger(types.JobFamilyRetrieval, "0xabc", 3600)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 3600)
}

func TestCronFor(t *testing.T) {
	tests := []struct {
		name        string
		intervalSec int
		offsetSec   int
		expected    string
	}{
		{"hourly", 3600, 930, "30 15 */1 * * *"},
		{"every six hours", 21600, 61, "1 1 */6 * * *"},
		{"every ten minutes", 600, 125, "5 2/10 * * * *"},
		{"odd interval falls back", 700, 10, "@every 700s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cronFor(tt.intervalSec, tt.offsetSec))
		})
	}
}

func TestInMaintenanceWindow(t *testing.T) {
	windows := []string{"02:00", "23:45"}

	tests := []struct {
		name     string
		at       time.Time
		expected string
		in       bool
	}{
		{"inside first window", time.Date(2026, 8, 24, 2, 15, 0, 0, time.UTC), "02:00", true},
		{"just before", time.Date(2026, 8, 24, 1, 59, 0, 0, time.UTC), "", false},
		{"at close", time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC), "", false},
		{"spans midnight, before", time.Date(2026, 8, 24, 23, 50, 0, 0, time.UTC), "23:45", true},
		{"spans midnight, after", time.Date(2026, 8, 24, 0, 10, 0, 0, time.UTC), "23:45", true},
		{"spans midnight, past close", time.Date(2026, 8, 24, 0, 20, 0, 0, time.UTC), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window, in := inMaintenanceWindow(tt.at, windows, 30)
			assert.Equal(t, tt.in, in)
			assert.Equal(t, tt.expected, window)
		})
	}
}

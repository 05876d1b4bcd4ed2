package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/spprobe/pkg/types"
)

type fakeQueue struct {
	mu        sync.Mutex
	items     []*types.WorkItem
	completed []string
	failed    map[string]string
	cancelled map[string]bool
}

func newFakeQueue(items ...*types.WorkItem) *fakeQueue {
	return &fakeQueue{
		items:     items,
		failed:    make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

func (q *fakeQueue) Name() string { return "probes" }

func (q *fakeQueue) Fetch(_ context.Context, n int, _ time.Duration) ([]*types.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := q.items[:n]
	q.items = q.items[n:]
	return out, nil
}

func (q *fakeQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = errMsg
	return nil
}

func (q *fakeQueue) Heartbeat(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[id], nil
}

func (q *fakeQueue) Sweep(context.Context) (int64, error) { return 0, nil }

func (q *fakeQueue) Depths(context.Context) (map[types.WorkItemState]int, error) {
	return map[types.WorkItemState]int{}, nil
}

type fakeRunner struct {
	mu         sync.Mutex
	uploads    []string
	retrievals []string
	uploadErr  error
	block      chan struct{}
}

func (r *fakeRunner) RunUpload(ctx context.Context, sp *types.StorageProvider) error {
	r.mu.Lock()
	r.uploads = append(r.uploads, sp.Address)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrAborted, ctx.Err())
		case <-r.block:
		}
	}
	return r.uploadErr
}

func (r *fakeRunner) RunRetrieval(_ context.Context, sp *types.StorageProvider) error {
	r.mu.Lock()
	r.retrievals = append(r.retrievals, sp.Address)
	r.mu.Unlock()
	return nil
}

type fakeProviders struct{}

func (fakeProviders) Provider(_ context.Context, address string) (*types.StorageProvider, error) {
	return &types.StorageProvider{Address: address, ServiceURL: "http://sp"}, nil
}

type fakeRollups struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRollups) RefreshRollups(context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func probeItem(t *testing.T, id string, job types.ProbeJob) *types.WorkItem {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return &types.WorkItem{
		ID:           id,
		Queue:        "probes",
		Key:          types.SingletonKey(job.Family, job.Address),
		SingletonKey: types.SingletonKey(job.Family, job.Address),
		Payload:      payload,
	}
}

func testPool(q WorkQueue, r ProbeRunner, rollups RollupRefresher) *Pool {
	return New(q, fakeProviders{}, r, rollups, Config{
		Concurrency:       2,
		FetchInterval:     10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     time.Hour,
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestPoolDispatchesByFamily(t *testing.T) {
	q := newFakeQueue(
		probeItem(t, "i1", types.ProbeJob{Family: types.JobFamilyDeal, Address: "0xa"}),
		probeItem(t, "i2", types.ProbeJob{Family: types.JobFamilyRetrieval, Address: "0xb"}),
		probeItem(t, "i3", types.ProbeJob{Family: types.JobFamilyMetricsRollup}),
	)
	runner := &fakeRunner{}
	rollups := &fakeRollups{}

	pool := testPool(q, runner, rollups)
	pool.Start(context.Background())
	defer pool.Stop()

	eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.completed) == 3
	})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"0xa"}, runner.uploads)
	assert.Equal(t, []string{"0xb"}, runner.retrievals)
	rollups.mu.Lock()
	defer rollups.mu.Unlock()
	assert.Equal(t, 1, rollups.calls)
}

func TestPoolFailsOnProbeError(t *testing.T) {
	q := newFakeQueue(
		probeItem(t, "i1", types.ProbeJob{Family: types.JobFamilyDeal, Address: "0xa"}),
	)
	runner := &fakeRunner{uploadErr: fmt.Errorf("ingest exploded")}

	pool := testPool(q, runner, &fakeRollups{})
	pool.Start(context.Background())
	defer pool.Stop()

	eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.failed["i1"] != ""
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Contains(t, q.failed["i1"], "ingest exploded")
	assert.Empty(t, q.completed)
}

func TestPoolCompletesTimedOutProbe(t *testing.T) {
	q := newFakeQueue(
		probeItem(t, "i1", types.ProbeJob{Family: types.JobFamilyDeal, Address: "0xa"}),
	)
	runner := &fakeRunner{uploadErr: fmt.Errorf("%w: over budget", types.ErrAborted)}

	pool := testPool(q, runner, &fakeRollups{})
	pool.Start(context.Background())
	defer pool.Stop()

	eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.completed) == 1
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Empty(t, q.failed)
}

func TestPoolFailsUndecodablePayload(t *testing.T) {
	q := newFakeQueue(&types.WorkItem{ID: "i1", Queue: "probes", Payload: []byte("not json")})

	pool := testPool(q, &fakeRunner{}, &fakeRollups{})
	pool.Start(context.Background())
	defer pool.Stop()

	eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.failed["i1"] != ""
	})
}

func TestPoolHeartbeatCancellation(t *testing.T) {
	item := probeItem(t, "i1", types.ProbeJob{Family: types.JobFamilyDeal, Address: "0xa"})
	q := newFakeQueue(item)
	runner := &fakeRunner{block: make(chan struct{})}

	pool := testPool(q, runner, &fakeRollups{})
	pool.Start(context.Background())
	defer pool.Stop()

	eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.uploads) == 1
	})

	// Cancel out from under the running probe; the heartbeat aborts it
	// and the item must not be completed or failed.
	q.mu.Lock()
	q.cancelled["i1"] = true
	q.mu.Unlock()

	// The probe aborts and its slot frees without a terminal transition.
	eventually(t, func() bool { return len(pool.slots) == pool.cfg.Concurrency })
	pool.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Empty(t, q.completed)
	assert.Empty(t, q.failed)
}

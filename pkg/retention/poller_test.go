package retention

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/spprobe/pkg/index"
	"github.com/filbeam/spprobe/pkg/types"
)

type fakeChain struct {
	block     uint64
	providers []*types.StorageProvider
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.block, nil }
func (f *fakeChain) Snapshot() []*types.StorageProvider          { return f.providers }

type fakeIndex struct {
	stats []index.ProviderStats
	err   error
	calls int
}

func (f *fakeIndex) Fetch(_ context.Context, addresses []string, _ uint64) ([]index.ProviderStats, uint64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	var out []index.ProviderStats
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[a] = true
	}
	for _, s := range f.stats {
		if want[s.Address] {
			out = append(out, s)
		}
	}
	return out, 0, nil
}

func stats(addr string, faulted, proving int64) index.ProviderStats {
	return index.ProviderStats{
		Address:             addr,
		TotalFaultedPeriods: big.NewInt(faulted),
		TotalProvingPeriods: big.NewInt(proving),
	}
}

func activeProvider(addr string, id int64) *types.StorageProvider {
	return &types.StorageProvider{Address: addr, ProviderID: id, Active: true, Approved: true}
}

func newTestPoller(chain *fakeChain, idx *fakeIndex) *Poller {
	return New(chain, idx, 0, "")
}

func TestFirstObservationSetsBaselineWithoutCounting(t *testing.T) {
	chain := &fakeChain{block: 1000, providers: []*types.StorageProvider{activeProvider("0xabc", 1)}}
	idx := &fakeIndex{stats: []index.ProviderStats{stats("0xabc", 10, 100)}}
	p := newTestPoller(chain, idx)

	require.NoError(t, p.Cycle(context.Background()))

	b := p.baselines["0xabc"]
	require.NotNil(t, b)
	assert.Equal(t, int64(10), b.Faulted.Int64())
	assert.Equal(t, int64(90), b.Success.Int64())
}

func TestPositiveDeltaMovesBaseline(t *testing.T) {
	chain := &fakeChain{block: 1000, providers: []*types.StorageProvider{activeProvider("0xabc", 1)}}
	idx := &fakeIndex{stats: []index.ProviderStats{stats("0xabc", 10, 100)}}
	p := newTestPoller(chain, idx)

	require.NoError(t, p.Cycle(context.Background()))

	idx.stats = []index.ProviderStats{stats("0xabc", 12, 110)}
	require.NoError(t, p.Cycle(context.Background()))

	b := p.baselines["0xabc"]
	assert.Equal(t, int64(12), b.Faulted.Int64())
	assert.Equal(t, int64(98), b.Success.Int64())
}

func TestNegativeDeltaResetsBaselineAndSkips(t *testing.T) {
	chain := &fakeChain{block: 1000, providers: []*types.StorageProvider{activeProvider("0xabc", 1)}}
	idx := &fakeIndex{stats: []index.ProviderStats{stats("0xabc", 10, 100)}}
	p := newTestPoller(chain, idx)

	require.NoError(t, p.Cycle(context.Background()))

	// Index correction: totals went backwards.
	idx.stats = []index.ProviderStats{stats("0xabc", 9, 98)}
	require.NoError(t, p.Cycle(context.Background()))

	b := p.baselines["0xabc"]
	assert.Equal(t, int64(9), b.Faulted.Int64())
	assert.Equal(t, int64(89), b.Success.Int64())
}

func TestCycleErrorKeepsStaleBaselines(t *testing.T) {
	chain := &fakeChain{block: 1000, providers: []*types.StorageProvider{activeProvider("0xabc", 1)}}
	idx := &fakeIndex{stats: []index.ProviderStats{stats("0xabc", 1, 10)}}
	p := newTestPoller(chain, idx)
	require.NoError(t, p.Cycle(context.Background()))

	// The provider departs while the remaining batch fails; its
	// baseline must survive the dirty cycle.
	chain.providers = []*types.StorageProvider{activeProvider("0xdef", 2)}
	idx.err = assert.AnError
	require.NoError(t, p.Cycle(context.Background()))
	assert.Contains(t, p.baselines, "0xabc")

	// The next clean cycle drops the stale baseline.
	idx.err = nil
	require.NoError(t, p.Cycle(context.Background()))
	assert.NotContains(t, p.baselines, "0xabc")
}

func TestEstimatedOverdue(t *testing.T) {
	tests := []struct {
		name      string
		proofSets []index.ProofSet
		block     uint64
		expected  int64
	}{
		{"no proof sets", nil, 1000, 0},
		{"zero period skipped", []index.ProofSet{{MaxProvingPeriod: 0, NextDeadline: 10}}, 1000, 0},
		{"deadline in future", []index.ProofSet{{MaxProvingPeriod: 100, NextDeadline: 2000}}, 1000, 0},
		{"one period overdue", []index.ProofSet{{MaxProvingPeriod: 100, NextDeadline: 899}}, 1000, 1},
		{"several sets sum", []index.ProofSet{
			{MaxProvingPeriod: 100, NextDeadline: 699},
			{MaxProvingPeriod: 50, NextDeadline: 899},
		}, 1000, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, estimatedOverdue(tt.proofSets, tt.block).Int64())
		})
	}
}

type recordingAdder struct {
	total float64
	calls int
}

func (r *recordingAdder) Add(v float64) {
	r.total += v
	r.calls++
}

func TestIncrementChunked(t *testing.T) {
	small := &recordingAdder{}
	incrementChunked(small, big.NewInt(42))
	assert.Equal(t, 42.0, small.total)
	assert.Equal(t, 1, small.calls)

	huge := &recordingAdder{}
	delta := new(big.Int).Add(maxSafeCounterStep, big.NewInt(5))
	incrementChunked(huge, delta)
	assert.Equal(t, 2, huge.calls)
	assert.Equal(t, float64(maxSafeCounterStep.Int64())+5, huge.total)

	zero := &recordingAdder{}
	incrementChunked(zero, big.NewInt(0))
	assert.Equal(t, 0, zero.calls)
}

func TestBaselineStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baselines.db")

	store, err := openBaselineStore(path)
	require.NoError(t, err)

	baselines := map[string]*Baseline{
		"0xabc": {Faulted: big.NewInt(10), Success: big.NewInt(90), ProviderID: 1, Approved: true},
		"0xdef": {Faulted: big.NewInt(0), Success: big.NewInt(5), ProviderID: 2, Approved: false},
	}
	require.NoError(t, store.Save(baselines))
	require.NoError(t, store.Close())

	store, err = openBaselineStore(path)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(10), loaded["0xabc"].Faulted.Int64())
	assert.Equal(t, int64(90), loaded["0xabc"].Success.Int64())
	assert.True(t, loaded["0xabc"].Approved)
	assert.Equal(t, int64(2), loaded["0xdef"].ProviderID)
}

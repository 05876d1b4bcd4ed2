package retention

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/index"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/types"
)

// maxSafeCounterStep keeps a single counter increment inside the float64
// safe-integer range; larger deltas are applied in chunks
var maxSafeCounterStep = big.NewInt(1<<53 - 1)

// ChainSource is the slice of the chain gateway the poller needs
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Snapshot() []*types.StorageProvider
}

// IndexSource is the slice of the index client the poller needs
type IndexSource interface {
	Fetch(ctx context.Context, addresses []string, blockNumber uint64) ([]index.ProviderStats, uint64, error)
}

// Poller converts the index's cumulative proving counters into monotonic
// Prometheus counters via per-provider baselines. The baseline map is
// owned by the poll loop alone.
type Poller struct {
	chain     ChainSource
	index     IndexSource
	baselines map[string]*Baseline
	snapshots *baselineStore
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a poller, restoring baselines from the snapshot file at
// baselinePath when one exists. An unopenable snapshot degrades to an
// empty baseline set rather than failing startup.
func New(chain ChainSource, idx IndexSource, interval time.Duration, baselinePath string) *Poller {
	p := &Poller{
		chain:     chain,
		index:     idx,
		baselines: make(map[string]*Baseline),
		interval:  interval,
		logger:    log.WithComponent("retention"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if baselinePath != "" {
		store, err := openBaselineStore(baselinePath)
		if err != nil {
			p.logger.Warn().Err(err).Msg("baseline snapshot unavailable, starting fresh")
		} else {
			p.snapshots = store
			if loaded, err := store.Load(); err != nil {
				p.logger.Warn().Err(err).Msg("failed to load baseline snapshot")
			} else {
				p.baselines = loaded
			}
		}
	}
	return p
}

// Start begins the poll loop
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info().Dur("interval", p.interval).Msg("starting retention poller")
	go p.run(ctx)
}

// Stop signals the loop and waits for it to drain
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
	if p.snapshots != nil {
		p.snapshots.Close()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Cycle(ctx); err != nil {
				p.logger.Error().Err(err).Msg("retention cycle failed")
			}
		}
	}
}

// Cycle runs one retention poll: batch-query the index for every active
// provider, convert cumulative totals to counter increments against the
// baselines, and clean up baselines for departed providers only when the
// whole cycle was error-free.
func (p *Poller) Cycle(ctx context.Context) error {
	block, err := p.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}

	// Label choices come from a snapshot taken before the batches so a
	// concurrent registry reload cannot clear them mid-cycle.
	snapshot := p.chain.Snapshot()
	active := make([]*types.StorageProvider, 0, len(snapshot))
	for _, sp := range snapshot {
		if sp.Active {
			active = append(active, sp)
		}
	}

	cycleClean := true
	for start := 0; start < len(active); start += index.BatchSize {
		end := start + index.BatchSize
		if end > len(active) {
			end = len(active)
		}
		batch := active[start:end]

		addresses := make([]string, len(batch))
		byAddr := make(map[string]*types.StorageProvider, len(batch))
		for i, sp := range batch {
			addresses[i] = sp.Address
			byAddr[sp.Address] = sp
		}

		stats, _, err := p.index.Fetch(ctx, addresses, block)
		if err != nil {
			// One failed batch must not stop the others.
			p.logger.Error().Err(err).Int("batch_start", start).Msg("index batch failed")
			cycleClean = false
			continue
		}

		for _, stat := range stats {
			sp, ok := byAddr[stat.Address]
			if !ok {
				continue
			}
			p.processProvider(stat, block, sp)
		}
	}

	if cycleClean {
		p.cleanupStale(active)
	} else {
		p.logger.Warn().Msg("cycle had errors, keeping stale baselines")
	}

	if p.snapshots != nil {
		if err := p.snapshots.Save(p.baselines); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist baseline snapshot")
		}
	}

	metrics.RetentionCyclesTotal.Inc()
	return nil
}

// processProvider converts one provider's cumulative totals into counter
// increments. The baseline moves only after the increments are applied.
func (p *Poller) processProvider(stat index.ProviderStats, block uint64, sp *types.StorageProvider) {
	overdue := estimatedOverdue(stat.ProofSets, block)

	estFaulted := new(big.Int).Add(stat.TotalFaultedPeriods, overdue)
	estSuccess := new(big.Int).Add(stat.TotalProvingPeriods, overdue)
	estSuccess.Sub(estSuccess, estFaulted)

	providerLabel := strconv.FormatInt(sp.ProviderID, 10)
	approvedLabel := strconv.FormatBool(sp.Approved)

	b, ok := p.baselines[stat.Address]
	if !ok {
		// First observation establishes the baseline without counting,
		// so a fresh process never replays history.
		p.baselines[stat.Address] = &Baseline{
			Faulted:    estFaulted,
			Success:    estSuccess,
			ProviderID: sp.ProviderID,
			Approved:   sp.Approved,
		}
		return
	}

	faultedDelta := new(big.Int).Sub(estFaulted, b.Faulted)
	successDelta := new(big.Int).Sub(estSuccess, b.Success)

	if faultedDelta.Sign() < 0 || successDelta.Sign() < 0 {
		// Chain reorg or index correction. Reset and skip this round.
		p.logger.Warn().
			Str("provider", stat.Address).
			Str("faulted_delta", faultedDelta.String()).
			Str("success_delta", successDelta.String()).
			Msg("negative retention delta, resetting baseline")
		metrics.RetentionBaselineResets.Inc()
		p.baselines[stat.Address] = &Baseline{
			Faulted:    estFaulted,
			Success:    estSuccess,
			ProviderID: sp.ProviderID,
			Approved:   sp.Approved,
		}
		return
	}

	incrementChunked(metrics.ProvingPeriodsTotal.WithLabelValues("faulted", providerLabel, approvedLabel), faultedDelta)
	incrementChunked(metrics.ProvingPeriodsTotal.WithLabelValues("success", providerLabel, approvedLabel), successDelta)

	p.baselines[stat.Address] = &Baseline{
		Faulted:    estFaulted,
		Success:    estSuccess,
		ProviderID: sp.ProviderID,
		Approved:   sp.Approved,
	}
}

// cleanupStale drops baselines for providers no longer active, removing
// their counter series first so a returning provider cannot be
// double-counted against stale series
func (p *Poller) cleanupStale(active []*types.StorageProvider) {
	current := make(map[string]bool, len(active))
	for _, sp := range active {
		current[sp.Address] = true
	}

	for addr, b := range p.baselines {
		if current[addr] {
			continue
		}
		removed := metrics.RemoveProvingCounters(strconv.FormatInt(b.ProviderID, 10))
		p.logger.Info().
			Str("provider", addr).
			Int("series_removed", removed).
			Msg("dropped baseline for departed provider")
		delete(p.baselines, addr)
	}
}

// estimatedOverdue counts proving periods that have elapsed past each
// proof set's next deadline without being reported
func estimatedOverdue(proofSets []index.ProofSet, block uint64) *big.Int {
	total := new(big.Int)
	for _, ps := range proofSets {
		if ps.MaxProvingPeriod <= 0 {
			continue
		}
		past := int64(block) - (ps.NextDeadline + 1)
		if past < 0 {
			continue
		}
		total.Add(total, big.NewInt(past/ps.MaxProvingPeriod))
	}
	return total
}

type counterAdder interface {
	Add(float64)
}

// incrementChunked applies a delta in steps that stay inside the
// float64 safe-integer range
func incrementChunked(c counterAdder, delta *big.Int) {
	remaining := new(big.Int).Set(delta)
	for remaining.Sign() > 0 {
		step := remaining
		if remaining.Cmp(maxSafeCounterStep) > 0 {
			step = maxSafeCounterStep
		}
		c.Add(float64(step.Int64()))
		remaining = new(big.Int).Sub(remaining, step)
	}
}

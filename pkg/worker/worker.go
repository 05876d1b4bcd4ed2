package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/types"
)

// WorkQueue is the queue surface the pool consumes
type WorkQueue interface {
	Name() string
	Fetch(ctx context.Context, n int, visibility time.Duration) ([]*types.WorkItem, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errMsg string) error
	Heartbeat(ctx context.Context, id string) (bool, error)
	Sweep(ctx context.Context) (int64, error)
	Depths(ctx context.Context) (map[types.WorkItemState]int, error)
}

// ProbeRunner executes one probe of either family against a provider
type ProbeRunner interface {
	RunUpload(ctx context.Context, sp *types.StorageProvider) error
	RunRetrieval(ctx context.Context, sp *types.StorageProvider) error
}

// RollupRefresher refreshes the aggregate performance views
type RollupRefresher interface {
	RefreshRollups(ctx context.Context) error
}

// ProviderSource resolves a provider address to its current record
type ProviderSource interface {
	Provider(ctx context.Context, address string) (*types.StorageProvider, error)
}

// Config tunes the pool
type Config struct {
	Concurrency       int
	Visibility        time.Duration
	FetchInterval     time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Visibility <= 0 {
		c.Visibility = 15 * time.Minute
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Pool consumes the work queue with bounded concurrency, dispatching
// each item to its probe family. A claimed item is completed, failed or
// abandoned to the sweeper; heartbeats surface operator cancellations.
type Pool struct {
	queue     WorkQueue
	providers ProviderSource
	runner    ProbeRunner
	rollups   RollupRefresher
	cfg       Config
	logger    zerolog.Logger

	slots  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool over the queue and its collaborators
func New(q WorkQueue, providers ProviderSource, runner ProbeRunner, rollups RollupRefresher, cfg Config) *Pool {
	cfg.applyDefaults()
	slots := make(chan struct{}, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		slots <- struct{}{}
	}
	return &Pool{
		queue:     q,
		providers: providers,
		runner:    runner,
		rollups:   rollups,
		cfg:       cfg,
		logger:    log.WithComponent("worker"),
		slots:     slots,
	}
}

// Start launches the fetch and maintenance loops
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.fetchLoop(ctx)
	go p.maintenanceLoop(ctx)

	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Str("queue", p.queue.Name()).
		Msg("worker pool started")
}

// Stop cancels the loops and waits for in-flight probes to finish
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) fetchLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		free := len(p.slots)
		if free == 0 {
			continue
		}
		items, err := p.queue.Fetch(ctx, free, p.cfg.Visibility)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to fetch work items")
			}
			continue
		}
		for _, item := range items {
			<-p.slots
			p.wg.Add(1)
			go func(item *types.WorkItem) {
				defer p.wg.Done()
				defer func() { p.slots <- struct{}{} }()
				p.process(ctx, item)
			}(item)
		}
	}
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("failed to sweep work items")
		}
		p.exportDepths(ctx)
	}
}

// exportDepths publishes the queue gauge for every state so emptied
// states drop back to zero
func (p *Pool) exportDepths(ctx context.Context) {
	depths, err := p.queue.Depths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("failed to read queue depths")
		}
		return
	}
	for _, state := range []types.WorkItemState{
		types.WorkItemQueued, types.WorkItemActive, types.WorkItemCompleted,
		types.WorkItemFailed, types.WorkItemRetry, types.WorkItemCancelled,
	} {
		metrics.QueueDepth.
			WithLabelValues(p.queue.Name(), string(state)).
			Set(float64(depths[state]))
	}
}

// process runs one claimed item to a terminal queue state
func (p *Pool) process(ctx context.Context, item *types.WorkItem) {
	logger := p.logger.With().
		Str("item", item.ID).
		Str("key", item.Key).
		Logger()

	var job types.ProbeJob
	if err := json.Unmarshal(item.Payload, &job); err != nil {
		logger.Error().Err(err).Msg("undecodable payload")
		p.fail(ctx, item.ID, fmt.Sprintf("undecodable payload: %v", err))
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelled bool
	stopHeartbeat := p.heartbeat(jobCtx, item.ID, func() {
		cancelled = true
		cancelJob()
	})
	err := p.dispatch(jobCtx, &job)
	stopHeartbeat()

	switch {
	case cancelled:
		// The item was moved to CANCELLED out from under us; nothing to
		// transition.
		logger.Warn().Msg("work item cancelled mid-run")
	case err == nil:
		p.complete(ctx, item.ID)
	case errors.Is(err, types.ErrNoPiece):
		// No data to probe yet is an expected state, not a retryable fault.
		logger.Info().Err(err).Msg("probe skipped")
		p.complete(ctx, item.ID)
	case errors.Is(err, types.ErrAborted) || errors.Is(err, context.DeadlineExceeded):
		// The probe ran out of budget and recorded a timed-out outcome;
		// retrying would double-count the slot.
		logger.Warn().Err(err).Msg("probe timed out")
		p.complete(ctx, item.ID)
	default:
		logger.Error().Err(err).Msg("probe failed")
		p.fail(ctx, item.ID, err.Error())
	}
}

func (p *Pool) dispatch(ctx context.Context, job *types.ProbeJob) error {
	switch job.Family {
	case types.JobFamilyDeal:
		sp, err := p.providers.Provider(ctx, job.Address)
		if err != nil {
			return fmt.Errorf("failed to resolve provider %s: %w", job.Address, err)
		}
		return p.runner.RunUpload(ctx, sp)
	case types.JobFamilyRetrieval:
		sp, err := p.providers.Provider(ctx, job.Address)
		if err != nil {
			return fmt.Errorf("failed to resolve provider %s: %w", job.Address, err)
		}
		return p.runner.RunRetrieval(ctx, sp)
	case types.JobFamilyMetricsRollup:
		return p.rollups.RefreshRollups(ctx)
	default:
		return fmt.Errorf("unknown job family %q", job.Family)
	}
}

// heartbeat polls the item's state so an operator cancellation aborts
// the running probe. Returns a stop function that waits for the poller.
func (p *Pool) heartbeat(ctx context.Context, id string, onCancel func()) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
			cancelled, err := p.queue.Heartbeat(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn().Err(err).Str("item", id).Msg("heartbeat failed")
				}
				continue
			}
			if cancelled {
				onCancel()
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// complete and fail write terminal states with a detached context so a
// shutting-down pool still persists the outcome
func (p *Pool) complete(ctx context.Context, id string) {
	if err := p.queue.Complete(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn().Err(err).Str("item", id).Msg("failed to complete work item")
	}
}

func (p *Pool) fail(ctx context.Context, id, msg string) {
	if err := p.queue.Fail(context.WithoutCancel(ctx), id, msg); err != nil {
		p.logger.Warn().Err(err).Str("item", id).Msg("failed to fail work item")
	}
}

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/config"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/queue"
	"github.com/filbeam/spprobe/pkg/types"
)

// metricsRollupKey is the schedule key for the global materialised-view
// refresh job
const metricsRollupKey = "global"

// ProviderSource yields the providers to probe
type ProviderSource interface {
	TestingProviders(ctx context.Context) ([]*types.StorageProvider, error)
}

// ScheduleStore is the slice of the store the planner reconciles against
type ScheduleStore interface {
	UpsertScheduleState(ctx context.Context, st *types.JobScheduleState) error
	ListScheduleState(ctx context.Context) ([]*types.JobScheduleState, error)
	AdvanceScheduleState(ctx context.Context, name, key string, next time.Time) error
	DeleteScheduleStateNotIn(ctx context.Context, keys []string) (int64, error)
}

// Publisher is the slice of the queue the planner publishes into
type Publisher interface {
	Publish(ctx context.Context, key, singletonKey string, payload []byte, opts queue.PublishOptions) (string, error)
	PlannerLock(ctx context.Context) (release func(), ok bool, err error)
}

// Planner reconciles the desired per-provider schedule against
// job_schedule_state and publishes due work items. Only one planner
// instance runs at a time, selected by a database advisory lock.
type Planner struct {
	store     ScheduleStore
	queue     Publisher
	providers ProviderSource
	cfg       *config.Config

	tickInterval time.Duration
	logger       zerolog.Logger
	stopCh       chan struct{}
	doneCh       chan struct{}

	// test seam
	now func() time.Time
}

// New creates a planner
func New(store ScheduleStore, q Publisher, providers ProviderSource, cfg *config.Config) *Planner {
	return &Planner{
		store:        store,
		queue:        q,
		providers:    providers,
		cfg:          cfg,
		tickInterval: 15 * time.Second,
		logger:       log.WithComponent("planner"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Start begins the tick loop
func (p *Planner) Start(ctx context.Context) {
	p.logger.Info().Dur("tick_interval", p.tickInterval).Msg("starting planner")
	go p.run(ctx)
}

// Stop signals the loop and waits for it to drain
func (p *Planner) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Planner) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error().Err(err).Msg("planner tick failed")
			}
		}
	}
}

// Tick runs one reconciliation pass. It is a no-op when another instance
// holds the planner lock.
func (p *Planner) Tick(ctx context.Context) error {
	release, ok, err := p.queue.PlannerLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to take planner lock: %w", err)
	}
	if !ok {
		p.logger.Debug().Msg("another instance is planning, skipping tick")
		return nil
	}
	defer release()

	metrics.PlannerTicksTotal.Inc()

	providers, err := p.providers.TestingProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list testing providers: %w", err)
	}

	if err := p.reconcile(ctx, providers); err != nil {
		return err
	}
	return p.publishDue(ctx)
}

// familySpec describes how one job family is scheduled
type familySpec struct {
	family      types.JobFamily
	intervalSec int
	baseOffset  int
}

func (p *Planner) familySpecs() []familySpec {
	return []familySpec{
		{types.JobFamilyDeal, p.cfg.DealIntervalSeconds, p.cfg.DealStartOffsetSeconds},
		{types.JobFamilyRetrieval, p.cfg.RetrievalIntervalSeconds, p.cfg.RetrievalStartOffsetSeconds},
	}
}

// reconcile diffs the desired schedule rows against job_schedule_state
func (p *Planner) reconcile(ctx context.Context, providers []*types.StorageProvider) error {
	now := p.now()

	existing, err := p.store.ListScheduleState(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedule state: %w", err)
	}
	current := make(map[string]*types.JobScheduleState, len(existing))
	for _, st := range existing {
		current[st.Name+"/"+st.Key] = st
	}

	keep := make([]string, 0, len(providers)+1)
	for _, sp := range providers {
		keep = append(keep, sp.Address)
		for _, fs := range p.familySpecs() {
			offset := (fs.baseOffset + stagger(fs.family, sp.Address, fs.intervalSec)) % maxInt(fs.intervalSec, 1)
			expr := cronFor(fs.intervalSec, offset)

			id := string(fs.family) + "/" + sp.Address
			if st, ok := current[id]; ok && st.Cron == expr {
				continue
			}

			next, err := nextRun(expr, now)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(types.ProbeJob{Family: fs.family, Address: sp.Address})
			if err != nil {
				return fmt.Errorf("failed to marshal job payload: %w", err)
			}
			if err := p.store.UpsertScheduleState(ctx, &types.JobScheduleState{
				Name:      string(fs.family),
				Key:       sp.Address,
				Cron:      expr,
				NextRunAt: next,
				Payload:   payload,
			}); err != nil {
				return err
			}
		}
	}

	// One global rollup row refreshing the materialised views.
	keep = append(keep, metricsRollupKey)
	rollupExpr := cronFor(p.cfg.RetentionIntervalSeconds, p.cfg.MetricsBaseOffsetSeconds%maxInt(p.cfg.RetentionIntervalSeconds, 1))
	if st, ok := current[string(types.JobFamilyMetricsRollup)+"/"+metricsRollupKey]; !ok || st.Cron != rollupExpr {
		next, err := nextRun(rollupExpr, now)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(types.ProbeJob{Family: types.JobFamilyMetricsRollup})
		if err := p.store.UpsertScheduleState(ctx, &types.JobScheduleState{
			Name:      string(types.JobFamilyMetricsRollup),
			Key:       metricsRollupKey,
			Cron:      rollupExpr,
			NextRunAt: next,
			Payload:   payload,
		}); err != nil {
			return err
		}
	}

	if n, err := p.store.DeleteScheduleStateNotIn(ctx, keep); err != nil {
		return err
	} else if n > 0 {
		p.logger.Info().Int64("count", n).Msg("pruned schedule rows for departed providers")
	}
	return nil
}

// publishDue publishes a work item for every row whose nextRunAt has
// passed, gated by the maintenance windows. Skipped rows are not
// advanced so they fire as soon as the window closes.
func (p *Planner) publishDue(ctx context.Context) error {
	now := p.now()

	rows, err := p.store.ListScheduleState(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedule state: %w", err)
	}

	for _, st := range rows {
		if st.NextRunAt.After(now) {
			continue
		}

		if window, in := inMaintenanceWindow(now, p.cfg.MaintenanceWindowsUTC, p.cfg.MaintenanceWindowMinutes); in {
			metrics.PlannerSkipsTotal.WithLabelValues(window).Inc()
			p.logger.Info().
				Str("window", window).
				Str("family", st.Name).
				Str("key", st.Key).
				Msg("inside maintenance window, skipping publish")
			continue
		}

		singleton := types.SingletonKey(types.JobFamily(st.Name), st.Key)
		if _, err := p.queue.Publish(ctx, st.Key, singleton, st.Payload, queue.PublishOptions{}); err != nil {
			p.logger.Error().Err(err).Str("family", st.Name).Str("key", st.Key).
				Msg("failed to publish work item")
			continue
		}

		next, err := nextRun(st.Cron, now)
		if err != nil {
			return err
		}
		if err := p.store.AdvanceScheduleState(ctx, st.Name, st.Key, next); err != nil {
			return err
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

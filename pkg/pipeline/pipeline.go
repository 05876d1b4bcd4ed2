package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/car"
	"github.com/filbeam/spprobe/pkg/chain"
	"github.com/filbeam/spprobe/pkg/config"
	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/recorder"
	"github.com/filbeam/spprobe/pkg/retrieval"
	"github.com/filbeam/spprobe/pkg/store"
	"github.com/filbeam/spprobe/pkg/types"
)

// Anchorer is the slice of the chain gateway the upload probe needs
type Anchorer interface {
	WalletAddress() string
	AnchorPiece(ctx context.Context, providerID int64, pieceCID string, onStage func(types.DealStatus)) (*chain.AnchorResult, error)
}

// Pipeline runs one upload or retrieval probe end to end against a
// single provider
type Pipeline struct {
	chain    Anchorer
	client   *httpprobe.Client
	registry *retrieval.Registry
	runner   *retrieval.Runner
	recorder *recorder.Recorder
	store    *store.Store
	cfg      *config.Config
	logger   zerolog.Logger
}

// New wires a pipeline from its collaborators
func New(anchorer Anchorer, client *httpprobe.Client, registry *retrieval.Registry, rec *recorder.Recorder, st *store.Store, cfg *config.Config) *Pipeline {
	return &Pipeline{
		chain:    anchorer,
		client:   client,
		registry: registry,
		runner:   retrieval.NewRunner(client, registry),
		recorder: rec,
		store:    st,
		cfg:      cfg,
		logger:   log.WithComponent("pipeline"),
	}
}

// deadlineBuffer leaves room before the next planned run so a slow probe
// never overlaps its successor
func deadlineBuffer(interval time.Duration) time.Duration {
	buffer := interval / 10
	if buffer > time.Minute {
		buffer = time.Minute
	}
	return buffer
}

// sampleSize picks a payload size class uniformly
func (p *Pipeline) sampleSize() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.cfg.SizeClasses))))
	if err != nil {
		return 0, fmt.Errorf("failed to sample size class: %w", err)
	}
	return p.cfg.SizeClasses[n.Int64()], nil
}

// ingestResponse is the provider's acknowledgement of a piece upload
type ingestResponse struct {
	PieceCID string `json:"pieceCid"`
}

// RunUpload executes one upload probe: generate a payload, archive it,
// ingest it to the provider and anchor it on chain, recording every
// stage. The whole run is bounded by the deal interval minus a buffer;
// the first error fails the deal and stops further stages.
func (p *Pipeline) RunUpload(ctx context.Context, sp *types.StorageProvider) error {
	interval := p.cfg.DealInterval()
	ctx, cancel := context.WithTimeout(ctx, interval-deadlineBuffer(interval))
	defer cancel()

	logger := p.logger.With().Str("provider", sp.Address).Logger()
	start := time.Now()

	size, err := p.sampleSize()
	if err != nil {
		return err
	}
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("failed to generate payload: %w", err)
	}

	built, err := car.Build(payload)
	if err != nil {
		return fmt.Errorf("failed to archive payload: %w", err)
	}

	deal := &types.Deal{
		ID:            uuid.New().String(),
		SPAddress:     sp.Address,
		WalletAddress: p.chain.WalletAddress(),
		RootCID:       built.Root.String(),
		FileSize:      size,
		FileName:      fmt.Sprintf("probe-%d.car", start.Unix()),
		Status:        types.DealStatusPending,
		ServiceTypes:  p.strategyNames(),
		Metadata: map[string]string{
			"rootCID":    built.Root.String(),
			"blockCount": strconv.Itoa(built.BlockCount),
			"carSize":    strconv.Itoa(len(built.Car)),
		},
	}
	if err := p.recorder.StartDeal(ctx, deal, sp); err != nil {
		return err
	}

	logger = logger.With().Str("deal", deal.ID).Logger()
	logger.Info().Int64("size", size).Str("root", deal.RootCID).Msg("starting upload probe")

	failure := p.runUploadStages(ctx, sp, deal, built.Car, size)
	if failure != nil {
		deal.Advance(types.DealStatusFailed)
		deal.ErrorMessage = failure.Error()
		logger.Error().Err(failure).Msg("upload probe failed")
	}

	if err := p.recorder.FinishDeal(ctx, deal, sp, time.Since(start), failure); err != nil {
		// The context may already be past its deadline; persist the
		// terminal state regardless.
		if uerr := p.recorder.FinishDeal(context.WithoutCancel(ctx), deal, sp, time.Since(start), failure); uerr != nil {
			return uerr
		}
	}
	return failure
}

// runUploadStages executes ingest and anchoring sequentially, mutating
// the deal as each external signal arrives
func (p *Pipeline) runUploadStages(ctx context.Context, sp *types.StorageProvider, deal *types.Deal, archive []byte, size int64) error {
	ingestURL := strings.TrimSuffix(sp.ServiceURL, "/") + "/pdp/piece"
	result, body, err := p.client.Upload(ctx, ingestURL, archive, "application/vnd.ipld.car")
	p.recorder.ObserveTransport(recorder.CheckTypeUpload, sp, result)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	var ack ingestResponse
	if err := json.Unmarshal(body, &ack); err != nil || ack.PieceCID == "" {
		return fmt.Errorf("ingest response missing piece cid")
	}

	deal.PieceCID = ack.PieceCID
	deal.IngestLatencyMs = result.LastByte.Milliseconds()
	if secs := result.LastByte.Seconds(); secs > 0 {
		deal.IngestThroughputBps = float64(size) / secs
	}
	deal.Advance(types.DealStatusIngested)
	if err := p.store.UpdateDeal(ctx, deal); err != nil {
		return err
	}

	anchored, err := p.chain.AnchorPiece(ctx, sp.ProviderID, deal.PieceCID, func(status types.DealStatus) {
		if !deal.Advance(status) {
			return
		}
		// Stage writes are best-effort; the terminal write persists
		// whatever a failed intermediate write missed.
		if err := p.store.UpdateDeal(ctx, deal); err != nil {
			p.logger.Warn().Err(err).Str("deal", deal.ID).Msg("failed to persist deal stage")
		}
	})
	if err != nil {
		return fmt.Errorf("anchoring failed: %w", err)
	}

	deal.ChainLatencyMs = anchored.ChainLatency.Milliseconds()
	deal.DealLatencyMs = deal.IngestLatencyMs + anchored.DealLatency.Milliseconds()
	deal.Metadata["txHash"] = anchored.TxHash
	deal.Metadata["chainDealId"] = strconv.FormatUint(anchored.DealID, 10)
	return nil
}

// RunRetrieval executes one retrieval probe against the provider's most
// recent completed deal, recording one row per applicable strategy
func (p *Pipeline) RunRetrieval(ctx context.Context, sp *types.StorageProvider) error {
	deal, err := p.store.LatestDealForProvider(ctx, sp.Address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: provider %s has no completed deal", types.ErrNoPiece, sp.Address)
		}
		return err
	}
	return p.RunRetrievalForDeal(ctx, sp, deal)
}

// RunRetrievalForDeal probes one specific deal. The deal must carry a
// piece cid; operator-driven probes use this to target a known upload.
func (p *Pipeline) RunRetrievalForDeal(ctx context.Context, sp *types.StorageProvider, deal *types.Deal) error {
	if deal.PieceCID == "" {
		return fmt.Errorf("%w: deal %s has no piece cid", types.ErrNoPiece, deal.ID)
	}

	interval := p.cfg.RetrievalInterval()
	ctx, cancel := context.WithTimeout(ctx, interval-deadlineBuffer(interval))
	defer cancel()

	strategies := p.registry.Applicable(deal)
	if len(strategies) == 0 {
		return fmt.Errorf("%w: no strategy applies to deal %s", types.ErrNoPiece, deal.ID)
	}

	rows := make(map[string]*types.Retrieval, len(strategies))
	for _, s := range strategies {
		row := &types.Retrieval{
			ID:          uuid.New().String(),
			DealID:      deal.ID,
			ServiceType: s.Name(),
			Status:      types.RetrievalStatusPending,
		}
		if err := p.recorder.StartRetrieval(ctx, row, sp); err != nil {
			return err
		}
		rows[s.Name()] = row
	}

	p.logger.Info().
		Str("provider", sp.Address).
		Str("deal", deal.ID).
		Int("strategies", len(strategies)).
		Msg("starting retrieval probe")

	outcomes := p.runner.Run(ctx, sp, deal)

	var firstErr error
	for _, outcome := range outcomes {
		row, ok := rows[outcome.Strategy]
		if !ok {
			continue
		}
		if err := p.recorder.FinishRetrieval(context.WithoutCancel(ctx), row, sp, outcome); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) strategyNames() []string {
	names := make([]string, 0, 2)
	for _, s := range p.registry.Applicable(&types.Deal{PieceCID: "x", RootCID: "x"}) {
		names = append(names, s.Name())
	}
	return names
}

package recorder

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/retrieval"
	"github.com/filbeam/spprobe/pkg/store"
	"github.com/filbeam/spprobe/pkg/types"
)

// Status label values for check outcomes
const (
	StatusPending           = "pending"
	StatusSuccess           = "success"
	StatusFailureTimedOut   = "failure.timedout"
	StatusFailureValidation = "failure.validation"
	StatusFailureError      = "failure.error"
)

// CheckTypeUpload labels upload probe observations; retrieval probes are
// labelled by their strategy name
const CheckTypeUpload = "upload"

// Recorder persists probe outcomes and exports their metrics
type Recorder struct {
	store  *store.Store
	logger zerolog.Logger
}

// New creates a recorder over the store
func New(st *store.Store) *Recorder {
	return &Recorder{
		store:  st,
		logger: log.WithComponent("recorder"),
	}
}

// providerStatus is the provider_status label value
func providerStatus(sp *types.StorageProvider) string {
	if sp.Approved {
		return "approved"
	}
	return "unapproved"
}

func providerID(sp *types.StorageProvider) string {
	return strconv.FormatInt(sp.ProviderID, 10)
}

// RecordStatus bumps the check status counter. Pending is emitted when a
// check starts; the terminal status is a separate increment rather than
// a mutation.
func (r *Recorder) RecordStatus(checkType string, sp *types.StorageProvider, status string) {
	metrics.CheckStatusTotal.
		WithLabelValues(checkType, providerID(sp), providerStatus(sp), status).
		Inc()
}

// ObserveTransport exports one request's transport measurements
func (r *Recorder) ObserveTransport(checkType string, sp *types.StorageProvider, result *httpprobe.Result) {
	if result == nil {
		return
	}
	pid, status := providerID(sp), providerStatus(sp)
	if result.StatusCode > 0 {
		metrics.HTTPResponseCodeTotal.
			WithLabelValues(checkType, pid, strconv.Itoa(result.StatusCode)).
			Inc()
	}
	if result.TTFB > 0 {
		metrics.FirstByteMs.WithLabelValues(checkType, pid, status).
			Observe(float64(result.TTFB.Milliseconds()))
	}
	if result.LastByte > 0 {
		metrics.LastByteMs.WithLabelValues(checkType, pid, status).
			Observe(float64(result.LastByte.Milliseconds()))
	}
	if result.ThroughputBps > 0 {
		metrics.ThroughputBps.WithLabelValues(checkType, pid, status).
			Observe(result.ThroughputBps)
	}
}

// ObserveCheckDuration exports the end-to-end duration of one check
func (r *Recorder) ObserveCheckDuration(checkType string, sp *types.StorageProvider, d time.Duration) {
	metrics.CheckDurationMs.
		WithLabelValues(checkType, providerID(sp), providerStatus(sp)).
		Observe(float64(d.Milliseconds()))
}

// StartDeal persists a new PENDING deal and emits the pending status
func (r *Recorder) StartDeal(ctx context.Context, deal *types.Deal, sp *types.StorageProvider) error {
	if err := r.store.CreateDeal(ctx, deal); err != nil {
		return err
	}
	r.RecordStatus(CheckTypeUpload, sp, StatusPending)
	return nil
}

// FinishDeal persists the deal's terminal state and emits its status
// and duration
func (r *Recorder) FinishDeal(ctx context.Context, deal *types.Deal, sp *types.StorageProvider, took time.Duration, failure error) error {
	if err := r.store.UpdateDeal(ctx, deal); err != nil {
		return err
	}
	r.RecordStatus(CheckTypeUpload, sp, uploadStatus(deal, failure))
	r.ObserveCheckDuration(CheckTypeUpload, sp, took)
	return nil
}

// StartRetrieval persists a new PENDING retrieval row and emits the
// pending status for its strategy
func (r *Recorder) StartRetrieval(ctx context.Context, retr *types.Retrieval, sp *types.StorageProvider) error {
	if err := r.store.CreateRetrieval(ctx, retr); err != nil {
		return err
	}
	r.RecordStatus(retr.ServiceType, sp, StatusPending)
	return nil
}

// FinishRetrieval fills a retrieval row from a strategy outcome,
// persists it and exports the metrics
func (r *Recorder) FinishRetrieval(ctx context.Context, retr *types.Retrieval, sp *types.StorageProvider, outcome *retrieval.Outcome) error {
	retr.RetrievalEndpoint = outcome.Endpoint
	retr.RetryCount = outcome.RetryCount
	if outcome.Result != nil {
		retr.ResponseCode = outcome.Result.StatusCode
		retr.TTFBMs = outcome.Result.TTFB.Milliseconds()
		retr.LatencyMs = outcome.Result.LastByte.Milliseconds()
		retr.ThroughputBps = outcome.Result.ThroughputBps
		retr.BytesRetrieved = outcome.Result.BytesRead
	}
	if outcome.Validation != nil {
		retr.ValidationMethod = outcome.Validation.Method
		retr.ValidationDetails = outcome.Validation.Details
		if len(outcome.Validation.Errors) > 0 {
			retr.ValidationDetails = outcome.Validation.Errors[0]
		}
	}
	if outcome.Success() {
		retr.Status = types.RetrievalStatusSuccess
	} else {
		retr.Status = types.RetrievalStatusFailed
		retr.ErrorMessage = outcomeError(outcome)
	}

	if err := r.store.UpdateRetrieval(ctx, retr); err != nil {
		return err
	}

	r.RecordStatus(retr.ServiceType, sp, RetrievalStatus(outcome))
	r.ObserveTransport(retr.ServiceType, sp, outcome.Result)
	return nil
}

// RetrievalStatus derives the status label for a strategy outcome
func RetrievalStatus(outcome *retrieval.Outcome) string {
	if outcome.Success() {
		return StatusSuccess
	}
	if errors.Is(outcome.Err, types.ErrAborted) {
		return StatusFailureTimedOut
	}
	if outcome.Validation != nil && !outcome.Validation.IsValid {
		return StatusFailureValidation
	}
	if outcome.Result != nil && outcome.Result.StatusCode > 0 &&
		(outcome.Result.StatusCode < 200 || outcome.Result.StatusCode >= 300) {
		return "failure." + strconv.Itoa(outcome.Result.StatusCode)
	}
	return StatusFailureError
}

func uploadStatus(deal *types.Deal, failure error) string {
	if deal.Status == types.DealStatusDealCreated {
		return StatusSuccess
	}
	if errors.Is(failure, types.ErrAborted) || errors.Is(failure, context.DeadlineExceeded) {
		return StatusFailureTimedOut
	}
	return StatusFailureError
}

func outcomeError(outcome *retrieval.Outcome) string {
	if outcome.Err != nil {
		return outcome.Err.Error()
	}
	if outcome.Validation != nil && len(outcome.Validation.Errors) > 0 {
		return outcome.Validation.Errors[0]
	}
	return "retrieval failed"
}

// RefreshRollups refreshes the materialised performance views
func (r *Recorder) RefreshRollups(ctx context.Context) error {
	return r.store.RefreshPerformanceViews(ctx)
}

package retrieval

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/types"
)

// Strategy is one named retrieval path. Optional capabilities are
// expressed as additional interfaces below.
type Strategy interface {
	Name() string
	Priority() int
	CanHandle(deal *types.Deal) bool
	ConstructURL(sp *types.StorageProvider, deal *types.Deal) (string, error)
}

// StreamValidator validates while consuming the response stream. The
// implementation owns closing the stream.
type StreamValidator interface {
	ValidateStream(ctx context.Context, sp *types.StorageProvider, deal *types.Deal, stream *httpprobe.Stream) *types.ValidationResult
}

// DataValidator validates a fully buffered response
type DataValidator interface {
	ValidateData(ctx context.Context, sp *types.StorageProvider, deal *types.Deal, data []byte) *types.ValidationResult
}

// Preprocessor transforms the buffered response before validation
type Preprocessor interface {
	Preprocess(data []byte) ([]byte, error)
}

// Retryable overrides the default single-attempt policy
type Retryable interface {
	RetryConfig() RetryConfig
}

// RequestTuner overrides the transport options for a strategy
type RequestTuner interface {
	RequestOptions() httpprobe.RequestOptions
}

// MetricsBounded declares the bounds a healthy retrieval should meet
type MetricsBounded interface {
	ExpectedMetrics() ExpectedMetrics
}

// RetryConfig is a strategy's attempt policy
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// ExpectedMetrics are advisory bounds exported for alerting
type ExpectedMetrics struct {
	MaxTTFB          time.Duration
	MinThroughputBps float64
}

var defaultRetry = RetryConfig{Attempts: 1, Delay: 0}

// Registry holds the strategies in priority order
type Registry struct {
	strategies []Strategy
}

// NewRegistry sorts the given strategies by ascending priority
func NewRegistry(strategies ...Strategy) *Registry {
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Registry{strategies: sorted}
}

// Applicable returns the strategies able to handle the deal, in
// priority order
func (r *Registry) Applicable(deal *types.Deal) []Strategy {
	var out []Strategy
	for _, s := range r.strategies {
		if s.CanHandle(deal) {
			out = append(out, s)
		}
	}
	return out
}

// Outcome is one strategy's final result for a probe
type Outcome struct {
	Strategy   string
	Endpoint   string
	Result     *httpprobe.Result
	Validation *types.ValidationResult
	RetryCount int
	Err        error
}

// Success reports whether the outcome counts as a successful retrieval:
// transport succeeded and validation, if configured, passed
func (o *Outcome) Success() bool {
	if o.Err != nil {
		return false
	}
	return o.Validation == nil || o.Validation.IsValid
}

// Runner executes all applicable strategies for a deal in parallel
type Runner struct {
	client   *httpprobe.Client
	registry *Registry
	logger   zerolog.Logger
}

// NewRunner creates a runner over the given transport and registry
func NewRunner(client *httpprobe.Client, registry *Registry) *Runner {
	return &Runner{
		client:   client,
		registry: registry,
		logger:   log.WithComponent("retrieval"),
	}
}

// Run executes every applicable strategy concurrently and returns one
// outcome per strategy. A strategy's failure never aborts its siblings.
func (r *Runner) Run(ctx context.Context, sp *types.StorageProvider, deal *types.Deal) []*Outcome {
	strategies := r.registry.Applicable(deal)
	outcomes := make([]*Outcome, len(strategies))

	done := make(chan struct{})
	for i, s := range strategies {
		go func(i int, s Strategy) {
			outcomes[i] = r.runStrategy(ctx, s, sp, deal)
			done <- struct{}{}
		}(i, s)
	}
	for range strategies {
		<-done
	}
	return outcomes
}

// runStrategy drives one strategy's attempt loop. Attempts stop at the
// first success; between attempts the context is checked so a cancelled
// probe exits with ErrAborted instead of sleeping.
func (r *Runner) runStrategy(ctx context.Context, s Strategy, sp *types.StorageProvider, deal *types.Deal) *Outcome {
	logger := r.logger.With().
		Str("strategy", s.Name()).
		Str("provider", sp.Address).
		Str("deal", deal.ID).
		Logger()

	outcome := &Outcome{Strategy: s.Name()}

	url, err := s.ConstructURL(sp, deal)
	if err != nil {
		outcome.Err = fmt.Errorf("failed to construct url: %w", err)
		return outcome
	}
	outcome.Endpoint = url

	retry := defaultRetry
	if rc, ok := s.(Retryable); ok {
		retry = rc.RetryConfig()
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				outcome.Err = fmt.Errorf("%w: %v", types.ErrAborted, ctx.Err())
				return outcome
			case <-time.After(retry.Delay):
			}
		}

		result, validation, err := r.attempt(ctx, s, sp, deal, url)
		outcome.Result = result
		outcome.Validation = validation
		outcome.Err = err
		outcome.RetryCount = attempt

		if outcome.Success() {
			logger.Debug().
				Int("attempt", attempt+1).
				Int64("bytes", result.BytesRead).
				Msg("retrieval succeeded")
			return outcome
		}
		if err != nil && ctx.Err() != nil {
			outcome.Err = fmt.Errorf("%w: %v", types.ErrAborted, ctx.Err())
			return outcome
		}
		logger.Debug().Int("attempt", attempt+1).Err(err).Msg("retrieval attempt failed")
	}
	return outcome
}

func (r *Runner) attempt(ctx context.Context, s Strategy, sp *types.StorageProvider, deal *types.Deal, url string) (*httpprobe.Result, *types.ValidationResult, error) {
	opts := httpprobe.RequestOptions{}
	if tuner, ok := s.(RequestTuner); ok {
		opts = tuner.RequestOptions()
	}

	stream, result, err := r.client.Get(ctx, url, opts)
	if err != nil {
		return result, nil, err
	}

	if sv, ok := s.(StreamValidator); ok {
		validation := sv.ValidateStream(ctx, sp, deal, stream)
		return stream.Result(), validation, nil
	}

	data, err := io.ReadAll(stream)
	closeErr := stream.Close()
	if err != nil {
		return stream.Result(), nil, fmt.Errorf("failed to read body: %w", err)
	}
	if closeErr != nil {
		return stream.Result(), nil, closeErr
	}

	if pp, ok := s.(Preprocessor); ok {
		if data, err = pp.Preprocess(data); err != nil {
			return stream.Result(), nil, fmt.Errorf("preprocessing failed: %w", err)
		}
	}
	if dv, ok := s.(DataValidator); ok {
		validation := dv.ValidateData(ctx, sp, deal, data)
		return stream.Result(), validation, nil
	}
	return stream.Result(), nil, nil
}

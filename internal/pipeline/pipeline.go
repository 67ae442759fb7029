// Package pipeline implements the staged acquisition pipeline that turns
// an AnalysisRequest into an AnalysisResult: historical series, then
// indicators, model training and advice. The pipeline owns the current
// result behind a mutex; runs are versioned by a monotonic counter and
// commit by compare-and-swap, so the last accepted request always wins
// regardless of completion order.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// ErrRunSuperseded is returned by Run when a newer request was accepted
// before this run could commit. The superseded run's outputs are
// discarded; its caller should not surface the error to the user.
var ErrRunSuperseded = errors.New(errors.ErrCodeRunSuperseded, "analysis run superseded by a newer request")

// DataClient is the slice of the remote client the pipeline needs.
// *remote.Client satisfies it.
type DataClient interface {
	FetchHistoricalSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error)
	ComputeIndicators(ctx context.Context, series []types.PricePoint, indicators []types.Indicator) (types.IndicatorSet, error)
	TrainModel(ctx context.Context, closes []float64, dates []time.Time, model types.ModelKind, horizonDays int) (*types.ForecastResult, error)
	FetchAdvice(ctx context.Context, ticker string, series []types.PricePoint, model types.ModelKind, horizonDays int) (*types.AdviceResult, error)
}

// Callbacks observe pipeline runs. All fields are optional. Callbacks are
// invoked synchronously from the running goroutine; keep them fast.
type Callbacks struct {
	OnStageStart func(stage types.Stage, version uint64)
	OnStageError func(stage types.Stage, version uint64, err error)
	// OnResult fires after every committed result, including failed and
	// nodata commits. Superseded runs never reach it.
	OnResult func(result types.AnalysisResult)
}

// Pipeline runs analyses against a backend and owns the current result.
// Safe for concurrent Run and Snapshot calls.
type Pipeline struct {
	client    DataClient
	log       *logger.Logger
	callbacks Callbacks
	validate  *validator.Validate

	mu          sync.Mutex
	version     uint64
	lastRequest types.AnalysisRequest
	hasRequest  bool
	result      types.AnalysisResult
}

// NewPipeline creates a pipeline over the given client.
func NewPipeline(client DataClient, log *logger.Logger, callbacks Callbacks) *Pipeline {
	return &Pipeline{
		client:    client,
		log:       log,
		callbacks: callbacks,
		validate:  validator.New(),
	}
}

// Snapshot returns a copy of the current result. Slices and maps inside
// the copy are shared and must be treated as read-only.
func (p *Pipeline) Snapshot() types.AnalysisResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.result
}

// Run executes one analysis. It validates the request, takes the next run
// version, executes the stages in order and commits the outcome. Callers
// wanting a non-blocking pipeline invoke Run in a goroutine; concurrent
// runs are resolved by version, the most recently accepted request wins.
func (p *Pipeline) Run(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResult, error) {
	req = req.Normalize()

	// Invalid requests are rejected before the version bump: no state is
	// touched and no in-flight run is superseded.
	if err := p.validate.Struct(req); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, "invalid analysis request", err)
	}

	version := p.accept(req)

	p.log.Debug("analysis run accepted",
		zap.Uint64("version", version),
		zap.String("ticker", req.Ticker),
	)

	series, err := p.fetchHistorical(ctx, version, req)
	if err != nil {
		return nil, err
	}

	if !p.current(version) {
		return nil, ErrRunSuperseded
	}

	indicators := p.computeIndicators(ctx, version, req, series)

	if !p.current(version) {
		return nil, ErrRunSuperseded
	}

	forecast, err := p.trainModel(ctx, version, req, series, indicators)
	if err != nil {
		return nil, err
	}

	if !p.current(version) {
		return nil, ErrRunSuperseded
	}

	advice := p.fetchAdvice(ctx, version, req, series)

	result := types.AnalysisResult{
		Status:     types.RunStatusComplete,
		Request:    req,
		Series:     series,
		Indicators: indicators,
		Forecast:   forecast,
		Advice:     advice,
	}

	if err := p.commit(version, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// accept records a new run: bumps the version and, when the request
// differs from the previously accepted one, clears the visible result to
// a loading placeholder. An identical re-run keeps prior data visible
// while it runs.
func (p *Pipeline) accept(req types.AnalysisRequest) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.version++

	if !p.hasRequest || !p.lastRequest.Equal(req) {
		p.result = types.AnalysisResult{
			Version: p.version,
			Status:  types.RunStatusLoading,
			Request: req,
		}
	} else {
		p.result.Version = p.version
	}

	p.lastRequest = req
	p.hasRequest = true

	return p.version
}

// current reports whether the version is still the latest accepted run.
func (p *Pipeline) current(version uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.version == version
}

// commit installs a result if its run is still current. A stale version
// discards the result and returns ErrRunSuperseded.
func (p *Pipeline) commit(version uint64, result *types.AnalysisResult) error {
	p.mu.Lock()

	if p.version != version {
		p.mu.Unlock()
		return ErrRunSuperseded
	}

	result.Version = version
	p.result = *result
	p.mu.Unlock()

	if p.callbacks.OnResult != nil {
		p.callbacks.OnResult(*result)
	}

	return nil
}

func (p *Pipeline) stageStart(stage types.Stage, version uint64) {
	if p.callbacks.OnStageStart != nil {
		p.callbacks.OnStageStart(stage, version)
	}
}

func (p *Pipeline) stageError(stage types.Stage, version uint64, err error) {
	p.log.Warn("pipeline stage failed",
		zap.String("stage", string(stage)),
		zap.Uint64("version", version),
		zap.Error(err),
	)

	if p.callbacks.OnStageError != nil {
		p.callbacks.OnStageError(stage, version, err)
	}
}

// fetchHistorical runs stage 1. Transport failure commits a failed
// result; an empty series commits the terminal nodata result. Either way
// no further stage runs.
func (p *Pipeline) fetchHistorical(ctx context.Context, version uint64, req types.AnalysisRequest) ([]types.PricePoint, error) {
	p.stageStart(types.StageHistorical, version)

	series, err := p.client.FetchHistoricalSeries(ctx, req.Ticker, req.Start, req.End)
	if err != nil {
		p.stageError(types.StageHistorical, version, err)

		wrapped := errors.Wrapf(errors.ErrCodeStageFailed, err, "historical fetch for %s failed", req.Ticker)

		if commitErr := p.commit(version, &types.AnalysisResult{
			Status:  types.RunStatusFailed,
			Request: req,
			Err:     wrapped.Error(),
		}); commitErr != nil {
			return nil, commitErr
		}

		return nil, wrapped
	}

	if len(series) == 0 {
		err := errors.Newf(errors.ErrCodeNoData, "no historical data for %s in the requested range", req.Ticker)
		p.stageError(types.StageHistorical, version, err)

		if commitErr := p.commit(version, &types.AnalysisResult{
			Status:  types.RunStatusNoData,
			Request: req,
			Err:     err.Error(),
		}); commitErr != nil {
			return nil, commitErr
		}

		return nil, err
	}

	return series, nil
}

// computeIndicators runs stage 2. Failure is isolated: the run continues
// with an empty set. An empty indicator selection skips the network call.
func (p *Pipeline) computeIndicators(ctx context.Context, version uint64, req types.AnalysisRequest, series []types.PricePoint) types.IndicatorSet {
	if len(req.Indicators) == 0 {
		return types.IndicatorSet{}
	}

	p.stageStart(types.StageIndicators, version)

	indicators, err := p.client.ComputeIndicators(ctx, series, req.Indicators)
	if err != nil {
		p.stageError(types.StageIndicators, version, err)
		return types.IndicatorSet{}
	}

	return indicators
}

// trainModel runs stage 3. Failure is fatal: the partial result (series
// and indicators, no forecast, no advice) is committed as failed and the
// advice stage never runs.
func (p *Pipeline) trainModel(ctx context.Context, version uint64, req types.AnalysisRequest, series []types.PricePoint, indicators types.IndicatorSet) (*types.ForecastResult, error) {
	p.stageStart(types.StageTraining, version)

	forecast, err := p.client.TrainModel(ctx, types.Closes(series), types.Dates(series), req.Model, req.HorizonDays)
	if err != nil {
		p.stageError(types.StageTraining, version, err)

		wrapped := errors.Wrapf(errors.ErrCodeTrainingFailed, err, "model training for %s failed", req.Ticker)

		if commitErr := p.commit(version, &types.AnalysisResult{
			Status:     types.RunStatusFailed,
			Request:    req,
			Series:     series,
			Indicators: indicators,
			Err:        wrapped.Error(),
		}); commitErr != nil {
			return nil, commitErr
		}

		return nil, wrapped
	}

	return forecast, nil
}

// fetchAdvice runs stage 4. Failure is isolated; the run completes with
// Advice left None.
func (p *Pipeline) fetchAdvice(ctx context.Context, version uint64, req types.AnalysisRequest, series []types.PricePoint) optional.Option[types.AdviceResult] {
	p.stageStart(types.StageAdvice, version)

	advice, err := p.client.FetchAdvice(ctx, req.Ticker, series, req.Model, req.HorizonDays)
	if err != nil {
		p.stageError(types.StageAdvice, version, err)
		return optional.None[types.AdviceResult]()
	}

	return optional.Some(*advice)
}

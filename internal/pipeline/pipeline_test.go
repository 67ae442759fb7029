package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/mocks"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// fakeClient implements DataClient with swappable function fields so each
// test controls exactly one stage's behavior.
type fakeClient struct {
	mu sync.Mutex

	historyFn func(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error)
	indicFn   func(ctx context.Context, series []types.PricePoint, indicators []types.Indicator) (types.IndicatorSet, error)
	trainFn   func(ctx context.Context, closes []float64, dates []time.Time, model types.ModelKind, horizonDays int) (*types.ForecastResult, error)
	adviceFn  func(ctx context.Context, ticker string, series []types.PricePoint, model types.ModelKind, horizonDays int) (*types.AdviceResult, error)

	historyCalls int
	adviceCalls  int
}

func (f *fakeClient) FetchHistoricalSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	f.mu.Lock()
	f.historyCalls++
	fn := f.historyFn
	f.mu.Unlock()

	return fn(ctx, ticker, start, end)
}

func (f *fakeClient) ComputeIndicators(ctx context.Context, series []types.PricePoint, indicators []types.Indicator) (types.IndicatorSet, error) {
	f.mu.Lock()
	fn := f.indicFn
	f.mu.Unlock()

	return fn(ctx, series, indicators)
}

func (f *fakeClient) TrainModel(ctx context.Context, closes []float64, dates []time.Time, model types.ModelKind, horizonDays int) (*types.ForecastResult, error) {
	f.mu.Lock()
	fn := f.trainFn
	f.mu.Unlock()

	return fn(ctx, closes, dates, model, horizonDays)
}

func (f *fakeClient) FetchAdvice(ctx context.Context, ticker string, series []types.PricePoint, model types.ModelKind, horizonDays int) (*types.AdviceResult, error) {
	f.mu.Lock()
	f.adviceCalls++
	fn := f.adviceFn
	f.mu.Unlock()

	return fn(ctx, ticker, series, model, horizonDays)
}

func testSeries(n int) []types.PricePoint {
	config := mocks.DefaultConfig()
	config.Days = n

	return mocks.NewDataGenerator(42).GenerateSeries(config)
}

func testForecast(horizon int) *types.ForecastResult {
	return mocks.NewDataGenerator(42).GenerateForecast(testSeries(30), horizon)
}

type PipelineTestSuite struct {
	suite.Suite

	client   *fakeClient
	pipeline *Pipeline
	req      types.AnalysisRequest

	cbMu        sync.Mutex
	stageErrors []types.Stage
	results     []types.AnalysisResult
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (suite *PipelineTestSuite) SetupTest() {
	suite.stageErrors = nil
	suite.results = nil

	suite.client = &fakeClient{
		historyFn: func(_ context.Context, _ string, _, _ time.Time) ([]types.PricePoint, error) {
			return testSeries(30), nil
		},
		indicFn: func(_ context.Context, series []types.PricePoint, indicators []types.Indicator) (types.IndicatorSet, error) {
			set := make(types.IndicatorSet, len(indicators))
			for _, ind := range indicators {
				set[ind] = make(types.IndicatorSeries, len(series))
			}

			return set, nil
		},
		trainFn: func(_ context.Context, _ []float64, _ []time.Time, _ types.ModelKind, horizonDays int) (*types.ForecastResult, error) {
			return testForecast(horizonDays), nil
		},
		adviceFn: func(_ context.Context, _ string, series []types.PricePoint, _ types.ModelKind, _ int) (*types.AdviceResult, error) {
			return &types.AdviceResult{
				Signal:       types.AdviceSignalBuy,
				Confidence:   0.7,
				CurrentPrice: series[len(series)-1].Close,
			}, nil
		},
	}

	suite.pipeline = NewPipeline(suite.client, logger.NewNopLogger(), Callbacks{
		OnStageError: func(stage types.Stage, _ uint64, _ error) {
			suite.cbMu.Lock()
			suite.stageErrors = append(suite.stageErrors, stage)
			suite.cbMu.Unlock()
		},
		OnResult: func(result types.AnalysisResult) {
			suite.cbMu.Lock()
			suite.results = append(suite.results, result)
			suite.cbMu.Unlock()
		},
	})

	suite.req = types.AnalysisRequest{
		Ticker:      "AAPL",
		Start:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC),
		HorizonDays: 30,
		Model:       types.ModelKindARIMA,
		Indicators:  []types.Indicator{types.IndicatorSMA},
	}
}

func (suite *PipelineTestSuite) TestSuccessfulRun() {
	result, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().NoError(err)

	suite.Equal(types.RunStatusComplete, result.Status)
	suite.Equal(uint64(1), result.Version)
	suite.Len(result.Series, 30)
	suite.Contains(result.Indicators, types.IndicatorSMA)
	suite.Require().NotNil(result.Forecast)
	suite.Len(result.Forecast.Forecast, 30)
	suite.True(result.Advice.IsSome())
	suite.Empty(result.Err)

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusComplete, snapshot.Status)
	suite.Equal(uint64(1), snapshot.Version)

	suite.cbMu.Lock()
	defer suite.cbMu.Unlock()
	suite.Len(suite.results, 1)
	suite.Empty(suite.stageErrors)
}

func (suite *PipelineTestSuite) TestInvalidRequestTouchesNoState() {
	bad := suite.req
	bad.End = bad.Start.AddDate(0, 0, -1)

	_, err := suite.pipeline.Run(context.Background(), bad)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidRequest))

	// No version was consumed and nothing was committed.
	suite.Equal(uint64(0), suite.pipeline.Snapshot().Version)
	suite.Equal(0, suite.client.historyCalls)
}

func (suite *PipelineTestSuite) TestHistoricalFailureCommitsFailed() {
	suite.client.historyFn = func(_ context.Context, _ string, _, _ time.Time) ([]types.PricePoint, error) {
		return nil, errors.New(errors.ErrCodeTransport, "connection refused")
	}

	_, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeStageFailed))

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusFailed, snapshot.Status)
	suite.NotEmpty(snapshot.Err)
	suite.Empty(snapshot.Series)
}

func (suite *PipelineTestSuite) TestEmptySeriesCommitsNoData() {
	suite.client.historyFn = func(_ context.Context, _ string, _, _ time.Time) ([]types.PricePoint, error) {
		return []types.PricePoint{}, nil
	}

	_, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeNoData))

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusNoData, snapshot.Status)
	suite.Equal(0, suite.client.adviceCalls, "no stage may run after an empty series")
}

func (suite *PipelineTestSuite) TestIndicatorFailureIsIsolated() {
	suite.client.indicFn = func(_ context.Context, _ []types.PricePoint, _ []types.Indicator) (types.IndicatorSet, error) {
		return nil, errors.New(errors.ErrCodeBackendStatus, "indicator service down")
	}

	result, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().NoError(err)

	suite.Equal(types.RunStatusComplete, result.Status)
	suite.NotNil(result.Indicators)
	suite.Empty(result.Indicators)
	suite.NotNil(result.Forecast)

	suite.cbMu.Lock()
	defer suite.cbMu.Unlock()
	suite.Equal([]types.Stage{types.StageIndicators}, suite.stageErrors)
}

func (suite *PipelineTestSuite) TestEmptyIndicatorSelectionSkipsCall() {
	called := false
	suite.client.indicFn = func(_ context.Context, _ []types.PricePoint, _ []types.Indicator) (types.IndicatorSet, error) {
		called = true
		return types.IndicatorSet{}, nil
	}

	req := suite.req
	req.Indicators = nil

	result, err := suite.pipeline.Run(context.Background(), req)
	suite.Require().NoError(err)
	suite.False(called)
	suite.NotNil(result.Indicators)
	suite.Empty(result.Indicators)
}

func (suite *PipelineTestSuite) TestTrainingFailureIsFatalButKeepsPartialData() {
	suite.client.trainFn = func(_ context.Context, _ []float64, _ []time.Time, _ types.ModelKind, _ int) (*types.ForecastResult, error) {
		return nil, errors.New(errors.ErrCodeBackendStatus, "training blew up")
	}

	_, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeTrainingFailed))

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusFailed, snapshot.Status)
	suite.Len(snapshot.Series, 30, "series fetched before the failure stays visible")
	suite.Contains(snapshot.Indicators, types.IndicatorSMA)
	suite.Nil(snapshot.Forecast)
	suite.True(snapshot.Advice.IsNone())
	suite.Equal(0, suite.client.adviceCalls, "advice must not run after fatal training")
}

func (suite *PipelineTestSuite) TestAdviceFailureIsIsolated() {
	suite.client.adviceFn = func(_ context.Context, _ string, _ []types.PricePoint, _ types.ModelKind, _ int) (*types.AdviceResult, error) {
		return nil, errors.New(errors.ErrCodeTransport, "advice timeout")
	}

	result, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().NoError(err)

	suite.Equal(types.RunStatusComplete, result.Status)
	suite.True(result.Advice.IsNone())
	suite.NotNil(result.Forecast)
}

func (suite *PipelineTestSuite) TestRequestChangeClearsResultImmediately() {
	_, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().NoError(err)

	// Block the second run inside stage 1 and inspect the snapshot.
	entered := make(chan struct{})
	release := make(chan struct{})

	suite.client.historyFn = func(_ context.Context, _ string, _, _ time.Time) ([]types.PricePoint, error) {
		close(entered)
		<-release

		return testSeries(30), nil
	}

	changed := suite.req
	changed.Ticker = "MSFT"

	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = suite.pipeline.Run(context.Background(), changed)
	}()

	<-entered

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusLoading, snapshot.Status)
	suite.Equal("MSFT", snapshot.Request.Ticker)
	suite.Empty(snapshot.Series, "stale data for the old request must not stay visible")

	close(release)
	<-done
}

func (suite *PipelineTestSuite) TestIdenticalRerunKeepsPriorDataVisible() {
	_, err := suite.pipeline.Run(context.Background(), suite.req)
	suite.Require().NoError(err)

	entered := make(chan struct{})
	release := make(chan struct{})

	suite.client.historyFn = func(_ context.Context, _ string, _, _ time.Time) ([]types.PricePoint, error) {
		close(entered)
		<-release

		return testSeries(30), nil
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = suite.pipeline.Run(context.Background(), suite.req)
	}()

	<-entered

	snapshot := suite.pipeline.Snapshot()
	suite.Equal(types.RunStatusComplete, snapshot.Status, "identical re-run keeps prior data while running")
	suite.Len(snapshot.Series, 30)

	close(release)
	<-done
}

func (suite *PipelineTestSuite) TestNewerRequestSupersedesOlderRun() {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})

	var once sync.Once

	suite.client.historyFn = func(_ context.Context, ticker string, _, _ time.Time) ([]types.PricePoint, error) {
		if ticker == "AAPL" {
			once.Do(func() { close(firstEntered) })
			<-releaseFirst
		}

		return testSeries(30), nil
	}

	firstErr := make(chan error, 1)

	go func() {
		_, err := suite.pipeline.Run(context.Background(), suite.req)
		firstErr <- err
	}()

	<-firstEntered

	// Accept a newer request while the first is still in flight, let it
	// finish completely.
	changed := suite.req
	changed.Ticker = "MSFT"

	second, err := suite.pipeline.Run(context.Background(), changed)
	suite.Require().NoError(err)
	suite.Equal(uint64(2), second.Version)

	// Now let the first run finish; it must discard its result.
	close(releaseFirst)

	err = <-firstErr
	suite.Require().Error(err)
	suite.ErrorIs(err, ErrRunSuperseded)
	suite.True(errors.HasCode(err, errors.ErrCodeRunSuperseded))

	snapshot := suite.pipeline.Snapshot()
	suite.Equal("MSFT", snapshot.Request.Ticker, "superseded run must not overwrite the newer result")
	suite.Equal(uint64(2), snapshot.Version)
}

func (suite *PipelineTestSuite) TestVersionsAreMonotonic() {
	for i := 0; i < 3; i++ {
		result, err := suite.pipeline.Run(context.Background(), suite.req)
		suite.Require().NoError(err)
		suite.Equal(uint64(i+1), result.Version)
	}
}

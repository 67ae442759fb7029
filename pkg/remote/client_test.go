package remote_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/quantrix-lab/stockdeck/internal/backendtest"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
	"github.com/quantrix-lab/stockdeck/pkg/remote"
)

func backendSeries(n int) []types.PricePoint {
	series := make([]types.PricePoint, n)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	for i := range series {
		series[i] = types.PricePoint{
			Date:   date.AddDate(0, 0, i),
			Open:   100 + float64(i),
			High:   101 + float64(i),
			Low:    99 + float64(i),
			Close:  100.5 + float64(i),
			Volume: 1_000_000,
		}
	}

	return series
}

type ClientTestSuite struct {
	suite.Suite

	backend *backendtest.Server
	client  *remote.Client
	ctx     context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (suite *ClientTestSuite) SetupTest() {
	suite.backend = backendtest.NewServer()
	suite.client = remote.NewClient(suite.backend.Backend(), logger.NewNopLogger())
	suite.ctx = context.Background()
}

func (suite *ClientTestSuite) TearDownTest() {
	suite.backend.Close()
}

func (suite *ClientTestSuite) TestFetchHistoricalSeries() {
	suite.backend.SetSeries("AAPL", backendSeries(10))

	series, err := suite.client.FetchHistoricalSeries(suite.ctx, "AAPL",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	suite.Require().NoError(err)
	suite.Len(series, 10)
	suite.Equal(100.5, series[0].Close)
}

func (suite *ClientTestSuite) TestFetchHistoricalSeriesAppliesRange() {
	suite.backend.SetSeries("AAPL", backendSeries(10))

	series, err := suite.client.FetchHistoricalSeries(suite.ctx, "AAPL",
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	suite.Require().NoError(err)
	suite.Len(series, 3)
}

func (suite *ClientTestSuite) TestFetchHistoricalSeriesBackendError() {
	suite.backend.FailHistory(true)

	_, err := suite.client.FetchHistoricalSeries(suite.ctx, "AAPL",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBackendStatus))
	suite.Contains(err.Error(), "history unavailable", "the backend's error field surfaces in the message")
}

func (suite *ClientTestSuite) TestUnknownSeriesIsEmptyNotError() {
	series, err := suite.client.FetchHistoricalSeries(suite.ctx, "NOPE",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	suite.Require().NoError(err)
	suite.Empty(series)
}

func (suite *ClientTestSuite) TestComputeIndicatorsAligned() {
	series := backendSeries(10)

	set, err := suite.client.ComputeIndicators(suite.ctx, series,
		[]types.Indicator{types.IndicatorSMA, types.IndicatorRSI})
	suite.Require().NoError(err)

	suite.Require().Contains(set, types.IndicatorSMA)
	suite.Require().Contains(set, types.IndicatorRSI)
	suite.True(set.AlignedTo(len(series)))

	// The fake backend leaves a 3-bar lookback of nulls.
	sma := set[types.IndicatorSMA]
	suite.True(sma[0].IsNone())
	suite.True(sma[1].IsNone())
	suite.True(sma[2].IsSome())
}

func (suite *ClientTestSuite) TestTrainModel() {
	series := backendSeries(30)

	forecast, err := suite.client.TrainModel(suite.ctx,
		types.Closes(series), types.Dates(series), types.ModelKindARIMA, 7)
	suite.Require().NoError(err)

	suite.Len(forecast.Forecast, 7)
	suite.Len(forecast.LowerBound, 7)
	suite.Len(forecast.UpperBound, 7)
	suite.Equal(2.5, forecast.Metrics["rmse"])
	suite.Require().NotNil(forecast.Trend)
	suite.Equal(types.TrendDirectionUp, forecast.Trend.Direction)
}

func (suite *ClientTestSuite) TestTrainModelBackendError() {
	suite.backend.FailTraining(true)
	series := backendSeries(30)

	_, err := suite.client.TrainModel(suite.ctx,
		types.Closes(series), types.Dates(series), types.ModelKindARIMA, 7)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBackendStatus))
}

func (suite *ClientTestSuite) TestFetchAdvice() {
	series := backendSeries(30)

	advice, err := suite.client.FetchAdvice(suite.ctx, "AAPL", series, types.ModelKindARIMA, 7)
	suite.Require().NoError(err)
	suite.Equal(types.AdviceSignalBuy, advice.Signal)
	suite.InDelta(0.7, advice.Confidence, 0.0001)
}

func (suite *ClientTestSuite) TestGetLivePrice() {
	suite.backend.SetPrice("AAPL", 151.25)

	tick, err := suite.client.GetLivePrice(suite.ctx, "AAPL")
	suite.Require().NoError(err)
	suite.Equal("AAPL", tick.Ticker)
	suite.Equal(151.25, tick.Price)
	suite.False(tick.Timestamp.IsZero())
}

func (suite *ClientTestSuite) TestGetLivePriceMalformedPayload() {
	suite.backend.SetPrice("AAPL", 151.25)
	suite.backend.MalformedLivePrice(true)

	_, err := suite.client.GetLivePrice(suite.ctx, "AAPL")
	suite.Require().Error(err)
	suite.True(errors.IsMalformedPayloadError(err), "a non-numeric price is malformed, not a transport failure")
}

func (suite *ClientTestSuite) TestScreenTickers() {
	suite.backend.SetPrice("AAPL", 151.25)
	suite.backend.SetPrice("PENNY", 0.50)
	suite.backend.SetScreenError("BROKEN", "no data")

	results, err := suite.client.ScreenTickers(suite.ctx,
		[]string{"AAPL", "PENNY", "BROKEN"}, types.ScreenFilter{MinPrice: 10})
	suite.Require().NoError(err)
	suite.Require().Len(results, 3)

	byTicker := make(map[string]types.ScreenResult, len(results))
	for _, r := range results {
		byTicker[r.Ticker] = r
	}

	suite.True(byTicker["AAPL"].Match)
	suite.False(byTicker["PENNY"].Match)
	suite.Equal("no data", byTicker["BROKEN"].Error)
}

func (suite *ClientTestSuite) TestHealth() {
	suite.backend.SetVersion("0.4.1")

	report, err := suite.client.Health(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("ok", report.Status)
	suite.Equal("0.4.1", report.Version)
}

func (suite *ClientTestSuite) TestTransportErrorAfterClose() {
	suite.backend.Close()

	_, err := suite.client.Health(suite.ctx)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeTransport))
}

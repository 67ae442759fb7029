// Package mocks generates deterministic market data fixtures for tests
// and benchmarks.
package mocks

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/quantrix-lab/stockdeck/internal/types"
)

// DataGenerator produces realistic daily OHLCV series.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator creates a generator. Use a fixed seed for reproducible
// fixtures in tests.
func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// GeneratorConfig configures how a series is generated.
type GeneratorConfig struct {
	// Ticker names the instrument.
	Ticker string
	// StartDate is the first trading day; weekends are skipped.
	StartDate time.Time
	// Days is the number of trading days to generate.
	Days int
	// InitialPrice is the first open.
	InitialPrice float64
	// Volatility controls daily price movement (0.01 = 1% typical daily
	// volatility).
	Volatility float64
	// Trend is the total drift across the series (-0.1 to 0.1 for
	// bearish to bullish).
	Trend float64
	// VolumeBase is the average daily volume.
	VolumeBase float64
	// VolumeVariance is the variance in volume (0.0 to 1.0).
	VolumeVariance float64
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Ticker:         "TEST",
		StartDate:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Days:           252,
		InitialPrice:   100.0,
		Volatility:     0.015,
		Trend:          0.0,
		VolumeBase:     1_000_000,
		VolumeVariance: 0.3,
	}
}

// GenerateSeries creates a daily series following geometric Brownian
// motion. Dates are strictly increasing trading days (weekends skipped).
func (g *DataGenerator) GenerateSeries(config GeneratorConfig) []types.PricePoint {
	series := make([]types.PricePoint, config.Days)
	currentPrice := config.InitialPrice
	currentDate := nextTradingDay(config.StartDate)

	for i := 0; i < config.Days; i++ {
		open := currentPrice

		// Box-Muller transform for a normally distributed daily return.
		u1 := g.rng.Float64()
		u2 := g.rng.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

		priceChange := config.Volatility * z
		drift := config.Trend / float64(config.Days)

		closePrice := open * (1 + priceChange + drift)
		if closePrice <= 0 {
			closePrice = open * 0.99
		}

		highExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)
		lowExtension := math.Abs(g.rng.Float64() * config.Volatility * open * 0.5)

		high := math.Max(open, closePrice) + highExtension
		low := math.Min(open, closePrice) - lowExtension
		if low <= 0 {
			low = math.Min(open, closePrice) * 0.99
		}

		volumeVariation := 1.0 + (g.rng.Float64()*2-1)*config.VolumeVariance
		volume := config.VolumeBase * volumeVariation
		if volume < 0 {
			volume = config.VolumeBase * 0.1
		}

		series[i] = types.PricePoint{
			Date:   currentDate,
			Open:   roundToDecimals(open, 4),
			High:   roundToDecimals(high, 4),
			Low:    roundToDecimals(low, 4),
			Close:  roundToDecimals(closePrice, 4),
			Volume: roundToDecimals(volume, 0),
		}

		currentPrice = closePrice
		currentDate = nextTradingDay(currentDate.AddDate(0, 0, 1))
	}

	return series
}

// GenerateMultiTicker generates one series per ticker, keyed by ticker,
// with initial price and volatility varied slightly per instrument.
func (g *DataGenerator) GenerateMultiTicker(tickers []string, baseConfig GeneratorConfig) map[string][]types.PricePoint {
	all := make(map[string][]types.PricePoint, len(tickers))

	for _, ticker := range tickers {
		config := baseConfig
		config.Ticker = strings.ToUpper(ticker)
		config.InitialPrice = baseConfig.InitialPrice * (0.8 + g.rng.Float64()*0.4)
		config.Volatility = baseConfig.Volatility * (0.8 + g.rng.Float64()*0.4)

		all[config.Ticker] = g.GenerateSeries(config)
	}

	return all
}

// GenerateForecast derives a synthetic forecast band from a series: the
// last close drifted forward, with symmetric bounds widening over the
// horizon.
func (g *DataGenerator) GenerateForecast(series []types.PricePoint, horizonDays int) *types.ForecastResult {
	if len(series) == 0 || horizonDays <= 0 {
		return nil
	}

	last := series[len(series)-1]

	forecast := make([]types.ForecastPoint, horizonDays)
	lower := make([]types.ForecastPoint, horizonDays)
	upper := make([]types.ForecastPoint, horizonDays)

	value := last.Close
	date := last.Date

	for i := 0; i < horizonDays; i++ {
		date = nextTradingDay(date.AddDate(0, 0, 1))
		value *= 1 + 0.0005 + 0.002*(g.rng.Float64()-0.5)

		spread := value * 0.02 * math.Sqrt(float64(i+1))

		forecast[i] = types.ForecastPoint{Date: date, Value: roundToDecimals(value, 4)}
		lower[i] = types.ForecastPoint{Date: date, Value: roundToDecimals(value-spread, 4)}
		upper[i] = types.ForecastPoint{Date: date, Value: roundToDecimals(value+spread, 4)}
	}

	return &types.ForecastResult{
		Metrics: map[string]float64{
			"rmse":      roundToDecimals(last.Close*0.02, 4),
			"mae":       roundToDecimals(last.Close*0.015, 4),
			"mape":      1.5,
			"test_size": float64(len(series) / 5),
		},
		Forecast:   forecast,
		LowerBound: lower,
		UpperBound: upper,
		Confidence: 80,
	}
}

// GenerateYear is a convenience function for one trading year of daily
// data with a fixed seed.
func GenerateYear(ticker string) []types.PricePoint {
	gen := NewDataGenerator(42)
	config := DefaultConfig()
	config.Ticker = ticker

	return gen.GenerateSeries(config)
}

// nextTradingDay returns the given day, or the following Monday when it
// falls on a weekend.
func nextTradingDay(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, 2)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// roundToDecimals rounds a float64 to the specified number of decimal places.
func roundToDecimals(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(val*pow) / pow
}

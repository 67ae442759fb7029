package types

import (
	"time"

	"github.com/moznion/go-optional"
)

// IndicatorSeries is one indicator's values, index-aligned with the price
// series it was computed from. Leading entries are None while the
// indicator's lookback window is not yet satisfied.
type IndicatorSeries []optional.Option[float64]

// IndicatorSet maps indicator names to their aligned series. An empty
// (non-nil) set means indicators are unavailable for the run.
type IndicatorSet map[Indicator]IndicatorSeries

// AlignedTo reports whether every series in the set has exactly n entries.
func (s IndicatorSet) AlignedTo(n int) bool {
	for _, series := range s {
		if len(series) != n {
			return false
		}
	}

	return true
}

// ForecastPoint is one forecasted value keyed by a future date.
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// TrendDirection labels the recent direction of a series.
type TrendDirection string

const (
	TrendDirectionUp   TrendDirection = "up"
	TrendDirectionDown TrendDirection = "down"
)

// TrendSummary describes the recent movement of the underlying series as
// reported by the backend alongside a trained model.
type TrendSummary struct {
	Direction       TrendDirection `json:"direction"`
	PercentChange   float64        `json:"percent_change"`
	Recent10dChange float64        `json:"recent_10d_change"`
}

// ForecastResult is the output of a model training run: accuracy metrics
// from the backend's holdout evaluation plus the forecast band. Forecast,
// LowerBound and UpperBound are contiguous future-dated sequences of
// HorizonDays points each.
type ForecastResult struct {
	// Metrics carries backend-reported accuracy numbers (rmse, mae, mape,
	// test_size).
	Metrics    map[string]float64 `json:"metrics"`
	Forecast   []ForecastPoint    `json:"forecast"`
	LowerBound []ForecastPoint    `json:"lower_bound"`
	UpperBound []ForecastPoint    `json:"upper_bound"`
	// Confidence is the backend's 0-100 confidence score for the forecast.
	Confidence float64       `json:"confidence"`
	Trend      *TrendSummary `json:"trend,omitempty"`
}

// AdviceSignal is the action suggested by the advice service.
type AdviceSignal string

const (
	AdviceSignalBuy  AdviceSignal = "buy"
	AdviceSignalSell AdviceSignal = "sell"
	AdviceSignalHold AdviceSignal = "hold"
)

// AdviceResult is the optional trading advice attached to an analysis.
// Absence never invalidates the rest of the analysis.
type AdviceResult struct {
	Signal AdviceSignal `json:"signal"`
	// Confidence is in [0, 1].
	Confidence   float64 `json:"confidence"`
	CurrentPrice float64 `json:"current_price"`
	Summary      string  `json:"summary"`
	// RiskScore is the backend risk model's 0-100 score.
	RiskScore float64 `json:"risk_score"`
}

// RunStatus is the lifecycle state of the current analysis.
type RunStatus string

const (
	// RunStatusLoading means a run is in flight and no result has landed.
	RunStatusLoading RunStatus = "loading"
	// RunStatusNoData means the historical fetch returned an empty series;
	// this outcome is terminal and never retried automatically.
	RunStatusNoData RunStatus = "nodata"
	// RunStatusFailed means the run aborted with a user-visible error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusComplete means the run finished (possibly with isolated
	// stage failures absorbed).
	RunStatusComplete RunStatus = "complete"
)

// Stage identifies one step of the acquisition pipeline.
type Stage string

const (
	StageHistorical Stage = "historical"
	StageIndicators Stage = "indicators"
	StageTraining   Stage = "training"
	StageAdvice     Stage = "advice"
)

// AnalysisResult is the composition of one run's outputs. It is owned
// exclusively by the pipeline: replaced atomically per run, cleared when
// the request changes before a new run completes. Consumers receive
// snapshots and must treat slices and maps as read-only.
type AnalysisResult struct {
	// Version is the monotonic run version that produced this result.
	Version uint64          `json:"version"`
	Status  RunStatus       `json:"status"`
	Request AnalysisRequest `json:"request"`

	Series     []PricePoint                  `json:"series,omitempty"`
	Indicators IndicatorSet                  `json:"indicators,omitempty"`
	Forecast   *ForecastResult               `json:"forecast,omitempty"`
	Advice     optional.Option[AdviceResult] `json:"advice,omitempty"`

	// Err is the single user-visible message of a failed run.
	Err string `json:"error,omitempty"`
}

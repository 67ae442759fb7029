package types

import (
	"sort"
	"strings"
	"time"
)

// ModelKind selects the forecasting model the backend trains.
type ModelKind string

const (
	ModelKindARIMA  ModelKind = "arima"
	ModelKindSARIMA ModelKind = "sarima"
)

// Indicator names an indicator family the backend can compute.
type Indicator string

const (
	IndicatorSMA       Indicator = "sma"
	IndicatorEMA       Indicator = "ema"
	IndicatorRSI       Indicator = "rsi"
	IndicatorMACD      Indicator = "macd"
	IndicatorBollinger Indicator = "bollinger"
)

// AnalysisRequest is the immutable input of one pipeline run. Any field
// change makes it a different request and invalidates the current
// AnalysisResult.
type AnalysisRequest struct {
	Ticker      string      `json:"ticker" validate:"required,min=1,max=12"`
	Start       time.Time   `json:"start" validate:"required"`
	End         time.Time   `json:"end" validate:"required,gtfield=Start"`
	HorizonDays int         `json:"horizon_days" validate:"required,gt=0,lte=365"`
	Model       ModelKind   `json:"model" validate:"required,oneof=arima sarima"`
	Indicators  []Indicator `json:"indicators" validate:"omitempty,dive,oneof=sma ema rsi macd bollinger"`
}

// Normalize returns a copy with the ticker upper-cased and trimmed and the
// indicator set deduplicated and sorted, so that requests differing only in
// spelling or flag order compare equal.
func (r AnalysisRequest) Normalize() AnalysisRequest {
	out := r
	out.Ticker = strings.ToUpper(strings.TrimSpace(r.Ticker))

	if len(r.Indicators) > 0 {
		seen := make(map[Indicator]struct{}, len(r.Indicators))
		indicators := make([]Indicator, 0, len(r.Indicators))

		for _, ind := range r.Indicators {
			if _, ok := seen[ind]; ok {
				continue
			}

			seen[ind] = struct{}{}
			indicators = append(indicators, ind)
		}

		sort.Slice(indicators, func(i, j int) bool { return indicators[i] < indicators[j] })
		out.Indicators = indicators
	}

	return out
}

// Equal reports whether two requests describe the same analysis. Ticker
// comparison is case-insensitive and the indicator set is order-insensitive;
// every other field must match exactly.
func (r AnalysisRequest) Equal(other AnalysisRequest) bool {
	a := r.Normalize()
	b := other.Normalize()

	if a.Ticker != b.Ticker ||
		!a.Start.Equal(b.Start) ||
		!a.End.Equal(b.End) ||
		a.HorizonDays != b.HorizonDays ||
		a.Model != b.Model ||
		len(a.Indicators) != len(b.Indicators) {
		return false
	}

	for i := range a.Indicators {
		if a.Indicators[i] != b.Indicators[i] {
			return false
		}
	}

	return true
}

package remote

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/moznion/go-optional"

	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// Wire DTOs for every backend operation. Responses are decoded into these
// shapes and validated before conversion; partially-decoded payloads never
// reach callers.

const wireDateLayout = "2006-01-02"

type pricePointDTO struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type historyResponse struct {
	Ticker string          `json:"ticker"`
	Points []pricePointDTO `json:"points"`
}

type indicatorsRequest struct {
	Series []pricePointDTO `json:"series"`
	Flags  map[string]bool `json:"flags"`
}

type indicatorsResponse struct {
	Indicators map[string][]*float64 `json:"indicators"`
}

type trainRequest struct {
	Closes      []float64 `json:"closes"`
	Dates       []string  `json:"dates"`
	Model       string    `json:"model"`
	HorizonDays int       `json:"horizon_days"`
}

type forecastPointDTO struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type trendDTO struct {
	Direction       string  `json:"direction"`
	PercentChange   float64 `json:"percent_change"`
	Recent10dChange float64 `json:"recent_10d_change"`
}

type trainResponse struct {
	Metrics    map[string]float64 `json:"metrics"`
	Forecast   []forecastPointDTO `json:"forecast"`
	LowerBound []forecastPointDTO `json:"lower_bound"`
	UpperBound []forecastPointDTO `json:"upper_bound"`
	Confidence float64            `json:"confidence"`
	Trend      *trendDTO          `json:"trend"`
}

type adviceRequest struct {
	Ticker      string          `json:"ticker"`
	Series      []pricePointDTO `json:"series"`
	Model       string          `json:"model"`
	HorizonDays int             `json:"horizon_days"`
}

type adviceResponse struct {
	Signal       string  `json:"signal"`
	Confidence   float64 `json:"confidence"`
	CurrentPrice float64 `json:"current_price"`
	Summary      string  `json:"summary"`
	RiskScore    float64 `json:"risk_score"`
}

type screenRequest struct {
	Tickers []string           `json:"tickers"`
	Filter  types.ScreenFilter `json:"filter"`
}

type screenResponse struct {
	Results []types.ScreenResult `json:"results"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// tickPayload is the shape of one live price message, shared by the
// websocket feed and the polled price endpoint. Price stays raw so a
// non-numeric value can be rejected as malformed instead of failing the
// whole decode.
type tickPayload struct {
	Price     json.RawMessage `json:"price"`
	Timestamp string          `json:"timestamp"`
}

// toTick converts a payload into a LiveTick. A missing or non-numeric
// price yields a MalformedPayloadError; an unparseable timestamp falls
// back to the receive time.
func (p tickPayload) toTick(ticker string, received time.Time) (types.LiveTick, error) {
	price, err := parsePrice(p.Price)
	if err != nil {
		return types.LiveTick{}, err
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		ts = received
	}

	return types.LiveTick{
		Ticker:    ticker,
		Price:     price,
		Timestamp: ts,
	}, nil
}

// parsePrice accepts a JSON number or a quoted numeric string; everything
// else is a malformed payload.
func parsePrice(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.NewMalformedPayloadError("price", s, "live tick has no price field")
	}

	s = strings.Trim(s, `"`)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.NewMalformedPayloadErrorf("price", string(raw), "live tick price is not numeric: %s", string(raw))
	}

	return v, nil
}

func toPricePointDTOs(series []types.PricePoint) []pricePointDTO {
	out := make([]pricePointDTO, len(series))
	for i, p := range series {
		out[i] = pricePointDTO{
			Date:   p.Date.Format(wireDateLayout),
			Open:   p.Open,
			High:   p.High,
			Low:    p.Low,
			Close:  p.Close,
			Volume: p.Volume,
		}
	}

	return out
}

func parseWireDate(s string) (time.Time, error) {
	if t, err := time.Parse(wireDateLayout, s); err == nil {
		return t, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.NewMalformedPayloadErrorf("date", s, "unparseable date: %s", s)
	}

	return t, nil
}

// toSeries converts and validates a historical series: dates must parse
// and be strictly increasing.
func (r historyResponse) toSeries() ([]types.PricePoint, error) {
	series := make([]types.PricePoint, 0, len(r.Points))

	var prev time.Time

	for i, dto := range r.Points {
		date, err := parseWireDate(dto.Date)
		if err != nil {
			return nil, err
		}

		if i > 0 && !date.After(prev) {
			return nil, errors.Newf(errors.ErrCodeMalformedPayload,
				"historical series is not chronological at index %d (%s)", i, dto.Date)
		}

		prev = date

		series = append(series, types.PricePoint{
			Date:   date,
			Open:   dto.Open,
			High:   dto.High,
			Low:    dto.Low,
			Close:  dto.Close,
			Volume: dto.Volume,
		})
	}

	return series, nil
}

// toIndicatorSet converts the response for the requested indicators,
// enforcing index alignment with the submitted series.
func (r indicatorsResponse) toIndicatorSet(requested []types.Indicator, seriesLen int) (types.IndicatorSet, error) {
	set := make(types.IndicatorSet, len(requested))

	for _, ind := range requested {
		values, ok := r.Indicators[string(ind)]
		if !ok {
			return nil, errors.Newf(errors.ErrCodeMalformedPayload,
				"indicator response is missing requested indicator %q", ind)
		}

		if len(values) != seriesLen {
			return nil, errors.Newf(errors.ErrCodeSeriesMisaligned,
				"indicator %q has %d values for a series of %d points", ind, len(values), seriesLen)
		}

		set[ind] = toIndicatorSeries(values)
	}

	return set, nil
}

func toIndicatorSeries(values []*float64) types.IndicatorSeries {
	series := make(types.IndicatorSeries, len(values))

	for i, v := range values {
		if v == nil {
			series[i] = optional.None[float64]()
		} else {
			series[i] = optional.Some(*v)
		}
	}

	return series
}

func toForecastPoints(points []forecastPointDTO) ([]types.ForecastPoint, error) {
	out := make([]types.ForecastPoint, len(points))

	for i, dto := range points {
		date, err := parseWireDate(dto.Date)
		if err != nil {
			return nil, err
		}

		out[i] = types.ForecastPoint{Date: date, Value: dto.Value}
	}

	return out, nil
}

// toForecast validates band lengths against the requested horizon before
// conversion.
func (r trainResponse) toForecast(horizonDays int) (*types.ForecastResult, error) {
	if len(r.Forecast) != horizonDays || len(r.LowerBound) != horizonDays || len(r.UpperBound) != horizonDays {
		return nil, errors.Newf(errors.ErrCodeMalformedPayload,
			"forecast band lengths %d/%d/%d do not match horizon %d",
			len(r.Forecast), len(r.LowerBound), len(r.UpperBound), horizonDays)
	}

	forecast, err := toForecastPoints(r.Forecast)
	if err != nil {
		return nil, err
	}

	lower, err := toForecastPoints(r.LowerBound)
	if err != nil {
		return nil, err
	}

	upper, err := toForecastPoints(r.UpperBound)
	if err != nil {
		return nil, err
	}

	result := &types.ForecastResult{
		Metrics:    r.Metrics,
		Forecast:   forecast,
		LowerBound: lower,
		UpperBound: upper,
		Confidence: r.Confidence,
		Trend:      nil,
	}

	if r.Metrics == nil {
		result.Metrics = map[string]float64{}
	}

	if r.Trend != nil {
		result.Trend = &types.TrendSummary{
			Direction:       types.TrendDirection(r.Trend.Direction),
			PercentChange:   r.Trend.PercentChange,
			Recent10dChange: r.Trend.Recent10dChange,
		}
	}

	return result, nil
}

func (r adviceResponse) toAdvice() (*types.AdviceResult, error) {
	signal := types.AdviceSignal(r.Signal)

	switch signal {
	case types.AdviceSignalBuy, types.AdviceSignalSell, types.AdviceSignalHold:
	default:
		return nil, errors.Newf(errors.ErrCodeMalformedPayload, "unknown advice signal %q", r.Signal)
	}

	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, errors.Newf(errors.ErrCodeMalformedPayload, "advice confidence %f outside [0,1]", r.Confidence)
	}

	return &types.AdviceResult{
		Signal:       signal,
		Confidence:   r.Confidence,
		CurrentPrice: r.CurrentPrice,
		Summary:      r.Summary,
		RiskScore:    r.RiskScore,
	}, nil
}

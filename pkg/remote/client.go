// Package remote implements the typed client for the dashboard backend:
// stateless JSON request functions for historical series, indicators,
// model training, advice, screening and live prices, plus the websocket
// live feed. Every response is decoded into an explicit wire DTO and
// validated at the boundary; malformed payloads are rejected with typed
// errors instead of propagating partial values.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/config"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// HealthReport is the backend's self-description, used for the version
// compatibility gate at client construction.
type HealthReport struct {
	Status  string
	Version string
}

// Client is the stateless request layer over the dashboard backend. Safe
// for concurrent use.
type Client struct {
	http    *resty.Client
	backend config.BackendConfig
	log     *logger.Logger
}

// NewClient creates a client for the configured backend.
func NewClient(backend config.BackendConfig, log *logger.Logger) *Client {
	http := resty.New().
		SetBaseURL(backend.URL()).
		SetTimeout(backend.Timeout).
		SetHeader("Accept", "application/json")

	if backend.APIKey != "" {
		http.SetHeader("X-API-Key", backend.APIKey)
	}

	return &Client{
		http:    http,
		backend: backend,
		log:     log,
	}
}

// do executes one JSON request and decodes a 2xx body into out. Transport
// failures and non-2xx statuses come back as typed errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)

	if body != nil {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeTransport, err, "%s %s", method, path)
	}

	if resp.IsError() {
		return errors.Newf(errors.ErrCodeBackendStatus, "%s %s returned %d: %s",
			method, path, resp.StatusCode(), backendErrorMessage(resp.Body()))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(errors.ErrCodeMalformedPayload, err, "decode %s %s response", method, path)
		}
	}

	return nil
}

// backendErrorMessage extracts the backend's error field from a non-2xx
// body, falling back to the raw body.
func backendErrorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}

	const maxRaw = 200
	if len(body) > maxRaw {
		body = body[:maxRaw]
	}

	return string(body)
}

// FetchHistoricalSeries returns the daily OHLCV series for the ticker in
// [start, end]. An empty series is not an error here; the pipeline decides
// what emptiness means.
func (c *Client) FetchHistoricalSeries(ctx context.Context, ticker string, start, end time.Time) ([]types.PricePoint, error) {
	path := fmt.Sprintf("/api/stocks/%s/history?start=%s&end=%s",
		url.PathEscape(ticker), start.Format(wireDateLayout), end.Format(wireDateLayout))

	var resp historyResponse
	if err := c.do(ctx, resty.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	series, err := resp.toSeries()
	if err != nil {
		return nil, err
	}

	c.log.Debug("fetched historical series",
		zap.String("ticker", ticker),
		zap.Int("points", len(series)),
	)

	return series, nil
}

// ComputeIndicators asks the backend to derive the given indicator
// families from the series. The returned set is index-aligned with the
// series; a misaligned response is rejected.
func (c *Client) ComputeIndicators(ctx context.Context, series []types.PricePoint, indicators []types.Indicator) (types.IndicatorSet, error) {
	flags := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		flags[string(ind)] = true
	}

	req := indicatorsRequest{
		Series: toPricePointDTOs(series),
		Flags:  flags,
	}

	var resp indicatorsResponse
	if err := c.do(ctx, resty.MethodPost, "/api/indicators", req, &resp); err != nil {
		return nil, err
	}

	return resp.toIndicatorSet(indicators, len(series))
}

// TrainModel trains a forecasting model on the close prices and returns
// the forecast band with accuracy metrics. The response must carry exactly
// horizonDays points per band.
func (c *Client) TrainModel(ctx context.Context, closes []float64, dates []time.Time, model types.ModelKind, horizonDays int) (*types.ForecastResult, error) {
	wireDates := make([]string, len(dates))
	for i, d := range dates {
		wireDates[i] = d.Format(wireDateLayout)
	}

	req := trainRequest{
		Closes:      closes,
		Dates:       wireDates,
		Model:       string(model),
		HorizonDays: horizonDays,
	}

	var resp trainResponse
	if err := c.do(ctx, resty.MethodPost, "/api/models/train", req, &resp); err != nil {
		return nil, err
	}

	return resp.toForecast(horizonDays)
}

// FetchAdvice returns the backend's trading advice for the analysis.
func (c *Client) FetchAdvice(ctx context.Context, ticker string, series []types.PricePoint, model types.ModelKind, horizonDays int) (*types.AdviceResult, error) {
	req := adviceRequest{
		Ticker:      ticker,
		Series:      toPricePointDTOs(series),
		Model:       string(model),
		HorizonDays: horizonDays,
	}

	var resp adviceResponse
	if err := c.do(ctx, resty.MethodPost, "/api/advice", req, &resp); err != nil {
		return nil, err
	}

	return resp.toAdvice()
}

// GetLivePrice polls the current price for a ticker. A malformed payload
// comes back as a MalformedPayloadError so feed consumers can drop it
// without treating it as a transport failure.
func (c *Client) GetLivePrice(ctx context.Context, ticker string) (types.LiveTick, error) {
	path := fmt.Sprintf("/api/stocks/%s/price", url.PathEscape(ticker))

	var payload tickPayload
	if err := c.do(ctx, resty.MethodGet, path, nil, &payload); err != nil {
		return types.LiveTick{}, err
	}

	return payload.toTick(ticker, time.Now())
}

// ScreenTickers evaluates the filter against the given tickers in one
// backend call.
func (c *Client) ScreenTickers(ctx context.Context, tickers []string, filter types.ScreenFilter) ([]types.ScreenResult, error) {
	req := screenRequest{
		Tickers: tickers,
		Filter:  filter,
	}

	var resp screenResponse
	if err := c.do(ctx, resty.MethodPost, "/api/screener", req, &resp); err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// Health reports the backend's status and version.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var resp healthResponse
	if err := c.do(ctx, resty.MethodGet, "/api/health", nil, &resp); err != nil {
		return HealthReport{}, err
	}

	return HealthReport{
		Status:  resp.Status,
		Version: resp.Version,
	}, nil
}

// Package screener runs batch ticker screens: the ticker list is
// deduplicated, split into fixed-size chunks and sent through a rate
// limiter, with per-chunk failures folded into error rows instead of
// aborting the batch.
package screener

import (
	"context"
	"strings"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// ScreenClient is the slice of the remote client the screener needs.
// *remote.Client satisfies it.
type ScreenClient interface {
	ScreenTickers(ctx context.Context, tickers []string, filter types.ScreenFilter) ([]types.ScreenResult, error)
}

// Config tunes the screener.
type Config struct {
	// BatchSize is the number of tickers per backend call. Zero means 20.
	BatchSize int
	// RequestsPerSecond caps the backend call rate. Zero means 5.
	RequestsPerSecond float64
	// ShowProgress renders a terminal progress bar across chunks.
	ShowProgress bool
}

const (
	defaultBatchSize = 20
	defaultRPS       = 5
)

// Screener runs batch screens against a backend.
type Screener struct {
	client  ScreenClient
	log     *logger.Logger
	cfg     Config
	limiter *rate.Limiter
}

// New creates a screener.
func New(client ScreenClient, log *logger.Logger, cfg Config) *Screener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}

	return &Screener{
		client:  client,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Run screens the tickers against the filter. The result has exactly one
// row per distinct ticker, in input order; a chunk whose backend call
// fails contributes error rows for its tickers and the batch continues.
func (s *Screener) Run(ctx context.Context, tickers []string, filter types.ScreenFilter) ([]types.ScreenResult, error) {
	tickers = normalize(tickers)
	if len(tickers) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "no tickers to screen")
	}

	chunks := chunk(tickers, s.cfg.BatchSize)

	bar := progressbar.NewOptions(len(chunks),
		progressbar.OptionSetDescription("screening"),
		progressbar.OptionSetVisibility(s.cfg.ShowProgress),
	)

	results := make([]types.ScreenResult, 0, len(tickers))

	for _, batch := range chunks {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeTransport, "screen rate limit wait", err)
		}

		rows, err := s.client.ScreenTickers(ctx, batch, filter)
		if err != nil {
			s.log.Warn("screen chunk failed",
				zap.Strings("tickers", batch),
				zap.Error(err),
			)

			for _, ticker := range batch {
				results = append(results, types.ScreenResult{Ticker: ticker, Error: err.Error()})
			}
		} else {
			results = append(results, rows...)
		}

		_ = bar.Add(1)
	}

	_ = bar.Finish()

	return results, nil
}

// normalize upper-cases, trims and dedupes tickers, preserving first
// occurrence order.
func normalize(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))

	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}

		if _, ok := seen[t]; ok {
			continue
		}

		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out
}

// chunk splits tickers into slices of at most size elements.
func chunk(tickers []string, size int) [][]string {
	chunks := make([][]string, 0, (len(tickers)+size-1)/size)

	for start := 0; start < len(tickers); start += size {
		end := start + size
		if end > len(tickers) {
			end = len(tickers)
		}

		chunks = append(chunks, tickers[start:end])
	}

	return chunks
}

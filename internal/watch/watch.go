// Package watch runs interactive watch sessions: live feeds for a set of
// tickers, alert evaluation on every tick, and persistence of fired
// conditions.
package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/alert"
	"github.com/quantrix-lab/stockdeck/internal/livefeed"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/notify"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// ConditionStore is the slice of the store a session needs. *store.Store
// satisfies it.
type ConditionStore interface {
	ConditionsForTicker(ctx context.Context, ticker string) ([]*alert.Condition, error)
	SetArmed(ctx context.Context, id uuid.UUID, armed bool, firedAt optional.Option[time.Time]) error
}

// Callbacks observe the session. All fields are optional.
type Callbacks struct {
	OnTick        func(tick types.LiveTick)
	OnAlert       func(cond *alert.Condition, tick types.LiveTick)
	OnStateChange func(ticker string, from, to livefeed.FeedState)
}

// Config tunes the session's feeds.
type Config struct {
	StreamingEnabled bool
	PollInterval     time.Duration
}

// Session watches tickers and fires armed alert conditions against their
// live prices. The session owns its feed manager: Run tears every
// subscription down before returning.
type Session struct {
	source    livefeed.PriceSource
	store     ConditionStore
	evaluator *alert.Evaluator
	log       *logger.Logger
	cfg       Config
	callbacks Callbacks
}

// NewSession creates a watch session dispatching alerts through the given
// notifier.
func NewSession(source livefeed.PriceSource, store ConditionStore, notifier notify.Notifier, log *logger.Logger, cfg Config, callbacks Callbacks) *Session {
	return &Session{
		source:    source,
		store:     store,
		evaluator: alert.NewEvaluator(notifier, log),
		log:       log,
		cfg:       cfg,
		callbacks: callbacks,
	}
}

// Run watches the tickers until ctx is cancelled. Armed conditions are
// loaded once at start; conditions fired during the session are disarmed
// in the store immediately. Cancellation is the normal way to stop and
// returns nil.
func (s *Session) Run(ctx context.Context, tickers []string) error {
	tickers = normalizeTickers(tickers)
	if len(tickers) == 0 {
		return errors.New(errors.ErrCodeInvalidRequest, "no tickers to watch")
	}

	conditions := make(map[string][]*alert.Condition, len(tickers))

	for _, ticker := range tickers {
		loaded, err := s.store.ConditionsForTicker(ctx, ticker)
		if err != nil {
			return err
		}

		for _, cond := range loaded {
			if cond.Armed {
				conditions[ticker] = append(conditions[ticker], cond)
			}
		}
	}

	manager := livefeed.NewManager(s.source, s.log, livefeed.Config{
		StreamingEnabled: s.cfg.StreamingEnabled,
		PollInterval:     s.cfg.PollInterval,
		OnStateChange:    s.callbacks.OnStateChange,
	})
	defer manager.Shutdown()

	merged := make(chan types.LiveTick)

	var wg sync.WaitGroup

	for _, ticker := range tickers {
		sub, err := manager.Subscribe(ticker)
		if err != nil {
			return err
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			for tick := range sub.Ticks() {
				select {
				case merged <- tick:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Close merged once every forwarder is gone so the loop below cannot
	// block forever after shutdown.
	go func() {
		wg.Wait()
		close(merged)
	}()

	s.log.Info("watch session started",
		zap.Strings("tickers", tickers),
		zap.Int("armed_conditions", countConditions(conditions)),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-merged:
			if !ok {
				return nil
			}

			s.handleTick(ctx, tick, conditions[tick.Ticker])
		}
	}
}

func (s *Session) handleTick(ctx context.Context, tick types.LiveTick, conditions []*alert.Condition) {
	if s.callbacks.OnTick != nil {
		s.callbacks.OnTick(tick)
	}

	fired := s.evaluator.Evaluate(ctx, tick, conditions)

	for _, cond := range fired {
		if err := s.store.SetArmed(ctx, cond.ID, false, cond.FiredAt); err != nil {
			s.log.Warn("persisting disarmed condition failed",
				zap.String("condition", cond.ID.String()),
				zap.Error(err),
			)
		}

		if s.callbacks.OnAlert != nil {
			s.callbacks.OnAlert(cond, tick)
		}
	}
}

func normalizeTickers(tickers []string) []string {
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

func countConditions(conditions map[string][]*alert.Condition) int {
	n := 0
	for _, conds := range conditions {
		n += len(conds)
	}

	return n
}

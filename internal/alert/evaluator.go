package alert

import (
	"context"
	"fmt"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/notify"
	"github.com/quantrix-lab/stockdeck/internal/types"
)

// Evaluator fires alert conditions against live ticks and dispatches
// notifications for the ones that fire.
type Evaluator struct {
	notifier notify.Notifier
	log      *logger.Logger
}

// NewEvaluator creates an evaluator dispatching through the given
// notifier.
func NewEvaluator(notifier notify.Notifier, log *logger.Logger) *Evaluator {
	return &Evaluator{
		notifier: notifier,
		log:      log,
	}
}

// Evaluate checks every armed condition for the tick's ticker and returns
// the ones that fired. Each firing dispatches exactly one notification
// and disarms the condition immediately, so a sustained breach cannot
// refire. A dispatch failure is logged and the condition stays disarmed.
// Conditions on the same ticker evaluate independently and may fire on
// the same tick.
func (e *Evaluator) Evaluate(ctx context.Context, tick types.LiveTick, conditions []*Condition) []*Condition {
	price := decimal.NewFromFloat(tick.Price)

	var fired []*Condition

	for _, cond := range conditions {
		if !cond.Armed || cond.Ticker != tick.Ticker {
			continue
		}

		if !cond.ShouldFire(price) {
			continue
		}

		cond.Armed = false
		cond.FiredAt = optional.Some(tick.Timestamp)
		fired = append(fired, cond)

		if err := e.notifier.Notify(ctx, e.notification(cond, tick)); err != nil {
			e.log.Warn("alert notification dispatch failed",
				zap.String("condition", cond.ID.String()),
				zap.String("ticker", cond.Ticker),
				zap.Error(err),
			)
		}
	}

	return fired
}

func (e *Evaluator) notification(cond *Condition, tick types.LiveTick) notify.Notification {
	verb := "rose above"
	if cond.Kind == KindBelow {
		verb = "fell below"
	}

	threshold := cond.Threshold.StringFixed(2)

	return notify.Notification{
		Title:   fmt.Sprintf("%s %s %s", cond.Ticker, verb, threshold),
		Body:    fmt.Sprintf("%s %s %s at %.2f", cond.Ticker, verb, threshold, tick.Price),
		Ticker:  cond.Ticker,
		Price:   tick.Price,
		FiredAt: tick.Timestamp,
	}
}

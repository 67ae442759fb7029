// Package alert implements threshold alert conditions and the one-shot
// evaluator that fires them against live ticks.
package alert

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// Kind is the direction of a threshold condition.
type Kind string

const (
	// KindAbove fires when the price is at or above the threshold.
	KindAbove Kind = "above"
	// KindBelow fires when the price is at or below the threshold.
	KindBelow Kind = "below"
)

// Condition is one armed price threshold. A condition fires at most once:
// firing disarms it, and only an explicit Rearm makes it eligible again.
type Condition struct {
	ID        uuid.UUID                  `json:"id"`
	Ticker    string                     `json:"ticker"`
	Kind      Kind                       `json:"kind"`
	Threshold decimal.Decimal            `json:"threshold"`
	Armed     bool                       `json:"armed"`
	CreatedAt time.Time                  `json:"created_at"`
	FiredAt   optional.Option[time.Time] `json:"fired_at,omitempty"`
}

// NewCondition creates an armed condition after validating its parts.
func NewCondition(ticker string, kind Kind, threshold decimal.Decimal) (*Condition, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New(errors.ErrCodeInvalidCondition, "condition ticker is empty")
	}

	if kind != KindAbove && kind != KindBelow {
		return nil, errors.Newf(errors.ErrCodeInvalidCondition, "unknown condition kind %q", kind)
	}

	if !threshold.IsPositive() {
		return nil, errors.Newf(errors.ErrCodeInvalidCondition, "condition threshold %s must be positive", threshold)
	}

	return &Condition{
		ID:        uuid.New(),
		Ticker:    ticker,
		Kind:      kind,
		Threshold: threshold,
		Armed:     true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ShouldFire reports whether the price breaches the threshold. Equality
// counts for both kinds.
func (c *Condition) ShouldFire(price decimal.Decimal) bool {
	switch c.Kind {
	case KindAbove:
		return price.GreaterThanOrEqual(c.Threshold)
	case KindBelow:
		return price.LessThanOrEqual(c.Threshold)
	default:
		return false
	}
}

// Rearm makes a fired condition eligible again. This is the only path
// back to armed; evaluation never re-arms.
func (c *Condition) Rearm() {
	c.Armed = true
	c.FiredAt = optional.None[time.Time]()
}

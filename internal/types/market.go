package types

import "time"

// PricePoint is a single daily OHLCV bar of the historical series.
// Series are chronological with unique dates.
type PricePoint struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// LiveTick is a single live price update for a ticker. Transient: feed
// consumers retain only the most recent tick per ticker, never a history.
type LiveTick struct {
	Ticker    string    `json:"ticker"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Closes extracts the close prices of a series, index-aligned with it.
func Closes(series []PricePoint) []float64 {
	closes := make([]float64, len(series))
	for i, p := range series {
		closes[i] = p.Close
	}

	return closes
}

// Dates extracts the dates of a series, index-aligned with it.
func Dates(series []PricePoint) []time.Time {
	dates := make([]time.Time, len(series))
	for i, p := range series {
		dates[i] = p.Date
	}

	return dates
}

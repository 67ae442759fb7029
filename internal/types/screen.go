package types

// ScreenFilter is the criteria set for a ticker screen. Zero values mean
// "unset" and are omitted from the request.
type ScreenFilter struct {
	MinPrice     float64 `json:"min_price,omitempty"`
	MaxPrice     float64 `json:"max_price,omitempty"`
	MinAvgVolume float64 `json:"min_avg_volume,omitempty"`
	MinRSI       float64 `json:"min_rsi,omitempty"`
	MaxRSI       float64 `json:"max_rsi,omitempty"`
}

// ScreenResult is one ticker's screen outcome. Error is set when the
// ticker could not be evaluated; the rest of the batch is unaffected.
type ScreenResult struct {
	Ticker  string             `json:"ticker"`
	Match   bool               `json:"match"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

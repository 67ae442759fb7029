// Package backendtest provides an in-process fake of the dashboard backend
// for package tests. It implements every RemoteDataClient route plus the
// websocket live feed, with knobs to fail individual operations, push raw
// feed messages, and break connections.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/quantrix-lab/stockdeck/internal/config"
	"github.com/quantrix-lab/stockdeck/internal/types"
)

// Server is a fake dashboard backend bound to an ephemeral port.
type Server struct {
	mu sync.RWMutex

	srv      *httptest.Server
	upgrader websocket.Upgrader

	series  map[string][]types.PricePoint
	prices  map[string]float64
	version string

	failHistory    bool
	failIndicators bool
	failTraining   bool
	failAdvice     bool
	failLivePrice  bool
	failScreen     bool
	rejectFeed     bool
	malformedPrice bool

	screenErrors map[string]string

	feedMu    sync.Mutex
	feedConns map[string]map[*websocket.Conn]bool
}

// NewServer starts a fake backend. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		series:       make(map[string][]types.PricePoint),
		prices:       make(map[string]float64),
		version:      "0.3.0",
		screenErrors: make(map[string]string),
		feedConns:    make(map[string]map[*websocket.Conn]bool),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/stocks/{ticker}/history", s.handleHistory).Methods("GET")
	router.HandleFunc("/api/indicators", s.handleIndicators).Methods("POST")
	router.HandleFunc("/api/models/train", s.handleTrain).Methods("POST")
	router.HandleFunc("/api/advice", s.handleAdvice).Methods("POST")
	router.HandleFunc("/api/stocks/{ticker}/price", s.handleLivePrice).Methods("GET")
	router.HandleFunc("/api/screener", s.handleScreen).Methods("POST")
	router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/stocks/{ticker}/live", s.handleFeed)

	s.srv = httptest.NewServer(router)

	return s
}

// Close shuts the server down, breaking any open feed connections first.
func (s *Server) Close() {
	s.feedMu.Lock()
	for _, conns := range s.feedConns {
		for conn := range conns {
			conn.Close()
		}
	}

	s.feedConns = make(map[string]map[*websocket.Conn]bool)
	s.feedMu.Unlock()

	s.srv.Close()
}

// Backend returns a client config pointing at this server.
func (s *Server) Backend() config.BackendConfig {
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		panic(fmt.Sprintf("backendtest: parse server url: %v", err))
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		panic(fmt.Sprintf("backendtest: parse server port: %v", err))
	}

	return config.BackendConfig{
		Scheme:  "http",
		Host:    u.Hostname(),
		Port:    port,
		Timeout: 5 * time.Second,
	}
}

// SetSeries sets the historical series served for a ticker.
func (s *Server) SetSeries(ticker string, series []types.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[ticker] = series
}

// SetPrice sets the polled live price for a ticker.
func (s *Server) SetPrice(ticker string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

// SetVersion sets the version reported by /api/health.
func (s *Server) SetVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

// SetScreenError makes the screener report a per-ticker error row.
func (s *Server) SetScreenError(ticker, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenErrors[ticker] = message
}

// Failure knobs. Each makes the corresponding route return 500 while set.

func (s *Server) FailHistory(v bool)    { s.mu.Lock(); s.failHistory = v; s.mu.Unlock() }
func (s *Server) FailIndicators(v bool) { s.mu.Lock(); s.failIndicators = v; s.mu.Unlock() }
func (s *Server) FailTraining(v bool)   { s.mu.Lock(); s.failTraining = v; s.mu.Unlock() }
func (s *Server) FailAdvice(v bool)     { s.mu.Lock(); s.failAdvice = v; s.mu.Unlock() }
func (s *Server) FailLivePrice(v bool)  { s.mu.Lock(); s.failLivePrice = v; s.mu.Unlock() }
func (s *Server) FailScreen(v bool)     { s.mu.Lock(); s.failScreen = v; s.mu.Unlock() }

// RejectFeed refuses websocket upgrades while set, forcing clients onto
// the polling transport.
func (s *Server) RejectFeed(v bool) { s.mu.Lock(); s.rejectFeed = v; s.mu.Unlock() }

// MalformedLivePrice makes the polled price endpoint return a non-numeric
// price field while set.
func (s *Server) MalformedLivePrice(v bool) { s.mu.Lock(); s.malformedPrice = v; s.mu.Unlock() }

// PushTick sends a price update to every live feed connection for the
// ticker.
func (s *Server) PushTick(ticker string, price float64) {
	payload := fmt.Sprintf(`{"price": %g, "timestamp": %q}`, price, time.Now().UTC().Format(time.RFC3339))
	s.PushRawTick(ticker, payload)
}

// PushRawTick sends an arbitrary message to every live feed connection
// for the ticker. Tests use it to inject malformed payloads.
func (s *Server) PushRawTick(ticker, raw string) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	for conn := range s.feedConns[ticker] {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
	}
}

// BreakFeeds force-closes every live feed connection for the ticker,
// simulating a transport failure.
func (s *Server) BreakFeeds(ticker string) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	for conn := range s.feedConns[ticker] {
		conn.Close()
	}

	delete(s.feedConns, ticker)
}

// FeedConnectionCount reports the number of open feed connections for the
// ticker.
func (s *Server) FeedConnectionCount(ticker string) int {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	return len(s.feedConns[ticker])
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

const dateLayout = "2006-01-02"

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failHistory {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	ticker := mux.Vars(r)["ticker"]
	start, _ := time.Parse(dateLayout, r.URL.Query().Get("start"))
	end, _ := time.Parse(dateLayout, r.URL.Query().Get("end"))

	type point struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	}

	points := make([]point, 0)

	for _, p := range s.series[ticker] {
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}

		if !end.IsZero() && p.Date.After(end) {
			continue
		}

		points = append(points, point{
			Date:   p.Date.Format(dateLayout),
			Open:   p.Open,
			High:   p.High,
			Low:    p.Low,
			Close:  p.Close,
			Volume: p.Volume,
		})
	}

	writeJSON(w, map[string]any{"ticker": ticker, "points": points})
}

// handleIndicators returns, for every requested flag, a series aligned
// with the submitted one: a 3-bar lookback of nulls, then the trailing
// 3-bar close average. Deterministic so tests can assert alignment.
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failIndicators {
		writeError(w, http.StatusInternalServerError, "indicator computation failed")
		return
	}

	var req struct {
		Series []struct {
			Close float64 `json:"close"`
		} `json:"series"`
		Flags map[string]bool `json:"flags"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad indicator request")
		return
	}

	const window = 3

	values := make([]*float64, len(req.Series))

	for i := range req.Series {
		if i < window-1 {
			continue
		}

		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			sum += req.Series[j].Close
		}

		avg := sum / window
		values[i] = &avg
	}

	indicators := make(map[string][]*float64, len(req.Flags))

	for name, enabled := range req.Flags {
		if enabled {
			indicators[name] = values
		}
	}

	writeJSON(w, map[string]any{"indicators": indicators})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failTraining {
		writeError(w, http.StatusInternalServerError, "model training failed")
		return
	}

	var req struct {
		Closes      []float64 `json:"closes"`
		Dates       []string  `json:"dates"`
		Model       string    `json:"model"`
		HorizonDays int       `json:"horizon_days"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Closes) == 0 || len(req.Dates) == 0 {
		writeError(w, http.StatusBadRequest, "bad training request")
		return
	}

	lastClose := req.Closes[len(req.Closes)-1]

	lastDate, err := time.Parse(dateLayout, req.Dates[len(req.Dates)-1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad training request date")
		return
	}

	type point struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
	}

	forecast := make([]point, req.HorizonDays)
	lower := make([]point, req.HorizonDays)
	upper := make([]point, req.HorizonDays)

	for i := 0; i < req.HorizonDays; i++ {
		date := lastDate.AddDate(0, 0, i+1).Format(dateLayout)
		value := lastClose * (1 + 0.001*float64(i+1))
		forecast[i] = point{Date: date, Value: value}
		lower[i] = point{Date: date, Value: value * 0.95}
		upper[i] = point{Date: date, Value: value * 1.05}
	}

	direction := "up"
	if lastClose < req.Closes[0] {
		direction = "down"
	}

	writeJSON(w, map[string]any{
		"metrics": map[string]float64{
			"rmse":      2.5,
			"mae":       1.8,
			"mape":      1.2,
			"test_size": float64(len(req.Closes) / 5),
		},
		"forecast":    forecast,
		"lower_bound": lower,
		"upper_bound": upper,
		"confidence":  82.4,
		"trend": map[string]any{
			"direction":         direction,
			"percent_change":    (lastClose - req.Closes[0]) / req.Closes[0] * 100,
			"recent_10d_change": 1.5,
		},
	})
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failAdvice {
		writeError(w, http.StatusInternalServerError, "advice unavailable")
		return
	}

	var req struct {
		Ticker string `json:"ticker"`
		Series []struct {
			Close float64 `json:"close"`
		} `json:"series"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Series) == 0 {
		writeError(w, http.StatusBadRequest, "bad advice request")
		return
	}

	first := req.Series[0].Close
	last := req.Series[len(req.Series)-1].Close

	signal := "hold"

	switch {
	case last > first:
		signal = "buy"
	case last < first:
		signal = "sell"
	}

	writeJSON(w, map[string]any{
		"signal":        signal,
		"confidence":    0.7,
		"current_price": last,
		"summary":       fmt.Sprintf("%s closed at %.2f", req.Ticker, last),
		"risk_score":    35.0,
	})
}

func (s *Server) handleLivePrice(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failLivePrice {
		writeError(w, http.StatusInternalServerError, "live price unavailable")
		return
	}

	if s.malformedPrice {
		writeJSON(w, map[string]any{"price": "n/a", "timestamp": time.Now().UTC().Format(time.RFC3339)})
		return
	}

	ticker := mux.Vars(r)["ticker"]

	price, ok := s.prices[ticker]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown ticker")
		return
	}

	writeJSON(w, map[string]any{"price": price, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failScreen {
		writeError(w, http.StatusInternalServerError, "screener unavailable")
		return
	}

	var req struct {
		Tickers []string           `json:"tickers"`
		Filter  types.ScreenFilter `json:"filter"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad screen request")
		return
	}

	results := make([]types.ScreenResult, 0, len(req.Tickers))

	for _, ticker := range req.Tickers {
		if message, ok := s.screenErrors[ticker]; ok {
			results = append(results, types.ScreenResult{Ticker: ticker, Error: message})
			continue
		}

		price, ok := s.prices[ticker]
		if !ok {
			price = 100
		}

		match := true
		if req.Filter.MinPrice > 0 && price < req.Filter.MinPrice {
			match = false
		}

		if req.Filter.MaxPrice > 0 && price > req.Filter.MaxPrice {
			match = false
		}

		results = append(results, types.ScreenResult{
			Ticker:  ticker,
			Match:   match,
			Metrics: map[string]float64{"price": price},
		})
	}

	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	writeJSON(w, map[string]any{"status": "ok", "version": s.version})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reject := s.rejectFeed
	s.mu.RUnlock()

	if reject {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	ticker := mux.Vars(r)["ticker"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.feedMu.Lock()
	if s.feedConns[ticker] == nil {
		s.feedConns[ticker] = make(map[*websocket.Conn]bool)
	}

	s.feedConns[ticker][conn] = true
	s.feedMu.Unlock()

	// Drain control/incoming frames until the peer goes away so close is
	// noticed and the connection can be deregistered.
	go func() {
		defer func() {
			s.feedMu.Lock()
			delete(s.feedConns[ticker], conn)
			s.feedMu.Unlock()
			conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

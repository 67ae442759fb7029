// Package livefeed manages live price feeds: one transport per ticker
// (websocket stream or fixed-interval polling), fan-out to any number of
// subscribers, and silent fallback from streaming to polling on transport
// errors. Every transport is generation-tagged; teardown bumps the
// generation first, so a late delivery from a replaced transport can
// never land.
package livefeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
	"github.com/quantrix-lab/stockdeck/pkg/remote"
)

// FeedState is the lifecycle state of one ticker's feed.
type FeedState string

const (
	// StateIdle means no feed exists for the ticker.
	StateIdle FeedState = "idle"
	// StateStreamingConnect means the websocket is open but no tick has
	// been parsed yet.
	StateStreamingConnect FeedState = "streaming_connect"
	// StateStreamingActive means the websocket has delivered at least one
	// valid tick.
	StateStreamingActive FeedState = "streaming_active"
	// StatePolling means the feed polls the price endpoint on a timer.
	StatePolling FeedState = "polling"
	// StateFailed means a polling request failed; the transport is
	// released and only a new Subscribe retries.
	StateFailed FeedState = "failed"
)

// PriceSource provides the two live-price transports. *remote.Client
// satisfies it.
type PriceSource interface {
	OpenLiveFeed(ctx context.Context, ticker string) (remote.TickStream, error)
	GetLivePrice(ctx context.Context, ticker string) (types.LiveTick, error)
}

// Config tunes the manager.
type Config struct {
	// StreamingEnabled selects the websocket transport for new feeds.
	// When false, feeds go straight to polling.
	StreamingEnabled bool
	// PollInterval is the polling cadence. Zero means 30s.
	PollInterval time.Duration
	// OnStateChange, when set, observes every per-ticker state
	// transition. Invoked with the manager lock held: keep it fast and
	// never call back into the manager.
	OnStateChange func(ticker string, from, to FeedState)
}

const defaultPollInterval = 30 * time.Second

// subscriptionBuffer is the per-subscriber channel depth. A subscriber
// that falls behind loses intermediate ticks, never the latest (Latest
// always has the most recent one).
const subscriptionBuffer = 16

// Subscription is one consumer's attachment to a ticker feed.
type Subscription struct {
	ticker  string
	ch      chan types.LiveTick
	manager *Manager
	once    sync.Once
}

// Ticks returns the subscriber's tick channel. It is closed when the
// subscription is closed or the manager shuts down.
func (s *Subscription) Ticks() <-chan types.LiveTick { return s.ch }

// Close detaches the subscriber. The last subscriber of a ticker tears
// the transport down synchronously.
func (s *Subscription) Close() {
	s.once.Do(func() { s.manager.unsubscribe(s) })
}

// feed is the per-ticker state. Guarded by the manager mutex except where
// noted.
type feed struct {
	ticker     string
	state      FeedState
	generation uint64

	subscribers map[*Subscription]bool

	latest    types.LiveTick
	hasLatest bool

	// Transport handles for the current generation. stream is set once
	// the websocket dial succeeds; quit stops a polling loop; done is
	// closed when the transport goroutine exits.
	stream remote.TickStream
	quit   chan struct{}
	done   chan struct{}
}

// Manager owns all live feeds. Safe for concurrent use.
type Manager struct {
	source PriceSource
	log    *logger.Logger

	mu               sync.Mutex
	cfg              Config
	streamingEnabled bool
	feeds            map[string]*feed
	closed           bool
}

// NewManager creates a feed manager over the given source.
func NewManager(source PriceSource, log *logger.Logger, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Manager{
		source:           source,
		log:              log,
		cfg:              cfg,
		streamingEnabled: cfg.StreamingEnabled,
		feeds:            make(map[string]*feed),
	}
}

// Subscribe attaches to the ticker's feed, creating the transport if the
// ticker has none. A second subscriber attaches to the existing feed;
// subscribing to a failed feed restarts its transport.
func (m *Manager) Subscribe(ticker string) (*Subscription, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New(errors.ErrCodeInvalidRequest, "empty ticker")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New(errors.ErrCodeFeedClosed, "feed manager is shut down")
	}

	sub := &Subscription{
		ticker:  ticker,
		ch:      make(chan types.LiveTick, subscriptionBuffer),
		manager: m,
	}

	f, ok := m.feeds[ticker]
	if !ok {
		f = &feed{
			ticker:      ticker,
			state:       StateIdle,
			subscribers: make(map[*Subscription]bool),
		}
		m.feeds[ticker] = f
		f.subscribers[sub] = true
		m.startTransportLocked(f)

		return sub, nil
	}

	f.subscribers[sub] = true

	// A failed feed holds no transport; a fresh subscriber is the manual
	// retry.
	if f.state == StateFailed {
		m.startTransportLocked(f)
	}

	return sub, nil
}

// Latest returns the most recent valid tick seen for the ticker.
func (m *Manager) Latest(ticker string) (types.LiveTick, bool) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[ticker]
	if !ok || !f.hasLatest {
		return types.LiveTick{}, false
	}

	return f.latest, true
}

// State returns the ticker's feed state; Idle when no feed exists.
func (m *Manager) State(ticker string) FeedState {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.feeds[ticker]
	if !ok {
		return StateIdle
	}

	return f.state
}

// SetStreamingEnabled switches the transport preference and rebuilds
// every active feed under it. Old transports are torn down synchronously
// before their replacements start; subscribers and latest ticks survive.
func (m *Manager) SetStreamingEnabled(enabled bool) {
	m.mu.Lock()

	if m.closed || m.streamingEnabled == enabled {
		m.mu.Unlock()
		return
	}

	m.streamingEnabled = enabled

	feeds := make([]*feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}

	m.mu.Unlock()

	for _, f := range feeds {
		m.mu.Lock()

		if len(f.subscribers) == 0 {
			m.mu.Unlock()
			continue
		}

		done := m.stopTransportLocked(f)
		m.mu.Unlock()

		if done != nil {
			<-done
		}

		m.mu.Lock()
		if !m.closed && len(f.subscribers) > 0 {
			m.startTransportLocked(f)
		}
		m.mu.Unlock()
	}
}

// Shutdown tears down every feed and closes every subscriber channel.
// The manager rejects new subscriptions afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true

	pending := make([]chan struct{}, 0, len(m.feeds))

	for _, f := range m.feeds {
		if done := m.stopTransportLocked(f); done != nil {
			pending = append(pending, done)
		}

		for sub := range f.subscribers {
			close(sub.ch)
		}

		f.subscribers = make(map[*Subscription]bool)
	}

	m.feeds = make(map[string]*feed)
	m.mu.Unlock()

	for _, done := range pending {
		<-done
	}
}

// unsubscribe detaches one subscription. The last one for a ticker tears
// the transport down synchronously and removes the feed entry.
func (m *Manager) unsubscribe(sub *Subscription) {
	m.mu.Lock()

	f, ok := m.feeds[sub.ticker]
	if !ok || !f.subscribers[sub] {
		m.mu.Unlock()
		return
	}

	delete(f.subscribers, sub)
	close(sub.ch)

	var done chan struct{}

	if len(f.subscribers) == 0 {
		done = m.stopTransportLocked(f)
		m.setStateLocked(f, StateIdle)
		delete(m.feeds, sub.ticker)
	}

	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// setStateLocked transitions the feed state and notifies the observer.
// Caller holds the manager mutex.
func (m *Manager) setStateLocked(f *feed, to FeedState) {
	if f.state == to {
		return
	}

	from := f.state
	f.state = to

	m.log.Debug("feed state change",
		zap.String("ticker", f.ticker),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(f.ticker, from, to)
	}
}

// startTransportLocked launches a transport goroutine for the feed's next
// generation. Caller holds the manager mutex.
func (m *Manager) startTransportLocked(f *feed) {
	f.generation++
	f.quit = make(chan struct{})
	f.done = make(chan struct{})
	f.stream = nil

	gen := f.generation
	quit := f.quit
	done := f.done
	streaming := m.streamingEnabled

	if streaming {
		m.setStateLocked(f, StateStreamingConnect)
	} else {
		m.setStateLocked(f, StatePolling)
	}

	go m.runTransport(f, gen, quit, done, streaming)
}

// stopTransportLocked invalidates the feed's current transport: bumps the
// generation so in-flight deliveries are discarded, closes the stream to
// unblock its reader and stops any polling loop. Returns the done channel
// for the caller to await outside the lock, or nil when no transport was
// running. Caller holds the manager mutex.
func (m *Manager) stopTransportLocked(f *feed) chan struct{} {
	if f.done == nil {
		return nil
	}

	f.generation++

	if f.quit != nil {
		close(f.quit)
		f.quit = nil
	}

	if f.stream != nil {
		_ = f.stream.Close()
		f.stream = nil
	}

	done := f.done
	f.done = nil

	return done
}

// runTransport is the feed's transport goroutine: the streaming read loop
// first when enabled, falling through to the polling loop on any
// transport error. One goroutine per generation, so at most one transport
// is live per ticker.
func (m *Manager) runTransport(f *feed, gen uint64, quit, done chan struct{}, streaming bool) {
	defer close(done)

	if streaming {
		if m.runStream(f, gen, quit) {
			return
		}

		// Silent fallback: subscribers see no error, just slower ticks.
		if !m.transition(f, gen, StatePolling) {
			return
		}

		m.log.Info("live feed fell back to polling", zap.String("ticker", f.ticker))
	}

	m.runPolling(f, gen, quit)
}

// runStream dials the websocket and pumps ticks until the transport dies.
// Returns true when the generation was invalidated (teardown), false when
// the transport itself failed and polling should take over.
func (m *Manager) runStream(f *feed, gen uint64, quit chan struct{}) bool {
	// Teardown closes quit; cancel an in-flight dial so teardown never
	// waits out the handshake timeout.
	dialCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-quit:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	stream, err := m.source.OpenLiveFeed(dialCtx, f.ticker)
	if err != nil {
		m.log.Debug("live feed dial failed",
			zap.String("ticker", f.ticker),
			zap.Error(err),
		)

		return !m.isCurrent(f, gen)
	}

	// Hand the stream to the feed so teardown can force-close it; if the
	// generation moved while dialing, the transport is already obsolete.
	m.mu.Lock()
	if f.generation != gen {
		m.mu.Unlock()
		_ = stream.Close()

		return true
	}

	f.stream = stream
	m.mu.Unlock()

	for {
		tick, err := stream.Read()
		if err != nil {
			// Malformed payloads are dropped without a tick update or a
			// state transition.
			if errors.IsMalformedPayloadError(err) {
				continue
			}

			m.mu.Lock()
			stale := f.generation != gen
			if !stale {
				f.stream = nil
			}
			m.mu.Unlock()

			_ = stream.Close()

			return stale
		}

		m.deliver(f, gen, tick, true)
	}
}

// runPolling polls the price endpoint until teardown or a request error.
// A request error is terminal: the feed goes Failed and the timer is
// released.
func (m *Manager) runPolling(f *feed, gen uint64, quit chan struct{}) {
	interval := m.cfg.PollInterval

	timer := time.NewTicker(interval)
	defer timer.Stop()

	if !m.pollOnce(f, gen) {
		return
	}

	for {
		select {
		case <-quit:
			return
		case <-timer.C:
			if !m.pollOnce(f, gen) {
				return
			}
		}
	}
}

// pollOnce performs one poll. Returns false when the loop must stop.
func (m *Manager) pollOnce(f *feed, gen uint64) bool {
	tick, err := m.source.GetLivePrice(context.Background(), f.ticker)
	if err != nil {
		if errors.IsMalformedPayloadError(err) {
			return true
		}

		m.log.Warn("live price poll failed",
			zap.String("ticker", f.ticker),
			zap.Error(err),
		)

		m.transition(f, gen, StateFailed)

		return false
	}

	m.deliver(f, gen, tick, false)

	return true
}

// transition applies a state change if the generation is still current.
func (m *Manager) transition(f *feed, gen uint64, to FeedState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.generation != gen {
		return false
	}

	m.setStateLocked(f, to)

	return true
}

// isCurrent reports whether the generation is still the feed's live one.
func (m *Manager) isCurrent(f *feed, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return f.generation == gen
}

// deliver records the tick and fans it out to subscribers. Stale
// generations are discarded. Sends are non-blocking: a full subscriber
// buffer drops the tick for that subscriber only.
func (m *Manager) deliver(f *feed, gen uint64, tick types.LiveTick, streaming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.generation != gen {
		return
	}

	f.latest = tick
	f.hasLatest = true

	if streaming && f.state == StateStreamingConnect {
		m.setStateLocked(f, StateStreamingActive)
	}

	for sub := range f.subscribers {
		select {
		case sub.ch <- tick:
		default:
		}
	}
}

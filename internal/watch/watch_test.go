package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/quantrix-lab/stockdeck/internal/alert"
	"github.com/quantrix-lab/stockdeck/internal/livefeed"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/notify"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
	"github.com/quantrix-lab/stockdeck/pkg/remote"
)

// pollSource serves a scripted price sequence through the polling
// transport; the last price repeats once the script is exhausted.
type pollSource struct {
	mu     sync.Mutex
	prices []float64
	next   int
}

func (p *pollSource) OpenLiveFeed(context.Context, string) (remote.TickStream, error) {
	return nil, errors.New(errors.ErrCodeFeedDial, "streaming not available in this test")
}

func (p *pollSource) GetLivePrice(_ context.Context, ticker string) (types.LiveTick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.prices[p.next]
	if p.next < len(p.prices)-1 {
		p.next++
	}

	return types.LiveTick{Ticker: ticker, Price: price, Timestamp: time.Now()}, nil
}

// memoryStore is an in-memory ConditionStore recording SetArmed calls.
type memoryStore struct {
	mu         sync.Mutex
	conditions map[string][]*alert.Condition
	loadErr    error
	disarmed   []uuid.UUID
}

func (m *memoryStore) ConditionsForTicker(_ context.Context, ticker string) ([]*alert.Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}

	return m.conditions[ticker], nil
}

func (m *memoryStore) SetArmed(_ context.Context, id uuid.UUID, armed bool, _ optional.Option[time.Time]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !armed {
		m.disarmed = append(m.disarmed, id)
	}

	return nil
}

func (m *memoryStore) disarmedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uuid.UUID(nil), m.disarmed...)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Notification) error { return nil }

type WatchTestSuite struct {
	suite.Suite

	source *pollSource
	store  *memoryStore
}

func TestWatchSuite(t *testing.T) {
	suite.Run(t, new(WatchTestSuite))
}

func (suite *WatchTestSuite) SetupTest() {
	suite.source = &pollSource{prices: []float64{148, 151, 152}}
	suite.store = &memoryStore{conditions: make(map[string][]*alert.Condition)}
}

func (suite *WatchTestSuite) newSession(callbacks Callbacks) *Session {
	return NewSession(suite.source, suite.store, nopNotifier{}, logger.NewNopLogger(), Config{
		StreamingEnabled: false,
		PollInterval:     5 * time.Millisecond,
	}, callbacks)
}

func (suite *WatchTestSuite) addCondition(ticker, threshold string) *alert.Condition {
	cond, err := alert.NewCondition(ticker, alert.KindAbove, decimal.RequireFromString(threshold))
	suite.Require().NoError(err)

	suite.store.conditions[cond.Ticker] = append(suite.store.conditions[cond.Ticker], cond)

	return cond
}

func (suite *WatchTestSuite) TestFiresOnceAndPersistsDisarm() {
	cond := suite.addCondition("AAPL", "150")

	var (
		mu     sync.Mutex
		alerts int
		ticks  int
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := suite.newSession(Callbacks{
		OnTick: func(types.LiveTick) {
			mu.Lock()
			ticks++
			mu.Unlock()
		},
		OnAlert: func(fired *alert.Condition, tick types.LiveTick) {
			suite.Equal(cond.ID, fired.ID)
			suite.GreaterOrEqual(tick.Price, 150.0)

			mu.Lock()
			alerts++
			mu.Unlock()
		},
	})

	done := make(chan error, 1)

	go func() { done <- session.Run(ctx, []string{"aapl"}) }()

	// Wait until the 152 ticks have been flowing for a while: the
	// sustained breach must produce exactly one alert.
	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()

		return ticks >= 5
	}, 2*time.Second, time.Millisecond)

	cancel()
	suite.NoError(<-done, "cancellation is the normal way to stop")

	mu.Lock()
	suite.Equal(1, alerts)
	mu.Unlock()

	suite.Equal([]uuid.UUID{cond.ID}, suite.store.disarmedIDs())
	suite.False(cond.Armed)
}

func (suite *WatchTestSuite) TestDisarmedConditionsAreNotLoaded() {
	cond := suite.addCondition("AAPL", "150")
	cond.Armed = false

	var mu sync.Mutex
	alerts := 0
	ticks := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := suite.newSession(Callbacks{
		OnTick: func(types.LiveTick) {
			mu.Lock()
			ticks++
			mu.Unlock()
		},
		OnAlert: func(*alert.Condition, types.LiveTick) {
			mu.Lock()
			alerts++
			mu.Unlock()
		},
	})

	done := make(chan error, 1)

	go func() { done <- session.Run(ctx, []string{"AAPL"}) }()

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()

		return ticks >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	suite.NoError(<-done)

	mu.Lock()
	suite.Equal(0, alerts)
	mu.Unlock()
}

func (suite *WatchTestSuite) TestStateChangeCallback() {
	var mu sync.Mutex
	var states []livefeed.FeedState

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := suite.newSession(Callbacks{
		OnStateChange: func(_ string, _, to livefeed.FeedState) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	})

	done := make(chan error, 1)

	go func() { done <- session.Run(ctx, []string{"AAPL"}) }()

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(states) >= 1
	}, 2*time.Second, time.Millisecond)

	cancel()
	suite.NoError(<-done)

	mu.Lock()
	defer mu.Unlock()
	suite.Equal(livefeed.StatePolling, states[0])
}

func (suite *WatchTestSuite) TestEmptyTickersIsError() {
	session := suite.newSession(Callbacks{})

	err := session.Run(context.Background(), []string{" ", ""})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidRequest))
}

func (suite *WatchTestSuite) TestStoreLoadFailureAborts() {
	suite.store.loadErr = errors.New(errors.ErrCodeStorage, "database locked")

	session := suite.newSession(Callbacks{})

	err := session.Run(context.Background(), []string{"AAPL"})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeStorage))
}

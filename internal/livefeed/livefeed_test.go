package livefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
	"github.com/quantrix-lab/stockdeck/pkg/remote"
)

type streamMsg struct {
	tick types.LiveTick
	err  error
}

// fakeStream is a scriptable TickStream: tests push messages or errors,
// Close unblocks a pending Read like a real socket close does.
type fakeStream struct {
	ticker string
	ch     chan streamMsg
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(ticker string) *fakeStream {
	return &fakeStream{
		ticker: ticker,
		ch:     make(chan streamMsg, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Read() (types.LiveTick, error) {
	select {
	case msg := <-s.ch:
		return msg.tick, msg.err
	case <-s.closed:
		return types.LiveTick{}, errors.Newf(errors.ErrCodeFeedClosed, "live feed for %s closed", s.ticker)
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) push(price float64) {
	s.ch <- streamMsg{tick: types.LiveTick{Ticker: s.ticker, Price: price, Timestamp: time.Now()}}
}

func (s *fakeStream) pushErr(err error) {
	s.ch <- streamMsg{err: err}
}

// fakeSource is a scriptable PriceSource that records the streams it
// hands out and counts calls.
type fakeSource struct {
	mu sync.Mutex

	streams   []*fakeStream
	dialErr   error
	priceFn   func(ticker string) (types.LiveTick, error)
	dialCount int
	pollCount int
}

func (f *fakeSource) OpenLiveFeed(_ context.Context, ticker string) (remote.TickStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dialCount++

	if f.dialErr != nil {
		return nil, f.dialErr
	}

	stream := newFakeStream(ticker)
	f.streams = append(f.streams, stream)

	return stream, nil
}

func (f *fakeSource) GetLivePrice(_ context.Context, ticker string) (types.LiveTick, error) {
	f.mu.Lock()
	fn := f.priceFn
	f.pollCount++
	f.mu.Unlock()

	if fn != nil {
		return fn(ticker)
	}

	return types.LiveTick{Ticker: ticker, Price: 100, Timestamp: time.Now()}, nil
}

func (f *fakeSource) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.streams) == 0 {
		return nil
	}

	return f.streams[len(f.streams)-1]
}

func (f *fakeSource) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dialCount
}

func (f *fakeSource) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pollCount
}

type LiveFeedTestSuite struct {
	suite.Suite

	source  *fakeSource
	manager *Manager
}

func TestLiveFeedSuite(t *testing.T) {
	suite.Run(t, new(LiveFeedTestSuite))
}

func (suite *LiveFeedTestSuite) SetupTest() {
	suite.source = &fakeSource{}
	suite.manager = NewManager(suite.source, logger.NewNopLogger(), Config{
		StreamingEnabled: true,
		PollInterval:     10 * time.Millisecond,
	})
}

func (suite *LiveFeedTestSuite) TearDownTest() {
	suite.manager.Shutdown()
}

// waitForStream waits until the manager has dialed a stream.
func (suite *LiveFeedTestSuite) waitForStream() *fakeStream {
	suite.Require().Eventually(func() bool {
		return suite.source.lastStream() != nil
	}, time.Second, time.Millisecond)

	return suite.source.lastStream()
}

func (suite *LiveFeedTestSuite) TestStreamingDeliversTicks() {
	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	suite.Equal(StateStreamingConnect, suite.manager.State("AAPL"))

	stream := suite.waitForStream()
	stream.push(151.25)

	tick := <-sub.Ticks()
	suite.Equal("AAPL", tick.Ticker)
	suite.Equal(151.25, tick.Price)

	suite.Eventually(func() bool {
		return suite.manager.State("AAPL") == StateStreamingActive
	}, time.Second, time.Millisecond)

	latest, ok := suite.manager.Latest("AAPL")
	suite.True(ok)
	suite.Equal(151.25, latest.Price)
}

func (suite *LiveFeedTestSuite) TestMalformedPayloadDroppedSilently() {
	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()
	stream.pushErr(errors.NewMalformedPayloadError("price", "n/a", "live tick price is not numeric"))
	stream.push(150.00)

	// Only the valid tick arrives; the malformed one caused no update and
	// no state change.
	tick := <-sub.Ticks()
	suite.Equal(150.00, tick.Price)
	suite.Equal(StateStreamingActive, suite.manager.State("AAPL"))

	_, ok := suite.manager.Latest("AAPL")
	suite.True(ok)
}

func (suite *LiveFeedTestSuite) TestStreamErrorFallsBackToPolling() {
	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()
	stream.push(151.00)
	<-sub.Ticks()

	stream.pushErr(errors.New(errors.ErrCodeFeedClosed, "connection reset"))

	suite.Eventually(func() bool {
		return suite.manager.State("AAPL") == StatePolling
	}, time.Second, time.Millisecond)

	// The last streamed tick survives the fallback.
	latest, ok := suite.manager.Latest("AAPL")
	suite.True(ok)
	suite.Equal(151.00, latest.Price)

	// Polling keeps delivering through the same subscription.
	tick := <-sub.Ticks()
	suite.Equal(100.0, tick.Price)
}

func (suite *LiveFeedTestSuite) TestDialFailureFallsBackToPolling() {
	suite.source.dialErr = errors.New(errors.ErrCodeFeedDial, "upgrade refused")

	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	suite.Eventually(func() bool {
		return suite.manager.State("AAPL") == StatePolling
	}, time.Second, time.Millisecond)

	tick := <-sub.Ticks()
	suite.Equal(100.0, tick.Price)
}

func (suite *LiveFeedTestSuite) TestPollingErrorGoesFailedWithoutRetry() {
	suite.manager = NewManager(suite.source, logger.NewNopLogger(), Config{
		StreamingEnabled: false,
		PollInterval:     5 * time.Millisecond,
	})

	suite.source.priceFn = func(string) (types.LiveTick, error) {
		return types.LiveTick{}, errors.New(errors.ErrCodeTransport, "connection refused")
	}

	_, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	suite.Eventually(func() bool {
		return suite.manager.State("AAPL") == StateFailed
	}, time.Second, time.Millisecond)

	// The timer is released: no further polls happen.
	polls := suite.source.polls()
	time.Sleep(30 * time.Millisecond)
	suite.Equal(polls, suite.source.polls())
}

func (suite *LiveFeedTestSuite) TestResubscribeRetriesFailedFeed() {
	suite.manager = NewManager(suite.source, logger.NewNopLogger(), Config{
		StreamingEnabled: false,
		PollInterval:     5 * time.Millisecond,
	})

	suite.source.priceFn = func(string) (types.LiveTick, error) {
		return types.LiveTick{}, errors.New(errors.ErrCodeTransport, "connection refused")
	}

	_, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	suite.Eventually(func() bool {
		return suite.manager.State("AAPL") == StateFailed
	}, time.Second, time.Millisecond)

	suite.source.mu.Lock()
	suite.source.priceFn = nil
	suite.source.mu.Unlock()

	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	tick := <-sub.Ticks()
	suite.Equal(100.0, tick.Price)
	suite.Equal(StatePolling, suite.manager.State("AAPL"))
}

func (suite *LiveFeedTestSuite) TestFanOutSharesOneTransport() {
	sub1, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()

	sub2, err := suite.manager.Subscribe("aapl")
	suite.Require().NoError(err)

	suite.Equal(1, suite.source.dials(), "second subscribe must attach, not dial")

	stream.push(150.50)

	tick1 := <-sub1.Ticks()
	tick2 := <-sub2.Ticks()
	suite.Equal(tick1.Price, tick2.Price)
}

func (suite *LiveFeedTestSuite) TestLastUnsubscribeTearsDownSynchronously() {
	sub1, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	sub2, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()

	sub1.Close()
	suite.False(stream.IsClosed(), "transport survives while a subscriber remains")

	sub2.Close()
	suite.True(stream.IsClosed(), "last unsubscribe must close the transport before returning")
	suite.Equal(StateIdle, suite.manager.State("AAPL"))

	// A fresh subscribe builds a brand new transport.
	_, err = suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)
	suite.Eventually(func() bool { return suite.source.dials() == 2 }, time.Second, time.Millisecond)
}

func (suite *LiveFeedTestSuite) TestSetStreamingEnabledRebuildsFeeds() {
	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()
	stream.push(151.00)
	<-sub.Ticks()

	suite.manager.SetStreamingEnabled(false)

	suite.True(stream.IsClosed(), "old transport must be torn down before the toggle returns")
	suite.Equal(StatePolling, suite.manager.State("AAPL"))

	latest, ok := suite.manager.Latest("AAPL")
	suite.True(ok)
	suite.Equal(151.00, latest.Price, "latest tick survives the rebuild")

	// The surviving subscription keeps receiving from the new transport.
	tick := <-sub.Ticks()
	suite.Equal(100.0, tick.Price)

	// Toggling back rebuilds a streaming transport.
	suite.manager.SetStreamingEnabled(true)
	suite.Eventually(func() bool { return suite.source.dials() == 2 }, time.Second, time.Millisecond)
	suite.Equal(StateStreamingConnect, suite.manager.State("AAPL"))
}

func (suite *LiveFeedTestSuite) TestPollingPreferredNeverDials() {
	suite.manager = NewManager(suite.source, logger.NewNopLogger(), Config{
		StreamingEnabled: false,
		PollInterval:     5 * time.Millisecond,
	})

	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	suite.Equal(StatePolling, suite.manager.State("AAPL"))

	<-sub.Ticks()
	suite.Equal(0, suite.source.dials())
}

func (suite *LiveFeedTestSuite) TestShutdownClosesEverything() {
	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()

	suite.manager.Shutdown()

	suite.True(stream.IsClosed())

	_, open := <-sub.Ticks()
	suite.False(open, "subscriber channels close on shutdown")

	_, err = suite.manager.Subscribe("MSFT")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeFeedClosed))
}

func (suite *LiveFeedTestSuite) TestStateChangeCallbackObservesTransitions() {
	var mu sync.Mutex
	var transitions []FeedState

	suite.manager = NewManager(suite.source, logger.NewNopLogger(), Config{
		StreamingEnabled: true,
		PollInterval:     10 * time.Millisecond,
		OnStateChange: func(_ string, _, to FeedState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})

	sub, err := suite.manager.Subscribe("AAPL")
	suite.Require().NoError(err)

	stream := suite.waitForStream()
	stream.push(150.00)
	<-sub.Ticks()

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(transitions) >= 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	suite.Equal([]FeedState{StateStreamingConnect, StateStreamingActive}, transitions[:2])
}

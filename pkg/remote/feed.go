package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// TickStream is a live price feed scoped to one ticker. Read blocks until
// the next message arrives; a malformed message yields a
// MalformedPayloadError (callers drop it and read again), any other error
// means the transport is gone and the stream must be closed.
type TickStream interface {
	Read() (types.LiveTick, error)
	Close() error
}

// wsTickStream reads ticks from a websocket connection.
type wsTickStream struct {
	conn   *websocket.Conn
	ticker string
}

// OpenLiveFeed opens the persistent websocket feed for a ticker. The
// context only governs the dial; cancel the stream by closing it.
func (c *Client) OpenLiveFeed(ctx context.Context, ticker string) (TickStream, error) {
	scheme := "ws"
	if c.backend.Scheme == "https" {
		scheme = "wss"
	}

	feedURL := fmt.Sprintf("%s://%s:%d/api/stocks/%s/live",
		scheme, c.backend.Host, c.backend.Port, url.PathEscape(ticker))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(errors.ErrCodeFeedDial, err, "dial live feed for %s (status %d)", ticker, resp.StatusCode)
		}

		return nil, errors.Wrapf(errors.ErrCodeFeedDial, err, "dial live feed for %s", ticker)
	}

	return &wsTickStream{
		conn:   conn,
		ticker: ticker,
	}, nil
}

// Read returns the next tick from the feed.
func (s *wsTickStream) Read() (types.LiveTick, error) {
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return types.LiveTick{}, errors.Wrapf(errors.ErrCodeFeedClosed, err, "live feed for %s closed", s.ticker)
	}

	var payload tickPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return types.LiveTick{}, errors.NewMalformedPayloadErrorf("message", string(message),
			"undecodable live feed message: %v", err)
	}

	return payload.toTick(s.ticker, time.Now())
}

// Close releases the connection. Closing unblocks a pending Read with a
// transport error.
func (s *wsTickStream) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	return s.conn.Close()
}

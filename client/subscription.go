package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/easelworks/easel/notify"
)

// Subscription is a live stream of the caller's job events.
type Subscription struct {
	ws     *websocket.Conn
	ch     chan notify.Event
	logger *slog.Logger
	closed atomic.Bool
}

// Subscribe opens a websocket to the server and streams job events for
// the authenticated owner. The channel closes when the connection
// drops; callers that need delivery guarantees combine this with
// WaitForResult.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("easel/client: subscribe: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("easel/client: subscribe: %w", err)
	}
	resp.Body.Close()

	sub := &Subscription{
		ws:     ws,
		ch:     make(chan notify.Event, 64),
		logger: c.logger,
	}
	go sub.readLoop()
	return sub, nil
}

// C returns the event channel.
func (s *Subscription) C() <-chan notify.Event { return s.ch }

// Close tears the websocket down and closes the channel.
func (s *Subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.ws.Close()
}

func (s *Subscription) readLoop() {
	defer close(s.ch)
	for {
		var evt notify.Event
		if err := s.ws.ReadJSON(&evt); err != nil {
			if !s.closed.Load() {
				s.logger.Warn("subscription read failed", slog.String("error", err.Error()))
				_ = s.ws.Close()
				s.closed.Store(true)
			}
			return
		}
		select {
		case s.ch <- evt:
		default:
			// Slow consumer, drop rather than stall the read loop.
		}
	}
}

// websocketURL derives the ws endpoint from the base URL, carrying the
// token as a query parameter since browsers and the gorilla dialer do
// not send custom headers during the handshake by default.
func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("easel/client: invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

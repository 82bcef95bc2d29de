package conn

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easelworks/easel/notify"
)

// DefaultWriteTimeout bounds how long a single event write may take
// before the connection is considered unresponsive.
const DefaultWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsConn adapts a gorilla websocket to the Conn interface. Writes are
// serialized and bounded by a deadline; a write that misses it fails
// and gets the connection dropped.
type wsConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
}

// NewWSConn wraps a websocket connection for directory delivery.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws, timeout: DefaultWriteTimeout}
}

func (c *wsConn) Send(evt notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(evt)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	//nolint:errcheck // best-effort close frame before tearing down
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// WSHandler upgrades requests to websockets, authenticates them, and
// registers them with the directory for the lifetime of the socket.
// Inbound messages are discarded; the socket exists to push events.
func WSHandler(dir *Directory, auth Authenticator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := auth.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
			return
		}

		c := NewWSConn(ws)
		connID, err := dir.Register(r.Context(), owner, c)
		if err != nil {
			logger.Error("failed to register connection",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
			_ = c.Close()
			return
		}
		defer dir.Unregister(owner, connID)

		// Block reading until the peer goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}
}

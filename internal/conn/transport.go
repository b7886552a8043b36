package conn

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn is one established relay connection.
type Conn interface {
	// Send writes one message frame.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next message frame arrives.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Transport dials relay connections. The websocket transport is the
// production implementation; tests substitute fakes.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials relays over websocket.
type WebsocketTransport struct{}

func (WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	// Handshakes carry full document states, which outgrow the default
	// read limit.
	ws.SetReadLimit(4 << 20)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "leaving")
}

package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout is the maximum duration of a websocket handshake.
	handshakeTimeout = time.Second * 10
	// writeTimeout is the maximum duration of a single frame write.
	writeTimeout = time.Second * 5
)

// Conn defines the requirements of a streaming connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives.
	ReadMessage() (messageType int, data []byte, err error)
	// WriteJSON writes the provided value as a json text frame.
	WriteJSON(v any) error
	// Close closes the connection, unblocking pending reads.
	Close() error
}

// Dialer defines the requirements for opening streaming connections.
type Dialer interface {
	// Dial opens a connection to the provided url.
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer opens websocket connections.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// Ensure the WebsocketDialer implements the Dialer interface.
var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer initializes a new websocket dialer.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens a websocket connection to the provided url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return &websocketConn{conn: conn}, nil
}

// websocketConn wraps a websocket connection with bounded writes.
type websocketConn struct {
	conn *websocket.Conn
}

// ReadMessage blocks until the next frame arrives.
func (c *websocketConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// WriteJSON writes the provided value as a json text frame.
func (c *websocketConn) WriteJSON(v any) error {
	err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil {
		return err
	}

	return c.conn.WriteJSON(v)
}

// Close closes the connection.
func (c *websocketConn) Close() error {
	return c.conn.Close()
}

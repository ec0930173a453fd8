package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal transport surface the manager needs from a socket.
//
// Keeping it narrow makes the manager testable against in-memory fakes while
// production uses gorilla/websocket.
type Conn interface {
	// ReadMessage blocks for the next frame. On connection loss it returns an
	// error carrying the close code when one was received.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one text frame.
	WriteMessage(data []byte) error
	// Ping writes a ping control frame.
	Ping() error
	// Close sends a close frame with the given code and tears the socket down.
	Close(code int, reason string) error
}

// Dialer establishes transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

const (
	// writeTimeout bounds individual frame writes.
	writeTimeout = 10 * time.Second

	// dialTimeout bounds the websocket handshake.
	dialTimeout = 15 * time.Second
)

// wsDialer is the production Dialer backed by gorilla/websocket.
type wsDialer struct{}

// NewDialer returns the production websocket dialer.
func NewDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return c.conn.Close()
}

// closeCode extracts the websocket close code from a read error. Errors that
// carry no close frame (dropped TCP, timeouts) count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

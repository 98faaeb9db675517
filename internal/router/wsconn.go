package router

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// safeConn wraps a *websocket.Conn so concurrent writers (the request
// receiver and the event forwarder both write responses/events) never race
// on the underlying connection, and Close is safe to call more than once.
type safeConn struct {
	*websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newSafeConn(c *websocket.Conn) *safeConn {
	return &safeConn{Conn: c}
}

// WriteJSON serializes v and writes it as a text frame under the write lock.
func (c *safeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

// Close closes the underlying connection exactly once.
func (c *safeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.Conn.Close()
	})
	return err
}

// IsClosed reports whether Close has already run.
func (c *safeConn) IsClosed() bool {
	return c.closed.Load()
}

// isExpectedWSClose classifies a read/write error as an ordinary connection
// teardown (client went away, normal/going-away close codes) versus a
// genuine transport fault worth logging loudly.
func isExpectedWSClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

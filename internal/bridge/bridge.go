// Package bridge presents a framed websocket transport as the plain byte
// stream the RFB handshake and proxy loop are written against.
package bridge

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a websocket connection as a net.Conn. Reads flatten inbound
// binary frames into one byte queue; each Write leaves as exactly one binary
// frame. Callers needing read-exactly-n semantics use io.ReadFull, which
// blocks pulling further frames until the count is satisfied.
type Conn struct {
	ws  *websocket.Conn
	buf []byte // unconsumed tail of the last inbound frame
}

func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Drain hands back any bytes read ahead of the consumer and resets the
// queue. Called at the negotiation-to-proxy handoff so read-ahead is
// forwarded instead of lost.
func (c *Conn) Drain() []byte {
	b := c.buf
	c.buf = nil
	return b
}

func (c *Conn) Close() error {
	// Best effort close frame so well-behaved peers see a clean shutdown.
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

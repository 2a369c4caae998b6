package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbaliyan/tagbus/transport"
)

// ErrSendBufferFull is reported when a connection's outbound queue is full
var ErrSendBufferFull = errors.New("send buffer full")

// peerConn owns one websocket connection. Only writePump writes to the
// socket; readPump is the only reader.
type peerConn struct {
	id      transport.PeerID
	ws      *websocket.Conn
	send    chan []byte
	msgType int
	opts    *options
	logger  *slog.Logger

	// admitted peers receive broadcasts
	admitted atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newPeerConn(id transport.PeerID, ws *websocket.Conn, o *options, logger *slog.Logger) *peerConn {
	msgType := websocket.TextMessage
	if o.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	return &peerConn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, o.sendBuffer),
		msgType: msgType,
		opts:    o,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// enqueue queues data without blocking.
func (c *peerConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrTransportClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *peerConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *peerConn) pingPeriod() time.Duration {
	return c.opts.pongWait * 9 / 10
}

func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeWait))
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeWait))
			if err := c.ws.WriteMessage(c.msgType, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump calls onMessage for every inbound message until the connection
// fails or is closed.
func (c *peerConn) readPump(onMessage func([]byte)) {
	defer c.close()

	c.ws.SetReadLimit(c.opts.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection lost", "error", err)
			}
			return
		}
		onMessage(data)
	}
}

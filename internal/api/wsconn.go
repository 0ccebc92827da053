package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/relay"
)

const (
	// pongDelay is how long a subscriber may stay silent before we give
	// up on it. It must exceed pingPeriod.
	pongDelay      = 90 * time.Second
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second
	sendBuffer     = 256
	maxMessageSize = 4096
)

// wsConn adapts a gorilla socket to relay.Conn. Only writePump writes to
// the socket and only readPump reads from it.
type wsConn struct {
	socket *websocket.Conn
	logger *logrus.Entry

	mu     sync.Mutex
	send   chan []byte
	closed chan struct{}
	done   bool

	pumpDone chan struct{}
}

func newWSConn(socket *websocket.Conn, logger *logrus.Entry) *wsConn {
	return &wsConn{
		socket:   socket,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Send queues payload without waiting on the network.
func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return relay.ErrSubscriberClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return relay.ErrSubscriberBacklogged
	}
}

// Close asks writePump to flush, send a close frame and release the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.done {
		c.done = true
		close(c.closed)
	}
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.logger.Debugf("failed to write message: %v", err)
				c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.socket.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected once the other end goes away.
				c.logger.Debugf("failed to write ping: %v", err)
				c.Close()
				return
			}

		case <-c.closed:
			c.flush()
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.socket.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (c *wsConn) write(payload []byte) error {
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

// flush writes whatever was queued before Close.
func (c *wsConn) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump blocks until the peer goes away or the socket is closed. Inbound
// messages are discarded; subscribers only listen.
func (c *wsConn) readPump(onPong func()) {
	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongDelay))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongDelay))
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("websocket read error: %v", err)
			}
			return
		}
	}
}

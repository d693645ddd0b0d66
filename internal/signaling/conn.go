package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

var (
	errConnClosed    = errors.New("signaling connection closed")
	errSendQueueFull = errors.New("signaling send queue full")
)

// wsConn is one signaling WebSocket. The read pump runs on the HTTP handler
// goroutine; the write pump owns every data frame sent to the peer.
type wsConn struct {
	id   pairing.ConnID
	srv  *Server
	conn *websocket.Conn

	// send is never closed; done signals shutdown to the write pump.
	send chan []byte
	done chan struct{}

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// enqueue queues data for the write pump without blocking.
func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsConn) readPump() {
	defer c.srv.disconnect(c)

	idle := c.srv.idleTimeout
	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				c.srv.metrics.Inc(metrics.MessageTooLarge)
			case isTimeout(err):
				c.srv.metrics.Inc(metrics.IdleTimeout)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the frame is drained from the socket and
		// the client can observe the close code.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(relay.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(relay.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := relay.ParseMessage(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(relay.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		c.srv.handle(c.id, msg)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail sends an error message ahead of anything still queued, then closes the
// socket with closeCode.
func (c *wsConn) fail(code relay.ErrorCode, message string, closeCode int, closeReason string) {
	if data, err := relay.EncodeMessage(relay.ErrorMessage(code, message)); err == nil {
		_ = c.write(data)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

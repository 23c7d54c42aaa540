package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type consumerEntry struct {
	transport ports.Transport
	// room is set by the first consume on the transport
	room      domain.RoomID
	producers map[domain.ProducerID]domain.MediaKind
}

// client is one signaling connection. Writes go through send and are
// performed by writePump only.
type client struct {
	id      domain.ConnID
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu                sync.Mutex
	closed            bool
	producerTransport ports.Transport
	// producers registered through producerTransport
	producers         []*domain.Producer
	consumers         map[domain.TransportID]*consumerEntry
	lastConsumer      domain.TransportID
	rooms             map[domain.RoomID]struct{}
	inflight          sync.WaitGroup
}

func (c *client) inRoom(roomID domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *client) joinRoom(roomID domain.RoomID) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// enqueue hands msg to the writer. A full buffer means the peer stopped
// reading; the connection is dropped rather than blocking the caller.
func (c *client) enqueue(msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("failed to encode message", "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warnw("send buffer full, dropping connection", "buffer", cap(c.send))
		c.cancel()
		return false
	}
}

func (c *client) readPump(opts Options, handle func(Request)) error {
	if opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(opts.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(Response{Type: typeResponse, Error: "malformed message"})
			continue
		}
		if req.Type == "" {
			c.enqueue(Response{Type: typeResponse, ID: req.ID, Error: "message type is required"})
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.enqueue(Response{Type: typeResponse, ID: req.ID, Error: "rate limit exceeded"})
			continue
		}
		handle(req)
	}
}

func (c *client) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("write failed", "error", err)
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteTimeout))
			return
		}
	}
}

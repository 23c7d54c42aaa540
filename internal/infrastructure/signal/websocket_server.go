package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	StoreTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		StoreTimeout:   2 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 256 * 1024,
	}
}

type Dependencies struct {
	Engine   ports.MediaEngine
	Registry *services.RoomRegistry
	Presence *services.PresenceService
	Encoders ports.EncoderSupervisor
	Store    ports.SessionStore
	Metrics  ports.Metrics
	Logger   *zap.SugaredLogger
}

// Server is the signaling gateway. It owns every client connection and
// implements ports.Broadcaster for them.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	engine   ports.MediaEngine
	registry *services.RoomRegistry
	presence *services.PresenceService
	encoders ports.EncoderSupervisor
	store    ports.SessionStore
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[domain.ConnID]*client
	closed  bool
	wg      sync.WaitGroup
}

var _ ports.Broadcaster = (*Server)(nil)

func NewServer(deps Dependencies, opts Options) *Server {
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = opts.PingInterval * 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}

	s := &Server{
		opts:     opts,
		engine:   deps.Engine,
		registry: deps.Registry,
		presence: deps.Presence,
		encoders: deps.Encoders,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clients:  make(map[domain.ConnID]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := domain.ConnID(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, s.opts.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    s.logger.With("conn_id", id),
		consumers: make(map[domain.TransportID]*consumerEntry),
		rooms:     make(map[domain.RoomID]struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		burst := s.opts.Burst
		if burst <= 0 {
			burst = int(s.opts.MessagesPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.clients[id] = c
	count := len(s.clients)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.metrics.SetConnections(count)
	c.logger.Infow("client connected", "remote_addr", r.RemoteAddr)

	go c.writePump(s.opts)

	err = c.readPump(s.opts, func(req Request) { s.serveRequest(c, req) })
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		c.logger.Infow("connection closed unexpectedly", "error", err)
	}
	c.cancel()
	s.disconnect(c)
}

// disconnect releases everything the client held. Consumer transports and
// the producer transport close at once; producers get the grace window.
func (s *Server) disconnect(c *client) {
	c.mu.Lock()
	c.closed = true
	producerTransport := c.producerTransport
	c.producerTransport = nil
	c.producers = nil
	// committed transports are closed by the registry
	uncommitted := make([]ports.Transport, 0, len(c.consumers))
	for _, e := range c.consumers {
		if e.room == "" {
			uncommitted = append(uncommitted, e.transport)
		}
	}
	c.consumers = make(map[domain.TransportID]*consumerEntry)
	c.mu.Unlock()

	// in-flight requests see the cancelled context or the closed flag
	c.inflight.Wait()

	s.mu.Lock()
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetConnections(count)

	removal := s.registry.RemoveOwner(c.id)
	for _, t := range uncommitted {
		if err := t.Close(); err != nil {
			c.logger.Debugw("failed to close consumer transport", "transport_id", t.ID(), "error", err)
		}
	}
	if producerTransport != nil {
		if err := producerTransport.Close(); err != nil {
			c.logger.Warnw("failed to close producer transport", "transport_id", producerTransport.ID(), "error", err)
		}
	}
	for _, roomID := range removal.Rooms {
		s.presence.Leave(roomID, c.id)
	}

	c.logger.Infow("client disconnected",
		"consumer_transports", len(removal.Transports)+len(uncommitted),
		"scheduled_evictions", len(removal.Scheduled),
		"rooms_left", len(removal.Rooms),
	)
}

// HandleEviction is registered with the room registry. It tells the room the
// producer is gone.
func (s *Server) HandleEviction(ev domain.Eviction) {
	s.BroadcastToRoom(ev.RoomID, domain.EventProducerClosed, domain.ProducerClosedEvent{RoomID: ev.RoomID, Kind: ev.Kind})
}

func (s *Server) snapshot() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// BroadcastToRoom sends an event to every connection joined to the room.
func (s *Server) BroadcastToRoom(roomID domain.RoomID, event string, payload interface{}) {
	msg := Event{Type: event, Payload: payload}
	for _, c := range s.snapshot() {
		if c.inRoom(roomID) {
			c.enqueue(msg)
		}
	}
}

// BroadcastExcept sends an event to every connection but exclude.
func (s *Server) BroadcastExcept(exclude domain.ConnID, event string, payload interface{}) {
	msg := Event{Type: event, Payload: payload}
	for _, c := range s.snapshot() {
		if c.id != exclude {
			c.enqueue(msg)
		}
	}
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes every connection and waits for their cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("signaling shutdown incomplete"), ctx.Err())
	}
}

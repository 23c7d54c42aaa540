package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds engine settings.
type Config struct {
	ICEServers []domain.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	AnnouncedIPs     []string
	NegotiateTimeout time.Duration
	TapHost          string
	TapDir           string
}

// Engine is a pion-based SFU. Each transport is one PeerConnection; each
// producer is a remote track fanned out through a TrackLocalStaticRTP.
type Engine struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	closed     bool
}

var _ ports.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = 5 * time.Second
	}
	if cfg.TapHost == "" {
		cfg.TapHost = "127.0.0.1"
	}

	m := &webrtc.MediaEngine{}
	for _, c := range supportedCodecs {
		if err := m.RegisterCodec(c.params, codecType(c.kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.params.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}
	if len(cfg.AnnouncedIPs) > 0 {
		se.SetNAT1To1IPs(cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}

	return &Engine{
		cfg:        cfg,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		logger:     logger,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
	}, nil
}

func (e *Engine) Capabilities() domain.Capabilities {
	return capabilities()
}

func (e *Engine) CreateTransport(ctx context.Context, role domain.TransportRole) (ports.Transport, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(e.cfg.ICEServers))
	for _, s := range e.cfg.ICEServers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, ice)
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, domain.NewEngineError("create transport", err)
	}

	t := newTransport(e, domain.TransportID(uuid.NewString()), role, pc)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = pc.Close()
		return nil, domain.NewEngineError("create transport", domain.ErrConnectionClosed)
	}
	e.transports[t.id] = t
	e.mu.Unlock()

	e.logger.Debugw("transport created", "transport_id", t.id, "role", role)
	return t, nil
}

// CanConsume reports whether caps include the producer's codec.
func (e *Engine) CanConsume(producerID domain.ProducerID, caps domain.Capabilities) bool {
	p := e.producer(producerID)
	if p == nil {
		return false
	}
	return supports(caps, p.kind, p.codec.params.MimeType)
}

func (e *Engine) producer(id domain.ProducerID) *producer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.producers[id]
}

func (e *Engine) addProducer(p *producer) {
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()
}

func (e *Engine) removeProducer(id domain.ProducerID) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
}

func (e *Engine) removeTransport(id domain.TransportID) {
	e.mu.Lock()
	delete(e.transports, id)
	e.mu.Unlock()
}

// Close closes every transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	transports := make([]*transport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	e.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			e.logger.Warnw("failed to close transport", "transport_id", t.id, "error", err)
		}
	}
	return nil
}

// negotiate waits for ICE gathering so the returned description carries
// every local candidate.
func (e *Engine) negotiate(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*domain.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.cfg.NegotiateTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		e.logger.Warnw("ice gathering timed out, returning partial candidates", "timeout", e.cfg.NegotiateTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("no local description")
	}
	return &domain.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

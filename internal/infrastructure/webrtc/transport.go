package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

type transport struct {
	id     domain.TransportID
	role   domain.TransportRole
	engine *Engine
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	connected bool
	closed    bool
	// producer role: remote tracks by kind, and the producers bound to them
	remotes   map[domain.MediaKind]*webrtc.TrackRemote
	producers map[domain.MediaKind]*producer
	// consumer role
	senders map[domain.ProducerID]*webrtc.RTPSender
}

var _ ports.Transport = (*transport)(nil)

func newTransport(e *Engine, id domain.TransportID, role domain.TransportRole, pc *webrtc.PeerConnection) *transport {
	t := &transport{
		id:        id,
		role:      role,
		engine:    e,
		pc:        pc,
		remotes:   make(map[domain.MediaKind]*webrtc.TrackRemote),
		producers: make(map[domain.MediaKind]*producer),
		senders:   make(map[domain.ProducerID]*webrtc.RTPSender),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debugw("transport connection state changed",
			"transport_id", id,
			"role", role,
			"state", state.String(),
		)
	})
	if role == domain.RoleProducer {
		pc.OnTrack(t.onTrack)
	}
	return t
}

func (t *transport) ID() domain.TransportID     { return t.id }
func (t *transport) Role() domain.TransportRole { return t.role }

func (t *transport) Params() domain.TransportParams {
	return domain.TransportParams{ID: t.id, ICEServers: t.engine.cfg.ICEServers}
}

func (t *transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect applies the client's description. A producer transport takes the
// client's offer and returns the answer; a consumer transport takes the
// client's answer to the offer returned by PendingOffer.
func (t *transport) Connect(ctx context.Context, remote domain.SessionDescription) (*domain.SessionDescription, error) {
	if remote.SDP == "" {
		return nil, domain.NewEngineError("connect", errors.New("missing sdp"))
	}

	switch t.role {
	case domain.RoleProducer:
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remote.SDP}); err != nil {
			return nil, domain.NewEngineError("connect", err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, domain.NewEngineError("connect", err)
		}
		local, err := t.engine.negotiate(ctx, t.pc, answer)
		if err != nil {
			return nil, domain.NewEngineError("connect", err)
		}
		t.markConnected()
		return local, nil

	default:
		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remote.SDP}); err != nil {
			return nil, domain.NewEngineError("connect", err)
		}
		t.markConnected()
		return nil, nil
	}
}

func (t *transport) markConnected() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

// onTrack binds an incoming remote track to the producer of its kind, or
// parks it until produce is called.
func (t *transport) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind, ok := mediaKind(remote.Kind())
	if !ok {
		return
	}
	t.engine.logger.Infow("remote track started",
		"transport_id", t.id,
		"kind", kind,
		"codec", remote.Codec().MimeType,
		"ssrc", uint32(remote.SSRC()),
	)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.remotes[kind] = remote
	p := t.producers[kind]
	t.mu.Unlock()

	if p != nil {
		p.bind(remote)
	}
}

// Produce registers a producer for kind on this transport.
func (t *transport) Produce(_ context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.ProducerHandle, error) {
	if t.role != domain.RoleProducer {
		return nil, domain.NewEngineError("produce", errors.New("not a producer transport"))
	}
	c, ok := lookupCodec(kind, params.MimeType)
	if !ok {
		return nil, domain.NewEngineError("produce", fmt.Errorf("unsupported %s codec %q", kind, params.MimeType))
	}

	id := domain.ProducerID(uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticRTP(c.params.RTPCodecCapability, string(kind), string(id))
	if err != nil {
		return nil, domain.NewEngineError("produce", err)
	}
	p := newProducer(t, id, kind, c, local)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.NewEngineError("produce", domain.ErrConnectionClosed)
	}
	prev := t.producers[kind]
	t.producers[kind] = p
	remote := t.remotes[kind]
	t.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	t.engine.addProducer(p)
	if remote != nil {
		p.bind(remote)
	}
	return p, nil
}

func (t *transport) releaseProducer(p *producer) {
	t.mu.Lock()
	if t.producers[p.kind] == p {
		delete(t.producers, p.kind)
	}
	t.mu.Unlock()
}

// requestKeyframe sends a PLI for the remote track of kind.
func (t *transport) requestKeyframe(ssrc webrtc.SSRC) {
	err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
	if err != nil && !errors.Is(err, errClosedPipe) {
		t.engine.logger.Debugw("failed to send PLI", "transport_id", t.id, "error", err)
	}
}

// Consume attaches the producer's track to this consumer transport. The
// offer covering the new track is obtained with PendingOffer.
func (t *transport) Consume(_ context.Context, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerParams, error) {
	if t.role != domain.RoleConsumer {
		return domain.ConsumerParams{}, domain.NewEngineError("consume", errors.New("not a consumer transport"))
	}
	p := t.engine.producer(producerID)
	if p == nil {
		return domain.ConsumerParams{}, domain.ErrProducerNotFound
	}
	if !supports(caps, p.kind, p.codec.params.MimeType) {
		return domain.ConsumerParams{}, domain.ErrCannotConsume
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ConsumerParams{}, domain.NewEngineError("consume", domain.ErrConnectionClosed)
	}
	sender, exists := t.senders[producerID]
	t.mu.Unlock()

	if !exists {
		var err error
		sender, err = t.pc.AddTrack(p.local)
		if err != nil {
			return domain.ConsumerParams{}, domain.NewEngineError("consume", err)
		}
		t.mu.Lock()
		t.senders[producerID] = sender
		t.mu.Unlock()
		go t.readSenderRTCP(sender, p)
	}

	params := domain.ConsumerParams{
		ID:         domain.ConsumerID(uuid.NewString()),
		ProducerID: producerID,
		Kind:       p.kind,
		RTPParameters: domain.RTPParameters{
			MimeType:    p.codec.params.MimeType,
			ClockRate:   p.codec.params.ClockRate,
			Channels:    p.codec.params.Channels,
			PayloadType: uint8(p.codec.params.PayloadType),
		},
	}
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		params.RTPParameters.SSRC = uint32(enc[0].SSRC)
	}
	p.requestKeyframe()
	return params, nil
}

// readSenderRTCP drains RTCP so interceptors keep working and relays
// keyframe requests to the producer.
func (t *transport) readSenderRTCP(sender *webrtc.RTPSender, p *producer) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.requestKeyframe()
			}
		}
	}
}

func (t *transport) PendingOffer(ctx context.Context) (*domain.SessionDescription, error) {
	if t.role != domain.RoleConsumer {
		return nil, domain.NewEngineError("offer", errors.New("not a consumer transport"))
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, domain.NewEngineError("offer", err)
	}
	local, err := t.engine.negotiate(ctx, t.pc, offer)
	if err != nil {
		return nil, domain.NewEngineError("offer", err)
	}
	return local, nil
}

// Close closes the PeerConnection and every producer created on it.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	t.engine.removeTransport(t.id)

	if err := t.pc.Close(); err != nil {
		return domain.NewEngineError("close transport", err)
	}
	return nil
}

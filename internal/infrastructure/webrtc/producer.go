package webrtc

import (
	"errors"
	"io"
	"net"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/optimize"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errClosedPipe = io.ErrClosedPipe

// packetPool holds marshal buffers for tap sinks, sized for one MTU.
var packetPool = optimize.NewBytePool(1500)

// producer forwards one remote track to every consumer through a shared
// TrackLocalStaticRTP, and to any tap sinks attached to it.
type producer struct {
	id    domain.ProducerID
	kind  domain.MediaKind
	codec codec
	local *webrtc.TrackLocalStaticRTP
	owner *transport

	mu     sync.Mutex
	remote *webrtc.TrackRemote
	sinks  map[*sink]struct{}
	closed bool
}

var _ ports.ProducerHandle = (*producer)(nil)

func newProducer(owner *transport, id domain.ProducerID, kind domain.MediaKind, c codec, local *webrtc.TrackLocalStaticRTP) *producer {
	return &producer{
		id:    id,
		kind:  kind,
		codec: c,
		local: local,
		owner: owner,
		sinks: make(map[*sink]struct{}),
	}
}

func (p *producer) ID() domain.ProducerID  { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

// bind starts forwarding from remote. Only the first bind takes effect.
func (p *producer) bind(remote *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed || p.remote != nil {
		p.mu.Unlock()
		return
	}
	p.remote = remote
	p.mu.Unlock()

	go p.forward(remote)
	p.requestKeyframe()
}

func (p *producer) forward(remote *webrtc.TrackRemote) {
	logger := p.owner.engine.logger
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugw("remote track read stopped", "producer_id", p.id, "error", err)
			}
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		sinks := make([]*sink, 0, len(p.sinks))
		for s := range p.sinks {
			sinks = append(sinks, s)
		}
		p.mu.Unlock()

		for _, s := range sinks {
			s.write(pkt)
		}
		if err := p.local.WriteRTP(pkt); err != nil && !errors.Is(err, errClosedPipe) {
			logger.Debugw("failed to forward rtp", "producer_id", p.id, "error", err)
		}
	}
}

func (p *producer) attach(s *sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sinks[s] = struct{}{}
	return true
}

func (p *producer) detach(s *sink) {
	p.mu.Lock()
	delete(p.sinks, s)
	p.mu.Unlock()
}

// requestKeyframe asks the publisher for a fresh keyframe. No-op for audio
// or before the remote track arrives.
func (p *producer) requestKeyframe() {
	if p.kind != domain.KindVideo {
		return
	}
	p.mu.Lock()
	remote := p.remote
	closed := p.closed
	p.mu.Unlock()
	if remote == nil || closed {
		return
	}
	p.owner.requestKeyframe(remote.SSRC())
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.sinks = make(map[*sink]struct{})
	p.mu.Unlock()

	p.owner.engine.removeProducer(p.id)
	p.owner.releaseProducer(p)
	p.owner.engine.logger.Debugw("producer closed", "producer_id", p.id, "kind", p.kind)
	return nil
}

// sink writes a producer's packets to a local UDP port with the payload type
// announced in the tap's session file. Video is held back until a keyframe.
type sink struct {
	conn     *net.UDPConn
	pt       uint8
	mimeType string

	mu      sync.Mutex
	started bool
}

func (s *sink) write(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if !isKeyframe(s.mimeType, pkt) {
			return
		}
		s.started = true
	}

	out := *pkt
	out.Header.PayloadType = s.pt

	buf := packetPool.Get()
	defer packetPool.Put(buf)
	var (
		b   []byte
		err error
	)
	if out.MarshalSize() <= len(*buf) {
		var n int
		n, err = out.MarshalTo(*buf)
		b = (*buf)[:n]
	} else {
		b, err = out.Marshal()
	}
	if err != nil {
		return
	}
	// the reader may not be listening yet; dropped packets are expected
	_, _ = s.conn.Write(b)
}

package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/validation"
)

var (
	testVideoCodec = domain.CodecCapability{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000}
	testAudioCodec = domain.CodecCapability{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
	testCaps       = domain.Capabilities{Codecs: []domain.CodecCapability{testVideoCodec, testAudioCodec}}
)

type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	producers  map[domain.ProducerID]domain.MediaKind
	transports map[domain.TransportID]*fakeTransport
	// beforeOffer runs inside PendingOffer when set
	beforeOffer func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		producers:  make(map[domain.ProducerID]domain.MediaKind),
		transports: make(map[domain.TransportID]*fakeTransport),
	}
}

func (e *fakeEngine) Capabilities() domain.Capabilities { return testCaps }

func (e *fakeEngine) CreateTransport(_ context.Context, role domain.TransportRole) (ports.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	t := &fakeTransport{engine: e, id: domain.TransportID(fmt.Sprintf("t-%d", e.seq)), role: role}
	e.transports[t.id] = t
	return t, nil
}

func (e *fakeEngine) CanConsume(id domain.ProducerID, caps domain.Capabilities) bool {
	e.mu.Lock()
	kind, ok := e.producers[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func (e *fakeEngine) OpenTap(context.Context, []domain.ProducerID) (ports.Tap, error) {
	return nil, errors.New("not supported")
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) setBeforeOffer(fn func()) {
	e.mu.Lock()
	e.beforeOffer = fn
	e.mu.Unlock()
}

func (e *fakeEngine) transport(id domain.TransportID) *fakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

type fakeTransport struct {
	engine *fakeEngine
	id     domain.TransportID
	role   domain.TransportRole

	mu        sync.Mutex
	connected bool
	closes    int
	producers []*fakeProducer
}

func (t *fakeTransport) ID() domain.TransportID     { return t.id }
func (t *fakeTransport) Role() domain.TransportRole { return t.role }

func (t *fakeTransport) Params() domain.TransportParams {
	return domain.TransportParams{ID: t.id, ICEServers: []domain.ICEServer{}}
}

func (t *fakeTransport) Connect(_ context.Context, remote domain.SessionDescription) (*domain.SessionDescription, error) {
	if remote.SDP == "" {
		return nil, domain.NewEngineError("connect", errors.New("missing sdp"))
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	if t.role == domain.RoleProducer {
		return &domain.SessionDescription{Type: "answer", SDP: "answer-sdp"}, nil
	}
	return nil, nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Produce(_ context.Context, kind domain.MediaKind, _ domain.RTPParameters) (ports.ProducerHandle, error) {
	t.engine.mu.Lock()
	t.engine.seq++
	p := &fakeProducer{engine: t.engine, id: domain.ProducerID(fmt.Sprintf("p-%d", t.engine.seq)), kind: kind}
	t.engine.producers[p.id] = kind
	t.engine.mu.Unlock()

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(_ context.Context, id domain.ProducerID, caps domain.Capabilities) (domain.ConsumerParams, error) {
	if !t.engine.CanConsume(id, caps) {
		return domain.ConsumerParams{}, domain.ErrCannotConsume
	}
	t.engine.mu.Lock()
	kind := t.engine.producers[id]
	t.engine.seq++
	seq := t.engine.seq
	t.engine.mu.Unlock()
	return domain.ConsumerParams{
		ID:            domain.ConsumerID(fmt.Sprintf("c-%d", seq)),
		ProducerID:    id,
		Kind:          kind,
		RTPParameters: domain.RTPParameters{MimeType: "video/VP8"},
	}, nil
}

func (t *fakeTransport) PendingOffer(context.Context) (*domain.SessionDescription, error) {
	t.engine.mu.Lock()
	hook := t.engine.beforeOffer
	t.engine.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &domain.SessionDescription{Type: "offer", SDP: "offer-sdp"}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	producers := t.producers
	t.mu.Unlock()
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	return t.closeCount() > 0
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type fakeProducer struct {
	engine *fakeEngine
	id     domain.ProducerID
	kind   domain.MediaKind
}

func (p *fakeProducer) ID() domain.ProducerID  { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }

func (p *fakeProducer) Close() error {
	p.engine.mu.Lock()
	delete(p.engine.producers, p.id)
	p.engine.mu.Unlock()
	return nil
}

type fakeEncoders struct {
	mu   sync.Mutex
	jobs map[string]domain.JobStatus
}

func newFakeEncoders() *fakeEncoders {
	return &fakeEncoders{jobs: make(map[string]domain.JobStatus)}
}

func encoderKey(roomID domain.RoomID, kind domain.JobKind) string {
	return string(roomID) + "/" + string(kind)
}

func (f *fakeEncoders) Start(_ context.Context, roomID domain.RoomID, kind domain.JobKind, target string) (domain.EncoderJob, error) {
	if kind == domain.JobRestream {
		if err := validation.ValidateStreamKey(target); err != nil {
			return domain.EncoderJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
		}
		target = "rtmp://example.test/live/****" + target[len(target)-4:]
	} else {
		target = "/recordings/" + string(roomID) + ".mkv"
	}
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()
	key := encoderKey(roomID, kind)
	if st, ok := f.jobs[key]; ok && st.IsActive {
		return domain.EncoderJob{RoomID: roomID, Kind: kind, State: st.State}, nil
	}
	f.jobs[key] = domain.JobStatus{IsActive: true, State: domain.JobActive, Target: target, StartedAt: &now, PID: 4242}
	return domain.EncoderJob{RoomID: roomID, Kind: kind, State: domain.JobActive, PID: 4242, Target: target, StartedAt: now}, nil
}

func (f *fakeEncoders) Stop(_ context.Context, roomID domain.RoomID, kind domain.JobKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, encoderKey(roomID, kind))
	return nil
}

func (f *fakeEncoders) Reset(ctx context.Context, roomID domain.RoomID, kind domain.JobKind) error {
	return f.Stop(ctx, roomID, kind)
}

func (f *fakeEncoders) Status(roomID domain.RoomID, kind domain.JobKind) domain.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.jobs[encoderKey(roomID, kind)]; ok {
		return st
	}
	return domain.JobStatus{State: domain.JobIdle}
}

func (f *fakeEncoders) StopRoom(ctx context.Context, roomID domain.RoomID) error {
	_ = f.Stop(ctx, roomID, domain.JobRecord)
	return f.Stop(ctx, roomID, domain.JobRestream)
}

type nopMetrics struct{}

func (nopMetrics) SetRoomsActive(int)                       {}
func (nopMetrics) SetConnections(int)                       {}
func (nopMetrics) SetViewers(domain.RoomID, int)            {}
func (nopMetrics) ClearRoom(domain.RoomID)                  {}
func (nopMetrics) ProducerRegistered(domain.MediaKind)      {}
func (nopMetrics) ProducerRemoved(domain.MediaKind, string) {}
func (nopMetrics) SignalRequest(string, bool)               {}
func (nopMetrics) EncoderStarted(domain.JobKind)            {}
func (nopMetrics) EncoderExited(domain.JobKind, bool)       {}

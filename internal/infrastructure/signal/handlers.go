package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/pkg/logger"
	"roomcast/pkg/tracing"
	"roomcast/pkg/validation"
)

var errUnknownMethod = errors.New("unknown method")

// serveRequest runs req in its own goroutine so that slow engine or encoder
// calls never stall the reader.
func (s *Server) serveRequest(c *client, req Request) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		ctx, cancel := context.WithTimeout(c.ctx, s.opts.RequestTimeout)
		defer cancel()
		ctx = logger.WithConnID(ctx, string(c.id))
		ctx = logger.WithRequestID(ctx, strconv.FormatUint(req.ID, 10))
		ctx, span := tracing.TraceSignalRequest(ctx, req.Type, string(c.id))
		defer span.End()

		start := time.Now()
		result, err := s.dispatch(ctx, c, req)
		s.metrics.SignalRequest(req.Type, err == nil)

		log := logger.FromContext(ctx, s.logger)
		if err != nil {
			tracing.RecordError(ctx, err)
			log.Infow("signal request failed", "method", req.Type, "error", err, "duration", time.Since(start))
			c.enqueue(Response{Type: typeResponse, ID: req.ID, Error: clientError(err)})
			return
		}
		log.Debugw("signal request served", "method", req.Type, "duration", time.Since(start))
		c.enqueue(Response{Type: typeResponse, ID: req.ID, Payload: result})
	}()
}

func (s *Server) dispatch(ctx context.Context, c *client, req Request) (interface{}, error) {
	switch req.Type {
	case MethodGetRtpCapabilities:
		return s.engine.Capabilities(), nil
	case MethodCreateProducerTransport:
		return s.createProducerTransport(ctx, c)
	case MethodConnectProducerTransport:
		return s.connectProducerTransport(ctx, c, req.Payload)
	case MethodProduce:
		return s.produce(ctx, c, req.Payload)
	case MethodCreateConsumerTransport:
		return s.createConsumerTransport(ctx, c)
	case MethodConnectConsumerTransport:
		return s.connectConsumerTransport(ctx, c, req.Payload)
	case MethodConsume:
		return s.consume(ctx, c, req.Payload)
	case MethodCheckProducer:
		return s.checkProducer(c, req.Payload)
	case MethodStartRecording:
		return s.startRecording(ctx, req.Payload)
	case MethodStopRecording:
		return s.stopEncoder(ctx, req.Payload, domain.JobRecord)
	case MethodGetRecordingStatus:
		return s.encoderStatus(req.Payload, domain.JobRecord)
	case MethodStartRestream:
		return s.startRestream(ctx, req.Payload)
	case MethodStopRestream:
		return s.stopEncoder(ctx, req.Payload, domain.JobRestream)
	case MethodGetRestreamStatus:
		return s.encoderStatus(req.Payload, domain.JobRestream)
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, req.Type)
}

// clientError is the error string sent back over the socket.
func clientError(err error) string {
	switch {
	case errors.Is(err, domain.ErrCannotConsume):
		return "Cannot consume"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	}
	return err.Error()
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func decodeRoom(raw json.RawMessage) (domain.RoomID, error) {
	var req roomRequest
	if err := decode(raw, &req); err != nil {
		return "", err
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		return "", err
	}
	return req.RoomID, nil
}

func (s *Server) createProducerTransport(ctx context.Context, c *client) (interface{}, error) {
	t, err := s.engine.CreateTransport(ctx, domain.RoleProducer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return nil, domain.ErrConnectionClosed
	}
	previous := c.producerTransport
	stale := c.producers
	c.producerTransport = t
	c.producers = nil
	c.mu.Unlock()

	if previous != nil {
		c.logger.Infow("replacing producer transport", "previous_transport_id", previous.ID(), "transport_id", t.ID())
		if err := previous.Close(); err != nil {
			c.logger.Warnw("failed to close previous producer transport", "transport_id", previous.ID(), "error", err)
		}
	}
	// closing the transport ended its producers; the rooms must not keep
	// advertising them
	for _, p := range stale {
		if s.registry.RemoveProducer(p) {
			s.BroadcastToRoom(p.RoomID, domain.EventProducerClosed, domain.ProducerClosedEvent{RoomID: p.RoomID, Kind: p.Kind})
		}
	}
	return t.Params(), nil
}

func (s *Server) connectProducerTransport(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	var req connectTransportRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	t := c.producerTransport
	c.mu.Unlock()
	if t == nil || (req.TransportID != "" && req.TransportID != t.ID()) {
		return nil, domain.ErrTransportNotFound
	}

	answer, err := t.Connect(ctx, req.DTLSParameters)
	if err != nil {
		return nil, err
	}
	return connectTransportResponse{DTLSParameters: answer}, nil
}

func (s *Server) produce(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	var req produceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	t := c.producerTransport
	c.mu.Unlock()
	if t == nil {
		return nil, domain.ErrTransportNotFound
	}
	if !t.Connected() {
		return nil, domain.ErrTransportNotConnected
	}

	handle, err := t.Produce(ctx, kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}

	p := &domain.Producer{
		ID:        handle.ID(),
		RoomID:    req.RoomID,
		Kind:      kind,
		Owner:     c.id,
		Handle:    handle,
		CreatedAt: time.Now(),
	}

	// commit only if the connection and its transport are still there
	c.mu.Lock()
	if c.closed || c.producerTransport != t {
		c.mu.Unlock()
		_ = handle.Close()
		return nil, domain.ErrConnectionClosed
	}
	c.rooms[req.RoomID] = struct{}{}
	c.producers = append(c.producers, p)
	previous := s.registry.RegisterProducer(p)
	c.mu.Unlock()

	if previous != nil && previous.ID != p.ID {
		if previous.Handle != nil {
			_ = previous.Handle.Close()
		}
		s.BroadcastToRoom(req.RoomID, domain.EventProducerClosed, domain.ProducerClosedEvent{RoomID: req.RoomID, Kind: kind})
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	if err := s.store.SetRoomStatus(storeCtx, req.RoomID, domain.RoomStatusActive); err != nil {
		c.logger.Warnw("failed to mark room active", "room_id", req.RoomID, "error", err)
	}
	cancel()

	c.logger.Infow("producer registered", "room_id", req.RoomID, "kind", kind, "producer_id", p.ID)
	s.BroadcastExcept(c.id, domain.EventNewProducer, domain.NewProducerEvent{RoomID: req.RoomID, Kind: kind})
	return produceResponse{ID: p.ID}, nil
}

func (s *Server) createConsumerTransport(ctx context.Context, c *client) (interface{}, error) {
	t, err := s.engine.CreateTransport(ctx, domain.RoleConsumer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return nil, domain.ErrConnectionClosed
	}
	c.consumers[t.ID()] = &consumerEntry{transport: t, producers: make(map[domain.ProducerID]domain.MediaKind)}
	c.lastConsumer = t.ID()
	c.mu.Unlock()

	return t.Params(), nil
}

// consumerTransport looks a consumer transport up by id. An empty id selects
// the most recently created one when fallback is set.
func (c *client) consumerTransport(id domain.TransportID, fallback bool) (*consumerEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		if !fallback || c.lastConsumer == "" {
			return nil, domain.ErrTransportNotFound
		}
		id = c.lastConsumer
	}
	e, ok := c.consumers[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	return e, nil
}

func (s *Server) connectConsumerTransport(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	var req connectTransportRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	e, err := c.consumerTransport(req.TransportID, true)
	if err != nil {
		return nil, err
	}
	if _, err := e.transport.Connect(ctx, req.DTLSParameters); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) consume(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
	var req consumeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		return nil, err
	}
	e, err := c.consumerTransport(req.TransportID, false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	bound := e.room
	c.mu.Unlock()
	if bound != "" && bound != req.RoomID {
		return nil, fmt.Errorf("transport %s is bound to room %s", req.TransportID, bound)
	}

	set, ok := s.registry.ListProducers(req.RoomID)
	if !ok || set.Empty() {
		return nil, domain.ErrCannotConsume
	}

	var (
		consumers []domain.ConsumerParams
		lastErr   error
	)
	for _, kind := range domain.MediaKinds {
		p := set.Get(kind)
		if p == nil {
			continue
		}
		if !s.engine.CanConsume(p.ID, req.RTPCapabilities) {
			continue
		}
		params, err := e.transport.Consume(ctx, p.ID, req.RTPCapabilities)
		if err != nil {
			c.logger.Infow("consume failed", "room_id", req.RoomID, "kind", kind, "producer_id", p.ID, "error", err)
			lastErr = err
			continue
		}
		consumers = append(consumers, params)
	}
	if len(consumers) == 0 {
		var engineErr *domain.EngineError
		if errors.As(lastErr, &engineErr) {
			return nil, lastErr
		}
		return nil, domain.ErrCannotConsume
	}

	offer, err := e.transport.PendingOffer(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.consumers[e.transport.ID()] != e {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	// producers replaced since an earlier consume on this transport are dropped
	sources := make(map[domain.ProducerID]domain.MediaKind, len(e.producers)+len(consumers))
	for id, kind := range e.producers {
		if p := set.Get(kind); p != nil && p.ID == id {
			sources[id] = kind
		}
	}
	for _, params := range consumers {
		sources[params.ProducerID] = params.Kind
	}
	record := &domain.ConsumerTransport{
		ID:        e.transport.ID(),
		RoomID:    req.RoomID,
		Owner:     c.id,
		Producers: sources,
		Handle:    e.transport,
		CreatedAt: time.Now(),
	}
	if err := s.registry.AddConsumerTransport(record); err != nil {
		c.mu.Unlock()
		// evicted or replaced after it was listed
		c.logger.Infow("consume lost its producer", "room_id", req.RoomID, "transport_id", record.ID, "error", err)
		return nil, domain.ErrCannotConsume
	}
	e.room = req.RoomID
	e.producers = make(map[domain.ProducerID]domain.MediaKind, len(sources))
	for id, kind := range sources {
		e.producers[id] = kind
	}
	c.rooms[req.RoomID] = struct{}{}
	c.mu.Unlock()

	s.presence.Join(req.RoomID, c.id)
	// a viewer without a transport in the room must not be counted
	if !s.registry.HoldsTransport(req.RoomID, c.id) {
		s.presence.Leave(req.RoomID, c.id)
	}
	return consumeResponse{Consumers: consumers, DTLSParameters: offer}, nil
}

func (s *Server) checkProducer(c *client, raw json.RawMessage) (interface{}, error) {
	roomID, err := decodeRoom(raw)
	if err != nil {
		return nil, err
	}
	c.joinRoom(roomID)

	set, _ := s.registry.ListProducers(roomID)
	return checkProducerResponse{
		HasVideoProducer: set.Video != nil,
		HasAudioProducer: set.Audio != nil,
	}, nil
}

func (s *Server) startRecording(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req startRecordingRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		return nil, err
	}

	if req.IsRecording != nil && !*req.IsRecording {
		if err := s.encoders.Stop(ctx, req.RoomID, domain.JobRecord); err != nil {
			return nil, err
		}
	} else if _, err := s.encoders.Start(ctx, req.RoomID, domain.JobRecord, ""); err != nil {
		return nil, err
	}
	return newRecordingStatus(req.RoomID, s.encoders.Status(req.RoomID, domain.JobRecord)), nil
}

func (s *Server) startRestream(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req startRestreamRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		return nil, err
	}
	if _, err := s.encoders.Start(ctx, req.RoomID, domain.JobRestream, req.StreamKey); err != nil {
		return nil, err
	}
	return newRestreamStatus(req.RoomID, s.encoders.Status(req.RoomID, domain.JobRestream)), nil
}

func (s *Server) stopEncoder(ctx context.Context, raw json.RawMessage, kind domain.JobKind) (interface{}, error) {
	roomID, err := decodeRoom(raw)
	if err != nil {
		return nil, err
	}
	if err := s.encoders.Stop(ctx, roomID, kind); err != nil {
		return nil, err
	}
	return s.status(roomID, kind), nil
}

func (s *Server) encoderStatus(raw json.RawMessage, kind domain.JobKind) (interface{}, error) {
	roomID, err := decodeRoom(raw)
	if err != nil {
		return nil, err
	}
	return s.status(roomID, kind), nil
}

func (s *Server) status(roomID domain.RoomID, kind domain.JobKind) interface{} {
	st := s.encoders.Status(roomID, kind)
	if kind == domain.JobRestream {
		return newRestreamStatus(roomID, st)
	}
	return newRecordingStatus(roomID, st)
}

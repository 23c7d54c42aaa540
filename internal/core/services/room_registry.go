package services

import (
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"go.uber.org/zap"
)

// DefaultGraceWindow is how long a producer whose owner disconnected stays
// registered before it is evicted.
const DefaultGraceWindow = 30 * time.Second

// RoomRegistry is the authoritative in-memory state of every room.
//
// Lock order: a room's mutex may be held while acquiring the registry mutex,
// never the other way around.
type RoomRegistry struct {
	mu        sync.Mutex
	rooms     map[domain.RoomID]*roomState
	evictions map[evictionKey]*pendingEviction
	closed    bool

	grace   time.Duration
	onEvict func(domain.Eviction)
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

type roomState struct {
	mu         sync.Mutex
	id         domain.RoomID
	producers  map[domain.MediaKind]*domain.Producer
	transports map[domain.TransportID]*domain.ConsumerTransport
	removed    bool
}

type evictionKey struct {
	room domain.RoomID
	kind domain.MediaKind
}

type pendingEviction struct {
	producerID domain.ProducerID
	deadline   time.Time
	timer      *time.Timer
	// expired is set when the grace window elapsed while consumer transports
	// still referenced the producer.
	expired bool
}

// OwnerRemoval is what RemoveOwner took away from a disconnected connection.
type OwnerRemoval struct {
	Transports []*domain.ConsumerTransport
	// Rooms the owner was viewing; it holds no transport in any of them now.
	Rooms []domain.RoomID
	// Scheduled lists producers now waiting for the grace window to elapse.
	Scheduled []*domain.Producer
}

func NewRoomRegistry(grace time.Duration, metrics ports.Metrics, logger *zap.SugaredLogger) *RoomRegistry {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &RoomRegistry{
		rooms:     make(map[domain.RoomID]*roomState),
		evictions: make(map[evictionKey]*pendingEviction),
		grace:     grace,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetEvictionHandler registers the callback invoked after a producer has been
// evicted. It runs outside of every registry lock.
func (r *RoomRegistry) SetEvictionHandler(fn func(domain.Eviction)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

func (r *RoomRegistry) GraceWindow() time.Duration {
	return r.grace
}

// lockRoom returns the room locked. With create set, a missing room is
// created; otherwise nil is returned for unknown rooms.
func (r *RoomRegistry) lockRoom(id domain.RoomID, create bool) *roomState {
	for {
		r.mu.Lock()
		room, ok := r.rooms[id]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			room = &roomState{
				id:         id,
				producers:  make(map[domain.MediaKind]*domain.Producer),
				transports: make(map[domain.TransportID]*domain.ConsumerTransport),
			}
			r.rooms[id] = room
			r.metrics.SetRoomsActive(len(r.rooms))
			r.logger.Debugw("room created", "room_id", id)
		}
		r.mu.Unlock()

		room.mu.Lock()
		if !room.removed {
			return room
		}
		// Deleted between lookup and lock; look it up again.
		room.mu.Unlock()
	}
}

// releaseRoom drops an empty room from the map and unlocks it.
func (r *RoomRegistry) releaseRoom(room *roomState) {
	if len(room.producers) == 0 && len(room.transports) == 0 {
		room.removed = true
		r.mu.Lock()
		if r.rooms[room.id] == room {
			delete(r.rooms, room.id)
		}
		r.metrics.SetRoomsActive(len(r.rooms))
		r.mu.Unlock()
		r.metrics.ClearRoom(room.id)
		r.logger.Debugw("room removed", "room_id", room.id)
	}
	room.mu.Unlock()
}

// RegisterProducer makes p the producer of its kind in its room. The
// previously registered producer of that kind, if any, is returned for the
// caller to close.
func (r *RoomRegistry) RegisterProducer(p *domain.Producer) *domain.Producer {
	room := r.lockRoom(p.RoomID, true)
	previous := room.producers[p.Kind]
	room.producers[p.Kind] = p
	r.cancelEviction(evictionKey{room: p.RoomID, kind: p.Kind})
	room.mu.Unlock()

	r.metrics.ProducerRegistered(p.Kind)
	if previous != nil {
		r.metrics.ProducerRemoved(previous.Kind, "replaced")
		r.logger.Infow("producer replaced",
			"room_id", p.RoomID,
			"kind", p.Kind,
			"previous_producer_id", previous.ID,
			"producer_id", p.ID,
		)
	}
	return previous
}

// ListProducers returns the producers of a room. The boolean is false for
// rooms the registry does not know.
func (r *RoomRegistry) ListProducers(roomID domain.RoomID) (domain.ProducerSet, bool) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return domain.ProducerSet{}, false
	}
	defer room.mu.Unlock()

	return domain.ProducerSet{
		Video: room.producers[domain.KindVideo],
		Audio: room.producers[domain.KindAudio],
	}, true
}

// AddConsumerTransport commits a consumer transport. Every producer it
// references must still be the registered producer of its kind, otherwise
// ErrProducerNotFound is returned and nothing is stored.
func (r *RoomRegistry) AddConsumerTransport(t *domain.ConsumerTransport) error {
	room := r.lockRoom(t.RoomID, true)
	for id, kind := range t.Producers {
		if p := room.producers[kind]; p == nil || p.ID != id {
			r.releaseRoom(room)
			return domain.ErrProducerNotFound
		}
	}
	room.transports[t.ID] = t
	room.mu.Unlock()
	return nil
}

// RemoveConsumerTransport removes and closes a consumer transport.
func (r *RoomRegistry) RemoveConsumerTransport(roomID domain.RoomID, id domain.TransportID) (*domain.ConsumerTransport, error) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return nil, domain.ErrRoomNotFound
	}
	t, ok := room.transports[id]
	if !ok {
		room.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	delete(room.transports, id)
	evictions := r.expiredLocked(room)
	r.releaseRoom(room)

	closeHandle(t.Handle, r.logger)
	for _, ev := range evictions {
		r.finishEviction(ev)
	}
	return t, nil
}

// HoldsTransport reports whether owner still has a consumer transport in the room.
func (r *RoomRegistry) HoldsTransport(roomID domain.RoomID, owner domain.ConnID) bool {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return false
	}
	defer room.mu.Unlock()
	return holdsTransport(room, owner)
}

func holdsTransport(room *roomState, owner domain.ConnID) bool {
	for _, t := range room.transports {
		if t.Owner == owner {
			return true
		}
	}
	return false
}

// RemoveOwner is called when a connection goes away. Its consumer transports
// are removed and closed at once; its producers are only scheduled for
// eviction so that a quick reconnect can replace them.
func (r *RoomRegistry) RemoveOwner(owner domain.ConnID) OwnerRemoval {
	r.mu.Lock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var (
		removal   OwnerRemoval
		evictions []domain.Eviction
	)
	for _, id := range ids {
		room := r.lockRoom(id, false)
		if room == nil {
			continue
		}

		viewer := false
		for tid, t := range room.transports {
			if t.Owner == owner {
				delete(room.transports, tid)
				removal.Transports = append(removal.Transports, t)
				viewer = true
			}
		}
		if viewer {
			removal.Rooms = append(removal.Rooms, id)
		}

		for kind, p := range room.producers {
			if p.Owner == owner {
				r.scheduleEvictionLocked(evictionKey{room: id, kind: kind}, p.ID)
				removal.Scheduled = append(removal.Scheduled, p)
			}
		}
		if viewer {
			evictions = append(evictions, r.expiredLocked(room)...)
		}
		r.releaseRoom(room)
	}

	for _, t := range removal.Transports {
		closeHandle(t.Handle, r.logger)
	}
	for _, ev := range evictions {
		r.finishEviction(ev)
	}
	return removal
}

// ScheduleEviction arms the grace window for a producer. When it elapses the
// producer is removed unless it was replaced in the meantime. While consumer
// transports still reference it the removal waits for the last one to go.
func (r *RoomRegistry) ScheduleEviction(roomID domain.RoomID, kind domain.MediaKind, producerID domain.ProducerID) {
	room := r.lockRoom(roomID, false)
	if room == nil {
		return
	}
	defer room.mu.Unlock()
	if p := room.producers[kind]; p == nil || p.ID != producerID {
		return
	}
	r.scheduleEvictionLocked(evictionKey{room: roomID, kind: kind}, producerID)
}

// scheduleEvictionLocked requires the room lock.
func (r *RoomRegistry) scheduleEvictionLocked(key evictionKey, producerID domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if existing, ok := r.evictions[key]; ok {
		if existing.producerID == producerID {
			return
		}
		existing.timer.Stop()
	}

	pe := &pendingEviction{producerID: producerID, deadline: time.Now().Add(r.grace)}
	pe.timer = time.AfterFunc(r.grace, func() { r.evict(key, pe) })
	r.evictions[key] = pe

	r.logger.Infow("producer eviction scheduled",
		"room_id", key.room,
		"kind", key.kind,
		"producer_id", producerID,
		"grace", r.grace,
	)
}

func (r *RoomRegistry) cancelEviction(key evictionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pe, ok := r.evictions[key]; ok {
		pe.timer.Stop()
		delete(r.evictions, key)
		r.logger.Infow("producer eviction cancelled", "room_id", key.room, "kind", key.kind, "producer_id", pe.producerID)
	}
}

// PendingEviction returns the deadline of a scheduled eviction.
func (r *RoomRegistry) PendingEviction(roomID domain.RoomID, kind domain.MediaKind) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe, ok := r.evictions[evictionKey{room: roomID, kind: kind}]
	if !ok {
		return time.Time{}, false
	}
	return pe.deadline, true
}

// RemoveProducer unregisters a producer its owner closed and releases its
// handle. It reports false when the producer was already replaced or evicted.
func (r *RoomRegistry) RemoveProducer(p *domain.Producer) bool {
	room := r.lockRoom(p.RoomID, false)
	if room == nil {
		return false
	}
	if current := room.producers[p.Kind]; current == nil || current.ID != p.ID {
		room.mu.Unlock()
		return false
	}
	delete(room.producers, p.Kind)
	r.cancelEviction(evictionKey{room: p.RoomID, kind: p.Kind})
	r.releaseRoom(room)

	closeHandle(p.Handle, r.logger)
	r.metrics.ProducerRemoved(p.Kind, "closed")
	r.logger.Infow("producer removed", "room_id", p.RoomID, "kind", p.Kind, "producer_id", p.ID)
	return true
}

func (r *RoomRegistry) evict(key evictionKey, pe *pendingEviction) {
	room := r.lockRoom(key.room, false)

	r.mu.Lock()
	if r.evictions[key] != pe {
		// Cancelled or superseded.
		r.mu.Unlock()
		if room != nil {
			room.mu.Unlock()
		}
		return
	}
	if room != nil && referenced(room, pe.producerID) {
		pe.expired = true
		r.mu.Unlock()
		room.mu.Unlock()
		r.logger.Infow("producer eviction deferred",
			"room_id", key.room,
			"kind", key.kind,
			"producer_id", pe.producerID,
		)
		return
	}
	delete(r.evictions, key)
	r.mu.Unlock()
	if room == nil {
		return
	}

	p := room.producers[key.kind]
	if p == nil || p.ID != pe.producerID {
		room.mu.Unlock()
		return
	}
	delete(room.producers, key.kind)
	r.releaseRoom(room)

	r.finishEviction(domain.Eviction{RoomID: key.room, Kind: key.kind, Producer: p})
}

// expiredLocked removes producers whose grace window already elapsed and
// that no consumer transport references any more. It requires the room lock.
func (r *RoomRegistry) expiredLocked(room *roomState) []domain.Eviction {
	var out []domain.Eviction
	for kind, p := range room.producers {
		key := evictionKey{room: room.id, kind: kind}
		r.mu.Lock()
		pe, ok := r.evictions[key]
		due := ok && pe.expired && pe.producerID == p.ID && !referenced(room, p.ID)
		if due {
			delete(r.evictions, key)
		}
		r.mu.Unlock()
		if due {
			delete(room.producers, kind)
			out = append(out, domain.Eviction{RoomID: room.id, Kind: kind, Producer: p})
		}
	}
	return out
}

func referenced(room *roomState, id domain.ProducerID) bool {
	for _, t := range room.transports {
		if _, ok := t.Producers[id]; ok {
			return true
		}
	}
	return false
}

// finishEviction runs outside of every registry lock.
func (r *RoomRegistry) finishEviction(ev domain.Eviction) {
	closeHandle(ev.Producer.Handle, r.logger)
	r.metrics.ProducerRemoved(ev.Kind, "evicted")
	r.logger.Infow("producer evicted",
		"room_id", ev.RoomID,
		"kind", ev.Kind,
		"producer_id", ev.Producer.ID,
	)

	r.mu.Lock()
	handler := r.onEvict
	r.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// Rooms returns the ids of every known room.
func (r *RoomRegistry) Rooms() []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every pending eviction.
func (r *RoomRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, pe := range r.evictions {
		pe.timer.Stop()
		delete(r.evictions, key)
	}
}

func closeHandle(h domain.Closer, logger *zap.SugaredLogger) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		logger.Warnw("failed to close engine handle", "error", err)
	}
}

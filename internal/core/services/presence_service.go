package services

import (
	"context"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"go.uber.org/zap"
)

// PresenceService tracks the distinct viewers of every room, broadcasts
// count changes and persists them to the session store.
type PresenceService struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*presenceRoom

	store        ports.SessionStore
	broadcaster  ports.Broadcaster
	metrics      ports.Metrics
	storeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// presenceRoom's mutex is held across mutation, broadcast and persistence so
// that subscribers observe counts in the order they were applied.
type presenceRoom struct {
	mu      sync.Mutex
	id      domain.RoomID
	viewers map[domain.ConnID]struct{}
	removed bool
}

func NewPresenceService(
	store ports.SessionStore,
	broadcaster ports.Broadcaster,
	metrics ports.Metrics,
	storeTimeout time.Duration,
	logger *zap.SugaredLogger,
) *PresenceService {
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &PresenceService{
		rooms:        make(map[domain.RoomID]*presenceRoom),
		store:        store,
		broadcaster:  broadcaster,
		metrics:      metrics,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// SetBroadcaster is used when the broadcaster is built after the service.
func (s *PresenceService) SetBroadcaster(b ports.Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

func (s *PresenceService) lockRoom(id domain.RoomID, create bool) *presenceRoom {
	for {
		s.mu.Lock()
		room, ok := s.rooms[id]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			room = &presenceRoom{id: id, viewers: make(map[domain.ConnID]struct{})}
			s.rooms[id] = room
		}
		s.mu.Unlock()

		room.mu.Lock()
		if !room.removed {
			return room
		}
		room.mu.Unlock()
	}
}

func (s *PresenceService) releaseRoom(room *presenceRoom) {
	if len(room.viewers) == 0 {
		room.removed = true
		s.mu.Lock()
		if s.rooms[room.id] == room {
			delete(s.rooms, room.id)
		}
		s.mu.Unlock()
	}
	room.mu.Unlock()
}

// Join adds a viewer. It returns the new count and whether the set changed.
func (s *PresenceService) Join(roomID domain.RoomID, viewer domain.ConnID) (int, bool) {
	room := s.lockRoom(roomID, true)
	defer s.releaseRoom(room)

	if _, ok := room.viewers[viewer]; ok {
		return len(room.viewers), false
	}
	room.viewers[viewer] = struct{}{}
	count := len(room.viewers)

	s.logger.Infow("viewer joined", "room_id", roomID, "conn_id", viewer, "viewers", count)
	s.publish(roomID, count)
	return count, true
}

// Leave removes a viewer. Leaves for rooms that are no longer active in the
// session store update the in-memory set only.
func (s *PresenceService) Leave(roomID domain.RoomID, viewer domain.ConnID) (int, bool) {
	room := s.lockRoom(roomID, false)
	if room == nil {
		return 0, false
	}
	defer s.releaseRoom(room)

	if _, ok := room.viewers[viewer]; !ok {
		return len(room.viewers), false
	}
	delete(room.viewers, viewer)
	count := len(room.viewers)

	s.logger.Infow("viewer left", "room_id", roomID, "conn_id", viewer, "viewers", count)
	if !s.roomActive(roomID) {
		s.metrics.SetViewers(roomID, count)
		s.logger.Debugw("presence update suppressed for inactive room", "room_id", roomID, "viewers", count)
		return count, true
	}
	s.publish(roomID, count)
	return count, true
}

// Count returns the live viewer count of a room.
func (s *PresenceService) Count(roomID domain.RoomID) int {
	room := s.lockRoom(roomID, false)
	if room == nil {
		return 0
	}
	defer room.mu.Unlock()
	return len(room.viewers)
}

// Viewers returns the viewer ids of a room.
func (s *PresenceService) Viewers(roomID domain.RoomID) []domain.ConnID {
	room := s.lockRoom(roomID, false)
	if room == nil {
		return nil
	}
	defer room.mu.Unlock()
	out := make([]domain.ConnID, 0, len(room.viewers))
	for id := range room.viewers {
		out = append(out, id)
	}
	return out
}

// PersistedCount reads the count last written to the session store.
func (s *PresenceService) PersistedCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.GetViewerCount(ctx, roomID)
}

// publish must be called with the room lock held.
func (s *PresenceService) publish(roomID domain.RoomID, count int) {
	s.metrics.SetViewers(roomID, count)

	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()
	if b != nil {
		b.BroadcastToRoom(roomID, domain.EventViewerCountUpdate, domain.ViewerCountEvent{RoomID: roomID, Viewers: count})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	if err := s.store.SetViewerCount(ctx, roomID, count); err != nil {
		s.logger.Warnw("failed to persist viewer count", "room_id", roomID, "viewers", count, "error", err)
	}
}

func (s *PresenceService) roomActive(roomID domain.RoomID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	status, err := s.store.GetRoomStatus(ctx, roomID)
	if err != nil {
		s.logger.Warnw("failed to read room status, treating room as active", "room_id", roomID, "error", err)
		return true
	}
	return status == domain.RoomStatusActive
}

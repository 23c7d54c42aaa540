package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
)

type roomSession struct {
	status  domain.RoomStatus
	viewers int
}

// SessionStore keeps room sessions in process memory. It is used when no
// Redis is configured and as the fallback when Redis is unreachable.
type SessionStore struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]roomSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{rooms: make(map[domain.RoomID]roomSession)}
}

func (s *SessionStore) SetViewerCount(_ context.Context, roomID domain.RoomID, viewers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.rooms[roomID]
	sess.viewers = viewers
	s.rooms[roomID] = sess
	return nil
}

func (s *SessionStore) GetViewerCount(_ context.Context, roomID domain.RoomID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID].viewers, nil
}

func (s *SessionStore) SetRoomStatus(_ context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.rooms[roomID]
	sess.status = status
	s.rooms[roomID] = sess
	return nil
}

// GetRoomStatus returns domain.RoomStatusUnknown for rooms never written.
func (s *SessionStore) GetRoomStatus(_ context.Context, roomID domain.RoomID) (domain.RoomStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID].status, nil
}

func (s *SessionStore) Ping(context.Context) error {
	return nil
}

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"roomcast/internal/core/domain"
)

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

type fakeHandle struct {
	closes atomic.Int32
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

func (h *fakeHandle) closed() bool { return h.closes.Load() > 0 }

type broadcast struct {
	roomID  domain.RoomID
	event   string
	payload interface{}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (b *recordingBroadcaster) BroadcastToRoom(roomID domain.RoomID, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcast{roomID: roomID, event: event, payload: payload})
}

func (b *recordingBroadcaster) BroadcastExcept(domain.ConnID, string, interface{}) {}

// viewerCounts returns the counts broadcast for roomID, in order.
func (b *recordingBroadcaster) viewerCounts(roomID domain.RoomID) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, e := range b.events {
		if e.roomID != roomID || e.event != domain.EventViewerCountUpdate {
			continue
		}
		out = append(out, e.payload.(domain.ViewerCountEvent).Viewers)
	}
	return out
}

var errStoreDown = errors.New("store unavailable")

type fakeStore struct {
	mu        sync.Mutex
	status    map[domain.RoomID]domain.RoomStatus
	viewers   map[domain.RoomID]int
	writes    int
	failWrite bool
	failRead  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:  make(map[domain.RoomID]domain.RoomStatus),
		viewers: make(map[domain.RoomID]int),
	}
}

func (s *fakeStore) SetViewerCount(_ context.Context, roomID domain.RoomID, viewers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrite {
		return errStoreDown
	}
	s.viewers[roomID] = viewers
	return nil
}

func (s *fakeStore) GetViewerCount(_ context.Context, roomID domain.RoomID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return 0, errStoreDown
	}
	return s.viewers[roomID], nil
}

func (s *fakeStore) SetRoomStatus(_ context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[roomID] = status
	return nil
}

func (s *fakeStore) GetRoomStatus(_ context.Context, roomID domain.RoomID) (domain.RoomStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return domain.RoomStatusUnknown, errStoreDown
	}
	return s.status[roomID], nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

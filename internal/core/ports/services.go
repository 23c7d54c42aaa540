package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// Broadcaster delivers server-initiated events to connected clients.
type Broadcaster interface {
	BroadcastToRoom(roomID domain.RoomID, event string, payload interface{})
	BroadcastExcept(exclude domain.ConnID, event string, payload interface{})
}

// PullEndpoints opens the local media endpoint an encoder reads a room from.
type PullEndpoints interface {
	Open(ctx context.Context, roomID domain.RoomID) (Tap, error)
}

type EncoderSupervisor interface {
	Start(ctx context.Context, roomID domain.RoomID, kind domain.JobKind, target string) (domain.EncoderJob, error)
	Stop(ctx context.Context, roomID domain.RoomID, kind domain.JobKind) error
	Reset(ctx context.Context, roomID domain.RoomID, kind domain.JobKind) error
	Status(roomID domain.RoomID, kind domain.JobKind) domain.JobStatus
	StopRoom(ctx context.Context, roomID domain.RoomID) error
}

type ViewerCounter interface {
	Count(roomID domain.RoomID) int
}

// Metrics is implemented by the Prometheus collector.
type Metrics interface {
	SetRoomsActive(n int)
	SetViewers(roomID domain.RoomID, viewers int)
	ClearRoom(roomID domain.RoomID)
	ProducerRegistered(kind domain.MediaKind)
	ProducerRemoved(kind domain.MediaKind, reason string)
	SignalRequest(method string, ok bool)
	SetConnections(n int)
	EncoderStarted(kind domain.JobKind)
	EncoderExited(kind domain.JobKind, crashed bool)
}

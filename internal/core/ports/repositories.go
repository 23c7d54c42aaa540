package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// SessionStore is the external store holding persisted room status and
// viewer counts.
type SessionStore interface {
	SetViewerCount(ctx context.Context, roomID domain.RoomID, viewers int) error
	GetViewerCount(ctx context.Context, roomID domain.RoomID) (int, error)
	SetRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error
	GetRoomStatus(ctx context.Context, roomID domain.RoomID) (domain.RoomStatus, error)
	Ping(ctx context.Context) error
}

package services

import (
	"context"
	"fmt"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// RoomTaps opens the local pull endpoint for the producers currently
// registered in a room.
type RoomTaps struct {
	registry *RoomRegistry
	engine   ports.MediaEngine
}

func NewRoomTaps(registry *RoomRegistry, engine ports.MediaEngine) *RoomTaps {
	return &RoomTaps{registry: registry, engine: engine}
}

func (t *RoomTaps) Open(ctx context.Context, roomID domain.RoomID) (ports.Tap, error) {
	set, ok := t.registry.ListProducers(roomID)
	if !ok || set.Empty() {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNoMedia)
	}

	var ids []domain.ProducerID
	for _, kind := range domain.MediaKinds {
		if p := set.Get(kind); p != nil {
			ids = append(ids, p.ID)
		}
	}
	return t.engine.OpenTap(ctx, ids)
}

package repositories

import (
	"context"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedStore puts a circuit breaker in front of a remote session store and
// mirrors every write into a local shadow. Reads that the remote cannot
// serve are answered from the shadow.
type GuardedStore struct {
	remote  ports.SessionStore
	shadow  ports.SessionStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedStore(remote, shadow ports.SessionStore, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedStore {
	cb := circuitbreaker.New(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("session store circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return &GuardedStore{remote: remote, shadow: shadow, breaker: cb, logger: logger}
}

func (g *GuardedStore) SetViewerCount(ctx context.Context, roomID domain.RoomID, viewers int) error {
	_ = g.shadow.SetViewerCount(ctx, roomID, viewers)
	return g.breaker.Execute(func() error {
		return g.remote.SetViewerCount(ctx, roomID, viewers)
	})
}

func (g *GuardedStore) GetViewerCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	n, err := circuitbreaker.Call(g.breaker, func() (int, error) {
		return g.remote.GetViewerCount(ctx, roomID)
	})
	if err != nil {
		g.logger.Warnw("viewer count read served from local shadow", "room_id", roomID, "error", err)
		return g.shadow.GetViewerCount(ctx, roomID)
	}
	return n, nil
}

func (g *GuardedStore) SetRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	_ = g.shadow.SetRoomStatus(ctx, roomID, status)
	return g.breaker.Execute(func() error {
		return g.remote.SetRoomStatus(ctx, roomID, status)
	})
}

func (g *GuardedStore) GetRoomStatus(ctx context.Context, roomID domain.RoomID) (domain.RoomStatus, error) {
	status, err := circuitbreaker.Call(g.breaker, func() (domain.RoomStatus, error) {
		return g.remote.GetRoomStatus(ctx, roomID)
	})
	if err != nil {
		g.logger.Warnw("room status read served from local shadow", "room_id", roomID, "error", err)
		return g.shadow.GetRoomStatus(ctx, roomID)
	}
	return status, nil
}

// Ping bypasses the breaker so readiness reflects the remote directly.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.remote.Ping(ctx)
}

func (g *GuardedStore) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

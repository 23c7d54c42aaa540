package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/infrastructure/repositories/memory"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SetViewerCount(ctx context.Context, roomID domain.RoomID, viewers int) error {
	return m.Called(roomID, viewers).Error(0)
}

func (m *mockStore) GetViewerCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	args := m.Called(roomID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) SetRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	return m.Called(roomID, status).Error(0)
}

func (m *mockStore) GetRoomStatus(ctx context.Context, roomID domain.RoomID) (domain.RoomStatus, error) {
	args := m.Called(roomID)
	return args.Get(0).(domain.RoomStatus), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

var errRedisDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func TestGuardedStore_PassThrough(t *testing.T) {
	remote := new(mockStore)
	remote.On("SetViewerCount", domain.RoomID("R1"), 2).Return(nil)
	remote.On("GetViewerCount", domain.RoomID("R1")).Return(2, nil)

	g := NewGuardedStore(remote, memory.NewSessionStore(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, g.SetViewerCount(ctx, "R1", 2))
	n, err := g.GetViewerCount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	remote.AssertExpectations(t)
}

func TestGuardedStore_FallsBackToShadow(t *testing.T) {
	remote := new(mockStore)
	remote.On("SetRoomStatus", domain.RoomID("R1"), domain.RoomStatusActive).Return(errRedisDown)
	remote.On("GetRoomStatus", domain.RoomID("R1")).Return(domain.RoomStatusUnknown, errRedisDown)

	g := NewGuardedStore(remote, memory.NewSessionStore(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	assert.ErrorIs(t, g.SetRoomStatus(ctx, "R1", domain.RoomStatusActive), errRedisDown)

	status, err := g.GetRoomStatus(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusActive, status)
}

func TestGuardedStore_BreakerOpensAndSkipsRemote(t *testing.T) {
	remote := new(mockStore)
	remote.On("SetViewerCount", domain.RoomID("R1"), mock.Anything).Return(errRedisDown)

	cfg := circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Hour}
	g := NewGuardedStore(remote, memory.NewSessionStore(), cfg, zap.NewNop().Sugar())
	ctx := context.Background()

	_ = g.SetViewerCount(ctx, "R1", 1)
	_ = g.SetViewerCount(ctx, "R1", 2)
	assert.Equal(t, circuitbreaker.StateOpen, g.BreakerState())

	err := g.SetViewerCount(ctx, "R1", 3)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	remote.AssertNumberOfCalls(t, "SetViewerCount", 2)

	n, err := g.GetViewerCount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStoreFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewStoreFactory(context.Background(), cfg, zap.NewNop().Sugar())
	defer f.Close()

	_, ok := f.SessionStore().(*memory.SessionStore)
	assert.True(t, ok)
}

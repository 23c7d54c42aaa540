package services

import (
	"context"
	"testing"
	"time"

	"roomcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPresence(t *testing.T, store *fakeStore) (*PresenceService, *recordingBroadcaster) {
	t.Helper()
	b := &recordingBroadcaster{}
	return NewPresenceService(store, b, nopMetrics{}, time.Second, zaptest.NewLogger(t).Sugar()), b
}

func TestPresence_JoinLeaveScenario(t *testing.T) {
	store := newFakeStore()
	store.status["R1"] = domain.RoomStatusActive
	presence, b := newTestPresence(t, store)

	registry := newTestRegistry(t, time.Minute)
	p, _ := newProducer("R1", domain.KindVideo, "presenter", "p1")
	registry.RegisterProducer(p)

	count, changed := presence.Join("R1", "A")
	assert.Equal(t, 1, count)
	assert.True(t, changed)
	count, _ = presence.Join("R1", "B")
	assert.Equal(t, 2, count)
	count, _ = presence.Leave("R1", "A")
	assert.Equal(t, 1, count)
	count, _ = presence.Leave("R1", "B")
	assert.Equal(t, 0, count)

	assert.Equal(t, []int{1, 2, 1, 0}, b.viewerCounts("R1"))
	assert.Equal(t, 0, presence.Count("R1"))
	assert.Empty(t, presence.Viewers("R1"))

	persisted, err := presence.PersistedCount(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 0, persisted)

	// presence never destroys the room
	set, ok := registry.ListProducers("R1")
	require.True(t, ok)
	assert.Equal(t, p.ID, set.Video.ID)
}

func TestPresence_DuplicateJoinAndUnknownLeave(t *testing.T) {
	store := newFakeStore()
	store.status["r"] = domain.RoomStatusActive
	presence, b := newTestPresence(t, store)

	presence.Join("r", "A")
	count, changed := presence.Join("r", "A")
	assert.Equal(t, 1, count)
	assert.False(t, changed)

	count, changed = presence.Leave("r", "stranger")
	assert.Equal(t, 1, count)
	assert.False(t, changed)

	count, changed = presence.Leave("unknown-room", "A")
	assert.Zero(t, count)
	assert.False(t, changed)

	assert.Equal(t, []int{1}, b.viewerCounts("r"))
	assert.Equal(t, 1, store.writeCount())
}

func TestPresence_LeaveInactiveRoomIsNotPublished(t *testing.T) {
	store := newFakeStore()
	store.status["r"] = domain.RoomStatusActive
	presence, b := newTestPresence(t, store)

	presence.Join("r", "A")
	presence.Join("r", "B")
	store.status["r"] = domain.RoomStatusEnded

	count, changed := presence.Leave("r", "A")
	assert.Equal(t, 1, count)
	assert.True(t, changed)
	assert.Equal(t, 1, presence.Count("r"))

	assert.Equal(t, []int{1, 2}, b.viewerCounts("r"))
	persisted, err := presence.PersistedCount(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, 2, persisted)
}

func TestPresence_StoreFailuresDoNotBlockBroadcast(t *testing.T) {
	store := newFakeStore()
	store.failWrite = true
	store.failRead = true
	presence, b := newTestPresence(t, store)

	presence.Join("r", "A")
	presence.Join("r", "B")
	// an unreadable status counts as active
	presence.Leave("r", "A")

	assert.Equal(t, []int{1, 2, 1}, b.viewerCounts("r"))
	assert.Equal(t, 1, presence.Count("r"))
	assert.Equal(t, 3, store.writeCount())

	_, err := presence.PersistedCount(context.Background(), "r")
	assert.ErrorIs(t, err, errStoreDown)
}

func TestPresence_WithoutBroadcaster(t *testing.T) {
	store := newFakeStore()
	presence := NewPresenceService(store, nil, nopMetrics{}, 0, zaptest.NewLogger(t).Sugar())

	count, changed := presence.Join("r", "A")
	assert.Equal(t, 1, count)
	assert.True(t, changed)

	b := &recordingBroadcaster{}
	presence.SetBroadcaster(b)
	presence.Join("r", "B")
	assert.Equal(t, []int{2}, b.viewerCounts("r"))
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	fieldStatus  = "status"
	fieldViewers = "viewers"

	// ended rooms are kept around for late readers, then expire
	endedRoomTTL = 24 * time.Hour
)

// SessionStore persists room sessions as one hash per room.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewSessionStore(client redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "roomcast:room:"
	}
	return &SessionStore{client: client, prefix: prefix}
}

func (s *SessionStore) key(roomID domain.RoomID) string {
	return s.prefix + string(roomID)
}

func (s *SessionStore) SetViewerCount(ctx context.Context, roomID domain.RoomID, viewers int) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "hset_viewers", string(roomID))
	defer span.End()

	if err := s.client.HSet(ctx, s.key(roomID), fieldViewers, viewers).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set viewer count in Redis: %w", err)
	}
	return nil
}

func (s *SessionStore) GetViewerCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "hget_viewers", string(roomID))
	defer span.End()

	raw, err := s.client.HGet(ctx, s.key(roomID), fieldViewers).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("failed to get viewer count from Redis: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed viewer count %q: %w", raw, err)
	}
	return n, nil
}

func (s *SessionStore) SetRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "hset_status", string(roomID))
	defer span.End()

	key := s.key(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, string(status))
		if status == domain.RoomStatusEnded {
			pipe.Expire(ctx, key, endedRoomTTL)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set room status in Redis: %w", err)
	}
	return nil
}

func (s *SessionStore) GetRoomStatus(ctx context.Context, roomID domain.RoomID) (domain.RoomStatus, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "hget_status", string(roomID))
	defer span.End()

	raw, err := s.client.HGet(ctx, s.key(roomID), fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RoomStatusUnknown, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.RoomStatusUnknown, fmt.Errorf("failed to get room status from Redis: %w", err)
	}
	return domain.RoomStatus(raw), nil
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package domain

import (
	"fmt"
	"time"
)

type RoomID string
type ConnID string
type ProducerID string
type ConsumerID string
type TransportID string

// MediaKind tags a producer or consumer with the kind of media it carries.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// MediaKinds lists kinds in the order consume iterates them.
var MediaKinds = []MediaKind{KindVideo, KindAudio}

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindVideo, KindAudio:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("unsupported media kind %q", s)
	}
}

type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

// RoomStatus is the status persisted in the external session store.
type RoomStatus string

const (
	RoomStatusUnknown RoomStatus = ""
	RoomStatusActive  RoomStatus = "active"
	RoomStatusEnded   RoomStatus = "ended"
)

// Closer releases an engine handle. Registry records carry one so that
// removal and eviction can release the media side.
type Closer interface {
	Close() error
}

type Producer struct {
	ID        ProducerID
	RoomID    RoomID
	Kind      MediaKind
	Owner     ConnID
	Handle    Closer
	CreatedAt time.Time
}

type ConsumerTransport struct {
	ID        TransportID
	RoomID    RoomID
	Owner     ConnID
	Producers map[ProducerID]MediaKind
	Handle    Closer
	CreatedAt time.Time
}

// ProducerSet is the read model returned for a room.
type ProducerSet struct {
	Video *Producer
	Audio *Producer
}

func (s ProducerSet) Get(kind MediaKind) *Producer {
	switch kind {
	case KindVideo:
		return s.Video
	case KindAudio:
		return s.Audio
	}
	return nil
}

func (s ProducerSet) Empty() bool {
	return s.Video == nil && s.Audio == nil
}

// Eviction describes a producer removed after its grace window. No consumer
// transport referenced it at that point.
type Eviction struct {
	RoomID   RoomID
	Kind     MediaKind
	Producer *Producer
}

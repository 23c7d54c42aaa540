package domain

import "time"

const (
	EventNewProducer       = "newProducer"
	EventProducerClosed    = "producerClosed"
	EventViewerCountUpdate = "viewerCountUpdate"
	EventStreamEnded       = "streamEnded"
)

type NewProducerEvent struct {
	RoomID RoomID    `json:"roomId"`
	Kind   MediaKind `json:"kind"`
}

type ProducerClosedEvent struct {
	RoomID RoomID    `json:"roomId"`
	Kind   MediaKind `json:"kind"`
}

type ViewerCountEvent struct {
	RoomID  RoomID `json:"roomId"`
	Viewers int    `json:"viewers"`
}

type StreamEndedEvent struct {
	RoomID    RoomID    `json:"roomId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

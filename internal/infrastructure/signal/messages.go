package signal

import (
	"encoding/json"
	"time"

	"roomcast/internal/core/domain"
)

// Request methods.
const (
	MethodGetRtpCapabilities       = "getRtpCapabilities"
	MethodCreateProducerTransport  = "createProducerTransport"
	MethodConnectProducerTransport = "connectProducerTransport"
	MethodProduce                  = "produce"
	MethodCreateConsumerTransport  = "createConsumerTransport"
	MethodConnectConsumerTransport = "connectConsumerTransport"
	MethodConsume                  = "consume"
	MethodCheckProducer            = "checkProducer"
	MethodStartRecording           = "startRecording"
	MethodStopRecording            = "stopRecording"
	MethodGetRecordingStatus       = "getRecordingStatus"
	MethodStartRestream            = "startRestream"
	MethodStopRestream             = "stopRestream"
	MethodGetRestreamStatus        = "getRestreamStatus"
)

const typeResponse = "response"

// Request is the client to server envelope.
type Request struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response correlates with a Request through ID. Exactly one of Payload and
// Error is set.
type Response struct {
	Type    string      `json:"type"`
	ID      uint64      `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Event is a server initiated message.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type connectTransportRequest struct {
	TransportID    domain.TransportID        `json:"transportId,omitempty"`
	DTLSParameters domain.SessionDescription `json:"dtlsParameters"`
}

type connectTransportResponse struct {
	DTLSParameters *domain.SessionDescription `json:"dtlsParameters,omitempty"`
}

type produceRequest struct {
	Kind          string               `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	RoomID        domain.RoomID        `json:"roomId"`
}

type produceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type consumeRequest struct {
	TransportID     domain.TransportID  `json:"transportId"`
	RTPCapabilities domain.Capabilities `json:"rtpCapabilities"`
	RoomID          domain.RoomID       `json:"roomId"`
}

type consumeResponse struct {
	Consumers      []domain.ConsumerParams    `json:"consumers"`
	DTLSParameters *domain.SessionDescription `json:"dtlsParameters,omitempty"`
}

type roomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
}

type checkProducerResponse struct {
	HasVideoProducer bool `json:"hasVideoProducer"`
	HasAudioProducer bool `json:"hasAudioProducer"`
}

type startRecordingRequest struct {
	RoomID      domain.RoomID `json:"roomId"`
	IsRecording *bool         `json:"isRecording,omitempty"`
}

type startRestreamRequest struct {
	RoomID    domain.RoomID `json:"roomId"`
	StreamKey string        `json:"streamKey"`
}

type recordingStatus struct {
	RoomID      domain.RoomID    `json:"roomId"`
	IsRecording bool             `json:"isRecording"`
	State       domain.JobState  `json:"state"`
	StartedAt   *time.Time       `json:"startedAt"`
	TempPath    string           `json:"tempPath,omitempty"`
	LastExit    *domain.ExitInfo `json:"lastExit,omitempty"`
}

type restreamStatus struct {
	RoomID      domain.RoomID    `json:"roomId"`
	IsStreaming bool             `json:"isStreaming"`
	State       domain.JobState  `json:"state"`
	StartedAt   *time.Time       `json:"startedAt"`
	Target      string           `json:"target,omitempty"`
	LastExit    *domain.ExitInfo `json:"lastExit,omitempty"`
}

func newRecordingStatus(roomID domain.RoomID, s domain.JobStatus) recordingStatus {
	return recordingStatus{
		RoomID:      roomID,
		IsRecording: s.IsActive,
		State:       s.State,
		StartedAt:   s.StartedAt,
		TempPath:    s.Target,
		LastExit:    s.LastExit,
	}
}

func newRestreamStatus(roomID domain.RoomID, s domain.JobStatus) restreamStatus {
	return restreamStatus{
		RoomID:      roomID,
		IsStreaming: s.IsActive,
		State:       s.State,
		StartedAt:   s.StartedAt,
		Target:      s.Target,
		LastExit:    s.LastExit,
	}
}

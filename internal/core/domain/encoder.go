package domain

import "time"

// JobKind selects the encoder argument template.
type JobKind string

const (
	JobRecord   JobKind = "record"
	JobRestream JobKind = "restream"
)

func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobRecord, JobRestream:
		return JobKind(s), nil
	case "recording":
		return JobRecord, nil
	}
	return "", ErrUnknownJobKind
}

type JobState string

const (
	JobIdle       JobState = "idle"
	JobStarting   JobState = "starting"
	JobActive     JobState = "active"
	JobStopping   JobState = "stopping"
	JobTerminated JobState = "terminated"
)

// EncoderJob is the descriptor returned by start and status calls.
type EncoderJob struct {
	RoomID    RoomID    `json:"roomId"`
	Kind      JobKind   `json:"kind"`
	State     JobState  `json:"state"`
	PID       int       `json:"pid,omitempty"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	Target    string    `json:"target,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type ExitInfo struct {
	Code        int       `json:"code"`
	Signaled    bool      `json:"signaled"`
	Crashed     bool      `json:"crashed"`
	At          time.Time `json:"at"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
}

type JobStatus struct {
	IsActive  bool       `json:"isActive"`
	State     JobState   `json:"state"`
	Target    string     `json:"target,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	PID       int        `json:"pid,omitempty"`
	LastExit  *ExitInfo  `json:"lastExit,omitempty"`
}

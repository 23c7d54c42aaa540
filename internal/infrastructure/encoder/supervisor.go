package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"
	"roomcast/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultStopTimeout = time.Second

type jobKey struct {
	room domain.RoomID
	kind domain.JobKind
}

type job struct {
	desc   domain.EncoderJob
	target string
	proc   Process
	tap    ports.Tap

	stopRequested bool
	reset         bool
	// closed once the slot has been released
	done chan struct{}
}

// Supervisor runs at most one encoder process per (room, job kind).
type Supervisor struct {
	mu       sync.Mutex
	jobs     map[jobKey]*job
	lastExit map[jobKey]*domain.ExitInfo

	endpoints   ports.PullEndpoints
	launcher    Launcher
	templates   Templates
	stopTimeout time.Duration
	metrics     ports.Metrics
	logger      *zap.SugaredLogger
	now         func() time.Time
}

func NewSupervisor(
	endpoints ports.PullEndpoints,
	launcher Launcher,
	templates Templates,
	stopTimeout time.Duration,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		jobs:        make(map[jobKey]*job),
		lastExit:    make(map[jobKey]*domain.ExitInfo),
		endpoints:   endpoints,
		launcher:    launcher,
		templates:   templates,
		stopTimeout: stopTimeout,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Start spawns the encoder for (roomID, kind). A job already starting or
// active is returned unchanged. For restream jobs target is the stream key.
func (s *Supervisor) Start(ctx context.Context, roomID domain.RoomID, kind domain.JobKind, target string) (domain.EncoderJob, error) {
	ctx, span := tracing.TraceEncoder(ctx, "start", string(roomID), string(kind))
	defer span.End()

	if kind != domain.JobRecord && kind != domain.JobRestream {
		return domain.EncoderJob{}, domain.ErrUnknownJobKind
	}
	key := jobKey{room: roomID, kind: kind}

	var j *job
	for {
		s.mu.Lock()
		existing := s.jobs[key]
		if existing == nil {
			break
		}
		if existing.desc.State == domain.JobStarting || existing.desc.State == domain.JobActive {
			desc := s.describe(existing)
			s.mu.Unlock()
			s.logger.Debugw("encoder already running", "room_id", roomID, "kind", kind, "state", desc.State)
			return desc, nil
		}
		// stopping: wait for the slot to free up
		done := existing.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return domain.EncoderJob{}, ctx.Err()
		}
	}

	var sinkTarget string
	if kind == domain.JobRestream {
		if err := validation.ValidateStreamKey(target); err != nil {
			s.mu.Unlock()
			s.logger.Warnw("rejected restream start", "room_id", roomID, "reason", err.Error())
			return domain.EncoderJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
		}
		sinkTarget = s.templates.RestreamTarget(target)
	}

	j = &job{
		desc: domain.EncoderJob{
			RoomID: roomID,
			Kind:   kind,
			State:  domain.JobStarting,
		},
		target: sinkTarget,
		done:   make(chan struct{}),
	}
	s.jobs[key] = j
	s.mu.Unlock()

	proc, tap, err := s.spawn(ctx, j)
	if err != nil {
		s.mu.Lock()
		if s.jobs[key] == j {
			delete(s.jobs, key)
		}
		s.mu.Unlock()
		close(j.done)
		tracing.RecordError(ctx, err)
		return domain.EncoderJob{}, err
	}

	s.mu.Lock()
	j.proc = proc
	j.tap = tap
	j.desc.State = domain.JobActive
	j.desc.PID = proc.PID()
	j.desc.StartedAt = s.now()
	delete(s.lastExit, key)
	stop := j.stopRequested
	if stop {
		j.desc.State = domain.JobStopping
	}
	desc := s.describe(j)
	s.mu.Unlock()

	go s.observe(key, j)

	s.metrics.EncoderStarted(kind)
	s.logger.Infow("encoder started",
		"room_id", roomID,
		"kind", kind,
		"pid", desc.PID,
		"source", desc.SourceURL,
		"target", desc.Target,
	)

	if stop {
		// a stop arrived while spawning
		_ = proc.Interrupt()
	}
	return desc, nil
}

func (s *Supervisor) spawn(ctx context.Context, j *job) (Process, ports.Tap, error) {
	// a missing encoder is reported before the room's media is looked at
	if err := s.launcher.Check(s.templates.Binary); err != nil {
		s.logger.Errorw("encoder binary unavailable",
			"room_id", j.desc.RoomID,
			"kind", j.desc.Kind,
			"binary", s.templates.Binary,
			"error", err,
		)
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrProcessSpawn, err)
	}

	tap, err := s.endpoints.Open(ctx, j.desc.RoomID)
	if err != nil {
		return nil, nil, err
	}
	source := tap.URL()

	s.mu.Lock()
	target := j.target
	s.mu.Unlock()

	var args []string
	switch j.desc.Kind {
	case domain.JobRecord:
		target = s.templates.RecordPath(j.desc.RoomID, s.now())
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			_ = tap.Close()
			return nil, nil, fmt.Errorf("%w: create recordings dir: %v", domain.ErrProcessSpawn, err)
		}
		args = s.templates.RecordArgs(source, target)
	case domain.JobRestream:
		args = s.templates.RestreamArgs(source, target)
	}

	s.mu.Lock()
	j.desc.SourceURL = source
	j.target = target
	s.mu.Unlock()

	proc, err := s.launcher.Launch(s.templates.Binary, args)
	if err != nil {
		_ = tap.Close()
		s.logger.Errorw("failed to spawn encoder",
			"room_id", j.desc.RoomID,
			"kind", j.desc.Kind,
			"binary", s.templates.Binary,
			"error", err,
		)
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrProcessSpawn, err)
	}
	return proc, tap, nil
}

// observe releases the slot when the process exits.
func (s *Supervisor) observe(key jobKey, j *job) {
	<-j.proc.Done()
	res := j.proc.Exit()

	s.mu.Lock()
	intentional := j.stopRequested
	exit := &domain.ExitInfo{
		Code:     res.Code,
		Signaled: res.Signaled,
		Crashed:  !intentional && !res.Clean(),
		At:       s.now(),
	}
	if exit.Crashed {
		exit.Diagnostics = j.proc.Diagnostics()
	}
	if s.jobs[key] == j {
		delete(s.jobs, key)
	}
	if !j.reset {
		s.lastExit[key] = exit
	}
	j.desc.State = domain.JobTerminated
	s.mu.Unlock()

	if err := j.tap.Close(); err != nil {
		s.logger.Warnw("failed to close media tap", "room_id", key.room, "kind", key.kind, "error", err)
	}
	s.metrics.EncoderExited(key.kind, exit.Crashed)

	if exit.Crashed {
		s.logger.Errorw("encoder crashed",
			"room_id", key.room,
			"kind", key.kind,
			"pid", j.desc.PID,
			"exit_code", res.Code,
			"signaled", res.Signaled,
			"stderr_tail", exit.Diagnostics,
		)
	} else {
		s.logger.Infow("encoder exited",
			"room_id", key.room,
			"kind", key.kind,
			"pid", j.desc.PID,
			"exit_code", res.Code,
		)
	}
	close(j.done)
}

// Stop interrupts the encoder and escalates to a kill after the stop timeout.
// Stopping an idle slot is a no-op.
func (s *Supervisor) Stop(ctx context.Context, roomID domain.RoomID, kind domain.JobKind) error {
	ctx, span := tracing.TraceEncoder(ctx, "stop", string(roomID), string(kind))
	defer span.End()

	key := jobKey{room: roomID, kind: kind}
	s.mu.Lock()
	j := s.jobs[key]
	if j == nil {
		s.mu.Unlock()
		return nil
	}
	j.stopRequested = true
	proc := j.proc
	if proc != nil {
		j.desc.State = domain.JobStopping
	}
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Interrupt(); err != nil {
			s.logger.Warnw("failed to interrupt encoder", "room_id", roomID, "kind", kind, "error", err)
		}
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	proc = j.proc
	s.mu.Unlock()
	if proc != nil {
		s.logger.Warnw("encoder ignored interrupt, killing", "room_id", roomID, "kind", kind, "pid", proc.PID())
		if err := proc.Kill(); err != nil {
			s.logger.Warnw("failed to kill encoder", "room_id", roomID, "kind", kind, "error", err)
		}
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset force-kills any running encoder and forgets the last exit.
func (s *Supervisor) Reset(ctx context.Context, roomID domain.RoomID, kind domain.JobKind) error {
	key := jobKey{room: roomID, kind: kind}
	s.mu.Lock()
	delete(s.lastExit, key)
	j := s.jobs[key]
	if j == nil {
		s.mu.Unlock()
		return nil
	}
	j.stopRequested = true
	j.reset = true
	proc := j.proc
	s.mu.Unlock()

	s.logger.Infow("resetting encoder", "room_id", roomID, "kind", kind)
	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger.Warnw("failed to kill encoder", "room_id", roomID, "kind", kind, "error", err)
		}
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Status(roomID domain.RoomID, kind domain.JobKind) domain.JobStatus {
	key := jobKey{room: roomID, kind: kind}
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.JobStatus{State: domain.JobIdle}
	if exit := s.lastExit[key]; exit != nil {
		e := *exit
		status.LastExit = &e
	}
	j := s.jobs[key]
	if j == nil {
		return status
	}
	desc := s.describe(j)
	status.State = desc.State
	status.IsActive = desc.State == domain.JobStarting || desc.State == domain.JobActive
	status.Target = desc.Target
	status.PID = desc.PID
	if !desc.StartedAt.IsZero() {
		at := desc.StartedAt
		status.StartedAt = &at
	}
	return status
}

// StopRoom stops every encoder of a room.
func (s *Supervisor) StopRoom(ctx context.Context, roomID domain.RoomID) error {
	var errs []error
	for _, kind := range []domain.JobKind{domain.JobRecord, domain.JobRestream} {
		if err := s.Stop(ctx, roomID, kind); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every running encoder in parallel and reports the first
// failure. Every job is attempted regardless.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]jobKey, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := s.Stop(ctx, k.room, k.kind); err != nil {
				s.logger.Errorw("failed to stop encoder on shutdown", "room_id", k.room, "kind", k.kind, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// describe requires s.mu. Restream keys are masked.
func (s *Supervisor) describe(j *job) domain.EncoderJob {
	desc := j.desc
	desc.Target = j.target
	if j.desc.Kind == domain.JobRestream && j.target != "" {
		desc.Target = maskTarget(j.target)
	}
	return desc
}

package encoder

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

type fakeTap struct {
	url    string
	mu     sync.Mutex
	closed bool
}

func (t *fakeTap) URL() string { return t.url }

func (t *fakeTap) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTap) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeEndpoints struct {
	mu    sync.Mutex
	err   error
	taps  []*fakeTap
	opens int
}

func (e *fakeEndpoints) Open(_ context.Context, roomID domain.RoomID) (ports.Tap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if e.err != nil {
		return nil, e.err
	}
	tap := &fakeTap{url: "/tmp/roomcast-" + string(roomID) + ".sdp"}
	e.taps = append(e.taps, tap)
	return tap, nil
}

type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	exit       ExitResult
	diag       []string
	ignoreInt  bool
	mu         sync.Mutex
	interrupts int
	kills      int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) finish(res ExitResult) {
	p.once.Do(func() {
		p.exit = res
		close(p.done)
	})
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupts++
	ignore := p.ignoreInt
	p.mu.Unlock()
	if !ignore {
		p.finish(ExitResult{Code: 255})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.finish(ExitResult{Code: -1, Signaled: true})
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Exit() ExitResult     { <-p.done; return p.exit }
func (p *fakeProcess) Diagnostics() []string { return p.diag }

func (p *fakeProcess) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts, p.kills
}

type launchCall struct {
	binary string
	args   []string
}

type fakeLauncher struct {
	mu       sync.Mutex
	checkErr error
	err      error
	calls []launchCall
	procs []*fakeProcess
	next  func() *fakeProcess
}

func (l *fakeLauncher) Check(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkErr
}

func (l *fakeLauncher) Launch(binary string, args []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, launchCall{binary: binary, args: args})
	if l.err != nil {
		return nil, l.err
	}
	var p *fakeProcess
	if l.next != nil {
		p = l.next()
	} else {
		p = newFakeProcess(1000 + len(l.procs))
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type nopMetrics struct{}

func (nopMetrics) SetRoomsActive(int)                       {}
func (nopMetrics) SetConnections(int)                       {}
func (nopMetrics) SetViewers(domain.RoomID, int)            {}
func (nopMetrics) ClearRoom(domain.RoomID)                  {}
func (nopMetrics) ProducerRegistered(domain.MediaKind)      {}
func (nopMetrics) ProducerRemoved(domain.MediaKind, string) {}
func (nopMetrics) SignalRequest(string, bool)               {}
func (nopMetrics) EncoderStarted(domain.JobKind)            {}
func (nopMetrics) EncoderExited(domain.JobKind, bool)       {}

package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a running encoder.
type Process interface {
	PID() int
	Interrupt() error
	Kill() error
	// Done is closed once the process has exited and Exit is valid.
	Done() <-chan struct{}
	Exit() ExitResult
	// Diagnostics returns the last lines the process wrote to stderr.
	Diagnostics() []string
}

type ExitResult struct {
	Code     int
	Signaled bool
	Err      error
}

// Clean reports a zero exit without a signal.
func (r ExitResult) Clean() bool {
	return r.Code == 0 && !r.Signaled && r.Err == nil
}

// Launcher starts encoder processes.
type Launcher interface {
	// Check reports whether binary can be launched at all.
	Check(binary string) error
	Launch(binary string, args []string) (Process, error)
}

// ExecLauncher runs encoders as child processes.
type ExecLauncher struct {
	StderrLines int
}

func (ExecLauncher) Check(binary string) error {
	_, err := exec.LookPath(binary)
	return err
}

func (l ExecLauncher) Launch(binary string, args []string) (Process, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, err
	}

	tail := newTailBuffer(l.StderrLines)
	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = tail
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	exit ExitResult
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.exit = exitResult(err)
	close(p.done)
}

func exitResult(err error) ExitResult {
	if err == nil {
		return ExitResult{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitResult{Code: -1, Err: err}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitResult{Code: -1, Signaled: true}
	}
	return ExitResult{Code: exitErr.ExitCode()}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

// Interrupt asks ffmpeg to finalize its output and quit.
func (p *execProcess) Interrupt() error {
	return p.signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.signal(os.Kill)
}

func (p *execProcess) signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v to pid %d: %w", sig, p.PID(), err)
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exit() ExitResult {
	<-p.done
	return p.exit
}

func (p *execProcess) Diagnostics() []string { return p.tail.Lines() }

// tailBuffer keeps the last n complete lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial []byte
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = 20
	}
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, b...)
	for {
		// ffmpeg rewrites its progress line with \r
		i := bytes.IndexAny(t.partial, "\r\n")
		if i < 0 {
			break
		}
		if line := string(bytes.TrimSpace(t.partial[:i])); line != "" {
			t.push(line)
		}
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > 4096 {
		t.push(string(t.partial))
		t.partial = t.partial[:0]
	}
	return len(b), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.lines...)
	if rest := string(bytes.TrimSpace(t.partial)); rest != "" {
		out = append(out, rest)
	}
	return out
}

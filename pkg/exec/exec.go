// Package exec is the subprocess gateway: it spawns git, pip and the engine
// binary, captures their streams, and enforces timeouts and cancellation. No
// caller ever shells out directly; every other package goes through here so
// that logging, ring-buffered tailing, and signal forwarding stay in one
// place, mirroring how cmd/entrypoint-wrapper manages its single child
// process and pkg/git.Repo.gitCommand builds every git invocation.
package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of a Run call. Timeouts and missing executables are
// both reported here rather than as a Go error, so callers that want to
// branch on exit status don't also need to unwrap errors.Is chains.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Gateway runs commands on behalf of every other component.
type Gateway struct {
	Log *logrus.Entry
}

func New(log *logrus.Entry) *Gateway {
	return &Gateway{Log: log}
}

// Run executes args, capturing both streams fully, and returns once the
// process exits, the context is cancelled, or timeout elapses. A missing
// executable or a timeout is folded into Result (ExitCode -1) rather than
// propagated as an error: callers inspect Result.ExitCode the same way for
// every failure mode.
func (g *Gateway) Run(ctx context.Context, args []string, cwd string, env []string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := osExecCommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	g.Log.WithField("args", args).WithField("dir", cwd).Debug("Running subprocess.")

	var stdout, stderr safeBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: "timed out waiting for command to complete"}
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Result{ExitCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}
		}
		// exec.Error wraps a missing executable; fold it into the result
		// instead of surfacing a Go error, per the gateway's contract.
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: err.Error()}
	}
	return Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
}

// RingBuffer retains the last n lines written to it, for crash diagnostics.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func NewRingBuffer(cap int) *RingBuffer {
	return &RingBuffer{cap: cap}
}

func (r *RingBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Snapshot returns a copy of the currently retained lines.
func (r *RingBuffer) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Handle is a running child process plus its log tail.
type Handle struct {
	Cmd    *exec.Cmd
	Log    *RingBuffer
	done   chan struct{}
	waitMu sync.Mutex
	waitEr error
	waited bool
}

// Spawn starts args as a long-lived child, tee-forwarding both streams line
// by line to the gateway's logger while keeping the last 20 lines in a ring
// buffer for diagnostics (spec.md §4.2).
func (g *Gateway) Spawn(ctx context.Context, args []string, cwd string, env []string) (*Handle, error) {
	cmd := osExecCommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %v: %w", args, err)
	}

	h := &Handle{Cmd: cmd, Log: NewRingBuffer(20), done: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(2)
	go h.tail(&wg, stdout, g.Log)
	go h.tail(&wg, stderr, g.Log)
	go func() {
		wg.Wait()
		close(h.done)
	}()
	return h, nil
}

func (h *Handle) tail(wg *sync.WaitGroup, r io.Reader, log *logrus.Entry) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.Log.Add(line)
		log.Debug(line)
	}
}

// Terminate sends the platform's polite signal, then a hard kill if grace
// elapses before the process exits. It always joins the log readers before
// returning, so no reader goroutine outlives teardown.
func (g *Gateway) Terminate(h *Handle, grace time.Duration) error {
	if h.Cmd.Process == nil {
		return nil
	}
	_ = interruptProcess(h.Cmd.Process)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		_ = h.Cmd.Process.Kill()
		<-h.done
	}

	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	if !h.waited {
		h.waitEr = h.Cmd.Wait()
		h.waited = true
	}
	return h.waitEr
}

// safeBuffer is a strings.Builder-equivalent usable concurrently from
// cmd.Stdout/cmd.Stderr (exec.Cmd may write from its own goroutines).
type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

//go:build linux

// Package child implements one supervised unit: fork+exec, stdio pipes,
// the Stopped/Starting/Running/Backoff/Stopping/Exited/Fatal state
// machine, output capture, signal-based kill, and reap.
//
// Pipes are wired via cmd.StdoutPipe/StderrPipe/StdinPipe, the child runs
// in its own process group (SysProcAttr{Setpgid, Pdeathsig}), and a kill
// escalates SIGTERM (or the configured stop signal) to SIGKILL after a
// grace period. Unlike a one-shot process wrapper, a Child is a handle
// that survives many incarnations: it carries the explicit state machine
// plus the start_secs dwell / start_retries backoff policy the
// supervisor's restart contract requires.
package child

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sundrift/taskmaster/internal/config"
)

// RetryScheduler is the subset of *Scheduler a Child needs to arm a
// backoff retry; it is satisfied by the Supervisor's shared scheduler so
// that all pending retries, across every program, live in one heap.
type RetryScheduler interface {
	Push(name string, when time.Time)
	Remove(name string)
}

// TransitionFunc is invoked (off the state lock) on every state change, so
// the supervisor can mirror it to an audit sink or wake a foreground
// bridge watching for the child leaving Running.
type TransitionFunc func(name string, s State)

// Child is one supervised program's persistent handle.
type Child struct {
	log *zap.Logger
	cfg config.ProgramConfig

	sched   RetryScheduler
	onTrans TransitionFunc

	mu        sync.RWMutex // guards state + failCount, per spec §4.4
	state     State
	failCount int

	stdoutBuf *outputBuffer
	stderrBuf *outputBuffer

	pipeMu sync.Mutex // guards stdin pipe lifetime independent of state lock
	stdin  io.WriteCloser

	killTimerMu sync.Mutex
	killTimer   *time.Timer

	generation int64 // bumped every spawn; guards stale watcher goroutines
}

// New constructs a Child in the Stopped state. It does not spawn anything.
func New(log *zap.Logger, cfg config.ProgramConfig, sched RetryScheduler, onTrans TransitionFunc) *Child {
	return &Child{
		log:       log.Named("child").With(zap.String("program", cfg.Name)),
		cfg:       cfg,
		sched:     sched,
		onTrans:   onTrans,
		state:     State{Kind: Stopped},
		stdoutBuf: &outputBuffer{},
		stderrBuf: &outputBuffer{},
	}
}

// Name returns the program name this handle was constructed for.
func (c *Child) Name() string { return c.cfg.Name }

// Config returns the immutable configuration backing this handle.
func (c *Child) Config() config.ProgramConfig { return c.cfg }

// State returns a snapshot of the current state under the read lock.
func (c *Child) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Child) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onTrans != nil {
		c.onTrans(c.cfg.Name, s)
	}
}

// Spawn forks and execs the configured command. Precondition: state is
// Stopped or Backoff. No-op (returns an error) otherwise.
func (c *Child) Spawn() error {
	c.mu.Lock()
	if c.state.Kind != Stopped && c.state.Kind != Backoff {
		cur := c.state.Kind
		c.mu.Unlock()
		return fmt.Errorf("child %q: spawn called in state %s", c.cfg.Name, cur)
	}
	prev := c.state.Kind
	if prev == Stopped {
		c.failCount = 0
	}
	c.state = State{Kind: Starting}
	c.mu.Unlock()
	if c.onTrans != nil {
		c.onTrans(c.cfg.Name, State{Kind: Starting})
	}
	c.sched.Remove(c.cfg.Name)

	c.generation++
	gen := c.generation

	argv := config.SplitCommand(c.cfg.Command)
	if len(argv) == 0 {
		return c.failSpawn(fmt.Errorf("empty command"))
	}
	path := argv[0]
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = buildEnv(c.cfg.Envs)
	if c.cfg.Directory != nil {
		cmd.Dir = *c.cfg.Directory
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdout, stderr, stdin, err := pipes(cmd, c.cfg.RedirectStderr)
	if err != nil {
		return c.failSpawn(fmt.Errorf("pipe setup: %w", err))
	}

	restoreUmask := applyUmask(c.cfg.Umask)
	startErr := cmd.Start()
	restoreUmask()
	if startErr != nil {
		return c.failSpawn(fmt.Errorf("start: %w", startErr))
	}

	pid := cmd.Process.Pid
	c.pipeMu.Lock()
	c.stdin = stdin
	c.pipeMu.Unlock()

	setNonblocking(stdout)
	if stderr != nil {
		setNonblocking(stderr)
	}

	c.log.Info("spawned", zap.Int("pid", pid), zap.Strings("argv", argv))

	go c.drain(stdout, c.stdoutBuf, "stdout")
	if stderr != nil {
		go c.drain(stderr, c.stderrBuf, "stderr")
	}
	go c.supervise(cmd, pid, gen)

	return nil
}

// failSpawn records a start failure the same way an early post-fork exit
// would: incrementing fail_count and moving to Backoff or Fatal.
func (c *Child) failSpawn(cause error) error {
	c.log.Warn("spawn failed", zap.Error(cause))
	c.recordFailureAndMaybeRetry()
	return cause
}

// recordFailureAndMaybeRetry implements the Backoff/Fatal half of the
// state machine: fail_count < start_retries schedules another attempt;
// fail_count == start_retries is terminal.
func (c *Child) recordFailureAndMaybeRetry() {
	c.mu.Lock()
	c.failCount++
	fatal := c.failCount >= c.cfg.StartRetries
	var s State
	if fatal {
		s = State{Kind: Fatal}
	} else {
		s = State{Kind: Backoff}
	}
	c.state = s
	c.mu.Unlock()
	if c.onTrans != nil {
		c.onTrans(c.cfg.Name, s)
	}

	if fatal {
		c.log.Error("exceeded start_retries, now Fatal", zap.Int("fail_count", c.failCount))
		return
	}
	delay := c.cfg.StartSecs
	if delay <= 0 {
		delay = time.Second
	}
	c.log.Info("scheduling backoff retry", zap.Duration("delay", delay), zap.Int("fail_count", c.failCount))
	c.sched.Push(c.cfg.Name, time.Now().Add(delay))
}

// supervise is the reaper: the sole caller of Wait for this pid. It
// enforces the start_secs dwell by racing the dwell timer against the
// exit, so an early exit counts as a start failure rather than a
// post-running crash.
func (c *Child) supervise(cmd *exec.Cmd, pid int, gen int64) {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	dwell := c.cfg.StartSecs
	var dwellCh <-chan time.Time
	if dwell <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		dwellCh = ch
	} else {
		t := time.NewTimer(dwell)
		defer t.Stop()
		dwellCh = t.C
	}

	reachedRunning := false
	select {
	case <-dwellCh:
		if gen != c.generation {
			// superseded by a newer incarnation; let this one finish quietly
		} else {
			reachedRunning = true
			c.mu.Lock()
			c.state = State{Kind: Running, Pid: pid}
			c.failCount = 0
			c.mu.Unlock()
			if c.onTrans != nil {
				c.onTrans(c.cfg.Name, State{Kind: Running, Pid: pid})
			}
			c.log.Info("reached Running", zap.Int("pid", pid))
		}
	case err := <-exitCh:
		c.finishExit(err, pid, false, gen)
		return
	}

	if !reachedRunning {
		return
	}

	err := <-exitCh
	c.finishExit(err, pid, true, gen)
}

// finishExit applies the post-fork transition rules. wasRunning tells us
// whether the dwell had already elapsed (natural-exit policy applies) or
// not (early-exit counts as a start failure).
func (c *Child) finishExit(waitErr error, pid int, wasRunning bool, gen int64) {
	c.cancelKillTimer()

	code, signaled, sig := exitInfo(waitErr)

	c.pipeMu.Lock()
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	c.pipeMu.Unlock()

	if gen != c.generation {
		c.log.Debug("stale generation exit observed, ignoring", zap.Int("pid", pid))
		return
	}

	if signaled {
		c.log.Info("child exited via signal", zap.Int("pid", pid), zap.String("signal", sig))
	} else {
		c.log.Info("child exited", zap.Int("pid", pid), zap.Int("code", code))
	}

	if !wasRunning {
		c.recordFailureAndMaybeRetry()
		return
	}

	c.mu.RLock()
	wasStopping := c.state.Kind == Stopping
	c.mu.RUnlock()

	if wasStopping {
		c.setState(State{Kind: Stopped})
		return
	}

	c.setState(State{Kind: Exited, ExitCode: code})

	switch c.cfg.AutoRestart {
	case config.RestartAlways:
		c.respawnAfterExit()
	case config.RestartNever:
		c.setState(State{Kind: Stopped})
	default: // RestartUnexpected
		if containsInt(c.cfg.ExitCodes, code) {
			c.setState(State{Kind: Stopped})
		} else {
			c.respawnAfterExit()
		}
	}
}

// respawnAfterExit re-enters the spawn path for a natural-exit restart.
// This is not a Backoff-counted retry: the child already proved it could
// reach Running once, so fail_count is not involved.
func (c *Child) respawnAfterExit() {
	c.mu.Lock()
	c.state = State{Kind: Stopped}
	c.mu.Unlock()
	if err := c.Spawn(); err != nil {
		c.log.Warn("auto-restart spawn failed", zap.Error(err))
	}
}

// Kill requests a graceful stop. No-op if the child is not Running.
func (c *Child) Kill() error {
	c.mu.Lock()
	if c.state.Kind != Running {
		// Not Running: no-op, including a double kill() on an already
		// Stopping child.
		c.mu.Unlock()
		return nil
	}
	pid := c.state.Pid
	c.state = State{Kind: Stopping, Pid: pid}
	c.mu.Unlock()
	if c.onTrans != nil {
		c.onTrans(c.cfg.Name, State{Kind: Stopping, Pid: pid})
	}

	sig := stopSignal(c.cfg.StopSignal)
	if err := syscall.Kill(-pid, sig); err != nil {
		c.log.Warn("signal delivery failed, leaving Stopping for the reaper", zap.Error(err), zap.Int("pid", pid))
	}

	c.armKillEscalation(pid)
	return nil
}

// armKillEscalation escalates to SIGKILL if the child has not exited
// within stop_wait_secs of the graceful signal.
func (c *Child) armKillEscalation(pid int) {
	wait := c.cfg.StopWaitSecs
	if wait <= 0 {
		wait = 10 * time.Second
	}
	c.killTimerMu.Lock()
	c.killTimer = time.AfterFunc(wait, func() {
		c.mu.RLock()
		stillStopping := c.state.Kind == Stopping && c.state.Pid == pid
		c.mu.RUnlock()
		if !stillStopping {
			return
		}
		c.log.Warn("stop_wait_secs elapsed, escalating to SIGKILL", zap.Int("pid", pid))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			c.log.Error("SIGKILL failed", zap.Error(err), zap.Int("pid", pid))
		}
	})
	c.killTimerMu.Unlock()
}

func (c *Child) cancelKillTimer() {
	c.killTimerMu.Lock()
	if c.killTimer != nil {
		c.killTimer.Stop()
		c.killTimer = nil
	}
	c.killTimerMu.Unlock()
}

// WriteStdin writes to the child's stdin pipe. Returns 0 if not Running or
// if the pipe has been closed from the far end (EPIPE is not fatal).
func (c *Child) WriteStdin(p []byte) int {
	c.mu.RLock()
	running := c.state.Kind == Running
	c.mu.RUnlock()
	if !running {
		return 0
	}
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	if c.stdin == nil {
		return 0
	}
	n, err := c.stdin.Write(p)
	if err != nil && !errors.Is(err, syscall.EPIPE) {
		c.log.Debug("stdin write error", zap.Error(err))
	}
	return n
}

// DrainStdout extracts and clears everything captured from stdout since
// the last drain.
func (c *Child) DrainStdout() []byte { return c.stdoutBuf.Drain() }

// DrainStderr extracts and clears everything captured from stderr since
// the last drain.
func (c *Child) DrainStderr() []byte { return c.stderrBuf.Drain() }

// ResetFatal moves a Fatal handle back to Stopped so a subsequent Spawn
// is legal again. This is the only way out of Fatal (the explicit "start"
// verb in the control protocol).
func (c *Child) ResetFatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind != Fatal {
		return fmt.Errorf("child %q: not Fatal", c.cfg.Name)
	}
	c.state = State{Kind: Stopped}
	c.failCount = 0
	return nil
}

// Dump returns a debug rendering of internal state for the daemon's
// SIGUSR1 introspection path.
func (c *Child) Dump() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return spew.Sdump(c.state, c.failCount)
}

func (c *Child) drain(r io.ReadCloser, buf *outputBuffer, label string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		buf.AppendLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		c.log.Debug("scanner ended with error", zap.String("stream", label), zap.Error(err))
	}
}

// pipes wires the child's stdio. When redirectStderr is set, stderr is
// merged onto stdout the documented os/exec way (cmd.Stderr = cmd.Stdout,
// reusing the same pipe StdoutPipe already wired up) and the returned
// stderr reader is nil, so the caller must not start a second drain on
// it; the combined output lands in the stdout capture only.
func pipes(cmd *exec.Cmd, redirectStderr bool) (*os.File, *os.File, io.WriteCloser, error) {
	stdoutR, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stderrR *os.File
	if redirectStderr {
		cmd.Stderr = cmd.Stdout
	} else {
		r, err := cmd.StderrPipe()
		if err != nil {
			_ = stdoutR.Close()
			return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
		}
		stderrR = r.(*os.File)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdoutR.Close()
		if stderrR != nil {
			_ = stderrR.Close()
		}
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	return stdoutR.(*os.File), stderrR, stdin, nil
}

func setNonblocking(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.SetNonblock(int(f.Fd()), true)
}

// applyUmask sets the process umask just before fork so the child
// inherits it, returning a func that restores the previous value.
// os/exec offers no per-child pre-exec hook on this platform, and
// POSIX umask is process-wide rather than per-thread, so this is a
// narrow best-effort window around cmd.Start() rather than a true
// per-child umask: concurrent Spawns of programs configured with
// different umasks can race here. nil leaves the daemon's umask alone.
func applyUmask(umask *uint32) func() {
	if umask == nil {
		return func() {}
	}
	old := unix.Umask(int(*umask))
	return func() { unix.Umask(old) }
}

func buildEnv(extra []string) []string {
	env := append([]string{}, os.Environ()...)
	overrides := make(map[string]bool, len(extra))
	for _, kv := range extra {
		if i := indexByte(kv, '='); i >= 0 {
			overrides[kv[:i]] = true
		}
	}
	filtered := env[:0]
	for _, kv := range env {
		if i := indexByte(kv, '='); i >= 0 && overrides[kv[:i]] {
			continue
		}
		filtered = append(filtered, kv)
	}
	return append(filtered, extra...)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func stopSignal(s config.StopSignal) syscall.Signal {
	switch s {
	case config.StopHUP:
		return syscall.SIGHUP
	case config.StopINT:
		return syscall.SIGINT
	case config.StopQUIT:
		return syscall.SIGQUIT
	case config.StopKILL:
		return syscall.SIGKILL
	case config.StopUSR1:
		return syscall.SIGUSR1
	case config.StopUSR2:
		return syscall.SIGUSR2
	default:
		return syscall.SIGTERM
	}
}

// exitInfo extracts the low-8-bits exit code (or signal info) from the
// error cmd.Wait() returns.
func exitInfo(err error) (code int, signaled bool, signal string) {
	if err == nil {
		return 0, false, ""
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.ProcessState.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, true, ws.Signal().String()
			}
			return ws.ExitStatus(), false, ""
		}
		return ee.ExitCode(), false, ""
	}
	return -1, false, ""
}

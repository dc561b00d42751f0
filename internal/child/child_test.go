//go:build linux

package child

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sundrift/taskmaster/internal/config"
)

// noopSched never fires a scheduled retry; suitable for tests that never
// expect to reach Backoff/Fatal.
type noopSched struct{}

func (noopSched) Push(name string, when time.Time) {}
func (noopSched) Remove(name string)               {}

// pollingSched stands in for the supervisor's shared scheduler loop: it
// actually re-invokes Spawn when a pushed retry comes due, the way
// supervisor.schedulerLoop does against the real scheduler.
type pollingSched struct {
	mu    sync.Mutex
	child *Child
}

func (s *pollingSched) bind(c *Child) {
	s.mu.Lock()
	s.child = c
	s.mu.Unlock()
}

func (s *pollingSched) Push(name string, when time.Time) {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil {
		return
	}
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() { _ = c.Spawn() })
}

func (s *pollingSched) Remove(name string) {}

func newTestChild(t *testing.T, cmdline string, sched RetryScheduler, mutate func(*config.ProgramConfig)) *Child {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "t"
	cfg.Command = cmdline
	cfg.StartSecs = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(zap.NewNop(), cfg, sched, nil)
	if ps, ok := sched.(*pollingSched); ok {
		ps.bind(c)
	}
	return c
}

func waitForKind(t *testing.T, c *Child, want Kind, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := c.State()
		if s.Kind == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, last was %s", want, c.State())
	return State{}
}

func TestSpawnReachesRunning(t *testing.T) {
	c := newTestChild(t, "/bin/sleep 5", noopSched{}, nil)
	if err := c.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s := waitForKind(t, c, Running, 2*time.Second)
	if s.Pid <= 0 {
		t.Fatalf("expected positive pid, got %d", s.Pid)
	}
	c.Kill()
	waitForKind(t, c, Stopped, 2*time.Second)
}

// TestUnexpectedExitGoesFatalAfterRetries exercises the Backoff/Fatal path:
// the child exits well before start_secs elapses every time, so each
// incarnation counts as a start failure. A real scheduler stub is needed
// here (not noopSched) since reaching Fatal requires start_retries
// consecutive Spawn() calls, driven by the scheduled retries themselves.
func TestUnexpectedExitGoesFatalAfterRetries(t *testing.T) {
	sched := &pollingSched{}
	c := newTestChild(t, `/bin/sh -c "exit 1"`, sched, func(cfg *config.ProgramConfig) {
		cfg.StartRetries = 2
		cfg.AutoRestart = config.RestartUnexpected
		cfg.ExitCodes = []int{0}
	})
	if err := c.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForKind(t, c, Fatal, 3*time.Second)
}

func TestKillIsNoOpWhenNotRunning(t *testing.T) {
	c := newTestChild(t, "/bin/sleep 5", noopSched{}, nil)
	if err := c.Kill(); err != nil {
		t.Fatalf("Kill on Stopped should be a no-op, got %v", err)
	}
	if c.State().Kind != Stopped {
		t.Fatalf("state changed to %s", c.State())
	}
}

func TestDrainStdoutGrowsUntilDrained(t *testing.T) {
	c := newTestChild(t, `/bin/sh -c "echo one; echo two; sleep 1"`, noopSched{}, func(cfg *config.ProgramConfig) {
		cfg.StartSecs = 0
	})
	if err := c.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForKind(t, c, Running, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	out := c.DrainStdout()
	if len(out) == 0 {
		t.Fatalf("expected captured output, got none")
	}
	second := c.DrainStdout()
	if len(second) != 0 {
		t.Fatalf("drain should empty the buffer, got %q", second)
	}
	c.Kill()
}

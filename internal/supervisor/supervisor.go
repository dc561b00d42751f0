// Package supervisor owns the ordered collection of child.Child handles
// and exposes the operations the control server dispatches to: status
// listing, kill, log draining, and foreground-session handle lookup.
//
// A map of name to *child.Child guarded by an RWMutex holds persistent
// handles that survive across incarnations, rather than objects
// recreated on every spawn.
package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sundrift/taskmaster/internal/child"
	"github.com/sundrift/taskmaster/internal/config"
)

// EventSink receives a notification for every state-changing verb and
// every child transition into Fatal, for an optional audit mirror. It is
// satisfied by *auditsink.Sink; nil is a valid no-op sink.
type EventSink interface {
	Publish(event string, program string, detail string)
}

// Supervisor owns one Child per configured program, keyed by name.
type Supervisor struct {
	log   *zap.Logger
	sink  EventSink
	sched *child.Scheduler

	mu       sync.RWMutex // guards children + order; per-child state has its own lock
	children map[string]*child.Child
	order    []string // priority order, lowest first, for boot/shutdown

	drainGroup singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Supervisor for the given programs. It does not start
// anything; call Boot to auto-start programs flagged auto_start=true.
func New(log *zap.Logger, programs []config.ProgramConfig, sink EventSink) *Supervisor {
	s := &Supervisor{
		log:      log.Named("supervisor"),
		sink:     sink,
		sched:    child.NewScheduler(),
		children: make(map[string]*child.Child, len(programs)),
		stopCh:   make(chan struct{}),
	}

	sorted := append([]config.ProgramConfig(nil), programs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, cfg := range sorted {
		// cfg.NumProcs > 1 would fan out into one Child per replica here;
		// replication is parsed and validated but not yet wired (known gap).
		name := cfg.Name
		c := child.New(s.log, cfg, s.sched, func(n string, st child.State) {
			s.onTransition(n, st)
		})
		s.children[name] = c
		s.order = append(s.order, name)
	}

	go s.schedulerLoop()
	return s
}

func (s *Supervisor) onTransition(name string, st child.State) {
	s.log.Debug("transition", zap.String("program", name), zap.String("state", st.String()))
	if st.Kind == child.Fatal && s.sink != nil {
		s.sink.Publish("fatal", name, st.String())
	}
}

// schedulerLoop wakes whenever the soonest pending backoff retry is due
// and re-invokes Spawn for each due program. One goroutine serves every
// child's backoff timer via the shared min-heap scheduler.
func (s *Supervisor) schedulerLoop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		when, ok := s.sched.Next()
		var wait time.Duration
		if ok {
			wait = time.Until(when)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			for _, name := range s.sched.PopDue(time.Now()) {
				s.mu.RLock()
				c, ok := s.children[name]
				s.mu.RUnlock()
				if !ok {
					continue
				}
				if err := c.Spawn(); err != nil {
					s.log.Warn("scheduled retry failed", zap.String("program", name), zap.Error(err))
				}
			}
		}
	}
}

// Boot spawns every program with auto_start=true, in priority order.
func (s *Supervisor) Boot() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		c := s.children[name]
		if !c.Config().AutoStart {
			continue
		}
		if err := c.Spawn(); err != nil {
			s.log.Error("boot spawn failed", zap.String("program", name), zap.Error(err))
		}
	}
}

// ListStatus returns a consistent-per-child (not globally atomic) snapshot
// of every managed program's state, in priority order.
func (s *Supervisor) ListStatus() []struct {
	Name  string
	State child.State
} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]struct {
		Name  string
		State child.State
	}, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, struct {
			Name  string
			State child.State
		}{Name: name, State: s.children[name].State()})
	}
	return out
}

// Kill signals the named program. Fire-and-forget; no-op if not Running.
// An unknown program is an error.
func (s *Supervisor) Kill(name string) error {
	s.mu.RLock()
	c, ok := s.children[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown program %q", name)
	}
	if s.sink != nil {
		s.sink.Publish("kill", name, "")
	}
	return c.Kill()
}

// KillAll signals every managed program.
func (s *Supervisor) KillAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		_ = s.children[name].Kill()
	}
	if s.sink != nil {
		s.sink.Publish("kill", "*", "")
	}
}

// Start resets a Fatal program to Stopped and spawns it; it is also the
// only legal way to leave Fatal. A no-op error if the program is unknown.
func (s *Supervisor) Start(name string) error {
	s.mu.RLock()
	c, ok := s.children[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown program %q", name)
	}
	if s.sink != nil {
		s.sink.Publish("start", name, "")
	}
	if c.State().Kind == child.Fatal {
		if err := c.ResetFatal(); err != nil {
			return err
		}
	}
	return c.Spawn()
}

// Restart kills the named program, then schedules a fresh spawn once it
// reaches Stopped/Exited. Unknown program is an error.
func (s *Supervisor) Restart(name string) error {
	s.mu.RLock()
	c, ok := s.children[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown program %q", name)
	}
	if s.sink != nil {
		s.sink.Publish("restart", name, "")
	}
	if err := c.Kill(); err != nil {
		return err
	}
	go func() {
		deadline := time.Now().Add(c.Config().StopWaitSecs + 5*time.Second)
		for time.Now().Before(deadline) {
			switch c.State().Kind {
			case child.Stopped, child.Exited:
				_ = c.Spawn()
				return
			case child.Fatal:
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
		s.log.Warn("restart: timed out waiting for program to stop", zap.String("program", name))
	}()
	return nil
}

// DrainLogs concatenates every program's drained stdout capture. Coalesces
// concurrent callers with singleflight: a second caller arriving while a
// drain is already in flight waits for and reuses its result rather than
// racing it for the same bytes.
func (s *Supervisor) DrainLogs() []byte {
	v, _, _ := s.drainGroup.Do("drain", func() (interface{}, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []byte
		for _, name := range s.order {
			out = append(out, s.children[name].DrainStdout()...)
		}
		return out, nil
	})
	b, _ := v.([]byte)
	return b
}

// OpenForeground returns a stable reference to the named child for the
// duration of a foreground session. The Child itself is long-lived, so
// this is just a lookup; returning it by name (instead of letting the
// bridge hold a raw pid) is what prevents a concurrent reap from
// invalidating the session.
func (s *Supervisor) OpenForeground(name string) (*child.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[name]
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown program %q", name)
	}
	return c, nil
}

// Shutdown signals every program and stops the scheduler loop.
func (s *Supervisor) Shutdown() {
	if s.sink != nil {
		s.sink.Publish("shutdown", "*", "")
	}
	s.KillAll()
	s.stopOnce.Do(func() { close(s.stopCh) })
}

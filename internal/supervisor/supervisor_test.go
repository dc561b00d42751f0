//go:build linux

package supervisor

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sundrift/taskmaster/internal/child"
	"github.com/sundrift/taskmaster/internal/config"
)

func waitForState(t *testing.T, sup *Supervisor, name string, want child.Kind, timeout time.Duration) child.State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, row := range sup.ListStatus() {
			if row.Name == name && row.State.Kind == want {
				return row.State
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("program %q never reached %s", name, want)
	return child.State{}
}

func newProgram(name, cmd string) config.ProgramConfig {
	p := config.Default()
	p.Name = name
	p.Command = cmd
	p.StartSecs = 30 * time.Millisecond
	return p
}

func TestBootAutoStartsAndStatusReportsRunning(t *testing.T) {
	sleeper := newProgram("sleeper", "/bin/sleep 5")
	sleeper.AutoStart = true

	sup := New(zap.NewNop(), []config.ProgramConfig{sleeper}, nil)
	defer sup.Shutdown()
	sup.Boot()

	s := waitForState(t, sup, "sleeper", child.Running, 2*time.Second)
	if s.Pid <= 0 {
		t.Fatalf("expected positive pid, got %d", s.Pid)
	}
}

func TestKillStopsRunningProgram(t *testing.T) {
	sleeper := newProgram("sleeper", "/bin/sleep 30")
	sleeper.AutoStart = true

	sup := New(zap.NewNop(), []config.ProgramConfig{sleeper}, nil)
	defer sup.Shutdown()
	sup.Boot()

	waitForState(t, sup, "sleeper", child.Running, 2*time.Second)
	if err := sup.Kill("sleeper"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForState(t, sup, "sleeper", child.Stopped, 2*time.Second)
}

func TestKillUnknownProgramIsAnError(t *testing.T) {
	sup := New(zap.NewNop(), nil, nil)
	defer sup.Shutdown()
	if err := sup.Kill("nope"); err == nil {
		t.Fatal("expected error for unknown program")
	}
}

func TestDrainLogsConcatenatesAcrossPrograms(t *testing.T) {
	a := newProgram("a", `/bin/sh -c "echo from-a; sleep 1"`)
	a.AutoStart = true
	a.StartSecs = 0
	b := newProgram("b", `/bin/sh -c "echo from-b; sleep 1"`)
	b.AutoStart = true
	b.StartSecs = 0

	sup := New(zap.NewNop(), []config.ProgramConfig{a, b}, nil)
	defer sup.Shutdown()
	sup.Boot()

	waitForState(t, sup, "a", child.Running, 2*time.Second)
	waitForState(t, sup, "b", child.Running, 2*time.Second)
	time.Sleep(150 * time.Millisecond)

	out := string(sup.DrainLogs())
	if !contains(out, "from-a") || !contains(out, "from-b") {
		t.Fatalf("drained logs missing expected lines: %q", out)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

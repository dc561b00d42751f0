// Package config holds the data model that parameterizes the supervision
// engine and the control plane: one ProgramConfig per managed program, plus
// the daemon-wide and client-wide settings.
package config

import "time"

// AutoRestartCondition is the policy applied when a child exits on its own
// (as opposed to being killed by an operator).
type AutoRestartCondition int

const (
	// RestartUnexpected restarts the child unless its exit code is listed
	// in ExitCodes.
	RestartUnexpected AutoRestartCondition = iota
	// RestartAlways restarts the child on every natural exit.
	RestartAlways
	// RestartNever never restarts the child on natural exit.
	RestartNever
)

func (c AutoRestartCondition) String() string {
	switch c {
	case RestartAlways:
		return "true"
	case RestartNever:
		return "false"
	default:
		return "unexpected"
	}
}

// ParseAutoRestartCondition parses the config-file spelling of the policy.
func ParseAutoRestartCondition(s string) (AutoRestartCondition, bool) {
	switch s {
	case "true":
		return RestartAlways, true
	case "false":
		return RestartNever, true
	case "unexpected", "":
		return RestartUnexpected, true
	default:
		return 0, false
	}
}

// StopSignal is the signal sent to request a graceful stop.
type StopSignal int

const (
	StopTERM StopSignal = iota
	StopHUP
	StopINT
	StopQUIT
	StopKILL
	StopUSR1
	StopUSR2
)

func (s StopSignal) String() string {
	switch s {
	case StopHUP:
		return "HUP"
	case StopINT:
		return "INT"
	case StopQUIT:
		return "QUIT"
	case StopKILL:
		return "KILL"
	case StopUSR1:
		return "USR1"
	case StopUSR2:
		return "USR2"
	default:
		return "TERM"
	}
}

// ParseStopSignal parses the config-file spelling of the signal.
func ParseStopSignal(s string) (StopSignal, bool) {
	switch s {
	case "TERM", "":
		return StopTERM, true
	case "HUP":
		return StopHUP, true
	case "INT":
		return StopINT, true
	case "QUIT":
		return StopQUIT, true
	case "KILL":
		return StopKILL, true
	case "USR1":
		return StopUSR1, true
	case "USR2":
		return StopUSR2, true
	default:
		return 0, false
	}
}

// OutputLog selects the capture sink for a stdio stream.
type OutputLog struct {
	// Kind is one of "none", "auto", "file".
	Kind string
	// Path is set only when Kind == "file".
	Path string
}

// OutputLogNone is the default: the stream is not written to a file
// (it is still captured in the in-memory buffer).
var OutputLogNone = OutputLog{Kind: "none"}

// ProgramConfig is the immutable description of one supervised program.
// Field names and defaults are pinned to the original project's process
// configuration (num_procs=1, priority=999, auto_start=true, start_secs=1,
// start_retries=3, exit_codes=[0,2], stop_wait_secs=10, *_logfile_maxbytes
// =50000, *_logfile_backups=10).
type ProgramConfig struct {
	Name    string
	Command string

	NumProcs      int
	NumProcsStart int
	Priority      int

	AutoStart    bool
	StartSecs    time.Duration
	StartRetries int
	AutoRestart  AutoRestartCondition
	ExitCodes    []int

	StopSignal   StopSignal
	StopWaitSecs time.Duration
	StopAsGroup  *string
	KillAsGroup  *string

	User *string

	RedirectStderr bool

	StdoutLogfile         OutputLog
	StdoutLogfileMaxBytes int
	StdoutLogfileBackups  int
	StdoutCaptureMaxBytes int
	StdoutEventsEnabled   bool

	StderrLogfile         OutputLog
	StderrLogfileMaxBytes int
	StderrLogfileBackups  int
	StderrCaptureMaxBytes int
	StderrEventsEnabled   bool

	Envs      []string
	Directory *string
	Umask     *uint32
}

// Default returns a ProgramConfig with every optional field at the pinned
// default, name and command left blank for the caller to fill in.
func Default() ProgramConfig {
	return ProgramConfig{
		NumProcs:              1,
		NumProcsStart:         0,
		Priority:              999,
		AutoStart:             true,
		StartSecs:             1 * time.Second,
		StartRetries:          3,
		AutoRestart:           RestartUnexpected,
		ExitCodes:             []int{0, 2},
		StopSignal:            StopTERM,
		StopWaitSecs:          10 * time.Second,
		StdoutLogfile:         OutputLogNone,
		StdoutLogfileMaxBytes: 50000,
		StdoutLogfileBackups:  10,
		StderrLogfile:         OutputLogNone,
		StderrLogfileMaxBytes: 50000,
		StderrLogfileBackups:  10,
	}
}

// DaemonConfig configures the supervisor daemon process itself.
type DaemonConfig struct {
	PIDFile  string
	LogFile  string
	Umask    uint32
	MinFDs   int
	BindAddr string // control server listen address, loopback only
}

// DefaultDaemonConfig returns the stock daemon defaults: a PID file and
// log file in the working directory, umask 022, 1024 min fds.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PIDFile:  "taskmasterd.pid",
		LogFile:  "taskmasterd.log",
		Umask:    0o022,
		MinFDs:   1024,
		BindAddr: "127.0.0.1:9450",
	}
}

// CtlConfig configures the client CLI.
type CtlConfig struct {
	ServerAddr string
	Prompt     string
}

// DefaultCtlConfig returns the stock client CLI defaults.
func DefaultCtlConfig() CtlConfig {
	return CtlConfig{
		ServerAddr: "127.0.0.1:9450",
		Prompt:     "taskmaster> ",
	}
}

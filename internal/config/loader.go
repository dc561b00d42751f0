package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

func secToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// File is the result of loading a configuration text file: one or more
// [program:NAME] sections plus the singleton [daemon] and [ctl] sections.
//
// This loader is intentionally small, covering just the ini-style
// section/key grammar needed to make the daemon binary runnable end to
// end.
type File struct {
	Daemon   DaemonConfig
	Ctl      CtlConfig
	Programs []ProgramConfig
}

// Load reads and parses a config file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an ini-flavored config stream:
//
//	[daemon]
//	pidfile = taskmasterd.pid
//
//	[program:sleeper]
//	command = /bin/sleep 60
//	auto_start = true
func Parse(r io.Reader) (*File, error) {
	file := &File{
		Daemon: DefaultDaemonConfig(),
		Ctl:    DefaultCtlConfig(),
	}

	var (
		cur     *ProgramConfig
		section string
	)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if cur != nil {
				file.Programs = append(file.Programs, *cur)
				cur = nil
			}
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if name, ok := strings.CutPrefix(section, "program:"); ok {
				pc := Default()
				pc.Name = name
				cur = &pc
				section = "program"
			}
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		var err error
		switch section {
		case "daemon":
			err = setDaemonField(&file.Daemon, key, val)
		case "ctl":
			err = setCtlField(&file.Ctl, key, val)
		case "program":
			err = setProgramField(cur, key, val)
		default:
			err = fmt.Errorf("key %q outside any section", key)
		}
		if err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	if cur != nil {
		file.Programs = append(file.Programs, *cur)
	}

	if err := ValidateAll(file.Programs); err != nil {
		return nil, err
	}
	return file, nil
}

func setDaemonField(d *DaemonConfig, key, val string) error {
	switch key {
	case "pidfile":
		d.PIDFile = val
	case "logfile":
		d.LogFile = val
	case "bind":
		host, _, err := net.SplitHostPort(val)
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("bind: %q is not a loopback address", val)
		}
		d.BindAddr = val
	case "minfds":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("minfds: %w", err)
		}
		d.MinFDs = n
	case "umask":
		n, err := strconv.ParseUint(val, 8, 32)
		if err != nil {
			return fmt.Errorf("umask: %w", err)
		}
		d.Umask = uint32(n)
	default:
		return fmt.Errorf("unknown daemon key %q", key)
	}
	return nil
}

func setCtlField(c *CtlConfig, key, val string) error {
	switch key {
	case "serverurl":
		c.ServerAddr = val
	case "prompt":
		c.Prompt = val
	default:
		return fmt.Errorf("unknown ctl key %q", key)
	}
	return nil
}

func setProgramField(p *ProgramConfig, key, val string) error {
	switch key {
	case "command":
		p.Command = val
	case "num_procs":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.NumProcs = n
	case "num_procs_start":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.NumProcsStart = n
	case "priority":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.Priority = n
	case "auto_start":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		p.AutoStart = b
	case "start_secs":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StartSecs = secToDuration(n)
	case "start_retries":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StartRetries = n
	case "auto_restart":
		c, ok := ParseAutoRestartCondition(val)
		if !ok {
			return fmt.Errorf("unknown auto_restart value %q", val)
		}
		p.AutoRestart = c
	case "exit_codes":
		codes, err := parseIntList(val)
		if err != nil {
			return err
		}
		p.ExitCodes = codes
	case "stop_signal":
		sig, ok := ParseStopSignal(val)
		if !ok {
			return fmt.Errorf("unknown stop_signal value %q", val)
		}
		p.StopSignal = sig
	case "stop_wait_secs":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StopWaitSecs = secToDuration(n)
	case "stop_as_group":
		v := val
		p.StopAsGroup = &v
	case "kill_as_group":
		v := val
		p.KillAsGroup = &v
	case "user":
		v := val
		p.User = &v
	case "redirect_stderr":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		p.RedirectStderr = b
	case "stdout_logfile":
		p.StdoutLogfile = parseOutputLog(val)
	case "stdout_logfile_maxbytes":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StdoutLogfileMaxBytes = n
	case "stdout_logfile_backups":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StdoutLogfileBackups = n
	case "stderr_logfile":
		p.StderrLogfile = parseOutputLog(val)
	case "stderr_logfile_maxbytes":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StderrLogfileMaxBytes = n
	case "stderr_logfile_backups":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		p.StderrLogfileBackups = n
	case "envs":
		p.Envs = strings.Split(val, ",")
	case "directory":
		v := val
		p.Directory = &v
	case "umask":
		n, err := strconv.ParseUint(val, 8, 32)
		if err != nil {
			return err
		}
		u := uint32(n)
		p.Umask = &u
	default:
		return fmt.Errorf("unknown program key %q", key)
	}
	return nil
}

func parseOutputLog(val string) OutputLog {
	switch val {
	case "none", "":
		return OutputLogNone
	case "auto":
		return OutputLog{Kind: "auto"}
	default:
		return OutputLog{Kind: "file", Path: val}
	}
}

func parseIntList(val string) ([]int, error) {
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("exit_codes: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

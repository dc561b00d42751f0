// Command taskmasterctl is the client CLI: a line-oriented prompt that
// sends control-protocol verbs over a framed TCP connection and prints
// the daemon's response.
//
// Editing and history are out of scope for an internal operator tool, so
// this uses a plain bufio.Scanner prompt loop rather than a readline
// library.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sundrift/taskmaster/internal/config"
	"github.com/sundrift/taskmaster/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9450", "taskmasterd control address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if flag.NArg() > 0 {
		os.Exit(runOnce(conn, strings.Join(flag.Args(), " ")))
	}

	prompt := config.DefaultCtlConfig().Prompt
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print(prompt)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "exit" {
			return
		}
		if line != "" {
			if code := runOnce(conn, line); code != 0 {
				os.Exit(code)
			}
		}
		fmt.Print(prompt)
	}
}

// runOnce parses one client command line, sends the corresponding
// control-protocol request, and prints the response. Returns the process
// exit code that should be used if this is the final command: non-zero on
// transport failure, 0 otherwise (an unknown command or a usage error is
// reported on stderr and does not end the session).
func runOnce(conn net.Conn, line string) int {
	tokens := config.SplitShellLike(line)
	if len(tokens) == 0 {
		return 0
	}

	cmd, args := tokens[0], tokens[1:]

	var req protocol.Request
	switch cmd {
	case "status":
		req = protocol.Request{Verb: protocol.VerbStatus}
	case "log":
		req = protocol.Request{Verb: protocol.VerbLog, Targets: args}
	case "kill":
		req = protocol.Request{Verb: protocol.VerbKill, Targets: args}
	case "start":
		req = protocol.Request{Verb: protocol.VerbStart, Targets: args}
	case "restart":
		req = protocol.Request{Verb: protocol.VerbRestart, Targets: args}
	case "version":
		req = protocol.Request{Verb: protocol.VerbVersion}
	case "daemon_log":
		req = protocol.Request{Verb: protocol.VerbDaemonLog}
	case "shutdown":
		req = protocol.Request{Verb: protocol.VerbShutdown}
	case "fg":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: fg TARGET")
			return 0
		}
		return runForeground(conn, args[0])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return 0
	}

	if err := protocol.SendFrame(conn, []byte(req.Encode())); err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: send: %v\n", err)
		return 1
	}
	if cmd == "shutdown" {
		return 0
	}
	payload, err := protocol.RecvFrame(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: recv: %v\n", err)
		return 1
	}
	os.Stdout.Write(payload)
	return 0
}

// runForeground implements the client side of §4.5: send [foreground],
// read back two ephemeral ports, connect to both, and proxy
// stdin/terminal against the stdin/stdout tunnels until EOF or the
// daemon closes the session.
func runForeground(conn net.Conn, target string) int {
	req := protocol.Request{Verb: protocol.VerbForeground, Targets: []string{target}}
	if err := protocol.SendFrame(conn, []byte(req.Encode())); err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: send: %v\n", err)
		return 1
	}

	pInPayload, err := protocol.RecvFrame(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: recv p_in: %v\n", err)
		return 1
	}
	pOutPayload, err := protocol.RecvFrame(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: recv p_out: %v\n", err)
		return 1
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if host == "" {
		host = "127.0.0.1"
	}

	pIn, err := strconv.Atoi(string(pInPayload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: invalid p_in: %v\n", err)
		return 1
	}
	pOut, err := strconv.Atoi(string(pOutPayload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: invalid p_out: %v\n", err)
		return 1
	}

	stdinTun, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(pIn)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: dial stdin tunnel: %v\n", err)
		return 1
	}
	defer stdinTun.Close()
	stdoutTun, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(pOut)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: dial stdout tunnel: %v\n", err)
		return 1
	}
	defer stdoutTun.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyStream(stdinTun, os.Stdin)
		stdinTun.Close()
	}()
	go func() {
		defer wg.Done()
		copyStream(os.Stdout, stdoutTun)
	}()
	wg.Wait()
	return 0
}

func copyStream(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

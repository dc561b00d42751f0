// Package controlserver accepts client connections on the loopback
// control port, dispatches the control protocol's verbs against a
// Supervisor, and brokers the foreground stdio tunnel.
//
// One worker goroutine per connection; "status" renders as
// "{name} {state}\n" lines. Each connection gets a correlation id and
// structured per-request logging (verb/target/latency in place of the
// method/route fields an HTTP middleware would log), since there is no
// HTTP surface here.
package controlserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sundrift/taskmaster/internal/child"
	"github.com/sundrift/taskmaster/internal/protocol"
	"github.com/sundrift/taskmaster/internal/supervisor"
)

// Version is reported by the "version" verb.
const Version = "1.0.0"

// Supervisor is the subset of *supervisor.Supervisor the control server
// dispatches against.
type Supervisor interface {
	ListStatus() []struct {
		Name  string
		State child.State
	}
	Kill(name string) error
	KillAll()
	Start(name string) error
	Restart(name string) error
	DrainLogs() []byte
	OpenForeground(name string) (*child.Child, error)
	Shutdown()
}

var _ Supervisor = (*supervisor.Supervisor)(nil)

// Server is the control-plane TCP server.
type Server struct {
	log  *zap.Logger
	sup  Supervisor
	addr string
	dlog *RingLog

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New constructs a Server bound to addr. Nothing here stops a caller
// from binding wider than loopback, but the daemon entrypoint passes
// DaemonConfig.BindAddr, which the config loader only accepts as a
// loopback address.
func New(log *zap.Logger, sup Supervisor, addr string, dlog *RingLog) *Server {
	return &Server{
		log:   log.Named("controlserver"),
		sup:   sup,
		addr:  addr,
		dlog:  dlog,
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the listener and accepts connections until
// Shutdown is called or a non-recoverable accept error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("controlserver: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", s.addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("controlserver: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener (breaking the accept loop, invariant #6:
// after shutdown no new connections are accepted) and tears down every
// in-flight connection, combining any close errors with multierr the way
// a single first-error return would otherwise discard them.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	var errs error
	if s.ln != nil {
		errs = multierr.Append(errs, s.ln.Close())
	}
	for conn := range s.conns {
		errs = multierr.Append(errs, conn.Close())
	}
	s.mu.Unlock()

	s.sup.Shutdown()
	s.wg.Wait()
	return errs
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	connID := uuid.New().String()
	log := s.log.With(zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))
	log.Info("connection accepted")

	for {
		start := time.Now()
		payload, err := protocol.RecvFrame(conn)
		if err != nil {
			log.Debug("connection ended", zap.Error(err))
			return
		}

		req, perr := protocol.ParseRequest(string(payload))
		if perr != nil {
			log.Warn("malformed request", zap.Error(perr))
			_ = protocol.SendFrame(conn, []byte("invalid request: "+perr.Error()))
			continue
		}

		verb := string(req.Verb)
		if verb == "" {
			verb = req.Unknown
		}

		shouldClose, err := s.dispatch(conn, req, log)
		log.Info("request",
			zap.String("verb", verb),
			zap.Strings("targets", req.Targets),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		if shouldClose {
			return
		}
	}
}

// dispatch implements the verb dispatch table. It returns shouldClose=true
// only for "shutdown".
func (s *Server) dispatch(conn net.Conn, req protocol.Request, log *zap.Logger) (shouldClose bool, err error) {
	if req.Verb == "" {
		return false, protocol.SendFrame(conn, []byte("unimplemented"))
	}

	switch req.Verb {
	case protocol.VerbShutdown:
		go s.Shutdown()
		return true, nil

	case protocol.VerbStatus:
		var payload []byte
		for _, row := range s.sup.ListStatus() {
			payload = append(payload, []byte(fmt.Sprintf("%s %s\n", row.Name, row.State.String()))...)
		}
		return false, protocol.SendFrame(conn, payload)

	case protocol.VerbLog:
		return false, protocol.SendFrame(conn, s.sup.DrainLogs())

	case protocol.VerbDaemonLog:
		var payload []byte
		if s.dlog != nil {
			payload = s.dlog.Tail(500)
		}
		return false, protocol.SendFrame(conn, payload)

	case protocol.VerbKill:
		if len(req.Targets) == 0 {
			s.sup.KillAll()
		} else {
			for _, t := range req.Targets {
				if e := s.sup.Kill(t); e != nil {
					err = e
				}
			}
		}
		return false, protocol.SendFrame(conn, nil)

	case protocol.VerbStart:
		for _, t := range req.Targets {
			if e := s.sup.Start(t); e != nil {
				err = e
			}
		}
		return false, protocol.SendFrame(conn, nil)

	case protocol.VerbRestart:
		for _, t := range req.Targets {
			if e := s.sup.Restart(t); e != nil {
				err = e
			}
		}
		return false, protocol.SendFrame(conn, nil)

	case protocol.VerbVersion:
		return false, protocol.SendFrame(conn, []byte(fmt.Sprintf("taskmaster %s\n", Version)))

	case protocol.VerbForeground:
		if len(req.Targets) == 0 {
			return false, protocol.SendFrame(conn, []byte("invalid request: foreground requires target"))
		}
		return false, s.runForegroundBridge(conn, req.Targets[0], log)

	default:
		return false, protocol.SendFrame(conn, []byte("unimplemented"))
	}
}

// runForegroundBridge implements §4.5's foreground protocol: bind two
// ephemeral loopback listeners, report their ports, accept the client's
// two callback connections, then proxy stdin/stdout with a bounded poll
// loop until the tunnel closes or the child leaves Running.
func (s *Server) runForegroundBridge(conn net.Conn, target string, log *zap.Logger) error {
	c, err := s.sup.OpenForeground(target)
	if err != nil {
		return protocol.SendFrame(conn, []byte("invalid request: "+err.Error()))
	}

	lnIn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("foreground: listen stdin tunnel: %w", err)
	}
	defer lnIn.Close()
	lnOut, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("foreground: listen stdout tunnel: %w", err)
	}
	defer lnOut.Close()

	pIn := lnIn.Addr().(*net.TCPAddr).Port
	pOut := lnOut.Addr().(*net.TCPAddr).Port

	if err := protocol.SendFrame(conn, []byte(strconv.Itoa(pIn))); err != nil {
		return err
	}
	if err := protocol.SendFrame(conn, []byte(strconv.Itoa(pOut))); err != nil {
		return err
	}

	stdinTun, err := acceptWithTimeout(lnIn, 10*time.Second)
	if err != nil {
		return fmt.Errorf("foreground: accept stdin tunnel: %w", err)
	}
	defer stdinTun.Close()

	stdoutTun, err := acceptWithTimeout(lnOut, 10*time.Second)
	if err != nil {
		return fmt.Errorf("foreground: accept stdout tunnel: %w", err)
	}
	defer stdoutTun.Close()

	log.Info("foreground session started", zap.String("target", target), zap.Int("p_in", pIn), zap.Int("p_out", pOut))
	defer log.Info("foreground session ended", zap.String("target", target))

	buf := make([]byte, 64*1024)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if c.State().Kind != child.Running {
			return nil
		}

		stdinTun.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, rerr := stdinTun.Read(buf)
		if n > 0 {
			c.WriteStdin(buf[:n])
		}
		if rerr != nil {
			if ne, ok := rerr.(net.Error); !(ok && ne.Timeout()) {
				return nil // non-WOULDBLOCK error or EOF ends the session
			}
		}

		if out := c.DrainStdout(); len(out) > 0 {
			stdoutTun.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if _, werr := stdoutTun.Write(out); werr != nil {
				return nil
			}
		}
	}
	return nil
}

func acceptWithTimeout(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("accept timed out after %s", timeout)
	}
}

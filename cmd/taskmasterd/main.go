// Command taskmasterd is the supervisor daemon: it loads a program set,
// boots every auto_start program, serves the control protocol on a
// loopback TCP port, and writes a PID file.
//
// Bootstrap builds a named zap logger, constructs the supervisor and
// control server, starts the listener, logs the bind address, and blocks.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sundrift/taskmaster/internal/auditsink"
	"github.com/sundrift/taskmaster/internal/config"
	"github.com/sundrift/taskmaster/internal/controlserver"
	"github.com/sundrift/taskmaster/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "taskmasterd.conf", "path to the configuration file")
	redisAddr := flag.String("audit-redis-addr", "", "optional Redis address for the audit event sink (disabled if empty)")
	flag.Parse()

	dlog := &controlserver.RingLog{}

	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	log := zap.Must(logConfig.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		ringCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(logConfig.EncoderConfig),
			zapcore.AddSync(dlog),
			zap.NewAtomicLevelAt(zapcore.InfoLevel),
		)
		return zapcore.NewTee(core, ringCore)
	})))
	defer log.Sync()
	log = log.Named("taskmasterd")

	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	var sink supervisor.EventSink
	if *redisAddr != "" {
		as := auditsink.New(*redisAddr, 0, log)
		defer as.Close()
		sink = as
	}

	sup := supervisor.New(log, file.Programs, sink)
	sup.Boot()

	if err := writePIDFile(file.Daemon.PIDFile); err != nil {
		log.Error("failed to write PID file", zap.Error(err))
	}
	defer os.Remove(file.Daemon.PIDFile)

	srv := controlserver.New(log, sup, file.Daemon.BindAddr, dlog)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				dumpDebugState(log, sup)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("received termination signal, shutting down", zap.String("signal", sig.String()))
				_ = srv.Shutdown()
			}
		}
	}()

	log.Info("daemon starting", zap.String("bind", file.Daemon.BindAddr), zap.Int("programs", len(file.Programs)))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal("control server stopped", zap.Error(err))
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// dumpDebugState renders every program's internal state via Child.Dump
// (go-spew underneath), triggered by SIGUSR1 for ad hoc debugging without
// a control-protocol round trip.
func dumpDebugState(log *zap.Logger, sup *supervisor.Supervisor) {
	for _, row := range sup.ListStatus() {
		c, err := sup.OpenForeground(row.Name)
		if err != nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "%s:\n%s", row.Name, c.Dump())
	}
}

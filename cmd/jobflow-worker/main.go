// Command jobflow-worker is the agent behind the remote executor. It accepts
// run requests over TCP, a Unix socket or vsock, runs each script in a local
// subprocess and streams the output back.
//
// Inside a microVM it can run as PID 1, in which case it mounts the basic
// pseudo-filesystems before listening.
//
// Build with: CGO_ENABLED=0 GOOS=linux go build -o jobflow-worker ./cmd/jobflow-worker
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/seantiz/jobflow/internal/config"
	"github.com/seantiz/jobflow/internal/executor/remote"
	"github.com/seantiz/jobflow/internal/executor/subprocess"
	"github.com/seantiz/jobflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	worker.SetupInit(logger)

	addr, err := remote.ParseAddress(cfg.WorkerListenAddr)
	if err != nil {
		log.Fatalf("parse listen address: %v", err)
	}
	l, err := remote.Listen(addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.WorkerListenAddr, err)
	}
	defer l.Close()

	subOpts := []subprocess.Option{
		subprocess.WithKillGrace(cfg.KillGrace),
		subprocess.WithLogger(logger),
	}
	if fields := strings.Fields(cfg.Interpreter); len(fields) > 0 {
		subOpts = append(subOpts, subprocess.WithInterpreter(fields[0], fields[1:]...))
	}

	logger.Info("jobflow-worker: starting",
		"listen_addr", cfg.WorkerListenAddr,
		"work_dir", cfg.WorkerWorkDir,
		"interpreter", cfg.Interpreter,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := worker.New(l, subprocess.New(subOpts...), cfg.WorkerWorkDir, worker.WithLogger(logger))
	if err := agent.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

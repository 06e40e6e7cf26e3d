/*
main.go - Operator API entry point

PURPOSE:
  Starts the access-review HTTP API and the inbox scheduler over one
  root. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load config (file, .env, REVIEW_* environment)
  3. Bootstrap logger, journal store, mail transport and cycle service
  4. Resume cycles left open by a previous process
  5. Start the job worker and inbox scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: review.yaml; missing means defaults)
  -addr    Listen address, overrides server.addr

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and cancel the running job
  4. Close the journal store

EXAMPLES:
  ./server -config=/etc/access-review/review.yaml
  REVIEW_ROOT_PATH=/srv/review ./server -addr=:9090
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/access-review/api"
	"github.com/warp/access-review/bootstrap"
	"github.com/warp/access-review/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "review.yaml", "YAML config path")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return api.Serve(ctx, app, nil)
}

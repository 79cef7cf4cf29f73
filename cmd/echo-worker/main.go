// Package main is a sample worker for the action-bridge. It announces an
// "echo" service and answers its requests over NATS.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/action-bridge/pkg/commsutil"
)

const logPrefix = "echo-worker:main"

// workerConfig is read from the environment.
type workerConfig struct {
	COMMSURL         string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	Service          string        `envconfig:"WORKER_SERVICE" default:"echo"`
	Version          string        `envconfig:"WORKER_VERSION" default:"1.0.0"`
	OutboundPrefix   string        `envconfig:"BRIDGE_OUTBOUND_PREFIX" default:"outbound"`
	AnnounceTopic    string        `envconfig:"BRIDGE_ANNOUNCE_TOPIC" default:"announce"`
	AnnounceInterval time.Duration `envconfig:"WORKER_ANNOUNCE_INTERVAL" default:"30s"`
}

func main() {
	var cfg workerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("echo-worker: load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("echo-worker: %v", err)
	}
}

func run(cfg workerConfig) error {
	nc, err := commsutil.Connect(commsutil.ConnectParams{URL: cfg.COMMSURL, Name: "echo-worker-" + cfg.Service})
	if err != nil {
		return fmt.Errorf("%s - failed to connect: %w", logPrefix, err)
	}
	defer nc.Drain()

	w := newWorker(newWorkerParams{
		Conn:    nc,
		Service: cfg.Service,
		Version: cfg.Version,
		Topics:  commsutil.Topics{OutboundPrefix: cfg.OutboundPrefix, AnnounceTopic: cfg.AnnounceTopic},
	})
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	// Re-announce so a restarted bridge relearns the service.
	if err := w.Announce(); err != nil {
		return err
	}
	ticker := time.NewTicker(cfg.AnnounceInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			if err := w.Announce(); err != nil {
				slog.Warn(fmt.Sprintf("%s - re-announce failed: %v", logPrefix, err))
			}
		case sig := <-sigCh:
			slog.Info(fmt.Sprintf("%s - Received signal %s, stopping", logPrefix, sig))
			return nil
		}
	}
}

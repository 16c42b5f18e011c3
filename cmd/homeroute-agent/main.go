// Command homeroute-agent is the in-container application agent
// ("hr-agent") distributed to every provisioned app via
// GET /api/applications/agents/binary. It dials the control plane's
// WebSocket endpoint, authenticates, and services the runtime message
// loop (Config/ServiceCommand/PowerPolicyUpdate/Shutdown) for the
// lifetime of the process, reconnecting with backoff on any drop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const agentVersion = "1.0.0"

const (
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 30 * time.Second
)

func main() {
	log := setupLogger()
	log.Info("starting homeroute-agent", "version", agentVersion)

	configPath := getEnv("HR_AGENT_CONFIG", defaultConfigPath)
	cfg, err := loadAgentConfig(configPath)
	if err != nil {
		log.Error("load agent config failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("homeroute-agent stopped with error", "error", err.Error())
		os.Exit(1)
	}
	log.Info("homeroute-agent stopped")
}

// run dials and services connections until ctx is canceled, backing
// off between reconnect attempts the way a long-lived client should
// rather than hot-looping against an unreachable control plane.
func run(ctx context.Context, cfg *agentConfig, log *slog.Logger) error {
	client := newAgentClient(cfg, log)
	delay := reconnectMinDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := client.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errShutdownRequested) {
			log.Info("agent: stopping at control plane's request")
			return nil
		}
		if err != nil {
			log.Error("agent: connection ended", "error", err.Error(), "retry_in", delay.String())
		} else {
			delay = reconnectMinDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func setupLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Command homeroute-controlplaned is the HomeRoute control-plane
// daemon: it loads config.yaml plus the environment overrides,
// builds the appstate.AppState composition root, and serves the REST +
// WebSocket API on API_PORT alongside the plaintext/TLS reverse proxy
// on:80/:443, all of it torn down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homeroute/homeroute/internal/appstate"
	"github.com/homeroute/homeroute/internal/config"
)

const (
	defaultConfigPath = "/etc/homeroute/config.yaml"

	httpReadTimeout  = 30 * time.Second
	httpWriteTimeout = 30 * time.Second
	httpIdleTimeout  = 60 * time.Second
	shutdownTimeout  = 15 * time.Second
)

// daemon owns the three long-lived HTTP surfaces plus the AppState
// background loop: the REST/WS API listener, the plaintext reverse
// proxy, the TLS reverse proxy, and one non-HTTP lifetime
// (AppState.Run) canceled via context rather than Shutdown.
type daemon struct {
	log   *slog.Logger
	state *appstate.AppState

	apiServer   *http.Server
	proxyServer *http.Server
	proxyTLS    *http.Server

	runErrors chan error
}

func main() {
	log := setupLogger()
	log.Info("starting homeroute-controlplaned")

	configPath := getEnv("HOMEROUTE_CONFIG", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("load config failed", "error", err.Error())
		os.Exit(1)
	}

	state, err := appstate.New(cfg, log)
	if err != nil {
		log.Error("build appstate failed", "error", err.Error())
		os.Exit(1)
	}

	d := &daemon{log: log, state: state, runErrors: make(chan error, 3)}
	d.setupServers(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.start(ctx)

	log.Info("homeroute-controlplaned ready", "api_port", cfg.APIPort)

	if err := d.waitForShutdown(cancel); err != nil {
		log.Error("homeroute-controlplaned failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("homeroute-controlplaned stopped")
}

func (d *daemon) setupServers(cfg *config.Config) {
	d.apiServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      d.state.Router,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	d.proxyServer = &http.Server{
		Addr:         ":80",
		Handler:      d.state.ProxyServer,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	d.proxyTLS = &http.Server{
		Addr:         ":443",
		Handler:      d.state.ProxyServer,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
		TLSConfig: &tls.Config{
			GetCertificate: d.state.ProxyTLS.GetCertificate,
		},
	}
}

// start runs the AppState background loop and all three listeners in
// their own goroutines, routing any terminal error onto runErrors.
func (d *daemon) start(ctx context.Context) {
	go func() {
		if err := d.state.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.runErrors <- fmt.Errorf("appstate run: %w", err)
		}
	}()

	go func() {
		d.log.Info("api server listening", "addr", d.apiServer.Addr)
		if err := d.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.runErrors <- fmt.Errorf("api server: %w", err)
		}
	}()

	go func() {
		d.log.Info("reverse proxy listening", "addr", d.proxyServer.Addr)
		if err := d.proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.runErrors <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	go func() {
		d.log.Info("reverse proxy TLS listening", "addr", d.proxyTLS.Addr)
		if err := d.proxyTLS.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			d.runErrors <- fmt.Errorf("proxy TLS server: %w", err)
		}
	}()
}

// waitForShutdown blocks until a signal or a terminal component error
// arrives, cancels the AppState context, and drains every HTTP server.
func (d *daemon) waitForShutdown(cancelAppState context.CancelFunc) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		d.log.Info("shutdown signal received")
	case err := <-d.runErrors:
		d.log.Error("component failed", "error", err.Error())
		runErr = err
	}

	cancelAppState()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range []*http.Server{d.apiServer, d.proxyServer, d.proxyTLS} {
		if err := srv.Shutdown(ctx); err != nil {
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; %s shutdown: %w", shutdownErr, srv.Addr, err)
			} else {
				shutdownErr = fmt.Errorf("%s shutdown: %w", srv.Addr, err)
			}
		}
	}

	if runErr != nil {
		return runErr
	}
	return shutdownErr
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

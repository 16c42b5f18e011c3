package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homeroute/homeroute/internal/protocol"
)

const (
	dialTimeout      = 5 * time.Second
	heartbeatPeriod  = 30 * time.Second
	metricsPeriod    = 60 * time.Second
	cachedCAPath     = "/etc/hr-agent-ca.pem"
)

// agentClient owns one WebSocket connection's lifetime: the
// Auth/AuthResult handshake, the provisioning Config it receives, and
// the runtime message loop in both directions. Mirrors
// internal/api.AgentServer from the connecting side.
type agentClient struct {
	cfg *agentConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *protocol.Conn
}

func newAgentClient(cfg *agentConfig, log *slog.Logger) *agentClient {
	return &agentClient{cfg: cfg, log: log}
}

// runOnce dials, authenticates, and services one connection until it
// drops or ctx is canceled. The caller is responsible for reconnect
// backoff between calls.
func (c *agentClient) runOnce(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  c.tlsConfig(),
	}

	url := fmt.Sprintf("wss://%s:%d/api/applications/agents/ws", c.cfg.HomerouteAddress, c.cfg.HomeroutePort)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	conn := protocol.NewConn(ws)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	c.log.Info("agent: authenticated", "homeroute_address", c.cfg.HomerouteAddress)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop(runCtx, conn) }()
	go func() { defer wg.Done(); c.metricsLoop(runCtx, conn) }()

	err = c.readLoop(runCtx, conn)
	cancel()
	wg.Wait()
	return err
}

// tlsConfig trusts the cached CA root once the control plane has
// pushed one via Config; until then it falls back to skipping
// verification so the very first bootstrap handshake can succeed
// against the control plane's self-signed root.
func (c *agentClient) tlsConfig() *tls.Config {
	pem, err := os.ReadFile(cachedCAPath)
	if err != nil {
		c.log.Warn("agent: no cached CA root yet, skipping TLS verification for bootstrap")
		return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // first-contact bootstrap only
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		c.log.Warn("agent: cached CA root unparseable, skipping TLS verification for bootstrap")
		return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &tls.Config{RootCAs: pool}
}

func (c *agentClient) authenticate(conn *protocol.Conn) error {
	auth := protocol.Auth{
		Token:       c.cfg.Token,
		ServiceName: c.cfg.ServiceName,
		Version:     agentVersion,
		IPv4Address: localIPv4(c.cfg.Interface),
	}
	if err := conn.WriteMessage(protocol.TypeAuth, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	env, err := conn.ReadEnvelope()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if env.Type != protocol.TypeAuthResult {
		return fmt.Errorf("expected AuthResult, got %s", env.Type)
	}
	var result protocol.AuthResult
	if err := json.Unmarshal(env.Body, &result); err != nil {
		return fmt.Errorf("decode auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("auth rejected: %s", result.Error)
	}
	return nil
}

// readLoop services every frame the control plane sends after a
// successful handshake until the connection closes.
func (c *agentClient) readLoop(ctx context.Context, conn *protocol.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, err := conn.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := c.dispatch(ctx, conn, env); err != nil {
			c.log.Error("agent: handle message failed", "type", env.Type, "error", err.Error())
		}
	}
}

func (c *agentClient) dispatch(ctx context.Context, conn *protocol.Conn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeConfig:
		var msg protocol.Config
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return err
		}
		return c.handleConfig(conn, msg)

	case protocol.TypeServiceCommand:
		var msg protocol.ServiceCommand
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return err
		}
		return c.handleServiceCommand(ctx, msg)

	case protocol.TypePowerPolicyUpdate:
		var msg protocol.PowerPolicyUpdate
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return err
		}
		c.log.Info("agent: power policy updated", "policy", msg.Policy)
		return nil

	case protocol.TypeShutdown:
		var msg protocol.Shutdown
		_ = json.Unmarshal(env.Body, &msg)
		c.log.Info("agent: shutdown requested", "reason", msg.Reason)
		return errShutdownRequested

	default:
		c.log.Debug("agent: ignoring message", "type", env.Type)
		return nil
	}
}

var errShutdownRequested = fmt.Errorf("shutdown requested by control plane")

// handleConfig persists the pushed CA root for future handshakes,
// acknowledges the push, then publishes the routes the control plane
// computed for this app so the reverse proxy and local DNS records get
// installed.
func (c *agentClient) handleConfig(conn *protocol.Conn, msg protocol.Config) error {
	if msg.CAPEM != "" {
		if err := os.WriteFile(cachedCAPath, []byte(msg.CAPEM), 0o644); err != nil {
			c.log.Error("agent: cache CA root failed", "error", err.Error())
		}
	}
	c.log.Info("agent: config received", "config_version", msg.ConfigVersion, "routes", len(msg.Routes))

	if err := conn.WriteMessage(protocol.TypeConfigAck, protocol.ConfigAck{}); err != nil {
		return fmt.Errorf("send config ack: %w", err)
	}
	if err := conn.WriteMessage(protocol.TypePublishRoutes, protocol.PublishRoutes{Routes: msg.Routes}); err != nil {
		return fmt.Errorf("send publish routes: %w", err)
	}
	return nil
}

// handleServiceCommand starts or stops the named systemd unit inside
// the container on behalf of the control plane's
// /services/{code-server|app|db}/{start|stop} endpoints.
func (c *agentClient) handleServiceCommand(ctx context.Context, msg protocol.ServiceCommand) error {
	unit := fmt.Sprintf("hr-%s.service", msg.ServiceType)
	c.log.Info("agent: service command", "service", unit, "action", msg.Action)

	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, "systemctl", msg.Action, unit)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s %s: %w (%s)", msg.Action, unit, err, out)
	}
	return nil
}

func (c *agentClient) heartbeatLoop(ctx context.Context, conn *protocol.Conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(protocol.TypeHeartbeat, protocol.Heartbeat{}); err != nil {
				c.log.Error("agent: heartbeat failed", "error", err.Error())
				return
			}
		}
	}
}

// metricsLoop periodically reports lightweight in-process runtime
// metrics; there is no dedicated process-metrics collector in scope
// here so Go's own runtime.MemStats stands in for it.
func (c *agentClient) metricsLoop(ctx context.Context, conn *protocol.Conn) {
	ticker := time.NewTicker(metricsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			msg := protocol.Metrics{Values: map[string]float64{
				"heap_alloc_bytes": float64(ms.HeapAlloc),
				"goroutines":       float64(runtime.NumGoroutine()),
			}}
			if err := conn.WriteMessage(protocol.TypeMetrics, msg); err != nil {
				c.log.Error("agent: metrics report failed", "error", err.Error())
				return
			}
		}
	}
}

// localIPv4 resolves the first non-loopback IPv4 address on iface,
// embedded in the Auth frame so the control plane can seed the
// reverse-proxy route before any IpUpdate arrives.
func localIPv4(iface string) string {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

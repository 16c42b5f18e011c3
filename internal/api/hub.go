// Package api implements the control plane's WebSocket/REST surface:
// the agent and host-agent socket upgrade handlers, the provisioning
// cascade that runs on a successful agent auth, and the admin/MCP-
// facing REST endpoints. One handler type per resource, each exposing
// a chi.Router-returning Routes() method; the socket layer follows
// gorilla/websocket's read/write-pump-goroutine pattern.
package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/protocol"
)

// sendQueueSize bounds each connection's outbound queue. A connection
// whose queue overflows is treated as stalled and closed.
const sendQueueSize = 32

// outFrame is one queued write: a text JSON envelope or a binary
// migration-chunk payload.
type outFrame struct {
	mtype int
	data  []byte
}

// conn is one live WebSocket connection's write-pump state, shared by
// both the agent and host-agent hubs.
type conn struct {
	ws      *websocket.Conn
	send    chan outFrame
	closeMu sync.Once
	done    chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan outFrame, sendQueueSize), done: make(chan struct{})}
}

// enqueue attempts a non-blocking send of a text frame. It reports
// false (stalled) on overflow, letting the caller close the
// connection.
func (c *conn) enqueue(frame []byte) bool {
	return c.enqueueTyped(outFrame{mtype: websocket.TextMessage, data: frame})
}

// enqueueBinary is the same as enqueue but marks the frame as binary.
func (c *conn) enqueueBinary(frame []byte) bool {
	return c.enqueueTyped(outFrame{mtype: websocket.BinaryMessage, data: frame})
}

func (c *conn) enqueueTyped(f outFrame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeMu.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump drains c.send until done fires, writing each frame with
// its own message type (text or binary).
func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(frame.mtype, frame.data); err != nil {
				c.close()
				return
			}
		}
	}
}

// AgentHub tracks one live connection per connected application and
// implements reconciler.AgentPusher so the prefix reconciler can push
// IpUpdate frames through the same bounded queue as everything else.
type AgentHub struct {
	mu    sync.Mutex
	conns map[string]*conn
	log   *slog.Logger
}

// NewAgentHub constructs an empty hub.
func NewAgentHub(log *slog.Logger) *AgentHub {
	if log == nil {
		log = slog.Default()
	}
	return &AgentHub{conns: make(map[string]*conn), log: log}
}

func (h *AgentHub) register(appID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[appID]; !ok {
		agentsConnected.Inc()
	}
	h.conns[appID] = c
}

func (h *AgentHub) unregister(appID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[appID] == c {
		delete(h.conns, appID)
		agentsConnected.Dec()
	}
}

// sendEnvelope encodes and enqueues a typed message for appID. It
// returns false if the app has no live connection or its queue is
// full (stalled), at which point the stalled connection is closed.
func (h *AgentHub) sendEnvelope(appID string, t protocol.Type, body any) bool {
	h.mu.Lock()
	c, ok := h.conns[appID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	frame, err := protocol.Encode(t, body)
	if err != nil {
		h.log.Error("api: encode outbound frame failed", "app_id", appID, "type", t, "error", err)
		return false
	}
	if !c.enqueue(frame) {
		h.log.Warn("api: agent send queue stalled, closing connection", "app_id", appID)
		c.close()
		h.unregister(appID, c)
		return false
	}
	agentMessagesTotal.WithLabelValues(string(t), "out").Inc()
	return true
}

// Push implements reconciler.AgentPusher: deliver msg.IPv6Address
// (and IPv4, if ever populated) to the connected agent as an
// IpUpdate frame.
func (h *AgentHub) Push(appID string, msg protocol.IPUpdate) bool {
	return h.sendEnvelope(appID, protocol.TypeIPUpdate, msg)
}

// SendBinaryToAgent pushes a ReceiveChunkBinary header followed by
// its binary frame to appID, the same wire convention used on the
// host-agent side, reused here for deploy binary transfer.
func (h *AgentHub) SendBinaryToAgent(transferID, appID string, data []byte) error {
	if !h.sendEnvelope(appID, protocol.TypeReceiveChunkBinary, protocol.ReceiveChunkBinary{
		TransferID: transferID, Sequence: 0, Size: len(data), Checksum: protocol.ChecksumChunk(data),
	}) {
		return apierr.Timeout("send chunk header to agent %s", appID)
	}
	h.mu.Lock()
	c, ok := h.conns[appID]
	h.mu.Unlock()
	if !ok {
		return apierr.NotFound("no live connection for agent %s", appID)
	}
	if !c.enqueueBinary(data) {
		h.log.Warn("api: agent send queue stalled on binary payload, closing connection", "app_id", appID)
		c.close()
		h.unregister(appID, c)
		return apierr.Timeout("send queue stalled for agent %s", appID)
	}
	return nil
}

// Broadcast fans a message out to every currently connected agent,
// used for events with no single-app destination.
func (h *AgentHub) Broadcast(t protocol.Type, body any) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.sendEnvelope(id, t, body)
	}
}

// HostHub tracks one live connection per connected host-agent and
// implements migration.Sender so the migration manager can drive
// export/import over the same bounded-queue connections.
type HostHub struct {
	mu    sync.Mutex
	conns map[string]*conn
	log   *slog.Logger
}

// NewHostHub constructs an empty host-agent hub.
func NewHostHub(log *slog.Logger) *HostHub {
	if log == nil {
		log = slog.Default()
	}
	return &HostHub{conns: make(map[string]*conn), log: log}
}

func (h *HostHub) register(hostID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[hostID]; !ok {
		hostsConnected.Inc()
	}
	h.conns[hostID] = c
}

func (h *HostHub) unregister(hostID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[hostID] == c {
		delete(h.conns, hostID)
		hostsConnected.Dec()
	}
}

// SendToHost implements migration.Sender.
func (h *HostHub) SendToHost(_ context.Context, hostID string, t protocol.Type, body any) error {
	h.mu.Lock()
	c, ok := h.conns[hostID]
	h.mu.Unlock()
	if !ok {
		return apierr.NotFound("no live connection for host %s", hostID)
	}
	frame, err := protocol.Encode(t, body)
	if err != nil {
		return apierr.ProtocolParse(err, "encode %s for host %s", t, hostID)
	}
	if !c.enqueue(frame) {
		h.log.Warn("api: host send queue stalled, closing connection", "host_id", hostID)
		c.close()
		h.unregister(hostID, c)
		return apierr.Timeout("send queue stalled for host %s", hostID)
	}
	agentMessagesTotal.WithLabelValues(string(t), "out").Inc()
	return nil
}

// SendBinaryToHost implements migration.Sender, enqueuing a raw binary
// frame immediately after the preceding ReceiveChunkBinary text frame.
func (h *HostHub) SendBinaryToHost(_ context.Context, hostID string, data []byte) error {
	h.mu.Lock()
	c, ok := h.conns[hostID]
	h.mu.Unlock()
	if !ok {
		return apierr.NotFound("no live connection for host %s", hostID)
	}
	if !c.enqueueBinary(data) {
		h.log.Warn("api: host send queue stalled on binary chunk, closing connection", "host_id", hostID)
		c.close()
		h.unregister(hostID, c)
		return apierr.Timeout("send queue stalled for host %s", hostID)
	}
	migrationBytesTotal.Add(float64(len(data)))
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/migration"
	"github.com/homeroute/homeroute/internal/protocol"
	"github.com/homeroute/homeroute/internal/registry"
)

// HostAgentServer upgrades and drives the host-agent WebSocket: auth,
// the migration pipeline's source-side chunk relay, container exec, and
// interactive terminals.
type HostAgentServer struct {
	hosts    *registry.HostRegistry
	hub      *HostHub
	migrate  *migration.Manager
	pending  *protocol.PendingRequests
	clock    clockwork.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	terminals map[string]chan protocol.TerminalData // session_id -> inbound-from-host sink
}

// NewHostAgentServer constructs a HostAgentServer.
func NewHostAgentServer(hosts *registry.HostRegistry, hub *HostHub, migrate *migration.Manager, clock clockwork.Clock, log *slog.Logger) *HostAgentServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &HostAgentServer{
		hosts: hosts, hub: hub, migrate: migrate, clock: clock, log: log,
		pending:   protocol.NewPendingRequests(clock),
		terminals: make(map[string]chan protocol.TerminalData),
		upgrader:  websocket.Upgrader{ReadBufferSize: 65536, WriteBufferSize: 65536},
	}
}

const hostAuthTimeout = 5 * time.Second

// ServeHTTP upgrades the request and drives one host-agent connection
// to completion.
func (s *HostAgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: host-agent websocket upgrade failed", "error", err)
		return
	}

	host, ok := s.handshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	c := newConn(ws)
	s.hub.register(host.ID, c)
	go c.writePump()

	s.log.Info("api: host-agent connected", "host_id", host.ID, "name", host.Name)

	s.runLoop(ws, host)

	s.hub.unregister(host.ID, c)
	c.close()
	s.log.Info("api: host-agent disconnected", "host_id", host.ID)
}

func (s *HostAgentServer) handshake(ws *websocket.Conn) (registry.Host, bool) {
	_ = ws.SetReadDeadline(s.clock.Now().Add(hostAuthTimeout))
	_, raw, err := ws.ReadMessage()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		return registry.Host{}, false
	}

	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeAuth {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "first frame must be Auth"})
		return registry.Host{}, false
	}
	var auth protocol.Auth
	if err := json.Unmarshal(env.Body, &auth); err != nil {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "malformed Auth body"})
		return registry.Host{}, false
	}

	host, err := s.hosts.Authenticate(auth.ServiceName, auth.Token)
	if err != nil {
		s.writeAuthResult(ws, protocol.AuthResult{Success: false, Error: "authentication failed"})
		return registry.Host{}, false
	}

	s.writeAuthResult(ws, protocol.AuthResult{Success: true, AppID: host.ID})
	return host, true
}

func (s *HostAgentServer) writeAuthResult(ws *websocket.Conn, result protocol.AuthResult) {
	frame, err := protocol.Encode(protocol.TypeAuthResult, result)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

// runLoop reads frames until the socket closes. Binary frames are
// migration chunk payloads, consumed only when a preceding
// ReceiveChunkBinary text header set pendingChunk; everything else is
// dispatched by handleMessage.
func (s *HostAgentServer) runLoop(ws *websocket.Conn, host registry.Host) {
	var pendingChunk *protocol.ReceiveChunkBinary

	for {
		mtype, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		if mtype == websocket.BinaryMessage {
			if pendingChunk == nil {
				s.log.Warn("api: unexpected binary frame with no pending chunk header", "host_id", host.ID)
				continue
			}
			header := pendingChunk
			pendingChunk = nil
			if !protocol.VerifyChunk(raw, header.Checksum) {
				s.log.Warn("api: chunk checksum mismatch", "transfer_id", header.TransferID, "sequence", header.Sequence)
				continue
			}
			if err := s.migrate.HandleSourceChunk(context.Background(), header.TransferID, header.Sequence, raw); err != nil {
				s.log.Warn("api: relay chunk failed", "transfer_id", header.TransferID, "error", err)
			}
			continue
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			s.log.Warn("api: malformed host-agent frame", "host_id", host.ID, "error", err)
			continue
		}

		if env.Type == protocol.TypeReceiveChunkBinary {
			var header protocol.ReceiveChunkBinary
			if json.Unmarshal(env.Body, &header) == nil {
				pendingChunk = &header
			}
			continue
		}

		s.handleMessage(host, env)
	}
}

func (s *HostAgentServer) handleMessage(host registry.Host, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeExportReady:
		var m protocol.ExportReady
		if json.Unmarshal(env.Body, &m) == nil {
			if err := s.migrate.HandleExportReady(context.Background(), m.TransferID, m.SizeBytes); err != nil {
				s.log.Warn("api: handle ExportReady failed", "transfer_id", m.TransferID, "error", err)
			}
		}

	case protocol.TypeImportComplete:
		var m protocol.ImportComplete
		if json.Unmarshal(env.Body, &m) == nil {
			_ = s.migrate.HandleImportComplete(m.TransferID)
		}

	case protocol.TypeImportFailed:
		var m protocol.ImportFailed
		if json.Unmarshal(env.Body, &m) == nil {
			_ = s.migrate.HandleImportFailed(m.TransferID, m.Error)
		}

	case protocol.TypeExecResult:
		var m protocol.ExecResult
		if json.Unmarshal(env.Body, &m) == nil {
			s.pending.Resolve(m.RequestID, env.Body)
		}

	case protocol.TypePushFileResult:
		var m protocol.PushFileResult
		if json.Unmarshal(env.Body, &m) == nil {
			s.pending.Resolve(m.RequestID, env.Body)
		}

	case protocol.TypeTerminalData:
		var m protocol.TerminalData
		if json.Unmarshal(env.Body, &m) == nil {
			s.mu.Lock()
			sink, ok := s.terminals[m.SessionID]
			s.mu.Unlock()
			if ok {
				select {
				case sink <- m:
				default:
				}
			}
		}

	case protocol.TypeTerminalClose:
		var m protocol.TerminalClose
		if json.Unmarshal(env.Body, &m) == nil {
			s.closeTerminal(m.SessionID)
		}

	default:
		s.log.Debug("api: unhandled host-agent message type", "host_id", host.ID, "type", env.Type)
	}
}

// Exec sends ExecInRemoteContainer to hostID and blocks (up to the
// shared 10s correlation timeout) for the matching ExecResult.
func (s *HostAgentServer) Exec(ctx context.Context, hostID, containerName string, argv []string) (protocol.ExecResult, error) {
	requestID := uuid.NewString()
	wait := s.pending.Register(requestID)
	if err := s.hub.SendToHost(ctx, hostID, protocol.TypeExecInRemoteContainer, protocol.ExecInRemoteContainer{
		RequestID: requestID, HostID: hostID, ContainerName: containerName, Argv: argv,
	}); err != nil {
		s.pending.Cancel(requestID)
		return protocol.ExecResult{}, err
	}
	raw, err := wait()
	if err != nil {
		return protocol.ExecResult{}, err
	}
	var result protocol.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.ExecResult{}, apierr.ProtocolParse(err, "decode ExecResult from host %s", hostID)
	}
	return result, nil
}

// PushFile streams data to hostID as a one-shot file write at
// remotePath, blocking for the host-agent's PushFileResult.
func (s *HostAgentServer) PushFile(ctx context.Context, hostID, remotePath string, isDirectory bool, data []byte) error {
	requestID := uuid.NewString()
	wait := s.pending.Register(requestID)
	if err := s.hub.SendToHost(ctx, hostID, protocol.TypePushFileHeader, protocol.PushFileHeader{
		RequestID: requestID, RemotePath: remotePath, IsDirectory: isDirectory,
		Size: len(data), Checksum: protocol.ChecksumChunk(data),
	}); err != nil {
		s.pending.Cancel(requestID)
		return err
	}
	if err := s.hub.SendBinaryToHost(ctx, hostID, data); err != nil {
		s.pending.Cancel(requestID)
		return err
	}
	raw, err := wait()
	if err != nil {
		return err
	}
	var result protocol.PushFileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return apierr.ProtocolParse(err, "decode PushFileResult from host %s", hostID)
	}
	if !result.Success {
		return apierr.Validation("host-agent push failed: %s", result.Error)
	}
	return nil
}

// OpenTerminal sends TerminalOpen to hostID and returns a channel of
// inbound TerminalData plus a close function.
func (s *HostAgentServer) OpenTerminal(ctx context.Context, hostID, containerName string) (sessionID string, inbound <-chan protocol.TerminalData, closeFn func(), err error) {
	sessionID = uuid.NewString()
	sink := make(chan protocol.TerminalData, sendQueueSize)
	s.mu.Lock()
	s.terminals[sessionID] = sink
	s.mu.Unlock()

	if err := s.hub.SendToHost(ctx, hostID, protocol.TypeTerminalOpen, protocol.TerminalOpen{SessionID: sessionID, ContainerName: containerName}); err != nil {
		s.closeTerminal(sessionID)
		return "", nil, nil, err
	}
	return sessionID, sink, func() { s.closeTerminal(sessionID) }, nil
}

// SendTerminalData forwards keystrokes to the host-agent side of an
// open terminal session.
func (s *HostAgentServer) SendTerminalData(ctx context.Context, hostID, sessionID string, data []byte) error {
	return s.hub.SendToHost(ctx, hostID, protocol.TypeTerminalData, protocol.TerminalData{SessionID: sessionID, Data: data})
}

func (s *HostAgentServer) closeTerminal(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.terminals[sessionID]; ok {
		delete(s.terminals, sessionID)
		close(ch)
	}
}

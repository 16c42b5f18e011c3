// Package protocol implements the JSON-tagged WebSocket message codec
// shared by the agent and host-agent sockets, plus the correlated
// request/response table used for Dataverse queries, remote container
// exec and file push. Framing rides on gorilla/websocket; every message
// is one text frame carrying a type-tagged JSON envelope, and chunk and
// file payloads follow their header message as binary frames.
package protocol

import "encoding/json"

// Type tags every message with its Go-side handler key. JSON wire
// format is {"type": "...", "body": {...}}.
type Type string

const (
	TypeAuth                 Type = "Auth"
	TypeAuthResult           Type = "AuthResult"
	TypeConfig               Type = "Config"
	TypeConfigAck            Type = "ConfigAck"
	TypeHeartbeat            Type = "Heartbeat"
	TypeMetrics              Type = "Metrics"
	TypeServiceStateChanged  Type = "ServiceStateChanged"
	TypeSchemaMetadata       Type = "SchemaMetadata"
	TypeGetDataverseSchemas  Type = "GetDataverseSchemas"
	TypeDataverseSchemas     Type = "DataverseSchemas"
	TypeDataverseQueryResult Type = "DataverseQueryResult"
	TypeIPUpdate             Type = "IpUpdate"
	TypePublishRoutes        Type = "PublishRoutes"
	TypeReceiveChunkBinary   Type = "ReceiveChunkBinary"
	TypeStartExport          Type = "StartExport"
	TypeExportReady          Type = "ExportReady"
	TypeStartImport          Type = "StartImport"
	TypeTransferComplete     Type = "TransferComplete"
	TypeImportComplete       Type = "ImportComplete"
	TypeImportFailed         Type = "ImportFailed"
	TypeCancelTransfer       Type = "CancelTransfer"
	TypeExecInRemoteContainer Type = "ExecInRemoteContainer"
	TypeExecResult           Type = "ExecResult"
	TypeTerminalOpen         Type = "TerminalOpen"
	TypeTerminalData         Type = "TerminalData"
	TypeTerminalClose        Type = "TerminalClose"
	TypeShutdown             Type = "Shutdown"
	TypeServiceCommand       Type = "ServiceCommand"
	TypePowerPolicyUpdate    Type = "PowerPolicyUpdate"
	TypePushFileHeader       Type = "PushFileHeader"
	TypePushFileResult       Type = "PushFileResult"
)

// Envelope is the outer shape every message is marshaled/unmarshaled
// through: a type tag plus the raw JSON of the variant-specific body.
type Envelope struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode marshals a typed body into an Envelope's wire JSON.
func Encode(t Type, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Body: raw})
}

// Decode parses a wire frame into its Envelope, leaving Body for the
// caller to unmarshal once the Type is known.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Auth is the agent's first frame after the WebSocket upgrade.
type Auth struct {
	Token       string `json:"token"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version,omitempty"`
	IPv4Address string `json:"ipv4_address,omitempty"`
}

// AuthResult is the control plane's reply to Auth.
type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	AppID   string `json:"app_id,omitempty"`
}

// Route is one entry of a pushed or published route table.
type Route struct {
	Domain       string `json:"domain"`
	TargetPort   int    `json:"target_port"`
	AuthRequired bool   `json:"auth_required"`
	ServiceType  string `json:"service_type"`
	LocalOnly    bool   `json:"local_only,omitempty"`
}

// Config is the provisioning push sent after successful auth.
type Config struct {
	ConfigVersion    int64   `json:"config_version"`
	IPv6             string  `json:"ipv6,omitempty"`
	Routes           []Route `json:"routes"`
	CAPEM            string  `json:"ca_pem"`
	HomerouteAuthURL string  `json:"homeroute_auth_url"`
}

// ConfigAck acknowledges a Config push. Its absence is not fatal.
type ConfigAck struct{}

// Heartbeat carries no payload; its arrival alone refreshes liveness.
type Heartbeat struct{}

// Metrics carries agent-reported runtime metrics. Shape is
// intentionally open.
type Metrics struct {
	Values map[string]float64 `json:"values"`
}

// ServiceStateChanged reports a sub-service transition within an app.
type ServiceStateChanged struct {
	ServiceType string `json:"service_type"`
	NewState    string `json:"new_state"`
}

// SchemaMetadata is cached per-app and answered back on
// GetDataverseSchemas requests from peer apps.
type SchemaMetadata struct {
	Tables    []string `json:"tables"`
	Relations []string `json:"relations"`
	Version   int      `json:"version"`
	DBSizeKB  int64     `json:"db_size_kb"`
}

// GetDataverseSchemas is a correlated request for every other app's
// cached SchemaMetadata.
type GetDataverseSchemas struct {
	RequestID string `json:"request_id"`
}

// DataverseSchemas is the correlated reply to GetDataverseSchemas.
type DataverseSchemas struct {
	RequestID string                    `json:"request_id"`
	Schemas   map[string]SchemaMetadata `json:"schemas"`
}

// DataverseQueryResult routes a peer-app query result back to its
// pending-requests table entry.
type DataverseQueryResult struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IPUpdate reports an out-of-band IP change for the connecting app.
type IPUpdate struct {
	IPv4Address string `json:"ipv4_address,omitempty"`
	IPv6Address string `json:"ipv6_address,omitempty"`
}

// PublishRoutes installs the declared routes and local static DNS
// records for the app's derived domains.
type PublishRoutes struct {
	Routes []Route `json:"routes"`
}

// ReceiveChunkBinary prefaces one binary migration-chunk frame.
type ReceiveChunkBinary struct {
	TransferID string `json:"transfer_id"`
	Sequence   int    `json:"sequence"`
	Size       int    `json:"size"`
	Checksum   uint32 `json:"checksum"`
}

// StartExport asks the source host-agent to stop and export a container.
type StartExport struct {
	ContainerName string `json:"container_name"`
	TransferID    string `json:"transfer_id"`
}

// ExportReady reports a completed export, ready to be streamed.
type ExportReady struct {
	TransferID string `json:"transfer_id"`
	SizeBytes  int64  `json:"size_bytes"`
}

// StartImport asks the target host-agent to open a temp file for append.
type StartImport struct {
	ContainerName string `json:"container_name"`
	TransferID    string `json:"transfer_id"`
}

// TransferComplete signals the target to flush, import, and start the
// container.
type TransferComplete struct {
	TransferID string `json:"transfer_id"`
}

// ImportComplete/ImportFailed are the target's terminal replies.
type ImportComplete struct {
	TransferID string `json:"transfer_id"`
}

type ImportFailed struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

// CancelTransfer aborts an in-flight migration.
type CancelTransfer struct {
	TransferID string `json:"transfer_id"`
}

// ExecInRemoteContainer runs argv inside container_name on host_id,
// a correlated host-agent request.
type ExecInRemoteContainer struct {
	RequestID     string   `json:"request_id"`
	HostID        string   `json:"host_id"`
	ContainerName string   `json:"container_name"`
	Argv          []string `json:"argv"`
}

// ExecResult is the correlated reply to ExecInRemoteContainer.
type ExecResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// TerminalOpen asks a host-agent to attach an interactive shell inside
// container_name, identified thereafter by SessionID.
type TerminalOpen struct {
	SessionID     string `json:"session_id"`
	ContainerName string `json:"container_name"`
}

// TerminalData carries one chunk of terminal I/O in either direction.
type TerminalData struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// TerminalClose ends an interactive shell session.
type TerminalClose struct {
	SessionID string `json:"session_id"`
}

// Shutdown asks a host-agent to terminate gracefully.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// ServiceCommand asks the connected agent to start or stop one of its
// sub-services.
type ServiceCommand struct {
	ServiceType string `json:"service_type"`
	Action      string `json:"action"`
}

// PowerPolicyUpdate pushes a changed power policy to the connected agent.
type PowerPolicyUpdate struct {
	Policy string `json:"policy"`
}

// PushFileHeader prefaces a binary frame carrying a file (or tar
// stream, if IsDirectory) to be written at RemotePath on the receiving
// host-agent. Distinct from ReceiveChunkBinary: it is a one-shot
// transfer outside the migration pipeline's sequence/record
// bookkeeping.
type PushFileHeader struct {
	RequestID   string `json:"request_id"`
	RemotePath  string `json:"remote_path"`
	IsDirectory bool   `json:"is_directory"`
	Size        int    `json:"size"`
	Checksum    uint32 `json:"checksum"`
}

// PushFileResult is the correlated reply to PushFileHeader.
type PushFileResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

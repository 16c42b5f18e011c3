// Package migration orchestrates the three-party container migration
// pipeline: the control plane drives a source host-agent through
// export, relays the resulting byte stream to a target host-agent in
// 512 KiB checksummed chunks, then drives the target through import and
// container start. The source proactively streams chunks after
// `ExportReady` rather than waiting to be asked for each one, which
// is why `HandleSourceChunk` below is a push callback, not a pull.
package migration

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/homeroute/homeroute/internal/apierr"
	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/protocol"
	"github.com/homeroute/homeroute/internal/store"
)

// Phase is a migration's lifecycle stage. No handler in this package
// sets Starting: a record goes from Importing straight to Complete or
// Failed.
type Phase string

const (
	PhasePreparing    Phase = "preparing"
	PhaseExporting    Phase = "exporting"
	PhaseTransferring Phase = "transferring"
	PhaseImporting    Phase = "importing"
	PhaseStarting     Phase = "starting"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// Record is the persisted state of one migration.
type Record struct {
	TransferID       string  `json:"transfer_id"`
	AppID            string  `json:"app_id,omitempty"`
	ContainerName    string  `json:"container_name"`
	SourceHostID     string  `json:"source_host_id"`
	TargetHostID     string  `json:"target_host_id"`
	Phase            Phase   `json:"phase"`
	TotalBytes       int64   `json:"total_bytes"`
	BytesTransferred int64   `json:"bytes_transferred"`
	ProgressPct      float64 `json:"progress_pct"`
	StartedAt        int64   `json:"started_at"`
	Error            string  `json:"error,omitempty"`
}

// ProgressEvent is published on the bus every 4 chunks.
type ProgressEvent struct {
	TransferID       string  `json:"transfer_id"`
	BytesTransferred int64   `json:"bytes_transferred"`
	ProgressPct      float64 `json:"progress_pct"`
}

// CompletionEvent is published when a migration reaches a terminal phase.
type CompletionEvent struct {
	TransferID string `json:"transfer_id"`
	Phase      Phase  `json:"phase"`
	Error      string `json:"error,omitempty"`
}

// Sender delivers messages and binary chunk payloads to a specific
// host-agent connection, abstracting the socket layer so the
// orchestration logic here is testable without real connections.
type Sender interface {
	SendToHost(ctx context.Context, hostID string, t protocol.Type, body any) error
	SendBinaryToHost(ctx context.Context, hostID string, data []byte) error
}

type catalogue struct {
	Transfers []Record `json:"transfers"`
}

// transferState is the ephemeral, non-persisted bookkeeping for an
// in-flight transfer: the next expected chunk sequence and the
// cancellation flag checked before every chunk read.
type transferState struct {
	cancelled       atomic.Bool
	nextSequence    int
	chunksSinceMark int
}

// Manager drives the export/transfer/import state machine for every
// in-flight migration.
type Manager struct {
	mu     sync.Mutex
	cat    *store.File[catalogue]
	active map[string]*transferState
	sender Sender
	bus    *eventbus.Bus
}

// New constructs a Manager persisting its catalogue under dataDir.
func New(dataDir string, sender Sender, bus *eventbus.Bus) (*Manager, error) {
	cat, err := store.NewFile[catalogue](filepath.Join(dataDir, "migrations.json"))
	if err != nil {
		return nil, err
	}
	return &Manager{cat: cat, active: make(map[string]*transferState), sender: sender, bus: bus}, nil
}

// StartTransfer begins a new migration: persists a record, sends
// StartExport to the source host-agent, and marks the record Exporting.
// Transfer IDs are generated here, so no two simultaneous transfers can
// ever share one.
func (m *Manager) StartTransfer(ctx context.Context, appID, containerName, sourceHostID, targetHostID string) (string, error) {
	transferID := uuid.NewString()
	record := Record{
		TransferID:    transferID,
		AppID:         appID,
		ContainerName: containerName,
		SourceHostID:  sourceHostID,
		TargetHostID:  targetHostID,
		Phase:         PhasePreparing,
		StartedAt:     time.Now().Unix(),
	}
	if err := m.putRecord(record); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[transferID] = &transferState{}
	m.mu.Unlock()

	// Mark Exporting before StartExport goes out: the source's
	// ExportReady can race the send's return.
	record.Phase = PhaseExporting
	if err := m.putRecord(record); err != nil {
		return "", err
	}

	if err := m.sender.SendToHost(ctx, sourceHostID, protocol.TypeStartExport, protocol.StartExport{
		ContainerName: containerName,
		TransferID:    transferID,
	}); err != nil {
		m.fail(transferID, "send StartExport: "+err.Error())
		return "", apierr.External(err, "send StartExport to %s", sourceHostID)
	}
	return transferID, nil
}

// HandleExportReady processes the source's ExportReady reply: records
// the total size and opens the target for import.
func (m *Manager) HandleExportReady(ctx context.Context, transferID string, sizeBytes int64) error {
	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}
	if record.Phase != PhaseExporting {
		return apierr.Validation("transfer %s not in exporting phase", transferID)
	}

	record.TotalBytes = sizeBytes
	record.Phase = PhaseTransferring
	if err := m.putRecord(record); err != nil {
		return err
	}

	if err := m.sender.SendToHost(ctx, record.TargetHostID, protocol.TypeStartImport, protocol.StartImport{
		ContainerName: record.ContainerName,
		TransferID:    transferID,
	}); err != nil {
		m.fail(transferID, "send StartImport: "+err.Error())
		return apierr.External(err, "send StartImport to %s", record.TargetHostID)
	}
	return nil
}

// HandleSourceChunk relays one chunk from the source to the target.
// Sequence is forwarded to the target as given; it is not compared with
// the expected next sequence, and chunks are never reordered.
func (m *Manager) HandleSourceChunk(ctx context.Context, transferID string, sequence int, data []byte) error {
	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}
	if record.Phase != PhaseTransferring {
		return apierr.Validation("transfer %s not in transferring phase", transferID)
	}

	m.mu.Lock()
	state, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return apierr.NotFound("no active state for transfer %s", transferID)
	}
	if state.cancelled.Load() {
		return nil
	}

	checksum := protocol.ChecksumChunk(data)
	if err := m.sender.SendToHost(ctx, record.TargetHostID, protocol.TypeReceiveChunkBinary, protocol.ReceiveChunkBinary{
		TransferID: transferID,
		Sequence:   sequence,
		Size:       len(data),
		Checksum:   checksum,
	}); err != nil {
		m.fail(transferID, "forward chunk header: "+err.Error())
		return apierr.External(err, "forward chunk %d header to %s", sequence, record.TargetHostID)
	}
	if err := m.sender.SendBinaryToHost(ctx, record.TargetHostID, data); err != nil {
		m.fail(transferID, "forward chunk payload: "+err.Error())
		return apierr.External(err, "forward chunk %d payload to %s", sequence, record.TargetHostID)
	}

	record.BytesTransferred += int64(len(data))
	if record.TotalBytes > 0 {
		record.ProgressPct = float64(record.BytesTransferred) / float64(record.TotalBytes) * 100
	}

	m.mu.Lock()
	state.nextSequence = sequence + 1
	state.chunksSinceMark++
	emit := state.chunksSinceMark >= 4
	if emit {
		state.chunksSinceMark = 0
	}
	m.mu.Unlock()

	if err := m.putRecord(record); err != nil {
		return err
	}
	if emit && m.bus != nil {
		m.bus.Publish(eventbus.TopicMigrationProgress, ProgressEvent{
			TransferID:       transferID,
			BytesTransferred: record.BytesTransferred,
			ProgressPct:      record.ProgressPct,
		})
	}
	return nil
}

// FinishSourceStream forwards TransferComplete to the target once the
// source has sent every chunk.
func (m *Manager) FinishSourceStream(ctx context.Context, transferID string) error {
	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}

	record.Phase = PhaseImporting
	if err := m.putRecord(record); err != nil {
		return err
	}

	if err := m.sender.SendToHost(ctx, record.TargetHostID, protocol.TypeTransferComplete, protocol.TransferComplete{
		TransferID: transferID,
	}); err != nil {
		m.fail(transferID, "send TransferComplete: "+err.Error())
		return apierr.External(err, "send TransferComplete to %s", record.TargetHostID)
	}
	return nil
}

// HandleImportComplete marks a migration as complete.
func (m *Manager) HandleImportComplete(transferID string) error {
	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}
	record.Phase = PhaseComplete
	record.ProgressPct = 100
	if err := m.putRecord(record); err != nil {
		return err
	}
	m.clearActive(transferID)
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMigrationProgress, CompletionEvent{TransferID: transferID, Phase: PhaseComplete})
	}
	return nil
}

// HandleImportFailed marks a migration as failed. The target is
// responsible for removing its temp file; the control plane only
// records the outcome.
func (m *Manager) HandleImportFailed(transferID, errMsg string) error {
	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}
	record.Phase = PhaseFailed
	record.Error = errMsg
	if err := m.putRecord(record); err != nil {
		return err
	}
	m.clearActive(transferID)
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMigrationProgress, CompletionEvent{TransferID: transferID, Phase: PhaseFailed, Error: errMsg})
	}
	return nil
}

// Cancel flips the transfer's cancelled flag, so a HandleSourceChunk
// call already in flight returns without relaying, records the transfer
// Failed, sends CancelTransfer to the target and drops the active state;
// later HandleSourceChunk calls are rejected with a validation error.
func (m *Manager) Cancel(ctx context.Context, transferID string) error {
	m.mu.Lock()
	state, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return apierr.NotFound("no active transfer %s", transferID)
	}
	state.cancelled.Store(true)

	record, ok := m.Get(transferID)
	if !ok {
		return apierr.NotFound("transfer %s", transferID)
	}
	record.Phase = PhaseFailed
	record.Error = "cancelled by user"
	if err := m.putRecord(record); err != nil {
		return err
	}

	err := m.sender.SendToHost(ctx, record.TargetHostID, protocol.TypeCancelTransfer, protocol.CancelTransfer{TransferID: transferID})
	m.clearActive(transferID)
	if err != nil {
		return apierr.External(err, "send CancelTransfer to %s", record.TargetHostID)
	}
	return nil
}

// Get returns the current record for transferID.
func (m *Manager) Get(transferID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.cat.Load()
	if err != nil {
		return Record{}, false
	}
	for _, r := range data.Transfers {
		if r.TransferID == transferID {
			return r, true
		}
	}
	return Record{}, false
}

// List returns every known migration record.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.cat.Load()
	if err != nil {
		return nil
	}
	out := make([]Record, len(data.Transfers))
	copy(out, data.Transfers)
	return out
}

func (m *Manager) putRecord(record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.cat.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range data.Transfers {
		if r.TransferID == record.TransferID {
			data.Transfers[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		data.Transfers = append(data.Transfers, record)
	}
	return m.cat.Save(data)
}

func (m *Manager) fail(transferID, reason string) {
	record, ok := m.Get(transferID)
	if !ok {
		return
	}
	record.Phase = PhaseFailed
	record.Error = reason
	_ = m.putRecord(record)
	m.clearActive(transferID)
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMigrationProgress, CompletionEvent{TransferID: transferID, Phase: PhaseFailed, Error: reason})
	}
}

func (m *Manager) clearActive(transferID string) {
	m.mu.Lock()
	delete(m.active, transferID)
	m.mu.Unlock()
}

package migration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/protocol"
)

type sentMessage struct {
	hostID string
	typ    protocol.Type
	body   any
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	binary   []string // hostID per binary send
	failHost string
}

func (f *fakeSender) SendToHost(ctx context.Context, hostID string, t protocol.Type, body any) error {
	if hostID == f.failHost {
		return assertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{hostID: hostID, typ: t, body: body})
	return nil
}

func (f *fakeSender) SendBinaryToHost(ctx context.Context, hostID string, data []byte) error {
	if hostID == f.failHost {
		return assertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, hostID)
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

var assertErr = assertError("simulated send failure")

func newTestManager(t *testing.T) (*Manager, *fakeSender, *eventbus.Bus) {
	t.Helper()
	sender := &fakeSender{}
	bus := eventbus.New()
	m, err := New(t.TempDir(), sender, bus)
	require.NoError(t, err)
	return m, sender, bus
}

func TestStartTransferSendsStartExportAndPersists(t *testing.T) {
	m, sender, _ := newTestManager(t)

	transferID, err := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, err)
	require.NotEmpty(t, transferID)

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.Equal(t, PhaseExporting, record.Phase)

	require.Len(t, sender.messages, 1)
	require.Equal(t, protocol.TypeStartExport, sender.messages[0].typ)
	require.Equal(t, "host-a", sender.messages[0].hostID)
}

func TestHandleExportReadySendsStartImport(t *testing.T) {
	m, sender, _ := newTestManager(t)
	transferID, err := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, err)

	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 1024))

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.Equal(t, PhaseTransferring, record.Phase)
	require.EqualValues(t, 1024, record.TotalBytes)

	require.Len(t, sender.messages, 2)
	require.Equal(t, protocol.TypeStartImport, sender.messages[1].typ)
	require.Equal(t, "host-b", sender.messages[1].hostID)
}

func TestHandleExportReadyRejectsWrongPhase(t *testing.T) {
	m, _, _ := newTestManager(t)
	transferID, err := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, err)
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 100))

	err = m.HandleExportReady(context.Background(), transferID, 200)
	require.Error(t, err)
}

func TestHandleSourceChunkForwardsHeaderAndBinary(t *testing.T) {
	m, sender, _ := newTestManager(t)
	transferID, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 10))

	chunk := []byte("hello world")
	require.NoError(t, m.HandleSourceChunk(context.Background(), transferID, 0, chunk))

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.EqualValues(t, len(chunk), record.BytesTransferred)

	require.Len(t, sender.messages, 3) // StartExport, StartImport, ReceiveChunkBinary
	header := sender.messages[2].body.(protocol.ReceiveChunkBinary)
	require.Equal(t, transferID, header.TransferID)
	require.Equal(t, 0, header.Sequence)
	require.Equal(t, protocol.ChecksumChunk(chunk), header.Checksum)
	require.Equal(t, []string{"host-b"}, sender.binary)
}

func TestProgressEventEmittedEveryFourChunks(t *testing.T) {
	m, _, bus := newTestManager(t)
	transferID, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 100))

	events, unsub := bus.Subscribe(8)
	defer unsub()

	chunk := []byte("x")
	for i := 0; i < 4; i++ {
		require.NoError(t, m.HandleSourceChunk(context.Background(), transferID, i, chunk))
	}

	select {
	case ev := <-events:
		progress, ok := ev.Payload.(ProgressEvent)
		require.True(t, ok)
		require.Equal(t, transferID, progress.TransferID)
	default:
		t.Fatal("expected a progress event after 4 chunks")
	}
}

func TestCancelStopsFurtherRelayAndNotifiesTarget(t *testing.T) {
	m, sender, _ := newTestManager(t)
	transferID, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 100))

	require.NoError(t, m.Cancel(context.Background(), transferID))

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.Equal(t, PhaseFailed, record.Phase)
	require.Equal(t, "cancelled by user", record.Error)

	found := false
	for _, msg := range sender.messages {
		if msg.typ == protocol.TypeCancelTransfer {
			found = true
		}
	}
	require.True(t, found, "expected CancelTransfer sent to target")

	// A chunk arriving after cancellation must not be relayed to the target.
	before := len(sender.binary)
	err := m.HandleSourceChunk(context.Background(), transferID, 0, []byte("late"))
	require.Error(t, err, "no active state remains after cancellation")
	require.Len(t, sender.binary, before)
}

func TestHandleImportCompleteMarksCompleted(t *testing.T) {
	m, _, bus := newTestManager(t)
	transferID, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 100))
	require.NoError(t, m.FinishSourceStream(context.Background(), transferID))

	events, unsub := bus.Subscribe(4)
	defer unsub()

	require.NoError(t, m.HandleImportComplete(transferID))

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.Equal(t, PhaseComplete, record.Phase)
	require.InDelta(t, 100, record.ProgressPct, 0.01)

	select {
	case ev := <-events:
		completion := ev.Payload.(CompletionEvent)
		require.Equal(t, PhaseComplete, completion.Phase)
	default:
		t.Fatal("expected a completion event")
	}
}

func TestHandleImportFailedRecordsError(t *testing.T) {
	m, _, _ := newTestManager(t)
	transferID, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.NoError(t, m.HandleExportReady(context.Background(), transferID, 100))

	require.NoError(t, m.HandleImportFailed(transferID, "disk full"))

	record, ok := m.Get(transferID)
	require.True(t, ok)
	require.Equal(t, PhaseFailed, record.Phase)
	require.Equal(t, "disk full", record.Error)
}

func TestSendFailureMarksTransferFailed(t *testing.T) {
	sender := &fakeSender{failHost: "host-a"}
	bus := eventbus.New()
	m, err := New(t.TempDir(), sender, bus)
	require.NoError(t, err)

	_, err = m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	require.Error(t, err)
}

func TestListReturnsAllRecords(t *testing.T) {
	m, _, _ := newTestManager(t)
	id1, _ := m.StartTransfer(context.Background(), "app-1", "ctr-1", "host-a", "host-b")
	id2, _ := m.StartTransfer(context.Background(), "app-2", "ctr-2", "host-a", "host-c")

	all := m.List()
	require.Len(t, all, 2)
	ids := []string{all[0].TransferID, all[1].TransferID}
	require.ElementsMatch(t, []string{id1, id2}, ids)
}

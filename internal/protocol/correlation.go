package protocol

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/homeroute/homeroute/internal/apierr"
)

// correlationTimeout is the 10-second request/response
// timeout for correlated exchanges such as ExecInRemoteContainer and
// PushFileHeader.
const correlationTimeout = 10 * time.Second

// PendingRequests is the "map request_id → one-shot reply sink"
// registered before send so a reply or a
// timeout can resolve it exactly once.
type PendingRequests struct {
	mu    sync.Mutex
	sinks map[string]chan json.RawMessage
	clock clockwork.Clock
}

// NewPendingRequests constructs an empty table.
func NewPendingRequests(clock clockwork.Clock) *PendingRequests {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PendingRequests{sinks: make(map[string]chan json.RawMessage), clock: clock}
}

// Register creates a one-shot sink for requestID before the request is
// sent, returning a function the caller awaits for the reply or a
// timeout error.
func (p *PendingRequests) Register(requestID string) func() (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)

	p.mu.Lock()
	p.sinks[requestID] = ch
	p.mu.Unlock()

	return func() (json.RawMessage, error) {
		timer := p.clock.NewTimer(correlationTimeout)
		defer timer.Stop()
		select {
		case reply := <-ch:
			return reply, nil
		case <-timer.Chan():
			p.mu.Lock()
			delete(p.sinks, requestID)
			p.mu.Unlock()
			return nil, apierr.Timeout("request %s timed out after %s", requestID, correlationTimeout)
		}
	}
}

// Resolve delivers reply to the sink registered for requestID, if one
// is still pending. A reply for an unknown or already-timed-out
// request is silently dropped.
func (p *PendingRequests) Resolve(requestID string, reply json.RawMessage) {
	p.mu.Lock()
	ch, ok := p.sinks[requestID]
	if ok {
		delete(p.sinks, requestID)
	}
	p.mu.Unlock()

	if ok {
		ch <- reply
	}
}

// Cancel removes a pending sink without delivering a reply, used when
// the underlying socket closes before a response arrives.
func (p *PendingRequests) Cancel(requestID string) {
	p.mu.Lock()
	delete(p.sinks, requestID)
	p.mu.Unlock()
}

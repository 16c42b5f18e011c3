package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Connection is the in-memory record for one application's live
// sockets. Multiple sockets may be open concurrently for the same app
// (rolling restarts); ActiveCount tracks how many.
type Connection struct {
	AppID         string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	ActiveCount   int
}

const heartbeatStaleAfter = 90 * time.Second

// DisconnectFunc is invoked when an application's ActiveCount reaches
// zero — either because its last socket closed or the heartbeat monitor
// found it stale — so the caller can tear down routes and DNS.
type DisconnectFunc func(appID string)

// ConnectionTable tracks live agent sockets per application.
type ConnectionTable struct {
	mu           sync.Mutex
	conns        map[string]*Connection
	clock        clockwork.Clock
	onDisconnect DisconnectFunc
}

// NewConnectionTable constructs an empty table. onDisconnect may be
// nil.
func NewConnectionTable(clock clockwork.Clock, onDisconnect DisconnectFunc) *ConnectionTable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionTable{
		conns:        make(map[string]*Connection),
		clock:        clock,
		onDisconnect: onDisconnect,
	}
}

// SetOnDisconnect installs the teardown callback after construction,
// for wiring cycles where the callback's owner needs the table first.
func (t *ConnectionTable) SetOnDisconnect(fn DisconnectFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Connect registers a newly authenticated socket, incrementing
// ActiveCount.
func (t *ConnectionTable) Connect(appID string) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[appID]
	if !ok {
		c = &Connection{AppID: appID, ConnectedAt: t.clock.Now()}
		t.conns[appID] = c
	}
	c.ActiveCount++
	c.LastHeartbeat = t.clock.Now()
	return c
}

// Heartbeat refreshes LastHeartbeat for appID, if a connection exists.
func (t *ConnectionTable) Heartbeat(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[appID]; ok {
		c.LastHeartbeat = t.clock.Now()
	}
}

// Disconnect decrements ActiveCount for a closing socket. When it
// reaches zero the connection is removed and onDisconnect fires.
func (t *ConnectionTable) Disconnect(appID string) {
	t.mu.Lock()
	c, ok := t.conns[appID]
	if !ok {
		t.mu.Unlock()
		return
	}
	c.ActiveCount--
	fire := c.ActiveCount <= 0
	if fire {
		delete(t.conns, appID)
	}
	fn := t.onDisconnect
	t.mu.Unlock()

	if fire && fn != nil {
		fn(appID)
	}
}

// ActiveCount reports the current ActiveCount for appID (0 if absent).
func (t *ConnectionTable) ActiveCount(appID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[appID]; ok {
		return c.ActiveCount
	}
	return 0
}

// Snapshot returns a copy of every tracked connection.
func (t *ConnectionTable) Snapshot() []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}
	return out
}

// sweepStale marks every connection whose LastHeartbeat is older than
// heartbeatStaleAfter as disconnected, the same cleanup path as the
// last socket of an app closing.
func (t *ConnectionTable) sweepStale() {
	now := t.clock.Now()

	t.mu.Lock()
	var stale []string
	for id, c := range t.conns {
		if now.Sub(c.LastHeartbeat) > heartbeatStaleAfter {
			stale = append(stale, id)
			delete(t.conns, id)
		}
	}
	fn := t.onDisconnect
	t.mu.Unlock()

	if fn == nil {
		return
	}
	for _, id := range stale {
		fn(id)
	}
}

// RunHeartbeatMonitor scans for stale connections once per minute until
// stop is closed.
func (t *ConnectionTable) RunHeartbeatMonitor(stop <-chan struct{}) {
	ticker := t.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			t.sweepStale()
		}
	}
}

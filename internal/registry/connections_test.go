package registry

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestConnectIncrementsActiveCount(t *testing.T) {
	table := NewConnectionTable(clockwork.NewFakeClock(), nil)
	table.Connect("app-1")
	table.Connect("app-1")
	require.Equal(t, 2, table.ActiveCount("app-1"))
}

func TestDisconnectFiresOnlyWhenActiveCountReachesZero(t *testing.T) {
	var disconnected []string
	table := NewConnectionTable(clockwork.NewFakeClock(), func(appID string) {
		disconnected = append(disconnected, appID)
	})

	table.Connect("app-1")
	table.Connect("app-1")

	table.Disconnect("app-1")
	require.Empty(t, disconnected, "first close of two must not disconnect")
	require.Equal(t, 1, table.ActiveCount("app-1"))

	table.Disconnect("app-1")
	require.Equal(t, []string{"app-1"}, disconnected)
	require.Equal(t, 0, table.ActiveCount("app-1"))
}

func TestHeartbeatMonitorDisconnectsStaleConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var disconnected []string
	table := NewConnectionTable(clock, func(appID string) {
		disconnected = append(disconnected, appID)
	})
	table.Connect("app-1")

	stop := make(chan struct{})
	go table.RunHeartbeatMonitor(stop)
	defer close(stop)

	clock.BlockUntil(1)
	clock.Advance(91 * time.Second)
	clock.BlockUntil(1)

	require.Eventually(t, func() bool {
		return len(disconnected) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "app-1", disconnected[0])
}

func TestHeartbeatRefreshesKeepsConnectionAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var disconnected []string
	table := NewConnectionTable(clock, func(appID string) {
		disconnected = append(disconnected, appID)
	})
	table.Connect("app-1")

	stop := make(chan struct{})
	go table.RunHeartbeatMonitor(stop)
	defer close(stop)

	clock.BlockUntil(1)
	clock.Advance(70 * time.Second)
	table.Heartbeat("app-1")
	clock.BlockUntil(1)
	clock.Advance(70 * time.Second)
	clock.BlockUntil(1)

	require.Empty(t, disconnected)
}

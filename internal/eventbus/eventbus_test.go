package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := New()
	ch1, unsub1 := bus.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub2()

	bus.Publish(TopicServiceState, "app-1:connected")

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, TopicServiceState, ev.Topic)
			require.Equal(t, "app-1:connected", ev.Payload)
			require.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("expected event on subscriber channel")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()

	bus.Publish(TopicMetrics, 42)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicMigrationProgress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	<-ch
}

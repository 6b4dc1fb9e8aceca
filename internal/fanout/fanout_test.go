package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribedTopic(t *testing.T) {
	h := New()
	go h.Run()

	sub := NewSubscriber(RunTopic("run-1"), GlobalTopic)
	h.Register(sub)
	waitForSubscriberCount(t, h, 1)

	require.NoError(t, h.PublishJSON(RunTopic("run-1"), map[string]string{"hello": "world"}))

	select {
	case data := <-sub.Send:
		require.Contains(t, string(data), "hello")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	h := New()
	go h.Run()

	sub := NewSubscriber(RunTopic("run-1"))
	h.Register(sub)
	waitForSubscriberCount(t, h, 1)

	h.Publish(RunTopic("run-2"), []byte(`{}`))

	select {
	case <-sub.Send:
		t.Fatal("should not have received a message for an unsubscribed topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := New()
	go h.Run()

	sub := NewSubscriber(GlobalTopic)
	h.Register(sub)
	waitForSubscriberCount(t, h, 1)

	h.Unregister(sub)
	waitForSubscriberCount(t, h, 0)

	h.Publish(GlobalTopic, []byte(`{}`))

	_, ok := <-sub.Send
	require.False(t, ok, "channel should be closed after unregister")
}

func TestFullBufferDropsSubscriber(t *testing.T) {
	h := New()
	go h.Run()

	sub := NewSubscriber(GlobalTopic)
	h.Register(sub)
	waitForSubscriberCount(t, h, 1)

	for i := 0; i < 300; i++ {
		h.Publish(GlobalTopic, []byte(`{}`))
	}

	waitForSubscriberCount(t, h, 0)
}

func waitForSubscriberCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d, got %d", want, h.SubscriberCount())
}

package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("delivers in order", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe(TopicFeatureUpdated)
		defer sub.Unsubscribe()

		for i := 0; i < 10; i++ {
			bus.Publish(TopicFeatureUpdated, i)
		}

		for i := 0; i < 10; i++ {
			select {
			case event := <-sub.C:
				assert.Equal(t, i, event.Payload)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	})

	t.Run("topic filter", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe(TopicSessionStarted)
		defer sub.Unsubscribe()

		bus.Publish(TopicFeatureUpdated, "ignored")
		bus.Publish(TopicSessionStarted, "wanted")

		select {
		case event := <-sub.C:
			assert.Equal(t, "wanted", event.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("no topics means all topics", func(t *testing.T) {
		bus := NewBus()
		sub := bus.Subscribe()
		defer sub.Unsubscribe()

		bus.Publish(TopicStatus, 1)
		bus.Publish(TopicCriticalFailure, 2)

		first := <-sub.C
		second := <-sub.C
		assert.Equal(t, TopicStatus, first.Topic)
		assert.Equal(t, TopicCriticalFailure, second.Topic)
	})
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	// A subscriber that never reads.
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			bus.Publish(TopicAgentOutput, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestAgentOutputDropsOldest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicAgentOutput)
	defer sub.Unsubscribe()

	total := agentOutputBuffer * 3
	for i := 0; i < total; i++ {
		bus.Publish(TopicAgentOutput, i)
	}

	require.Eventually(t, func() bool {
		return sub.Dropped() > 0
	}, time.Second, 10*time.Millisecond, "expected drops when far over the buffer size")

	// Whatever is delivered must still be in increasing order.
	last := -1
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case event := <-sub.C:
			v := event.Payload.(int)
			assert.Greater(t, v, last)
			last = v
			if v == total-1 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, total-1, last, "newest event must survive")
}

func TestStatusTopicsNotDropped(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicSessionFinished)
	defer sub.Unsubscribe()

	const total = 2000
	for i := 0; i < total; i++ {
		bus.Publish(TopicSessionFinished, i)
	}

	for i := 0; i < total; i++ {
		select {
		case event := <-sub.C:
			require.Equal(t, i, event.Payload, fmt.Sprintf("event %d", i))
		case <-time.After(5 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	assert.Zero(t, sub.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicStatus)
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Publishing after unsubscribe is a no-op.
	bus.Publish(TopicStatus, "late")
}

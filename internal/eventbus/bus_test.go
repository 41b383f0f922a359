package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingKindOnly(t *testing.T) {
	b := New()
	_, ch, unsub := b.Subscribe(KindAnalysisCompleted)
	defer unsub()

	b.Publish(Event{Type: KindEventIngested, CorrelationID: "e1"})
	b.Publish(Event{Type: KindAnalysisCompleted, CorrelationID: "e2"})

	select {
	case evt := <-ch:
		assert.Equal(t, "e2", evt.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("expected a delivered event")
	}

	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected second event: %+v", evt)
		}
	default:
	}
}

func TestSubscribeAllKindsWhenNoneSpecified(t *testing.T) {
	b := New()
	_, ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(Event{Type: KindQueueEnqueued})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected delivery for unfiltered subscriber")
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := New()
	_, ch, unsub := b.Subscribe(KindPlanBuilt)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Event{Type: KindPlanBuilt, CorrelationID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// Buffer should contain the most recent events, not be empty.
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.Greater(t, count, 0)
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	_, ch, unsub := b.Subscribe()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

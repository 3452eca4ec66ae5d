package completions

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_DeliversInPublishOrder(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	ch, cancel := b.Subscribe(cellID)
	defer cancel()

	b.Publish(cellID, Event{Type: EventChunk, Delta: "a"})
	b.Publish(cellID, Event{Type: EventChunk, Delta: "b"})
	b.Publish(cellID, Event{Type: EventComplete})
	b.Finish(cellID)

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Delta)
	assert.Equal(t, "b", got[1].Delta)
	assert.Equal(t, EventComplete, got[2].Type)
}

func TestBroadcaster_FansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	ch1, cancel1 := b.Subscribe(cellID)
	ch2, cancel2 := b.Subscribe(cellID)
	defer cancel1()
	defer cancel2()

	b.Publish(cellID, Event{Type: EventChunk, Delta: "x"})
	b.Finish(cellID)

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev, open := <-ch
		require.True(t, open)
		assert.Equal(t, "x", ev.Delta)
		_, open = <-ch
		assert.False(t, open, "Finish must close every subscriber channel")
	}
}

func TestBroadcaster_PublishIsScopedToCell(t *testing.T) {
	b := NewBroadcaster()
	cellA := uuid.New()
	cellB := uuid.New()

	chA, cancelA := b.Subscribe(cellA)
	defer cancelA()
	_, cancelB := b.Subscribe(cellB)
	defer cancelB()

	b.Publish(cellA, Event{Type: EventChunk, Delta: "only-a"})
	b.Finish(cellA)

	ev, open := <-chA
	require.True(t, open)
	assert.Equal(t, "only-a", ev.Delta)
}

func TestBroadcaster_CancelAfterFinishIsSafe(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	_, cancel := b.Subscribe(cellID)
	b.Finish(cellID)

	// The channel is already closed; cancel must not close it again.
	assert.NotPanics(t, cancel)
}

func TestBroadcaster_CancelledSubscriberStopsReceiving(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	ch, cancel := b.Subscribe(cellID)
	cancel()

	// Publishing to a cell with no subscribers is a no-op and must not block.
	b.Publish(cellID, Event{Type: EventChunk, Delta: "late"})

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcaster_EvictsSubscriberThatStopsDraining(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	slow, cancelSlow := b.Subscribe(cellID)
	defer cancelSlow()
	live, cancelLive := b.Subscribe(cellID)
	defer cancelLive()

	// Overrun the slow subscriber's buffer without ever reading from it. Every
	// Publish must return promptly even once the buffer is full.
	for i := 0; i <= subscriberBuffer; i++ {
		b.Publish(cellID, Event{Type: EventChunk, Delta: "x"})
		<-live
	}

	// The slow subscriber was closed after its buffered backlog.
	n := 0
	for range slow {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)

	// The live subscriber keeps receiving.
	b.Publish(cellID, Event{Type: EventComplete})
	ev := <-live
	assert.Equal(t, EventComplete, ev.Type)
}

func TestBroadcaster_CancelIsNotBlockedByStalledSubscriber(t *testing.T) {
	b := NewBroadcaster()
	cellID := uuid.New()

	_, cancelStalled := b.Subscribe(cellID)
	_, cancelOther := b.Subscribe(cellID)

	for i := 0; i <= subscriberBuffer+1; i++ {
		b.Publish(cellID, Event{Type: EventChunk, Delta: "x"})
	}

	// Neither cancel may hang behind a publisher stuck on a full buffer.
	done := make(chan struct{})
	go func() {
		cancelOther()
		cancelStalled()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel blocked behind a stalled subscriber")
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	assert.NotPanics(t, func() {
		b.Publish(uuid.New(), Event{Type: EventChunk, Delta: "nobody"})
		b.Finish(uuid.New())
	})
}

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlersRunInOrderAndFilterKinds(t *testing.T) {
	b := NewBus()
	var got []string
	b.Handle(func(e Event) { got = append(got, "all:"+string(e.Kind)) })
	b.Handle(func(e Event) { got = append(got, "conflict:"+e.RecordID) }, KindConflictDetected)

	b.Publish(Event{Kind: KindSyncCompleted})
	b.Publish(Event{Kind: KindConflictDetected, RecordID: "r1"})

	assert.Equal(t, []string{
		"all:sync_completed",
		"all:conflict_detected",
		"conflict:r1",
	}, got)
}

func TestUnsubscribeHandler(t *testing.T) {
	b := NewBus()
	calls := 0
	off := b.Handle(func(Event) { calls++ })
	b.Publish(Event{Kind: KindStateChanged})
	off()
	b.Publish(Event{Kind: KindStateChanged})
	assert.Equal(t, 1, calls)
}

func TestChannelSubscribersDropWhenFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)

	b.Publish(Event{Kind: KindStateChanged, State: "running"})
	b.Publish(Event{Kind: KindStateChanged, State: "idle"})

	e := <-ch
	assert.Equal(t, "running", e.State)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, 1, b.Dropped())

	b.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
}

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: EventItemUpserted, ItemID: "book-1", ServerID: "home"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, EventItemUpserted, e.Kind)
			assert.Equal(t, "book-1", e.ItemID)
			assert.False(t, e.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	cancel1()
	cancel1()

	_, open := <-ch1
	assert.False(t, open, "cancelled subscription must be closed")

	b.Publish(Event{Kind: EventItemDeleted})

	select {
	case e := <-ch2:
		assert.Equal(t, EventItemDeleted, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})

	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(Event{Kind: EventProgressChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.Equal(t, uint64(10), b.Dropped())
}

func TestSyncStatus_Valid(t *testing.T) {
	for _, s := range []SyncStatus{StatusUnsynced, StatusSyncing, StatusSynced, StatusError} {
		assert.True(t, s.Valid(), s)
	}

	assert.False(t, SyncStatus("DONE").Valid())
}

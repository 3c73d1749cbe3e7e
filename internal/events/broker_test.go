package events

import (
	"fmt"
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker(10)
	ch, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 0 {
		t.Fatalf("fresh broker snapshot = %d events, want 0", len(snapshot))
	}

	b.Publish(Event{Type: TypeTaskEnqueued, TaskID: "t1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeTaskEnqueued || ev.TaskID != "t1" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("publish must stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerSnapshotReplay(t *testing.T) {
	b := NewBroker(10)
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeTaskClaimed, TaskID: fmt.Sprintf("t%d", i)})
	}
	_, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 3 {
		t.Fatalf("snapshot = %d events, want 3", len(snapshot))
	}
	if snapshot[0].TaskID != "t0" || snapshot[2].TaskID != "t2" {
		t.Fatalf("snapshot order = %+v", snapshot)
	}
}

func TestBrokerBufferEvictsOldest(t *testing.T) {
	b := NewBroker(2)
	for i := 0; i < 5; i++ {
		b.Publish(Event{TaskID: fmt.Sprintf("t%d", i)})
	}
	_, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d events, want buffer cap 2", len(snapshot))
	}
	if snapshot[0].TaskID != "t3" || snapshot[1].TaskID != "t4" {
		t.Fatalf("oldest not evicted: %+v", snapshot)
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(10)
	_, cancel, _ := b.Subscribe()
	defer cancel()

	// Fill past the subscriber buffer; Publish must never stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriberBuffer*2; i++ {
			b.Publish(Event{TaskID: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(10)
	ch, cancel, _ := b.Subscribe()
	cancel()
	b.Publish(Event{TaskID: "after"})
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("received %+v after unsubscribe", ev)
		}
	default:
	}
}

func TestNilBrokerPublishIsSafe(t *testing.T) {
	var b *Broker
	b.Publish(Event{TaskID: "t"})
}

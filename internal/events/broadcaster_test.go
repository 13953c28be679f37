package events

import (
	"strings"
	"testing"
	"time"
)

func TestBroadcasterSubscribeCancel(t *testing.T) {
	b := NewBroadcaster()

	_, cancel1 := b.Subscribe()
	_, cancel2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	cancel1()
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after cancel, got %d", b.Count())
	}

	cancel2()
	cancel2()
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterLibraryChanged(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.LibraryChanged(1, 0, 0)

	select {
	case received := <-ch:
		if received.Type != EventLibraryChanged {
			t.Errorf("expected type %s, got %s", EventLibraryChanged, received.Type)
		}
		if received.Added != 1 {
			t.Errorf("expected added=1, got %d", received.Added)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after revocation must not panic.
	b.LibraryChanged(0, 1, 0)
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.ServerStatus(true, "http://10.0.0.2:8080/")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Type != EventServerStatus {
				t.Errorf("subscriber %d: expected %s, got %s", i, EventServerStatus, received.Type)
			}
			if received.Running == nil || !*received.Running {
				t.Errorf("subscriber %d: expected running=true", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		b.LibraryChanged(1, 0, 0)
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, count)
	}
}

func TestMarshalEventOmitsEmptyCounts(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventLibraryChanged, Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "added") {
		t.Errorf("unexpected added field in %s", data)
	}
}

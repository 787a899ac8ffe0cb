package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherDeliversToSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-1",
		EventType: RealtimeEventSyncHint,
		DeviceID:  "phone",
		EntityIDs: []string{"note-1"},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})

	select {
	case message := <-stream:
		if message.DeviceID != "phone" {
			t.Fatalf("unexpected device %s", message.DeviceID)
		}
		if len(message.EntityIDs) != 1 || message.EntityIDs[0] != "note-1" {
			t.Fatalf("unexpected entity ids %v", message.EntityIDs)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a delivered hint")
	}
}

func TestRealtimeDispatcherIsolatesUsers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-1",
		EventType: RealtimeEventSyncHint,
		DeviceID:  "phone",
	})

	select {
	case message := <-stream:
		t.Fatalf("unexpected cross-user delivery: %#v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeDispatcherDropsWhenBufferIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	for i := 0; i < 40; i++ {
		dispatcher.Publish(RealtimeMessage{
			UserID:    "user-1",
			EventType: RealtimeEventSyncHint,
			DeviceID:  "phone",
		})
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 16 {
		t.Fatalf("expected between 1 and 16 buffered hints, got %d", received)
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	cancel()

	deadline := time.After(time.Second)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["user-1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected subscriber removed after cancel, %d remain", remaining)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

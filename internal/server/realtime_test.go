package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
)

func TestRealtimeDispatcherBroadcastsToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.PublishJobResult(dispatch.Result{
		PatientID: "P2",
		Outcome:   dispatch.OutcomeFailure,
		Attempts:  3,
		Retryable: true,
		Err:       errors.New("scoring unavailable"),
	})

	for _, stream := range []<-chan RealtimeMessage{first, second} {
		select {
		case received := <-stream:
			if received.EventType != RealtimeEventJobFinished || received.PatientID != "P2" {
				t.Fatalf("unexpected message %+v", received)
			}
			if received.Data["attempts"] != 3 || received.Data["error"] != "scoring unavailable" {
				t.Fatalf("unexpected payload %+v", received.Data)
			}
			if received.Timestamp.IsZero() {
				t.Fatalf("expected timestamp to be stamped")
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected realtime message within deadline")
		}
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.PublishJobsDrained()
	select {
	case message := <-stream:
		t.Fatalf("did not expect delivery after unsubscribe, got %+v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherIgnoresUntypedMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{PatientID: "P1"})
	select {
	case message := <-stream:
		t.Fatalf("did not expect untyped message, got %+v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

package eventbus

import (
	"testing"
	"time"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

func TestMemoryBusDelivers(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	sub := bus.Subscribe(events.EventQueueChange)
	bus.Publish(events.EventQueueChange, events.ChangePayload("queue_entries", events.OpInsert, "p1", 1))

	select {
	case payload := <-sub:
		if payload["table"] != "queue_entries" || payload["player_id"] != "p1" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
	bus.Unsubscribe(events.EventQueueChange, sub)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := events.ChangePayload("player_statuses", events.OpUpdate, "p1", 1)
	data, err := marshalEnvelope(events.EventStatusChange, payload, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	env, err := unmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.EventType != events.EventStatusChange || env.NodeID != "node-a" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Payload["table"] != "player_statuses" {
		t.Fatalf("payload = %+v", env.Payload)
	}

	if _, err := unmarshalEnvelope([]byte("{notjson")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestSubjectNamespace(t *testing.T) {
	t.Parallel()

	if got := subject(events.EventQueueChange); got != "obie.events.change.queue_entries" {
		t.Fatalf("subject = %q", got)
	}
}

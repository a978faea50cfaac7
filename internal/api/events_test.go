package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

func TestEventsWebsocketDeliversChangeFrames(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "/api/v1/events?types=change.queue_entries&token=" + e.adminToken(t)
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	// Give the handler time to subscribe before publishing.
	time.Sleep(200 * time.Millisecond)
	e.bus.Publish(events.EventQueueChange, events.Payload{
		"table": "queue_entries",
		"op":    "INSERT",
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var frame struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if frame.Type != string(events.EventQueueChange) {
		t.Fatalf("frame type = %q", frame.Type)
	}
	if frame.Payload["table"] != "queue_entries" {
		t.Fatalf("frame payload = %+v", frame.Payload)
	}
}

func TestEventsWebsocketRejectsAnonymous(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "/api/v1/events"
	if _, _, err := ws.Dial(ctx, url, nil); err == nil {
		t.Fatal("anonymous websocket dial succeeded")
	}
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

// knownEventTypes are the types remote subscribers may watch. The change
// stream carries table/op/row payloads so clients can run the same
// debounce-and-refetch protocol the server uses internally.
var knownEventTypes = map[events.EventType]bool{
	events.EventQueueChange:      true,
	events.EventStatusChange:     true,
	events.EventPlayerChange:     true,
	events.EventSessionChange:    true,
	events.EventPriorityElected:  true,
	events.EventPriorityRestored: true,
	events.EventPriorityReset:    true,
	events.EventHeartbeatStale:   true,
}

func parseEventTypes(raw string) []events.EventType {
	var types []events.EventType
	for _, part := range strings.Split(raw, ",") {
		eventType := events.EventType(strings.TrimSpace(part))
		if knownEventTypes[eventType] {
			types = append(types, eventType)
		}
	}
	return types
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{events.EventQueueChange, events.EventStatusChange}
	}

	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subscribers = append(subscribers, a.bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		default:
			sent := false
			for i, sub := range subscribers {
				select {
				case payload := <-sub:
					if err := writeEvent(ctx, conn, eventTypes[i], payload); err != nil {
						a.logger.Error().Err(err).Msg("websocket write failed")
						conn.Close(ws.StatusInternalError, "write failed")
						return
					}
					sent = true
				default:
				}
			}
			if !sent {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

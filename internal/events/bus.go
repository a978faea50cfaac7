/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Row-change notifications emitted by the store for every committed
	// mutation of the watched tables. Delivery is at-least-once and carries
	// no ordering guarantee relative to transaction visibility; subscribers
	// debounce and refetch instead of trusting payloads.
	EventQueueChange   EventType = "change.queue_entries"
	EventStatusChange  EventType = "change.player_statuses"
	EventPlayerChange  EventType = "change.players"
	EventSessionChange EventType = "change.kiosk_sessions"

	// Election outcomes.
	EventPriorityElected  EventType = "priority.elected"
	EventPriorityRestored EventType = "priority.restored"
	EventPriorityReset    EventType = "priority.reset"

	// Advisory liveness.
	EventHeartbeatStale EventType = "heartbeat.stale"
)

// Op identifies the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Payload generic event payload.
type Payload map[string]any

// ChangePayload builds the payload shape used for row-change events.
func ChangePayload(table string, op Op, playerID string, rows int64) Payload {
	return Payload{
		"table":     table,
		"op":        string(op),
		"player_id": playerID,
		"rows":      rows,
	}
}

// Subscriber receives event payloads.
type Subscriber chan Payload

// PubSub is the delivery surface services publish and subscribe against.
// The in-process Bus implements it for single-node deployments; the
// eventbus package provides Redis and NATS backed implementations that
// mirror events across nodes.
type PubSub interface {
	Subscribe(eventType EventType) Subscriber
	Publish(eventType EventType, payload Payload)
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events rather
// than block; the reconciliation protocol tolerates missed notifications.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

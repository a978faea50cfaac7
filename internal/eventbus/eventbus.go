/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process change-notification bus across
// processes. A single-node deployment runs the memory backend; multi-node
// deployments fan events out over Redis pub/sub or NATS so every node's
// subscribers debounce against the same change stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

// Bus is the pluggable pubsub surface the server wires against.
type Bus interface {
	events.PubSub
	Close() error
}

// MemoryBus adapts the in-process bus to the Bus interface.
type MemoryBus struct {
	*events.Bus
}

// NewMemoryBus creates a single-node bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{Bus: events.NewBus()}
}

// Close is a no-op; in-process subscribers close via Unsubscribe.
func (m *MemoryBus) Close() error { return nil }

// envelope is the wire form shared by the Redis and NATS backends. NodeID
// filters out a node's own publications on the return path.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return &msg, nil
}

// NodeID derives a stable-enough identity for this process.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "node"
	}
	return host + "-" + uuid.New().String()[:8]
}

// subject maps an event type onto the broker topic namespace.
func subject(eventType events.EventType) string {
	return "obie.events." + string(eventType)
}

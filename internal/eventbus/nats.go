/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus fans change events out over core NATS subjects, one subject per
// event type under obie.events. Delivery is at-least-once across the
// fleet; ordering is not promised, which is exactly the contract the
// debounce protocol is built for.
type NATSBus struct {
	conn   *nats.Conn
	local  *events.Bus
	logger zerolog.Logger
	nodeID string

	mu        sync.Mutex
	natsSubs  map[events.EventType]*nats.Subscription
	subCounts map[events.EventType]int
}

// NewNATSBus connects to NATS. Unlike the Redis backend, an unreachable
// broker here is an error: deployments that select NATS run multi-node
// and must not silently degrade to an isolated bus.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "eventbus").Str("backend", "nats").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("obied-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	log.Info().Str("url", cfg.URL).Msg("nats event bus ready")
	return &NATSBus{
		conn:      conn,
		local:     events.NewBus(),
		logger:    log,
		nodeID:    nodeID,
		natsSubs:  make(map[events.EventType]*nats.Subscription),
		subCounts: make(map[events.EventType]int),
	}, nil
}

// Subscribe registers a subscriber and, on first use of an event type,
// opens the matching NATS subscription.
func (b *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := b.local.Subscribe(eventType)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCounts[eventType]++
	if _, exists := b.natsSubs[eventType]; !exists {
		natsSub, err := b.conn.Subscribe(subject(eventType), func(msg *nats.Msg) {
			env, err := unmarshalEnvelope(msg.Data)
			if err != nil {
				b.logger.Error().Err(err).Msg("bad event envelope")
				return
			}
			if env.NodeID == b.nodeID {
				return
			}
			b.local.Publish(eventType, env.Payload)
		})
		if err != nil {
			b.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("nats subscribe failed")
		} else {
			b.natsSubs[eventType] = natsSub
		}
	}
	return sub
}

// Publish delivers locally and mirrors the event to NATS.
func (b *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	b.local.Publish(eventType, payload)

	data, err := marshalEnvelope(eventType, payload, b.nodeID)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal event envelope")
		return
	}
	if err := b.conn.Publish(subject(eventType), data); err != nil {
		b.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("nats publish failed")
	}
}

// Unsubscribe removes a subscriber and drains the NATS subscription when
// the last subscriber for an event type leaves.
func (b *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	b.local.Unsubscribe(eventType, sub)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subCounts[eventType] > 0 {
		b.subCounts[eventType]--
	}
	if b.subCounts[eventType] == 0 {
		if natsSub, exists := b.natsSubs[eventType]; exists {
			_ = natsSub.Drain()
			delete(b.natsSubs, eventType)
		}
	}
}

// Close drains the connection so in-flight events flush before shutdown.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for _, natsSub := range b.natsSubs {
		_ = natsSub.Drain()
	}
	b.natsSubs = make(map[events.EventType]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

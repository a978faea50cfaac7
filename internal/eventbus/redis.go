/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxFailures is the publish-failure threshold before the bus trips to
	// local-only delivery.
	MaxFailures int
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:  5,
	}
}

// RedisBus fans change events out over Redis pub/sub. Local subscribers
// always receive events through the embedded in-process bus; Redis only
// carries the cross-node copies. If Redis degrades, the bus trips to
// local-only delivery rather than blocking mutations — the reconciliation
// protocol tolerates missed notifications.
type RedisBus struct {
	client *redis.Client
	local  *events.Bus
	logger zerolog.Logger
	nodeID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	channels  map[events.EventType]*redis.PubSub
	subCounts map[events.EventType]int
	failCount int
	maxFails  int
	localOnly bool
}

// NewRedisBus creates a Redis-backed event bus. An unreachable Redis at
// startup yields a working local-only bus, not an error.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	bus := &RedisBus{
		client:    client,
		local:     events.NewBus(),
		logger:    logger.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		nodeID:    nodeID,
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[events.EventType]*redis.PubSub),
		subCounts: make(map[events.EventType]int),
		maxFails:  cfg.MaxFailures,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		bus.logger.Warn().Err(err).Msg("redis unreachable, running local-only")
		bus.localOnly = true
		return bus, nil
	}

	bus.logger.Info().Str("addr", cfg.Addr).Msg("redis event bus ready")
	return bus, nil
}

// Subscribe registers a subscriber and, on first use of an event type,
// opens the matching Redis channel.
func (b *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := b.local.Subscribe(eventType)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCounts[eventType]++
	if b.localOnly {
		return sub
	}
	if _, exists := b.channels[eventType]; !exists {
		pubsub := b.client.Subscribe(b.ctx, subject(eventType))
		b.channels[eventType] = pubsub
		b.wg.Add(1)
		go b.receive(eventType, pubsub)
	}
	return sub
}

func (b *RedisBus) receive(eventType events.EventType, pubsub *redis.PubSub) {
	defer b.wg.Done()

	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.recordFailure()
				return
			}
			env, err := unmarshalEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Error().Err(err).Msg("bad event envelope")
				continue
			}
			// Our own publications already went to local subscribers.
			if env.NodeID == b.nodeID {
				continue
			}
			b.local.Publish(eventType, env.Payload)
		}
	}
}

// Publish delivers locally and mirrors the event to Redis.
func (b *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	b.local.Publish(eventType, payload)

	b.mu.Lock()
	skip := b.localOnly
	b.mu.Unlock()
	if skip {
		return
	}

	data, err := marshalEnvelope(eventType, payload, b.nodeID)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal event envelope")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, subject(eventType), data).Err(); err != nil {
		b.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("redis publish failed")
		b.recordFailure()
		return
	}

	b.mu.Lock()
	b.failCount = 0
	b.mu.Unlock()
}

// Unsubscribe removes a subscriber and closes the Redis channel when the
// last subscriber for an event type leaves.
func (b *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	b.local.Unsubscribe(eventType, sub)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subCounts[eventType] > 0 {
		b.subCounts[eventType]--
	}
	if b.subCounts[eventType] == 0 {
		if pubsub, exists := b.channels[eventType]; exists {
			_ = pubsub.Close()
			delete(b.channels, eventType)
		}
	}
}

// Close tears down all Redis subscriptions and the client.
func (b *RedisBus) Close() error {
	b.cancel()

	b.mu.Lock()
	for _, pubsub := range b.channels {
		_ = pubsub.Close()
	}
	b.channels = make(map[events.EventType]*redis.PubSub)
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}

func (b *RedisBus) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCount++
	if b.failCount >= b.maxFails && !b.localOnly {
		b.logger.Warn().Int("failures", b.failCount).Msg("redis failure threshold reached, running local-only")
		b.localOnly = true
	}
}

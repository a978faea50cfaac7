/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reconcile implements the subscriber-side debounce protocol.
// Change notifications are at-least-once and may arrive before the
// transaction that produced a later mutation is externally readable, so a
// subscriber never reads on the first event: it arms a single timer,
// re-arms it on every further event, and performs one authoritative
// refetch after the burst settles.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

// DefaultInterval is the settle window between the last observed change
// event and the authoritative refetch.
const DefaultInterval = 800 * time.Millisecond

// RefetchFunc performs one full read of authoritative state. The result
// must replace local state wholesale; implementations never patch
// incrementally from notification payloads.
type RefetchFunc func(ctx context.Context) error

// Watcher debounces change notifications for one watched entity set. It
// holds exactly one pending timer slot: each event cancels and restarts
// the timer rather than scheduling another. While a refetch is in flight,
// further events coalesce into at most one follow-up refetch.
type Watcher struct {
	name     string
	bus      events.PubSub
	types    []events.EventType
	subs     []events.Subscriber
	refetch  RefetchFunc
	interval time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	inFlight bool
	dirty    bool
	closed   bool
}

// Option adjusts watcher construction.
type Option func(*Watcher)

// WithInterval overrides the settle window. Tests shorten it; production
// always runs the default.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher subscribes to the given event types and starts listening.
// Call Close to tear the subscription down.
func NewWatcher(name string, bus events.PubSub, types []events.EventType, refetch RefetchFunc, logger zerolog.Logger, opts ...Option) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		name:     name,
		bus:      bus,
		types:    types,
		refetch:  refetch,
		interval: DefaultInterval,
		logger:   logger.With().Str("component", "reconcile").Str("watcher", name).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, eventType := range types {
		sub := bus.Subscribe(eventType)
		w.subs = append(w.subs, sub)
		w.wg.Add(1)
		go w.listen(sub)
	}
	return w
}

func (w *Watcher) listen(sub events.Subscriber) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
			w.Notify()
		}
	}
}

// Notify records one change event: re-arm the pending timer, or mark the
// set dirty if a refetch is already in flight.
func (w *Watcher) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.inFlight {
		w.dirty = true
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.interval, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.inFlight = true
	w.mu.Unlock()

	telemetry.DebounceRefetchesTotal.WithLabelValues(w.name).Inc()
	if err := w.refetch(w.ctx); err != nil && w.ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("refetch failed")
	}

	w.mu.Lock()
	w.inFlight = false
	rearm := w.dirty && !w.closed
	w.dirty = false
	if rearm {
		w.timer = time.AfterFunc(w.interval, w.fire)
	}
	w.mu.Unlock()
}

// Close cancels the pending timer and unsubscribes. A refetch that has
// already fired runs to completion and its result is discarded by the
// cancelled context.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.cancel()
	for i, eventType := range w.types {
		w.bus.Unsubscribe(eventType, w.subs[i])
	}
	w.wg.Wait()
}

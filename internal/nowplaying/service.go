/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package nowplaying maintains the per-player "current item plus upcoming"
// view. The view is never patched from notification payloads; it is
// recomputed wholesale from each settled refetch of status and queue
// state, so a half-applied shuffle or advance is never observable here.
package nowplaying

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/reconcile"
)

// ErrPlayerNotFound indicates the player has no snapshot, meaning it is
// not in the registry or the first refetch has not completed.
var ErrPlayerNotFound = errors.New("no snapshot for player")

// upcomingLimit caps how many pending entries a snapshot carries.
const upcomingLimit = 10

// Snapshot is one player's derived playback view.
type Snapshot struct {
	PlayerID  string              `json:"player_id"`
	State     models.PlayerState  `json:"state"`
	Progress  float64             `json:"progress"`
	Current   *models.MediaItem   `json:"current,omitempty"`
	Upcoming  []models.QueueEntry `json:"upcoming"`
	QueueLen  int                 `json:"queue_len"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Service derives snapshots from settled state.
type Service struct {
	db      *gorm.DB
	logger  zerolog.Logger
	watcher *reconcile.Watcher

	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// New creates the service and subscribes it to queue and status changes.
// Call Close on shutdown.
func New(database *gorm.DB, bus events.PubSub, logger zerolog.Logger, opts ...reconcile.Option) *Service {
	s := &Service{
		db:        database,
		logger:    logger.With().Str("component", "nowplaying").Logger(),
		snapshots: make(map[string]Snapshot),
	}
	s.watcher = reconcile.NewWatcher("nowplaying", bus,
		[]events.EventType{events.EventQueueChange, events.EventStatusChange},
		s.Refetch, logger, opts...)
	return s
}

// Close tears down the change subscription.
func (s *Service) Close() {
	s.watcher.Close()
}

// Snapshot returns the derived view for one player.
func (s *Service) Snapshot(playerID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[playerID]
	if !ok {
		return Snapshot{}, ErrPlayerNotFound
	}
	return snap, nil
}

// All returns every player's snapshot.
func (s *Service) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out
}

// Refetch reads statuses and pending queues and replaces every snapshot.
// It is invoked by the debounce watcher after a change burst settles, and
// once at startup by the server.
func (s *Service) Refetch(ctx context.Context) error {
	var statuses []models.PlayerStatus
	err := s.db.WithContext(ctx).Preload("CurrentMedia").Find(&statuses).Error
	if err != nil {
		return fmt.Errorf("load statuses: %w", err)
	}

	var entries []models.QueueEntry
	err = s.db.WithContext(ctx).
		Preload("MediaItem").
		Where("consumed_at IS NULL").
		Order("player_id, CASE WHEN lane = 'priority' THEN 0 ELSE 1 END, position").
		Find(&entries).Error
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}

	next := Compute(statuses, entries)

	s.mu.Lock()
	s.snapshots = next
	s.mu.Unlock()

	s.logger.Debug().Int("players", len(next)).Msg("snapshots recomputed")
	return nil
}

// Compute derives all snapshots from one settled read. It is a pure
// function of its inputs; entries must already be in settled queue order.
func Compute(statuses []models.PlayerStatus, entries []models.QueueEntry) map[string]Snapshot {
	byPlayer := make(map[string][]models.QueueEntry)
	for _, entry := range entries {
		byPlayer[entry.PlayerID] = append(byPlayer[entry.PlayerID], entry)
	}

	now := time.Now().UTC()
	out := make(map[string]Snapshot, len(statuses))
	for _, status := range statuses {
		pending := byPlayer[status.PlayerID]
		n := len(pending)
		if n > upcomingLimit {
			n = upcomingLimit
		}
		// Non-nil even when empty so the JSON view carries [] rather
		// than null.
		upcoming := make([]models.QueueEntry, n)
		copy(upcoming, pending[:n])
		out[status.PlayerID] = Snapshot{
			PlayerID:  status.PlayerID,
			State:     status.State,
			Progress:  status.Progress,
			Current:   status.CurrentMedia,
			Upcoming:  upcoming,
			QueueLen:  len(pending),
			UpdatedAt: now,
		}
	}
	return out
}

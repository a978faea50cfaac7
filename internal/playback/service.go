/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback owns the player status register and the queue advance
// transition. Advance is the only consumer of queue entries; consumption is
// a one-way timestamp set, so a repeated advance from the priority player
// simply selects the following entry.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

var (
	// ErrNotPriorityPlayer rejects an advance from any instance that does
	// not hold the player's priority marker. Nothing is mutated on this path.
	ErrNotPriorityPlayer = errors.New("not priority player")
	// ErrPlayerNotFound indicates the target player is not configured.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrStatusNotFound indicates the status row is missing; the registry
	// seeds one per configured player, so this is a deployment fault.
	ErrStatusNotFound = errors.New("player status not found")
	// ErrInvalidState rejects unknown lifecycle states.
	ErrInvalidState = errors.New("invalid player state")
	// ErrInvalidProgress rejects progress outside [0,1].
	ErrInvalidProgress = errors.New("progress out of range")
	// ErrInvalidCause rejects unknown advance causes.
	ErrInvalidCause = errors.New("invalid advance cause")
	// ErrSkipNotIdle rejects a skip advance while the player is
	// mid-playback. Skip is the operator's nudge for a parked player;
	// natural end-of-media arrives as CauseEnded.
	ErrSkipNotIdle = errors.New("skip requires idle player")
)

// Cause describes why an advance was requested.
type Cause string

const (
	CauseEnded Cause = "ended"
	CauseSkip  Cause = "skip"
)

// Service manages player statuses and the advance transition.
type Service struct {
	db     *gorm.DB
	bus    events.PubSub
	logger zerolog.Logger
}

// New creates a playback service.
func New(database *gorm.DB, bus events.PubSub, logger zerolog.Logger) *Service {
	return &Service{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "playback").Logger(),
	}
}

// laneOrder mirrors the queue read path: priority lane first, then position.
const laneOrder = "CASE WHEN lane = 'priority' THEN 0 ELSE 1 END, position"

// Advance pops the next eligible queue entry for the player and moves the
// status register onto it, as one transaction. An empty queue transitions
// the player to idle and returns nil; callers must treat that as a normal
// outcome, not an error. The return shape is a single entry, never a list.
func (s *Service) Advance(ctx context.Context, playerID, instanceID string, cause Cause) (*models.QueueEntry, error) {
	if cause != CauseEnded && cause != CauseSkip {
		return nil, ErrInvalidCause
	}

	var next *models.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var player models.Player
		if err := tx.First(&player, "id = ?", playerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlayerNotFound
			}
			return fmt.Errorf("load player: %w", err)
		}

		if player.PriorityInstanceID == nil || *player.PriorityInstanceID != instanceID {
			return ErrNotPriorityPlayer
		}

		if cause == CauseSkip {
			var status models.PlayerStatus
			if err := tx.First(&status, "player_id = ?", playerID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrStatusNotFound
				}
				return fmt.Errorf("load status: %w", err)
			}
			if status.State != models.StateIdle {
				return ErrSkipNotIdle
			}
		}

		now := time.Now().UTC()

		var entry models.QueueEntry
		err := tx.Preload("MediaItem").
			Where("player_id = ? AND consumed_at IS NULL", playerID).
			Order(laneOrder).
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Queue drained: park the player.
			res := tx.Model(&models.PlayerStatus{}).
				Where("player_id = ?", playerID).
				Updates(map[string]any{
					"state":            models.StateIdle,
					"current_media_id": nil,
					"progress":         0.0,
					"updated_at":       now,
				})
			if res.Error != nil {
				return fmt.Errorf("park status: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrStatusNotFound
			}
			next = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next entry: %w", err)
		}

		// Conditional on consumed_at so a concurrent advance never double
		// consumes the same entry.
		res := tx.Model(&models.QueueEntry{}).
			Where("id = ? AND consumed_at IS NULL", entry.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return fmt.Errorf("consume entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("consume entry %s: %w", entry.ID, gorm.ErrRecordNotFound)
		}

		statusRes := tx.Model(&models.PlayerStatus{}).
			Where("player_id = ?", playerID).
			Updates(map[string]any{
				"state":            models.StateLoading,
				"current_media_id": entry.MediaItemID,
				"progress":         0.0,
				"updated_at":       now,
			})
		if statusRes.Error != nil {
			return fmt.Errorf("update status: %w", statusRes.Error)
		}
		if statusRes.RowsAffected == 0 {
			return ErrStatusNotFound
		}

		entry.ConsumedAt = &now
		next = &entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotPriorityPlayer) {
			telemetry.AdvanceRejectionsTotal.Inc()
			s.logger.Warn().
				Str("player_id", playerID).
				Str("instance_id", instanceID).
				Msg("advance rejected: caller does not hold the priority marker")
		}
		return nil, err
	}

	if next == nil {
		s.logger.Info().Str("player_id", playerID).Str("cause", string(cause)).Msg("queue empty, player idle")
	} else {
		s.logger.Info().
			Str("player_id", playerID).
			Str("cause", string(cause)).
			Str("entry_id", next.ID).
			Str("title", next.MediaItem.Title).
			Msg("advanced to next entry")
	}
	return next, nil
}

// ReportStatus records a state/progress update from a playback client and
// bumps the heartbeat timestamp.
func (s *Service) ReportStatus(ctx context.Context, playerID string, state models.PlayerState, progress float64, mediaID *string) error {
	if !state.Valid() {
		return ErrInvalidState
	}
	if progress < 0 || progress > 1 {
		return ErrInvalidProgress
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"state":        state,
		"progress":     progress,
		"updated_at":   now,
		"last_seen_at": now,
	}
	if mediaID != nil {
		updates["current_media_id"] = *mediaID
	}

	res := s.db.WithContext(ctx).Model(&models.PlayerStatus{}).
		Where("player_id = ?", playerID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusNotFound
	}
	return nil
}

// Heartbeat bumps the liveness timestamp only. Fire-and-forget for callers;
// a miss never aborts queue operations.
func (s *Service) Heartbeat(ctx context.Context, playerID string) error {
	res := s.db.WithContext(ctx).Model(&models.PlayerStatus{}).
		Where("player_id = ?", playerID).
		Update("last_seen_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusNotFound
	}
	return nil
}

// Status loads the player's status row.
func (s *Service) Status(ctx context.Context, playerID string) (*models.PlayerStatus, error) {
	var status models.PlayerStatus
	err := s.db.WithContext(ctx).Preload("CurrentMedia").
		First(&status, "player_id = ?", playerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	return &status, nil
}

// SweepStale flags players whose priority instance has gone quiet.
// Advisory only: the marker is never cleared automatically, the operator
// decides whether to reset.
func (s *Service) SweepStale(ctx context.Context, staleAfter time.Duration) error {
	cutoff := time.Now().UTC().Add(-staleAfter)

	var stale []models.PlayerStatus
	err := s.db.WithContext(ctx).
		Joins("JOIN players ON players.id = player_statuses.player_id").
		Where("players.priority_instance_id IS NOT NULL AND player_statuses.last_seen_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("load stale statuses: %w", err)
	}

	for _, status := range stale {
		s.logger.Warn().
			Str("player_id", status.PlayerID).
			Time("last_seen", status.LastSeenAt).
			Msg("priority player heartbeat is stale")
		s.bus.Publish(events.EventHeartbeatStale, events.Payload{
			"player_id": status.PlayerID,
			"last_seen": status.LastSeenAt,
		})
	}
	return nil
}

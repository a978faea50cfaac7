/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue implements the per-player ordered queue store. Every
// mutation runs inside a single transaction with the owning player row
// locked, so no two concurrent mutations against the same player's queue
// can interleave partially.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

var (
	// ErrPlayerNotFound indicates the target player is not configured.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrInvalidReference indicates the referenced media item does not exist.
	ErrInvalidReference = errors.New("media item not found")
	// ErrInvalidLane indicates an unknown lane value.
	ErrInvalidLane = errors.New("invalid lane")
	// ErrLaneMismatch indicates a reorder list that does not exactly match
	// the unplayed entries of the target lane. Partial reorders are rejected
	// so no entry can be silently orphaned.
	ErrLaneMismatch = errors.New("entry list does not match lane contents")
	// ErrEntryNotFound indicates the entry is absent or already consumed.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// laneOrder sorts the priority lane ahead of normal, then by position.
const laneOrder = "CASE WHEN lane = 'priority' THEN 0 ELSE 1 END, position"

// Service is the queue store.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a queue service.
func New(database *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     database,
		logger: logger.With().Str("component", "queue").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// lockPlayer loads the player row under a row lock where the backend
// supports one. SQLite has a single writer per database, which already
// serializes transactions, and rejects FOR UPDATE syntax.
func lockPlayer(tx *gorm.DB, playerID string) (*models.Player, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var player models.Player
	if err := q.First(&player, "id = ?", playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("lock player: %w", err)
	}
	return &player, nil
}

// Enqueue appends an entry at the end of the target lane's ordering and
// returns it. The entry's position is one greater than the current maximum
// among unplayed entries of that lane.
func (s *Service) Enqueue(ctx context.Context, playerID, mediaItemID string, lane models.Lane, requestedBy string, sessionID *string) (*models.QueueEntry, error) {
	if !lane.Valid() {
		return nil, ErrInvalidLane
	}

	var entry *models.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = EnqueueInTx(tx, playerID, mediaItemID, lane, requestedBy, sessionID)
		return txErr
	})
	if err != nil {
		telemetry.QueueOperationsTotal.WithLabelValues("enqueue", "error").Inc()
		return nil, err
	}

	telemetry.QueueOperationsTotal.WithLabelValues("enqueue", "ok").Inc()
	s.logger.Debug().
		Str("player_id", playerID).
		Str("entry_id", entry.ID).
		Str("lane", string(lane)).
		Int("position", entry.Position).
		Msg("entry enqueued")
	return entry, nil
}

// EnqueueInTx appends an entry inside an existing transaction. The kiosk
// request path composes this with its conditional credit debit so the two
// mutations commit or roll back together.
func EnqueueInTx(tx *gorm.DB, playerID, mediaItemID string, lane models.Lane, requestedBy string, sessionID *string) (*models.QueueEntry, error) {
	if !lane.Valid() {
		return nil, ErrInvalidLane
	}

	if _, err := lockPlayer(tx, playerID); err != nil {
		return nil, err
	}

	var media models.MediaItem
	if err := tx.First(&media, "id = ?", mediaItemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidReference
		}
		return nil, fmt.Errorf("load media: %w", err)
	}

	var maxPos int
	row := tx.Model(&models.QueueEntry{}).
		Select("COALESCE(MAX(position), 0)").
		Where("player_id = ? AND lane = ? AND consumed_at IS NULL", playerID, lane)
	if err := row.Scan(&maxPos).Error; err != nil {
		return nil, fmt.Errorf("max position: %w", err)
	}

	entry := &models.QueueEntry{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		MediaItemID: media.ID,
		Lane:        lane,
		Position:    maxPos + 1,
		RequestedBy: requestedBy,
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	entry.MediaItem = media
	return entry, nil
}

// Reorder replaces the position values of the lane's unplayed entries with
// the order given. The id list must name exactly the unplayed entries of
// that player and lane; anything else fails with ErrLaneMismatch.
func (s *Service) Reorder(ctx context.Context, playerID string, lane models.Lane, orderedIDs []string) error {
	if !lane.Valid() {
		return ErrInvalidLane
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockPlayer(tx, playerID); err != nil {
			return err
		}
		return applyOrder(tx, playerID, lane, orderedIDs)
	})
	if err != nil {
		telemetry.QueueOperationsTotal.WithLabelValues("reorder", "error").Inc()
		return err
	}
	telemetry.QueueOperationsTotal.WithLabelValues("reorder", "ok").Inc()
	return nil
}

// applyOrder is the single position-rewrite path shared by Reorder and
// Shuffle. Runs inside the caller's transaction.
func applyOrder(tx *gorm.DB, playerID string, lane models.Lane, orderedIDs []string) error {
	var current []models.QueueEntry
	if err := tx.Where("player_id = ? AND lane = ? AND consumed_at IS NULL", playerID, lane).
		Find(&current).Error; err != nil {
		return fmt.Errorf("load lane: %w", err)
	}

	if len(orderedIDs) != len(current) {
		return ErrLaneMismatch
	}
	pending := make(map[string]struct{}, len(current))
	for _, e := range current {
		pending[e.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := pending[id]; !ok {
			return ErrLaneMismatch
		}
		if _, dup := seen[id]; dup {
			return ErrLaneMismatch
		}
		seen[id] = struct{}{}
	}

	for i, id := range orderedIDs {
		if err := tx.Model(&models.QueueEntry{}).
			Where("id = ?", id).
			Update("position", i+1).Error; err != nil {
			return fmt.Errorf("rewrite position: %w", err)
		}
	}
	return nil
}

// Shuffle applies a uniform random permutation to the lane's unplayed
// entries through the same rewrite path as Reorder.
func (s *Service) Shuffle(ctx context.Context, playerID string, lane models.Lane) error {
	if !lane.Valid() {
		return ErrInvalidLane
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockPlayer(tx, playerID); err != nil {
			return err
		}

		var ids []string
		if err := tx.Model(&models.QueueEntry{}).
			Where("player_id = ? AND lane = ? AND consumed_at IS NULL", playerID, lane).
			Order("position").
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("load lane ids: %w", err)
		}
		if len(ids) < 2 {
			return nil
		}

		s.rngMu.Lock()
		perm := s.rng.Perm(len(ids))
		s.rngMu.Unlock()

		shuffled := make([]string, len(ids))
		for i, j := range perm {
			shuffled[i] = ids[j]
		}
		return applyOrder(tx, playerID, lane, shuffled)
	})
	if err != nil {
		telemetry.QueueOperationsTotal.WithLabelValues("shuffle", "error").Inc()
		return err
	}
	telemetry.QueueOperationsTotal.WithLabelValues("shuffle", "ok").Inc()
	return nil
}

// Remove deletes one unplayed entry. Position gaps left behind are fine;
// read paths order by relative position only.
func (s *Service) Remove(ctx context.Context, playerID, entryID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockPlayer(tx, playerID); err != nil {
			return err
		}
		res := tx.Where("id = ? AND player_id = ? AND consumed_at IS NULL", entryID, playerID).
			Delete(&models.QueueEntry{})
		if res.Error != nil {
			return fmt.Errorf("delete entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrEntryNotFound
		}
		return nil
	})
	if err != nil {
		telemetry.QueueOperationsTotal.WithLabelValues("remove", "error").Inc()
		return err
	}
	telemetry.QueueOperationsTotal.WithLabelValues("remove", "ok").Inc()
	return nil
}

// Clear removes all unplayed entries, optionally scoped to one lane.
// Consumed entries are retained for history.
func (s *Service) Clear(ctx context.Context, playerID string, lane *models.Lane) error {
	if lane != nil && !lane.Valid() {
		return ErrInvalidLane
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockPlayer(tx, playerID); err != nil {
			return err
		}
		q := tx.Where("player_id = ? AND consumed_at IS NULL", playerID)
		if lane != nil {
			q = q.Where("lane = ?", *lane)
		}
		if err := q.Delete(&models.QueueEntry{}).Error; err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		return nil
	})
	if err != nil {
		telemetry.QueueOperationsTotal.WithLabelValues("clear", "error").Inc()
		return err
	}
	telemetry.QueueOperationsTotal.WithLabelValues("clear", "ok").Inc()
	return nil
}

// Pending returns the player's unplayed entries in play order: priority lane
// first, then normal, each by ascending position.
func (s *Service) Pending(ctx context.Context, playerID string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Preload("MediaItem").
		Where("player_id = ? AND consumed_at IS NULL", playerID).
		Order(laneOrder).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	return entries, nil
}

// History returns consumed entries, most recent first.
func (s *Service) History(ctx context.Context, playerID string, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Preload("MediaItem").
		Where("player_id = ? AND consumed_at IS NOT NULL", playerID).
		Order("consumed_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package election decides which playback instance holds the priority
// marker for a player. The marker is the single source of truth for who may
// advance the queue; it is only ever written through conditional updates
// keyed on the previously read value, never through a blind read-then-write.
package election

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

var (
	// ErrPlayerNotFound indicates the target player is not configured.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrConflict indicates the conditional marker update lost its race and
	// retries were exhausted. Callers may re-register from scratch.
	ErrConflict = errors.New("election marker conflict")
)

// Outcome is the result of a registration attempt.
type Outcome string

const (
	// OutcomeElected: no marker was held and nothing was playing; the
	// registering instance is now the priority player.
	OutcomeElected Outcome = "elected"
	// OutcomeDeferred: another instance holds the marker or some player is
	// mid-playback; the registrant runs as a non-authoritative slave.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRestored: the registrant presented the remembered identity that
	// matches the current marker; its new instance id replaces the stale one.
	OutcomeRestored Outcome = "restored"
)

const registerAttempts = 3

// Service runs the priority election.
type Service struct {
	db     *gorm.DB
	bus    events.PubSub
	logger zerolog.Logger
}

// New creates an election service.
func New(database *gorm.DB, bus events.PubSub, logger zerolog.Logger) *Service {
	return &Service{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "election").Logger(),
	}
}

// Register decides the role of a playback instance connecting to a player.
// A lost conditional update re-runs the read-decide-write sequence from
// scratch; the stale read is never reused.
func (s *Service) Register(ctx context.Context, playerID, instanceID, rememberedID string) (Outcome, error) {
	if instanceID == "" {
		return "", fmt.Errorf("instance id is required")
	}

	for attempt := 0; attempt < registerAttempts; attempt++ {
		outcome, retry, err := s.tryRegister(ctx, playerID, instanceID, rememberedID)
		if err != nil {
			return "", err
		}
		if retry {
			continue
		}

		telemetry.ElectionOutcomesTotal.WithLabelValues(string(outcome)).Inc()
		s.logger.Info().
			Str("player_id", playerID).
			Str("instance_id", instanceID).
			Str("outcome", string(outcome)).
			Msg("playback instance registered")

		switch outcome {
		case OutcomeElected:
			s.bus.Publish(events.EventPriorityElected, events.Payload{"player_id": playerID, "instance_id": instanceID})
		case OutcomeRestored:
			s.bus.Publish(events.EventPriorityRestored, events.Payload{"player_id": playerID, "instance_id": instanceID})
		}
		return outcome, nil
	}

	return "", ErrConflict
}

// tryRegister performs one read-decide-write pass. retry is true when the
// conditional write lost a race and the whole sequence must start over.
func (s *Service) tryRegister(ctx context.Context, playerID, instanceID, rememberedID string) (Outcome, bool, error) {
	var player models.Player
	if err := s.db.WithContext(ctx).First(&player, "id = ?", playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, ErrPlayerNotFound
		}
		return "", false, fmt.Errorf("load player: %w", err)
	}

	// Crash recovery: the registrant remembers being the priority instance
	// and the stored marker agrees. Overwrite the stale marker with the new
	// instance id, conditional on the marker still being the remembered one.
	if rememberedID != "" && player.PriorityInstanceID != nil && *player.PriorityInstanceID == rememberedID {
		res := s.db.WithContext(ctx).Model(&models.Player{}).
			Where("id = ? AND priority_instance_id = ?", playerID, rememberedID).
			Update("priority_instance_id", instanceID)
		if res.Error != nil {
			return "", false, fmt.Errorf("restore marker: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return "", true, nil
		}
		return OutcomeRestored, false, nil
	}

	if player.PriorityInstanceID != nil {
		return OutcomeDeferred, false, nil
	}

	var playing int64
	if err := s.db.WithContext(ctx).Model(&models.PlayerStatus{}).
		Where("state = ?", models.StatePlaying).
		Count(&playing).Error; err != nil {
		return "", false, fmt.Errorf("count playing: %w", err)
	}
	if playing > 0 {
		return OutcomeDeferred, false, nil
	}

	res := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("id = ? AND priority_instance_id IS NULL", playerID).
		Update("priority_instance_id", instanceID)
	if res.Error != nil {
		return "", false, fmt.Errorf("set marker: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another registrant won between our read and write. Re-reading
		// will observe its marker and defer.
		return "", true, nil
	}
	return OutcomeElected, false, nil
}

// Reset unconditionally clears the player's priority marker. Manual
// recovery path for the operator console.
func (s *Service) Reset(ctx context.Context, playerID string) error {
	var player models.Player
	if err := s.db.WithContext(ctx).First(&player, "id = ?", playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPlayerNotFound
		}
		return fmt.Errorf("load player: %w", err)
	}

	// MySQL reports zero affected rows for a no-op update, so the outcome
	// of the write is not checked here; clearing an already-clear marker is
	// a success.
	if err := s.db.WithContext(ctx).Model(&models.Player{}).
		Where("id = ?", playerID).
		Update("priority_instance_id", nil).Error; err != nil {
		return fmt.Errorf("reset marker: %w", err)
	}

	s.logger.Info().Str("player_id", playerID).Msg("priority marker reset")
	s.bus.Publish(events.EventPriorityReset, events.Payload{"player_id": playerID})
	return nil
}

// Holder returns the current priority instance id, or "" when unheld.
func (s *Service) Holder(ctx context.Context, playerID string) (string, error) {
	var player models.Player
	if err := s.db.WithContext(ctx).First(&player, "id = ?", playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrPlayerNotFound
		}
		return "", fmt.Errorf("load player: %w", err)
	}
	if player.PriorityInstanceID == nil {
		return "", nil
	}
	return *player.PriorityInstanceID, nil
}

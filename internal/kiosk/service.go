/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package kiosk implements public request terminals: ephemeral sessions
// with a credit balance, and the credit-gated enqueue. The debit is a
// single conditional decrement; two requests racing over the last credit
// yield exactly one success.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/queue"
	"github.com/SystemVirtue/obie-v5-sub001/internal/telemetry"
)

var (
	// ErrSessionNotFound indicates an absent kiosk session; kiosks should
	// re-initialize rather than show a form error.
	ErrSessionNotFound = errors.New("kiosk session not found")
	// ErrPlayerNotFound indicates the target player is not configured.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrInsufficientCredits indicates the balance cannot cover one song.
	// The balance is untouched and nothing was enqueued.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount rejects non-positive credit amounts.
	ErrInvalidAmount = errors.New("amount must be a positive integer")
	// ErrSessionExpired indicates the session outlived its TTL. Remaining
	// credits are forfeit; kiosks start a fresh session.
	ErrSessionExpired = errors.New("kiosk session expired")
)

// DefaultSessionTTL bounds how long an idle kiosk session stays usable.
const DefaultSessionTTL = 2 * time.Hour

// Policy carries the server-wide kiosk defaults; a player row may override
// cost and free-play.
type Policy struct {
	CreditCost int
	FreePlay   bool
	SessionTTL time.Duration
}

// Service manages kiosk sessions and the credit-gated request path.
type Service struct {
	db     *gorm.DB
	policy Policy
	logger zerolog.Logger
}

// New creates a kiosk service.
func New(database *gorm.DB, policy Policy, logger zerolog.Logger) *Service {
	if policy.CreditCost <= 0 {
		policy.CreditCost = 1
	}
	if policy.SessionTTL <= 0 {
		policy.SessionTTL = DefaultSessionTTL
	}
	return &Service{
		db:     database,
		policy: policy,
		logger: logger.With().Str("component", "kiosk").Logger(),
	}
}

// StartSession creates a session bound to a configured player.
func (s *Service) StartSession(ctx context.Context, playerID string) (*models.KioskSession, error) {
	var player models.Player
	if err := s.db.WithContext(ctx).First(&player, "id = ?", playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("load player: %w", err)
	}

	now := time.Now().UTC()
	session := &models.KioskSession{
		ID:        uuid.New().String(),
		PlayerID:  player.ID,
		Credits:   0,
		ExpiresAt: now.Add(s.policy.SessionTTL),
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info().Str("session_id", session.ID).Str("player_id", playerID).Msg("kiosk session started")
	return session, nil
}

// AddCredit atomically increments the session balance and returns the new
// balance.
func (s *Service) AddCredit(ctx context.Context, sessionID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadLiveSession(tx, sessionID); err != nil {
			return err
		}

		res := tx.Model(&models.KioskSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"credits":    gorm.Expr("credits + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("add credit: %w", res.Error)
		}

		var session models.KioskSession
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			return fmt.Errorf("reload session: %w", err)
		}
		balance = session.Credits
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().Str("session_id", sessionID).Int("amount", amount).Int("balance", balance).Msg("credits added")
	return balance, nil
}

// Balance returns the session's current credit balance.
func (s *Service) Balance(ctx context.Context, sessionID string) (int, error) {
	session, err := loadLiveSession(s.db.WithContext(ctx), sessionID)
	if err != nil {
		return 0, err
	}
	return session.Credits, nil
}

// Session loads a live session. Expired sessions surface as
// ErrSessionExpired, absent ones as ErrSessionNotFound.
func (s *Service) Session(ctx context.Context, sessionID string) (*models.KioskSession, error) {
	return loadLiveSession(s.db.WithContext(ctx), sessionID)
}

// loadLiveSession fetches a session and rejects expired ones.
func loadLiveSession(tx *gorm.DB, sessionID string) (*models.KioskSession, error) {
	var session models.KioskSession
	if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return &session, nil
}

// RequestSong debits the session and inserts a priority-lane entry for the
// already-resolved media item, as one indivisible transaction. Free-play
// players skip the debit. On any failure the whole operation rolls back;
// there is no partial debit and no orphaned entry.
func (s *Service) RequestSong(ctx context.Context, sessionID, mediaItemID string) (*models.QueueEntry, error) {
	var entry *models.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := loadLiveSession(tx, sessionID)
		if err != nil {
			return err
		}

		var player models.Player
		if err := tx.First(&player, "id = ?", session.PlayerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlayerNotFound
			}
			return fmt.Errorf("load player: %w", err)
		}

		freePlay := s.policy.FreePlay || player.FreePlay
		if !freePlay {
			cost := player.CreditCost
			if cost <= 0 {
				cost = s.policy.CreditCost
			}

			// The guard rides in the WHERE clause, not in application
			// code, so a concurrent spend of the same credit loses here
			// instead of double debiting.
			res := tx.Model(&models.KioskSession{}).
				Where("id = ? AND credits >= ?", sessionID, cost).
				Updates(map[string]any{
					"credits":    gorm.Expr("credits - ?", cost),
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return fmt.Errorf("debit credits: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrInsufficientCredits
			}
		}

		sid := session.ID
		created, err := queue.EnqueueInTx(tx, session.PlayerID, mediaItemID, models.LanePriority, "kiosk", &sid)
		if err != nil {
			return err
		}
		entry = created
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			telemetry.CreditDebitsTotal.WithLabelValues("insufficient").Inc()
		} else {
			telemetry.CreditDebitsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	telemetry.CreditDebitsTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("session_id", sessionID).
		Str("entry_id", entry.ID).
		Msg("kiosk request enqueued")
	return entry, nil
}

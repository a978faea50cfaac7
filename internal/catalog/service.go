/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog maintains the media item library. Items are deduplicated
// by their (source_type, source_id) identity, so resolving the same video
// twice yields the same row and queue entries can share references.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

var (
	// ErrItemNotFound indicates no media item with the given id exists.
	ErrItemNotFound = errors.New("media item not found")
	// ErrInvalidDescriptor rejects descriptors missing their source identity.
	ErrInvalidDescriptor = errors.New("descriptor missing source type or id")
	// ErrUpstream wraps resolver failures. Callers see one opaque category;
	// the underlying cause is logged server side.
	ErrUpstream = errors.New("upstream resolver failure")
	// ErrItemReferenced blocks deletion while queue or status rows still
	// point at the item.
	ErrItemReferenced = errors.New("media item still referenced")
)

// Descriptor is a resolver's view of one playable item, before it has a
// library row.
type Descriptor struct {
	SourceType   string
	SourceID     string
	Title        string
	Artist       string
	URL          string
	DurationSec  int
	ThumbnailURL string
}

// Resolver turns free-text queries or pasted URLs into descriptors.
// Implementations talk to an external service; errors they return are
// surfaced to callers wrapped in ErrUpstream.
type Resolver interface {
	// Search returns up to limit candidates for a free-text query.
	Search(ctx context.Context, query string, limit int) ([]Descriptor, error)
	// ResolveURL resolves a pasted link to a single descriptor.
	ResolveURL(ctx context.Context, rawURL string) (*Descriptor, error)
}

// Service is the media library.
type Service struct {
	db       *gorm.DB
	resolver Resolver
	logger   zerolog.Logger
}

// New creates a catalog service. resolver may be nil; URL and search
// operations then fail with ErrUpstream.
func New(database *gorm.DB, resolver Resolver, logger zerolog.Logger) *Service {
	return &Service{
		db:       database,
		resolver: resolver,
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
}

// Get returns a media item by library id.
func (s *Service) Get(ctx context.Context, id string) (*models.MediaItem, error) {
	var item models.MediaItem
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load media item: %w", err)
	}
	return &item, nil
}

// Ensure upserts a descriptor into the library and returns the canonical
// row. Repeated calls with the same (source_type, source_id) return the
// same item, with metadata refreshed from the latest descriptor.
func (s *Service) Ensure(ctx context.Context, desc Descriptor) (*models.MediaItem, error) {
	desc.SourceType = strings.TrimSpace(strings.ToLower(desc.SourceType))
	desc.SourceID = strings.TrimSpace(desc.SourceID)
	if desc.SourceType == "" || desc.SourceID == "" {
		return nil, ErrInvalidDescriptor
	}

	now := time.Now().UTC()
	item := models.MediaItem{
		ID:           uuid.New().String(),
		SourceType:   desc.SourceType,
		SourceID:     desc.SourceID,
		Title:        desc.Title,
		Artist:       desc.Artist,
		URL:          desc.URL,
		DurationSec:  desc.DurationSec,
		ThumbnailURL: desc.ThumbnailURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "artist", "url", "duration_sec", "thumbnail_url", "updated_at",
		}),
	}).Create(&item).Error
	if err != nil {
		return nil, fmt.Errorf("upsert media item: %w", err)
	}

	// The upsert keeps the original row id on conflict; reload so callers
	// always hold the canonical one.
	var canonical models.MediaItem
	err = s.db.WithContext(ctx).
		First(&canonical, "source_type = ? AND source_id = ?", desc.SourceType, desc.SourceID).Error
	if err != nil {
		return nil, fmt.Errorf("reload media item: %w", err)
	}
	return &canonical, nil
}

// Search runs the resolver and deduplicates each candidate into the
// library, returning library rows ready to enqueue.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.MediaItem, error) {
	if s.resolver == nil {
		return nil, ErrUpstream
	}
	if limit <= 0 || limit > 25 {
		limit = 10
	}

	descs, err := s.resolver.Search(ctx, query, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("resolver search failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	items := make([]models.MediaItem, 0, len(descs))
	for _, desc := range descs {
		item, err := s.Ensure(ctx, desc)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

// EnsureURL resolves a pasted link and upserts the result.
func (s *Service) EnsureURL(ctx context.Context, rawURL string) (*models.MediaItem, error) {
	if s.resolver == nil {
		return nil, ErrUpstream
	}

	desc, err := s.resolver.ResolveURL(ctx, rawURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", rawURL).Msg("resolver lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return s.Ensure(ctx, *desc)
}

// Delete removes an item from the library. Queue entries (pending or
// history) and a player's current-media pointer both count as references;
// the row stays until nothing points at it.
func (s *Service) Delete(ctx context.Context, itemID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs int64
		if err := tx.Model(&models.QueueEntry{}).
			Where("media_item_id = ?", itemID).
			Count(&refs).Error; err != nil {
			return fmt.Errorf("count queue references: %w", err)
		}
		if refs == 0 {
			if err := tx.Model(&models.PlayerStatus{}).
				Where("current_media_id = ?", itemID).
				Count(&refs).Error; err != nil {
				return fmt.Errorf("count status references: %w", err)
			}
		}
		if refs > 0 {
			return ErrItemReferenced
		}

		res := tx.Delete(&models.MediaItem{}, "id = ?", itemID)
		if res.Error != nil {
			return fmt.Errorf("delete item: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrItemNotFound
		}
		return nil
	})
}

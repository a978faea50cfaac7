/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the coordination core over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/auth"
	"github.com/SystemVirtue/obie-v5-sub001/internal/catalog"
	"github.com/SystemVirtue/obie-v5-sub001/internal/election"
	"github.com/SystemVirtue/obie-v5-sub001/internal/eventbus"
	"github.com/SystemVirtue/obie-v5-sub001/internal/kiosk"
	"github.com/SystemVirtue/obie-v5-sub001/internal/nowplaying"
	"github.com/SystemVirtue/obie-v5-sub001/internal/playback"
	"github.com/SystemVirtue/obie-v5-sub001/internal/queue"
)

const tokenTTL = 12 * time.Hour

// API exposes HTTP handlers.
type API struct {
	db         *gorm.DB
	jwtSecret  []byte
	queue      *queue.Service
	election   *election.Service
	playback   *playback.Service
	kiosk      *kiosk.Service
	catalog    *catalog.Service
	nowplaying *nowplaying.Service
	bus        eventbus.Bus
	logger     zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, queueSvc *queue.Service, electionSvc *election.Service, playbackSvc *playback.Service, kioskSvc *kiosk.Service, catalogSvc *catalog.Service, nowplayingSvc *nowplaying.Service, bus eventbus.Bus, logger zerolog.Logger) *API {
	return &API{
		db:         db,
		jwtSecret:  jwtSecret,
		queue:      queueSvc,
		election:   electionSvc,
		playback:   playbackSvc,
		kiosk:      kioskSvc,
		catalog:    catalogSvc,
		nowplaying: nowplayingSvc,
		bus:        bus,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all API routes on the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.db, a.jwtSecret))

			pr.Get("/events", a.handleEvents)
			pr.Get("/players", a.handlePlayersList)
			pr.Get("/catalog/search", a.handleCatalogSearch)
			pr.With(auth.RequireAdmin).Delete("/catalog/{mediaID}", a.handleCatalogDelete)

			pr.Route("/players/{playerID}", func(r chi.Router) {
				r.Get("/queue", a.handleQueueList)
				r.Get("/history", a.handleHistory)
				r.Get("/now-playing", a.handleNowPlaying)

				// Console mutations.
				r.Group(func(ar chi.Router) {
					ar.Use(auth.RequireAdmin)
					ar.Post("/queue", a.handleAdminEnqueue)
					ar.Put("/queue/order", a.handleReorder)
					ar.Post("/queue/shuffle", a.handleShuffle)
					ar.Delete("/queue/{entryID}", a.handleRemove)
					ar.Delete("/queue", a.handleClear)
					ar.Post("/priority/reset", a.handlePriorityReset)
				})

				// Playback instance operations, authenticated by the
				// player's API key.
				r.Group(func(plr chi.Router) {
					plr.Use(auth.RequirePlayer)
					plr.Post("/register", a.handleRegister)
					plr.Post("/status", a.handleReportStatus)
					plr.Post("/advance", a.handleAdvance)
				})
			})

			pr.Route("/sessions", func(r chi.Router) {
				r.Use(auth.RequirePlayer)
				r.Post("/", a.handleSessionStart)
				r.Post("/{sessionID}/credits", a.handleAddCredit)
				r.Post("/{sessionID}/requests", a.handleSessionRequest)
				r.Get("/{sessionID}", a.handleSessionBalance)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	claims, err := auth.Authenticate(a.db, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		a.writeServiceError(w, r, err)
		return
	}

	token, err := auth.Issue(a.jwtSecret, *claims, tokenTTL)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// playerID returns the path player id after checking that player
// credentials only act on their own player.
func (a *API) playerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "playerID")
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.PlayerID != "" && claims.PlayerID != id {
		writeError(w, http.StatusForbidden, "player_mismatch")
		return "", false
	}
	return id, true
}

// writeServiceError maps service sentinels onto HTTP statuses following
// the taxonomy: validation 400, authorization 403, conflict 409, absent
// resource 404, upstream 502, anything else 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidLane),
		errors.Is(err, playback.ErrInvalidState),
		errors.Is(err, playback.ErrInvalidProgress),
		errors.Is(err, playback.ErrInvalidCause),
		errors.Is(err, kiosk.ErrInvalidAmount),
		errors.Is(err, catalog.ErrInvalidDescriptor):
		writeError(w, http.StatusBadRequest, "validation_failed")
	case errors.Is(err, playback.ErrNotPriorityPlayer):
		a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected non-priority advance")
		writeError(w, http.StatusForbidden, "not_priority_player")
	case errors.Is(err, queue.ErrLaneMismatch):
		writeError(w, http.StatusConflict, "lane_mismatch")
	case errors.Is(err, election.ErrConflict):
		writeError(w, http.StatusConflict, "election_conflict")
	case errors.Is(err, catalog.ErrItemReferenced):
		writeError(w, http.StatusConflict, "media_referenced")
	case errors.Is(err, playback.ErrSkipNotIdle):
		writeError(w, http.StatusConflict, "skip_not_idle")
	case errors.Is(err, kiosk.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient_credits")
	case errors.Is(err, queue.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, "invalid_reference")
	case errors.Is(err, queue.ErrPlayerNotFound),
		errors.Is(err, playback.ErrPlayerNotFound),
		errors.Is(err, election.ErrPlayerNotFound),
		errors.Is(err, kiosk.ErrPlayerNotFound),
		errors.Is(err, nowplaying.ErrPlayerNotFound):
		writeError(w, http.StatusNotFound, "player_not_found")
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found")
	case errors.Is(err, playback.ErrStatusNotFound):
		writeError(w, http.StatusNotFound, "status_not_found")
	case errors.Is(err, kiosk.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, kiosk.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired")
	case errors.Is(err, catalog.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "media_not_found")
	case errors.Is(err, catalog.ErrUpstream):
		writeError(w, http.StatusBadGateway, "upstream_failure")
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

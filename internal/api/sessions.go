/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SystemVirtue/obie-v5-sub001/internal/auth"
)

type sessionStartRequest struct {
	PlayerID string `json:"player_id"`
}

func (a *API) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	// A kiosk authenticates with its player's key and can only open
	// sessions against that player.
	claims, _ := auth.ClaimsFromContext(r.Context())
	if req.PlayerID == "" {
		req.PlayerID = claims.PlayerID
	}
	if req.PlayerID != claims.PlayerID {
		writeError(w, http.StatusForbidden, "player_mismatch")
		return
	}

	session, err := a.kiosk.StartSession(r.Context(), req.PlayerID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// sessionID returns the path session id after checking that the session
// belongs to the caller's player. One kiosk must not spend another
// player's session credits.
func (a *API) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionID")
	session, err := a.kiosk.Session(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return "", false
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.PlayerID != "" && claims.PlayerID != session.PlayerID {
		writeError(w, http.StatusForbidden, "player_mismatch")
		return "", false
	}
	return id, true
}

type addCreditRequest struct {
	Amount int `json:"amount"`
}

func (a *API) handleAddCredit(w http.ResponseWriter, r *http.Request) {
	var req addCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	balance, err := a.kiosk.AddCredit(r.Context(), sessionID, req.Amount)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

type sessionRequestBody struct {
	MediaID   string `json:"media_id"`
	SourceURL string `json:"source_url"`
}

func (a *API) handleSessionRequest(w http.ResponseWriter, r *http.Request) {
	var req sessionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	mediaID := req.MediaID
	if mediaID == "" && req.SourceURL != "" {
		item, err := a.catalog.EnsureURL(r.Context(), req.SourceURL)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		mediaID = item.ID
	}
	if mediaID == "" {
		writeError(w, http.StatusBadRequest, "missing_media")
		return
	}

	entry, err := a.kiosk.RequestSong(r.Context(), sessionID, mediaID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleSessionBalance(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.sessionID(w, r)
	if !ok {
		return
	}

	balance, err := a.kiosk.Balance(r.Context(), sessionID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

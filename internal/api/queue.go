/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/SystemVirtue/obie-v5-sub001/internal/auth"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

func (a *API) handlePlayersList(w http.ResponseWriter, r *http.Request) {
	var players []models.Player
	if err := a.db.WithContext(r.Context()).Order("name").Find(&players).Error; err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	// API keys never leave the server.
	for i := range players {
		players[i].APIKey = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": players})
}

func (a *API) handleQueueList(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	entries, err := a.queue.Pending(r.Context(), playerID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.queue.History(r.Context(), playerID, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	snap, err := a.nowplaying.Snapshot(playerID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type adminEnqueueRequest struct {
	MediaID   string `json:"media_id"`
	SourceURL string `json:"source_url"`
	Lane      string `json:"lane"`
}

func (a *API) handleAdminEnqueue(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req adminEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
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

	requestedBy := "console"
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.UserID != "" {
		requestedBy = claims.UserID
	}

	entry, err := a.queue.Enqueue(r.Context(), playerID, mediaID, models.Lane(req.Lane), requestedBy, nil)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type reorderRequest struct {
	Lane     string   `json:"lane"`
	EntryIDs []string `json:"entry_ids"`
}

func (a *API) handleReorder(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := a.queue.Reorder(r.Context(), playerID, models.Lane(req.Lane), req.EntryIDs); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

type shuffleRequest struct {
	Lane string `json:"lane"`
}

func (a *API) handleShuffle(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req shuffleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := a.queue.Shuffle(r.Context(), playerID, models.Lane(req.Lane)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shuffled"})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	if err := a.queue.Remove(r.Context(), playerID, chi.URLParam(r, "entryID")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var lane *models.Lane
	if raw := r.URL.Query().Get("lane"); raw != "" {
		l := models.Lane(raw)
		lane = &l
	}

	if err := a.queue.Clear(r.Context(), playerID, lane); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *API) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := a.catalog.Search(r.Context(), query, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCatalogDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.Delete(r.Context(), chi.URLParam(r, "mediaID")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

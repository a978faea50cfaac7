/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/playback"
)

type registerRequest struct {
	InstanceID   string `json:"instance_id"`
	RememberedID string `json:"remembered_id"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "missing_instance_id")
		return
	}

	outcome, err := a.election.Register(r.Context(), playerID, req.InstanceID, req.RememberedID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (a *API) handlePriorityReset(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	if err := a.election.Reset(r.Context(), playerID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type statusRequest struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	MediaID  *string `json:"media_id"`
}

func (a *API) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	err := a.playback.ReportStatus(r.Context(), playerID, models.PlayerState(req.State), req.Progress, req.MediaID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type advanceRequest struct {
	InstanceID string `json:"instance_id"`
	Cause      string `json:"cause"`
}

// handleAdvance pops the next entry. The response always carries a
// singular entry field; null means the queue is empty and the player
// parked idle.
func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	playerID, ok := a.playerID(w, r)
	if !ok {
		return
	}

	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "missing_instance_id")
		return
	}

	entry, err := a.playback.Advance(r.Context(), playerID, req.InstanceID, playback.Cause(req.Cause))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

package api

import (
	"net/http"
	"time"

	"github.com/ranis765/file-monitoring-system/services/sessions"
)

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string     `json:"username"`
		FilePath   string     `json:"file_path"`
		HashBefore string     `json:"hash_before"`
		Timestamp  *time.Time `json:"timestamp"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ref, err := a.svc.StartOrResume(r.Context(), sessions.StartRequest{
		Username:   req.Username,
		FilePath:   req.FilePath,
		At:         timestampOrZero(req.Timestamp),
		HashBefore: req.HashBefore,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if ref.Resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, ref)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Hash      string     `json:"hash"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.svc.Heartbeat(r.Context(), id, timestampOrZero(req.Timestamp), req.Hash); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		HashAfter string     `json:"hash_after"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.svc.Close(r.Context(), id, timestampOrZero(req.Timestamp), req.HashAfter)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active, err := boolQuery(r, "active")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	items, err := a.svc.ListSessions(r.Context(), sessions.SessionFilter{
		Active:   active,
		Username: r.URL.Query().Get("username"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []sessions.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (a *API) handleSessionDetails(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	details, err := a.svc.Details(r.Context(), id)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, details)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.svc.Delete(r.Context(), id); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeHours *float64 `json:"max_age_hours"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	maxAge := a.config.ReclaimMaxAge
	if req.MaxAgeHours != nil {
		d, err := sessions.MaxAgeFromHours(*req.MaxAgeHours)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		maxAge = d
	}

	count, err := a.svc.ReclaimStale(r.Context(), maxAge)
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"reclaimed":       count,
		"max_age_seconds": int64(maxAge / time.Second),
	})
}

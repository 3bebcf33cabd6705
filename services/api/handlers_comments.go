package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ranis765/file-monitoring-system/services/sessions"
)

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  uuid.UUID `json:"session_id"`
		Username   string    `json:"username"`
		Content    string    `json:"content"`
		ChangeType string    `json:"change_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	comment, err := a.svc.AddComment(r.Context(), sessions.CommentRequest{
		SessionID:  req.SessionID,
		Author:     req.Username,
		Content:    req.Content,
		ChangeType: req.ChangeType,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"comment": comment})
}

func (a *API) handleListComments(w http.ResponseWriter, r *http.Request) {
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

	comments, err := a.svc.Comments(r.Context(), sessions.CommentFilter{
		ChangeType: r.URL.Query().Get("change_type"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if comments == nil {
		comments = []sessions.Comment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (a *API) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuidParam(r, "session_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.svc.DeleteComment(r.Context(), sessionID); err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangeTypes(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"change_types": sessions.ChangeTypes()})
}

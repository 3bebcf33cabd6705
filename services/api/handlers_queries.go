package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ranis765/file-monitoring-system/services/sessions"
)

func (a *API) handleActiveEditors(w http.ResponseWriter, r *http.Request) {
	editors, err := a.svc.ActiveEditors(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if editors == nil {
		editors = []sessions.ActiveEditor{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"editors": editors})
}

func (a *API) handleMultiEditorFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.svc.MultiEditorFiles(r.Context())
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if files == nil {
		files = []sessions.MultiEditorFile{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (a *API) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	history, err := a.svc.UserHistory(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if history.Active == nil {
		history.Active = []sessions.SessionSummary{}
	}
	if history.Recent == nil {
		history.Recent = []sessions.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
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

	days, err := a.svc.ChangeTimeline(r.Context(), sessions.TimelineFilter{
		ChangeType: r.URL.Query().Get("change_type"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		a.respondServiceError(w, r, err)
		return
	}
	if days == nil {
		days = []sessions.TimelineDay{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"days": days})
}

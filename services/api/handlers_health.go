package api

import (
	"errors"
	"net/http"

	"github.com/ranis765/file-monitoring-system/pkg/db"
)

const statsQuery = `
SELECT
    (SELECT COUNT(*) FROM users) AS users,
    (SELECT COUNT(*) FROM files) AS files,
    (SELECT COUNT(*) FROM open_sessions_view) AS open_sessions,
    (SELECT COUNT(*) FROM commented_sessions_view) AS commented_sessions,
    (SELECT COUNT(*) FROM file_sessions WHERE ended_at IS NOT NULL AND NOT is_commented) AS pending_comments
`

const changeTypeStatsQuery = `
SELECT change_type, COUNT(*) AS sessions
FROM commented_sessions_view
GROUP BY change_type
ORDER BY change_type
`

// Stats summarises the derived views.
type Stats struct {
	Users             int64             `json:"users" db:"users"`
	Files             int64             `json:"files" db:"files"`
	OpenSessions      int64             `json:"open_sessions" db:"open_sessions"`
	CommentedSessions int64             `json:"commented_sessions" db:"commented_sessions"`
	PendingComments   int64             `json:"pending_comments" db:"pending_comments"`
	ByChangeType      []ChangeTypeCount `json:"by_change_type" db:"-"`
}

// ChangeTypeCount is the number of commented sessions of one change type.
type ChangeTypeCount struct {
	ChangeType string `json:"change_type" db:"change_type"`
	Sessions   int64  `json:"sessions" db:"sessions"`
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var err error
	if a.store.DB != nil {
		err = db.Ping(ctx, a.store.DB)
	} else {
		sqlDB, dbErr := a.store.ORM.DB()
		if dbErr != nil {
			err = dbErr
		} else {
			err = sqlDB.PingContext(ctx)
		}
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.store.DB == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("stats require a postgres pool"))
		return
	}

	var stats Stats
	if err := db.Get(r.Context(), a.store.DB, &stats, statsQuery); err != nil {
		a.log.Error().Err(err).Msg("load stats")
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err := db.Select(r.Context(), a.store.DB, &stats.ByChangeType, changeTypeStatsQuery); err != nil {
		a.log.Error().Err(err).Msg("load change type stats")
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if stats.ByChangeType == nil {
		stats.ByChangeType = []ChangeTypeCount{}
	}

	respondJSON(w, http.StatusOK, stats)
}

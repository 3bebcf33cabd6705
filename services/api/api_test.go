package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranis765/file-monitoring-system/internal/testutil"
	"github.com/ranis765/file-monitoring-system/services/sessions"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (http.Handler, *testutil.Clock) {
	t.Helper()

	gormDB := testutil.OpenTestDB(t)
	clock := testutil.NewClock(base)
	svc, err := sessions.New(gormDB, nil, zerolog.Nop(), sessions.Options{Clock: clock.Now})
	require.NoError(t, err)

	a, err := New(&Store{ORM: gormDB}, svc, Config{ReclaimMaxAge: 2 * time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	h, err := a.Routes()
	require.NoError(t, err)
	return h, clock
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func startSession(t *testing.T, h http.Handler, username, path string, at time.Time) sessions.SessionRef {
	t.Helper()

	rec := do(t, h, http.MethodPost, "/v1/sessions/start", map[string]any{
		"username":  username,
		"file_path": path,
		"timestamp": at,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return decode[sessions.SessionRef](t, rec)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)

	hash := strings.Repeat("ab", 32)
	rec := do(t, h, http.MethodPost, "/v1/sessions/start", map[string]any{
		"username":    "alice",
		"file_path":   "/srv/app/main.py",
		"hash_before": hash,
		"timestamp":   base,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decode[sessions.SessionRef](t, rec)
	assert.False(t, ref.Resumed)

	again := startSession(t, h, "alice", "/srv/app/main.py", base.Add(time.Minute))
	assert.Equal(t, ref.ID, again.ID)
	assert.True(t, again.Resumed)
	assert.Equal(t, 1, again.ResumeCount)

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/heartbeat", ref.ID), map[string]any{
		"timestamp": base.Add(2 * time.Minute),
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	editors := decode[struct {
		Editors []sessions.ActiveEditor `json:"editors"`
	}](t, do(t, h, http.MethodGet, "/v1/active-editors?path=/srv/**/*.py", nil))
	require.Len(t, editors.Editors, 1)
	assert.Equal(t, "alice", editors.Editors[0].Username)

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/close", ref.ID), map[string]any{
		"timestamp": base.Add(5 * time.Minute),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[struct {
		Session sessions.Session `json:"session"`
	}](t, rec)
	require.NotNil(t, closed.Session.EndedAt)
	assert.True(t, closed.Session.EndedAt.Equal(base.Add(5*time.Minute)))

	rec = do(t, h, http.MethodPost, "/v1/comments", map[string]any{
		"session_id":  ref.ID,
		"username":    "alice",
		"content":     "Tightened input validation",
		"change_type": "bugfix",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/sessions/"+ref.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[sessions.SessionDetails](t, rec)
	assert.True(t, details.IsCommented)
	require.NotNil(t, details.Comment)
	assert.Equal(t, "bugfix", details.Comment.ChangeType)
	require.Len(t, details.Events, 4)
	assert.Equal(t, sessions.EventClose, details.Events[3].Type)

	timeline := decode[struct {
		Days []sessions.TimelineDay `json:"days"`
	}](t, do(t, h, http.MethodGet, "/v1/sessions/comments?change_type=bugfix", nil))
	require.Len(t, timeline.Days, 1)
	assert.Equal(t, "2025-03-10", timeline.Days[0].Day)

	comments := decode[struct {
		Comments []sessions.Comment `json:"comments"`
	}](t, do(t, h, http.MethodGet, "/v1/comments?change_type=bugfix&limit=10", nil))
	require.Len(t, comments.Comments, 1)
	assert.Equal(t, "alice", comments.Comments[0].Username)

	rec = do(t, h, http.MethodDelete, "/v1/comments/"+ref.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/sessions/"+ref.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/sessions/"+ref.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	h, _ := newTestHandler(t)

	open := startSession(t, h, "alice", "/srv/open.py", base)
	rec := do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/heartbeat", open.ID), map[string]any{
		"timestamp": base.Add(2 * time.Minute),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	closed := startSession(t, h, "bob", "/srv/closed.py", base)
	rec = do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/close", closed.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "malformed id", method: http.MethodPost, path: "/v1/sessions/nope/heartbeat", want: http.StatusBadRequest},
		{name: "unknown session", method: http.MethodPost, path: fmt.Sprintf("/v1/sessions/%s/heartbeat", uuid.New()), want: http.StatusNotFound},
		{name: "stale heartbeat", method: http.MethodPost, path: fmt.Sprintf("/v1/sessions/%s/heartbeat", open.ID),
			body: map[string]any{"timestamp": base.Add(time.Minute)}, want: http.StatusConflict},
		{name: "heartbeat after close", method: http.MethodPost, path: fmt.Sprintf("/v1/sessions/%s/heartbeat", closed.ID), want: http.StatusConflict},
		{name: "unknown field", method: http.MethodPost, path: "/v1/sessions/start",
			body: map[string]any{"username": "a", "file_path": "/x", "extra": 1}, want: http.StatusBadRequest},
		{name: "bad hash", method: http.MethodPost, path: "/v1/sessions/start",
			body: map[string]any{"username": "a", "file_path": "/x", "hash_before": "xyz"}, want: http.StatusBadRequest},
		{name: "blank username", method: http.MethodPost, path: "/v1/sessions/start",
			body: map[string]any{"username": " ", "file_path": "/x"}, want: http.StatusBadRequest},
		{name: "comment on open session", method: http.MethodPost, path: "/v1/comments",
			body: map[string]any{"session_id": open.ID, "content": "wip", "change_type": "feature"}, want: http.StatusConflict},
		{name: "invalid change type", method: http.MethodPost, path: "/v1/comments",
			body: map[string]any{"session_id": closed.ID, "content": "x", "change_type": "chore"}, want: http.StatusBadRequest},
		{name: "empty content", method: http.MethodPost, path: "/v1/comments",
			body: map[string]any{"session_id": closed.ID, "content": "  ", "change_type": "docs"}, want: http.StatusBadRequest},
		{name: "foreign author", method: http.MethodPost, path: "/v1/comments",
			body: map[string]any{"session_id": closed.ID, "username": "alice", "content": "x", "change_type": "docs"}, want: http.StatusBadRequest},
		{name: "unknown user activity", method: http.MethodGet, path: "/v1/user-activity/ghost", want: http.StatusNotFound},
		{name: "bad active flag", method: http.MethodGet, path: "/v1/sessions?active=maybe", want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/v1/comments?limit=-1", want: http.StatusBadRequest},
		{name: "bad pattern", method: http.MethodGet, path: "/v1/active-editors?path=/srv/[a-", want: http.StatusBadRequest},
		{name: "missing comment", method: http.MethodDelete, path: "/v1/comments/" + open.ID.String(), want: http.StatusNotFound},
		{name: "negative reclaim age", method: http.MethodPost, path: "/v1/reclaim",
			body: map[string]any{"max_age_hours": -1}, want: http.StatusBadRequest},
		{name: "overflowing reclaim age", method: http.MethodPost, path: "/v1/reclaim",
			body: map[string]any{"max_age_hours": 1e10}, want: http.StatusBadRequest},
		{name: "bad session offset", method: http.MethodGet, path: "/v1/sessions?offset=-3", want: http.StatusBadRequest},
		{name: "bad timeline offset", method: http.MethodGet, path: "/v1/sessions/comments?offset=x", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= http.StatusBadRequest {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}

	rec = do(t, h, http.MethodPost, "/v1/comments", map[string]any{
		"session_id": closed.ID, "content": "first", "change_type": "docs",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/v1/comments", map[string]any{
		"session_id": closed.ID, "content": "second", "change_type": "docs",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "one comment per session")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sessions.ErrEmptyContent, http.StatusBadRequest},
		{sessions.ErrUserNotFound, http.StatusNotFound},
		{sessions.ErrAlreadyCommented, http.StatusConflict},
		{sessions.ErrStaleHeartbeat, http.StatusConflict},
		{fmt.Errorf("start: %w", sessions.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestUserActivityAndListing(t *testing.T) {
	h, clock := newTestHandler(t)

	first := startSession(t, h, "alice", "/docs/plan.docx", base)
	rec := do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/close", first.ID), map[string]any{
		"timestamp": base.Add(3 * time.Minute),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	startSession(t, h, "alice", "/docs/budget.xlsx", base.Add(time.Minute))
	startSession(t, h, "bob", "/docs/budget.xlsx", base.Add(2*time.Minute))
	clock.Set(base.Add(time.Hour))

	history := decode[sessions.History](t, do(t, h, http.MethodGet, "/v1/user-activity/alice", nil))
	require.Len(t, history.Active, 1)
	assert.Equal(t, "/docs/budget.xlsx", history.Active[0].FilePath)
	require.Len(t, history.Recent, 1)
	assert.EqualValues(t, 180, *history.Recent[0].DurationSeconds)

	active := decode[struct {
		Sessions []sessions.SessionSummary `json:"sessions"`
	}](t, do(t, h, http.MethodGet, "/v1/sessions?active=true", nil))
	assert.Len(t, active.Sessions, 2)

	ended := decode[struct {
		Sessions []sessions.SessionSummary `json:"sessions"`
	}](t, do(t, h, http.MethodGet, "/v1/sessions?active=false&username=alice", nil))
	require.Len(t, ended.Sessions, 1)
	assert.Equal(t, first.ID, ended.Sessions[0].ID)

	var paged []uuid.UUID
	for _, offset := range []int{0, 2, 4} {
		page := decode[struct {
			Sessions []sessions.SessionSummary `json:"sessions"`
		}](t, do(t, h, http.MethodGet, fmt.Sprintf("/v1/sessions?limit=2&offset=%d", offset), nil))
		for _, item := range page.Sessions {
			paged = append(paged, item.ID)
		}
	}
	require.Len(t, paged, 3)
	assert.Equal(t, first.ID, paged[2], "the oldest session sits on the last page")

	timeline := decode[struct {
		Days []sessions.TimelineDay `json:"days"`
	}](t, do(t, h, http.MethodGet, "/v1/sessions/comments?limit=1&offset=2", nil))
	require.Len(t, timeline.Days, 1)
	require.Len(t, timeline.Days[0].Entries, 1)
	assert.Equal(t, first.ID, timeline.Days[0].Entries[0].ID)

	files := decode[struct {
		Files []sessions.MultiEditorFile `json:"files"`
	}](t, do(t, h, http.MethodGet, "/v1/multi-editor-files", nil))
	require.Len(t, files.Files, 1)
	assert.Len(t, files.Files[0].Editors, 2)

	empty := do(t, h, http.MethodGet, "/v1/active-editors?path=/nothing/", nil)
	assert.JSONEq(t, `{"editors":[]}`, empty.Body.String())
}

func TestReclaimEndpoint(t *testing.T) {
	h, clock := newTestHandler(t)

	startSession(t, h, "alice", "/a.py", base)
	startSession(t, h, "bob", "/b.py", base.Add(90*time.Minute))
	clock.Set(base.Add(3 * time.Hour))

	rec := do(t, h, http.MethodPost, "/v1/reclaim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"reclaimed":1,"max_age_seconds":7200}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/reclaim", map[string]any{"max_age_hours": 1e10})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too large")

	rec = do(t, h, http.MethodPost, "/v1/reclaim", map[string]any{"max_age_hours": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"reclaimed":1,"max_age_seconds":0}`, rec.Body.String())

	active := decode[struct {
		Sessions []sessions.SessionSummary `json:"sessions"`
	}](t, do(t, h, http.MethodGet, "/v1/sessions?active=true", nil))
	assert.Empty(t, active.Sessions)
}

func TestHeartbeatWithoutTimestampKeepsClientClock(t *testing.T) {
	h, _ := newTestHandler(t)

	ahead := base.Add(30 * time.Minute)
	ref := startSession(t, h, "alice", "/a.py", ahead)

	rec := do(t, h, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/heartbeat", ref.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	details := decode[sessions.SessionDetails](t, do(t, h, http.MethodGet, "/v1/sessions/"+ref.ID.String(), nil))
	assert.True(t, ahead.Equal(details.LastActivity), "last activity stays at %s, got %s", ahead, details.LastActivity)
}

func TestOperationalEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/stats", nil).Code)

	types := decode[struct {
		ChangeTypes []string `json:"change_types"`
	}](t, do(t, h, http.MethodGet, "/v1/change-types", nil))
	assert.Contains(t, types.ChangeTypes, "bugfix")
	assert.Len(t, types.ChangeTypes, 8)
}

func TestZstdResponses(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/change-types", nil)
	req.Header.Set("Accept-Encoding", "zstd")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))

	dec, err := zstd.NewReader(rec.Body)
	require.NoError(t, err)
	defer dec.Close()

	body, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"change_types"`)
}

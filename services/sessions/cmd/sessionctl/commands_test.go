package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranis765/file-monitoring-system/internal/testutil"
	"github.com/ranis765/file-monitoring-system/pkg/config"
	"github.com/ranis765/file-monitoring-system/services/sessions"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) (*app, *sessions.Service, *testutil.Clock) {
	t.Helper()

	clock := testutil.NewClock(base)
	svc, err := sessions.New(testutil.OpenTestDB(t), nil, zerolog.Nop(), sessions.Options{Clock: clock.Now})
	require.NoError(t, err)

	a := &app{
		cfg: config.Config{ReclaimMaxAge: 2 * time.Hour},
		log: zerolog.Nop(),
		openService: func(context.Context, *app) (*sessions.Service, func(), error) {
			return svc, func() {}, nil
		},
	}
	return a, svc, clock
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestActiveAndHistoryCommands(t *testing.T) {
	a, svc, _ := newTestApp(t)
	ctx := context.Background()

	_, err := svc.StartOrResume(ctx, sessions.StartRequest{Username: "alice", FilePath: "/srv/app/main.go", At: base})
	require.NoError(t, err)
	_, err = svc.StartOrResume(ctx, sessions.StartRequest{Username: "bob", FilePath: "/srv/docs/readme.md", At: base})
	require.NoError(t, err)

	out, err := execute(t, a, "active", "/srv/**/*.go")
	require.NoError(t, err)
	var editors []sessions.ActiveEditor
	require.NoError(t, json.Unmarshal([]byte(out), &editors))
	require.Len(t, editors, 1)
	assert.Equal(t, "alice", editors[0].Username)

	out, err = execute(t, a, "history", "bob")
	require.NoError(t, err)
	var history sessions.History
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history.Active, 1)
	assert.Equal(t, "/srv/docs/readme.md", history.Active[0].FilePath)

	_, err = execute(t, a, "history", "ghost")
	assert.ErrorIs(t, err, sessions.ErrUserNotFound)

	_, err = execute(t, a, "history")
	assert.Error(t, err, "username is required")
}

func TestReclaimCommand(t *testing.T) {
	a, svc, clock := newTestApp(t)
	ctx := context.Background()

	_, err := svc.StartOrResume(ctx, sessions.StartRequest{Username: "alice", FilePath: "/a.py", At: base})
	require.NoError(t, err)
	_, err = svc.StartOrResume(ctx, sessions.StartRequest{Username: "bob", FilePath: "/b.py", At: base.Add(time.Hour)})
	require.NoError(t, err)
	clock.Set(base.Add(150 * time.Minute))

	out, err := execute(t, a, "reclaim")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reclaimed":1,"max_age_seconds":7200}`, out)

	out, err = execute(t, a, "reclaim", "--max-age-hours", "0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reclaimed":1,"max_age_seconds":0}`, out)

	_, err = execute(t, a, "reclaim", "--max-age-hours", "-2")
	assert.ErrorIs(t, err, sessions.ErrInvalidInput)

	_, err = execute(t, a, "reclaim", "--max-age-hours", "1e10")
	assert.ErrorIs(t, err, sessions.ErrInvalidInput)
	assert.ErrorContains(t, err, "too large")
}

func TestTimelineCommand(t *testing.T) {
	a, svc, _ := newTestApp(t)
	ctx := context.Background()

	ref, err := svc.StartOrResume(ctx, sessions.StartRequest{Username: "alice", FilePath: "/a.py", At: base})
	require.NoError(t, err)
	_, err = svc.Close(ctx, ref.ID, base.Add(time.Minute), "")
	require.NoError(t, err)
	_, err = svc.AddComment(ctx, sessions.CommentRequest{SessionID: ref.ID, Content: "docs pass", ChangeType: "docs"})
	require.NoError(t, err)

	out, err := execute(t, a, "timeline", "--change-type", "docs")
	require.NoError(t, err)
	var days []sessions.TimelineDay
	require.NoError(t, json.Unmarshal([]byte(out), &days))
	require.Len(t, days, 1)
	require.Len(t, days[0].Entries, 1)
	assert.Equal(t, "docs pass", days[0].Entries[0].Comment.Content)

	out, err = execute(t, a, "timeline", "--change-type", "feature")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, sessions.SubjectSessionOpened, []byte(`{"session_id":"x"}`)))
	require.NoError(t, printEvent(&buf, "filemon.raw", []byte("not json")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"subject":"filemon.sessions.opened","payload":{"session_id":"x"}}`, string(lines[0]))
	assert.JSONEq(t, `{"subject":"filemon.raw","payload":"not json"}`, string(lines[1]))
}

func TestCommandsRequireConnections(t *testing.T) {
	a := &app{log: zerolog.Nop()}

	_, err := execute(t, a, "migrate")
	assert.ErrorContains(t, err, "DATABASE_URL")

	_, err = execute(t, a, "watch")
	assert.ErrorContains(t, err, "NATS_URL")
}

func TestTimelineCommandPages(t *testing.T) {
	a, svc, _ := newTestApp(t)
	ctx := context.Background()

	for i, path := range []string{"/old.py", "/new.py"} {
		_, err := svc.StartOrResume(ctx, sessions.StartRequest{Username: "alice", FilePath: path, At: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	var got []string
	for _, offset := range []string{"0", "1", "2"} {
		out, err := execute(t, a, "timeline", "--limit", "1", "--offset", offset)
		require.NoError(t, err)
		var days []sessions.TimelineDay
		require.NoError(t, json.Unmarshal([]byte(out), &days))
		for _, day := range days {
			for _, entry := range day.Entries {
				got = append(got, entry.FilePath)
			}
		}
	}
	assert.Equal(t, []string{"/new.py", "/old.py"}, got)
}

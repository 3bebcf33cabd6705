package sessions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ranis765/file-monitoring-system/internal/testutil"
)

var (
	base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	h0 = strings.Repeat("a", 64)
	h1 = strings.Repeat("b", 64)
	h2 = strings.Repeat("c", 64)
)

func newTestService(t *testing.T, opts Options) (*Service, *gorm.DB, *testutil.Clock) {
	t.Helper()

	gormDB := testutil.OpenTestDB(t)
	clock := testutil.NewClock(base)
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}

	svc, err := New(gormDB, nil, zerolog.Nop(), opts)
	require.NoError(t, err)
	return svc, gormDB, clock
}

func start(t *testing.T, svc *Service, username, path string, at time.Time, hash string) SessionRef {
	t.Helper()

	ref, err := svc.StartOrResume(context.Background(), StartRequest{
		Username:   username,
		FilePath:   path,
		At:         at,
		HashBefore: hash,
	})
	require.NoError(t, err)
	return ref
}

func closeAt(t *testing.T, svc *Service, id uuid.UUID, at time.Time) Session {
	t.Helper()

	session, err := svc.Close(context.Background(), id, at, "")
	require.NoError(t, err)
	return session
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func countOpen(t *testing.T, gormDB *gorm.DB) int64 {
	t.Helper()

	var n int64
	require.NoError(t, gormDB.Model(&sessionModel{}).Where("ended_at IS NULL").Count(&n).Error)
	return n
}

func eventsOfType(t *testing.T, svc *Service, id uuid.UUID, eventType string) []Event {
	t.Helper()

	events, err := svc.Events(context.Background(), id)
	require.NoError(t, err)

	var out []Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, v)
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

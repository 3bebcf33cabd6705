package sessions

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxListRows    = 500
	dayLayout      = "2006-01-02"
	globMetaChars  = "*?[{"
	likeEscapeChar = `\`
)

// ActiveEditor is one open session as seen from the file's side.
type ActiveEditor struct {
	SessionID    uuid.UUID `json:"session_id"`
	Username     string    `json:"username"`
	FilePath     string    `json:"file_path"`
	FileName     string    `json:"file_name"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	ResumeCount  int       `json:"resume_count"`
}

// SessionSummary is a session joined with its owner, file and comment.
type SessionSummary struct {
	Session
	Username        string   `json:"username"`
	FilePath        string   `json:"file_path"`
	FileName        string   `json:"file_name"`
	DurationSeconds *int64   `json:"duration_seconds,omitempty"`
	Comment         *Comment `json:"comment,omitempty"`
}

// History is the per-user activity view.
type History struct {
	User   User             `json:"user"`
	Active []SessionSummary `json:"active_files"`
	Recent []SessionSummary `json:"recent_files"`
}

// TimelineFilter narrows ChangeTimeline. Limit and Offset page through
// sessions, not days.
type TimelineFilter struct {
	ChangeType string
	Limit      int
	Offset     int
}

// TimelineDay groups sessions by the UTC calendar day they started.
type TimelineDay struct {
	Day     string           `json:"day"`
	Entries []SessionSummary `json:"entries"`
}

// SessionFilter narrows ListSessions. A nil Active returns both states.
type SessionFilter struct {
	Active   *bool
	Username string
	Limit    int
	Offset   int
}

// SessionDetails is a session with its full audit trail.
type SessionDetails struct {
	SessionSummary
	Events []Event `json:"events"`
}

// MultiEditorFile is a file with open sessions from more than one user.
type MultiEditorFile struct {
	FilePath string         `json:"file_path"`
	FileName string         `json:"file_name"`
	Editors  []ActiveEditor `json:"editors"`
}

// PendingUser collects one user's closed sessions that still lack a comment.
type PendingUser struct {
	UserID   uuid.UUID        `json:"user_id"`
	Username string           `json:"username"`
	Email    *string          `json:"email,omitempty"`
	Sessions []SessionSummary `json:"sessions"`
}

type activeEditorRow struct {
	SessionID    uuid.UUID
	Username     string
	FilePath     string
	FileName     string
	StartedAt    time.Time
	LastActivity time.Time
	ResumeCount  int
}

type summaryRow struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	FileID            uuid.UUID
	StartedAt         time.Time
	LastActivity      time.Time
	EndedAt           *time.Time
	HashBefore        *string
	HashAfter         *string
	IsCommented       bool
	ResumeCount       int
	Username          string
	Email             *string
	FilePath          string
	FileName          string
	CommentID         *uuid.UUID
	CommentContent    *string
	CommentChangeType *string
	CommentCreatedAt  *time.Time
}

func (r summaryRow) toAPI() SessionSummary {
	session := sessionModel{
		ID:           r.ID,
		UserID:       r.UserID,
		FileID:       r.FileID,
		StartedAt:    r.StartedAt,
		LastActivity: r.LastActivity,
		EndedAt:      r.EndedAt,
		HashBefore:   r.HashBefore,
		HashAfter:    r.HashAfter,
		IsCommented:  r.IsCommented,
		ResumeCount:  r.ResumeCount,
	}.toAPI()

	out := SessionSummary{
		Session:  session,
		Username: r.Username,
		FilePath: r.FilePath,
		FileName: r.FileName,
	}
	if session.EndedAt != nil {
		d := int64(session.EndedAt.Sub(session.StartedAt) / time.Second)
		out.DurationSeconds = &d
	}
	if r.CommentID != nil {
		c := Comment{
			ID:        *r.CommentID,
			SessionID: r.ID,
			UserID:    r.UserID,
			Username:  r.Username,
		}
		if r.CommentContent != nil {
			c.Content = *r.CommentContent
		}
		if r.CommentChangeType != nil {
			c.ChangeType = *r.CommentChangeType
		}
		if r.CommentCreatedAt != nil {
			c.CreatedAt = r.CommentCreatedAt.UTC()
		}
		out.Comment = &c
	}
	return out
}

func summaryQuery(orm *gorm.DB) *gorm.DB {
	return orm.Table("file_sessions AS fs").
		Select(`fs.id, fs.user_id, fs.file_id, fs.started_at, fs.last_activity, fs.ended_at,
			fs.hash_before, fs.hash_after, fs.is_commented, fs.resume_count,
			u.username, u.email, f.file_path, f.file_name,
			c.id AS comment_id, c.content AS comment_content,
			c.change_type AS comment_change_type, c.created_at AS comment_created_at`).
		Joins("JOIN users u ON u.id = fs.user_id").
		Joins("JOIN files f ON f.id = fs.file_id").
		Joins("LEFT JOIN comments c ON c.session_id = fs.id")
}

func summaries(rows []summaryRow) []SessionSummary {
	out := make([]SessionSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAPI())
	}
	return out
}

// pathMatcher turns an active-editor pattern into a SQL prefix and an exact
// in-memory predicate. Patterns without glob metacharacters are prefixes.
type pathMatcher struct {
	prefix string
	glob   string
}

func compilePattern(pattern string) (pathMatcher, error) {
	pattern = strings.ReplaceAll(strings.TrimSpace(pattern), `\`, "/")
	idx := strings.IndexAny(pattern, globMetaChars)
	if idx < 0 {
		return pathMatcher{prefix: pattern}, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return pathMatcher{}, newError(ErrInvalidInput, "invalid path pattern")
	}
	return pathMatcher{prefix: pattern[:idx], glob: pattern}, nil
}

func (m pathMatcher) match(p string) bool {
	if m.glob == "" {
		return strings.HasPrefix(p, m.prefix)
	}
	return doublestar.MatchUnvalidated(m.glob, p)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ActiveEditors lists open sessions on paths matching pattern, most
// recently active first.
func (s *Service) ActiveEditors(ctx context.Context, pattern string) ([]ActiveEditor, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	var rows []activeEditorRow
	err = s.read(ctx, func(orm *gorm.DB) error {
		q := orm.Table("open_sessions_view").
			Select("session_id, username, file_path, file_name, started_at, last_activity, resume_count")
		if matcher.prefix != "" {
			q = q.Where("file_path LIKE ? ESCAPE '"+likeEscapeChar+"'", escapeLike(matcher.prefix)+"%")
		}
		return q.Order("last_activity DESC").Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	editors := make([]ActiveEditor, 0, len(rows))
	for _, row := range rows {
		if !matcher.match(row.FilePath) {
			continue
		}
		editors = append(editors, ActiveEditor{
			SessionID:    row.SessionID,
			Username:     row.Username,
			FilePath:     row.FilePath,
			FileName:     row.FileName,
			StartedAt:    row.StartedAt.UTC(),
			LastActivity: row.LastActivity.UTC(),
			ResumeCount:  row.ResumeCount,
		})
	}
	return editors, nil
}

// UserHistory returns a user's open sessions and the sessions they closed
// within the history window, newest end first.
func (s *Service) UserHistory(ctx context.Context, username string) (History, error) {
	user, err := s.LookupUser(ctx, username)
	if err != nil {
		return History{}, err
	}
	since := s.now().Add(-s.opts.HistoryWindow)

	var active, recent []summaryRow
	err = s.read(ctx, func(orm *gorm.DB) error {
		if err := summaryQuery(orm).
			Where("fs.user_id = ? AND fs.ended_at IS NULL", user.ID).
			Order("fs.last_activity DESC").
			Scan(&active).Error; err != nil {
			return err
		}
		return summaryQuery(orm).
			Where("fs.user_id = ? AND fs.ended_at IS NOT NULL AND fs.ended_at >= ?", user.ID, since).
			Order("fs.ended_at DESC").
			Limit(s.opts.HistoryLimit).
			Scan(&recent).Error
	})
	if err != nil {
		return History{}, err
	}

	return History{User: user, Active: summaries(active), Recent: summaries(recent)}, nil
}

// ChangeTimeline groups sessions and their comments by UTC start day, newest
// day first.
func (s *Service) ChangeTimeline(ctx context.Context, filter TimelineFilter) ([]TimelineDay, error) {
	var changeType string
	if strings.TrimSpace(filter.ChangeType) != "" {
		ct, err := normalizeChangeType(filter.ChangeType)
		if err != nil {
			return nil, err
		}
		changeType = ct
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)

	var rows []summaryRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		q := summaryQuery(orm)
		if changeType != "" {
			q = q.Where("c.change_type = ?", changeType)
		}
		return pageSessions(q, limit, offset).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	var days []TimelineDay
	for _, entry := range summaries(rows) {
		day := entry.StartedAt.UTC().Format(dayLayout)
		if n := len(days); n == 0 || days[n-1].Day != day {
			days = append(days, TimelineDay{Day: day})
		}
		days[len(days)-1].Entries = append(days[len(days)-1].Entries, entry)
	}
	return days, nil
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 || limit > maxListRows {
		limit = maxListRows
	}
	return limit, max(offset, 0)
}

// pageSessions orders newest first with the id as tie-breaker so pages
// never overlap.
func pageSessions(q *gorm.DB, limit, offset int) *gorm.DB {
	return q.Order("fs.started_at DESC").Order("fs.id DESC").Limit(limit).Offset(offset)
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionSummary, error) {
	limit, offset := pageBounds(filter.Limit, filter.Offset)

	var userID uuid.UUID
	if strings.TrimSpace(filter.Username) != "" {
		user, err := s.LookupUser(ctx, filter.Username)
		if err != nil {
			return nil, err
		}
		userID = user.ID
	}

	var rows []summaryRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		q := summaryQuery(orm)
		if filter.Active != nil {
			if *filter.Active {
				q = q.Where("fs.ended_at IS NULL")
			} else {
				q = q.Where("fs.ended_at IS NOT NULL")
			}
		}
		if userID != uuid.Nil {
			q = q.Where("fs.user_id = ?", userID)
		}
		return pageSessions(q, limit, offset).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return summaries(rows), nil
}

// Details returns a session with owner, file, comment and events.
func (s *Service) Details(ctx context.Context, sessionID uuid.UUID) (SessionDetails, error) {
	var rows []summaryRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		return summaryQuery(orm).Where("fs.id = ?", sessionID).Limit(1).Scan(&rows).Error
	})
	if err != nil {
		return SessionDetails{}, err
	}
	if len(rows) == 0 {
		return SessionDetails{}, ErrSessionNotFound
	}

	events, err := s.Events(ctx, sessionID)
	if err != nil {
		return SessionDetails{}, err
	}
	return SessionDetails{SessionSummary: rows[0].toAPI(), Events: events}, nil
}

// MultiEditorFiles lists files that several users have open at once.
func (s *Service) MultiEditorFiles(ctx context.Context) ([]MultiEditorFile, error) {
	editors, err := s.ActiveEditors(ctx, "")
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*MultiEditorFile)
	for _, e := range editors {
		f, ok := byPath[e.FilePath]
		if !ok {
			f = &MultiEditorFile{FilePath: e.FilePath, FileName: e.FileName}
			byPath[e.FilePath] = f
		}
		f.Editors = append(f.Editors, e)
	}

	files := make([]MultiEditorFile, 0)
	for _, f := range byPath {
		if len(f.Editors) > 1 {
			files = append(files, *f)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if len(files[i].Editors) != len(files[j].Editors) {
			return len(files[i].Editors) > len(files[j].Editors)
		}
		return files[i].FilePath < files[j].FilePath
	})
	return files, nil
}

// PendingComments groups closed, uncommented sessions that ended at or after
// since by their owner.
func (s *Service) PendingComments(ctx context.Context, since time.Time) ([]PendingUser, error) {
	since = normalizeTime(since)

	var rows []summaryRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		return summaryQuery(orm).
			Where("fs.ended_at IS NOT NULL AND fs.is_commented = ? AND fs.ended_at >= ?", false, since).
			Order("u.username ASC").
			Order("fs.ended_at DESC").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	var pending []PendingUser
	for _, row := range rows {
		if n := len(pending); n == 0 || pending[n-1].UserID != row.UserID {
			pending = append(pending, PendingUser{UserID: row.UserID, Username: row.Username, Email: row.Email})
		}
		last := &pending[len(pending)-1]
		last.Sessions = append(last.Sessions, row.toAPI())
	}
	return pending, nil
}

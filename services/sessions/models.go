package sessions

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event types recorded against a session.
const (
	EventOpen      = "open"
	EventHeartbeat = "heartbeat"
	EventClose     = "close"
)

type userModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username  string
	Email     *string
	CreatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type fileModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	FilePath  string
	FileName  string
	CreatedAt time.Time
}

func (fileModel) TableName() string { return "files" }

type sessionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"type:uuid"`
	FileID       uuid.UUID `gorm:"type:uuid"`
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      *time.Time
	HashBefore   *string
	HashAfter    *string
	IsCommented  bool
	ResumeCount  int
}

func (sessionModel) TableName() string { return "file_sessions" }

func (m sessionModel) toAPI() Session {
	return Session{
		ID:           m.ID,
		UserID:       m.UserID,
		FileID:       m.FileID,
		StartedAt:    m.StartedAt.UTC(),
		LastActivity: m.LastActivity.UTC(),
		EndedAt:      utcPtr(m.EndedAt),
		HashBefore:   m.HashBefore,
		HashAfter:    m.HashAfter,
		IsCommented:  m.IsCommented,
		ResumeCount:  m.ResumeCount,
	}
}

type eventModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID      uuid.UUID `gorm:"type:uuid"`
	EventType      string
	FileHash       *string
	EventTimestamp time.Time
	Details        datatypes.JSONMap
}

func (eventModel) TableName() string { return "file_events" }

func (m eventModel) toAPI() Event {
	return Event{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      m.EventType,
		FileHash:  m.FileHash,
		Timestamp: m.EventTimestamp.UTC(),
		Details:   map[string]any(m.Details),
	}
}

type commentModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid"`
	UserID     uuid.UUID `gorm:"type:uuid"`
	Content    string
	ChangeType string
	CreatedAt  time.Time
}

func (commentModel) TableName() string { return "comments" }

func (m commentModel) toAPI(author string) Comment {
	return Comment{
		ID:         m.ID,
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		Username:   author,
		Content:    m.Content,
		ChangeType: m.ChangeType,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

// Session is one user editing one file, possibly resumed several times.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	FileID       uuid.UUID  `json:"file_id"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	HashBefore   *string    `json:"hash_before,omitempty"`
	HashAfter    *string    `json:"hash_after,omitempty"`
	IsCommented  bool       `json:"is_commented"`
	ResumeCount  int        `json:"resume_count"`
}

// Open reports whether the session has not ended yet.
func (s Session) Open() bool { return s.EndedAt == nil }

// SessionRef is the result of a start or resume.
type SessionRef struct {
	ID          uuid.UUID `json:"session_id"`
	Resumed     bool      `json:"resumed"`
	ResumeCount int       `json:"resume_count"`
}

// Event is an immutable lifecycle fact.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Type      string         `json:"event_type"`
	FileHash  *string        `json:"file_hash,omitempty"`
	Timestamp time.Time      `json:"event_timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Comment classifies the change made during a session.
type Comment struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	UserID     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	ChangeType string    `json:"change_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a resolved identity.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// File is a resolved file reference.
type File struct {
	ID        uuid.UUID `json:"id"`
	FilePath  string    `json:"file_path"`
	FileName  string    `json:"file_name"`
	CreatedAt time.Time `json:"created_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// normalizeTime stores every instant in UTC at microsecond precision so that
// both dialects order and compare timestamps identically.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

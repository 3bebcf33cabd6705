package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxStartAttempts = 3

// The partial unique index ux_file_sessions_open is the conflict target, so
// a second start for the same pair turns into a resume inside one statement.
const upsertSessionSQL = `INSERT INTO file_sessions
	(id, user_id, file_id, started_at, last_activity, hash_before, is_commented, resume_count)
VALUES (?, ?, ?, ?, ?, ?, false, 0)
ON CONFLICT (user_id, file_id) WHERE ended_at IS NULL DO UPDATE SET
	resume_count = file_sessions.resume_count + 1,
	last_activity = CASE WHEN excluded.last_activity > file_sessions.last_activity
		THEN excluded.last_activity ELSE file_sessions.last_activity END,
	hash_before = COALESCE(file_sessions.hash_before, excluded.hash_before)
RETURNING id, resume_count`

// StartRequest opens or resumes editing of one file by one user.
type StartRequest struct {
	Username   string
	FilePath   string
	At         time.Time
	HashBefore string
}

// StartOrResume opens a session for the (user, file) pair, or resumes the
// open one if it exists.
func (s *Service) StartOrResume(ctx context.Context, req StartRequest) (SessionRef, error) {
	hashBefore, err := normalizeHash(req.HashBefore)
	if err != nil {
		return SessionRef{}, err
	}
	userID, err := s.ResolveOrCreateUser(ctx, req.Username)
	if err != nil {
		return SessionRef{}, fmt.Errorf("resolve user: %w", err)
	}
	fileID, err := s.ResolveOrCreateFile(ctx, req.FilePath)
	if err != nil {
		return SessionRef{}, fmt.Errorf("resolve file: %w", err)
	}
	at := s.at(req.At)

	var ref SessionRef
	for attempt := 1; ; attempt++ {
		ref, err = s.startOnce(ctx, userID, fileID, at, hashBefore)
		if err == nil {
			break
		}
		if !retryable(err) || attempt >= maxStartAttempts {
			return SessionRef{}, fmt.Errorf("start session: %w", err)
		}
		startRetries.Inc()
		s.log.Debug().Err(err).Int("attempt", attempt).Msg("retrying session start")
	}

	if ref.Resumed {
		sessionsResumed.Inc()
	} else {
		sessionsStarted.Inc()
	}

	s.log.Info().
		Str("session_id", ref.ID.String()).
		Bool("resumed", ref.Resumed).
		Int("resume_count", ref.ResumeCount).
		Msg("session opened")

	s.publish(ctx, SubjectSessionOpened, map[string]any{
		"session_id":   ref.ID,
		"username":     req.Username,
		"file_path":    req.FilePath,
		"resumed":      ref.Resumed,
		"resume_count": ref.ResumeCount,
		"timestamp":    at,
	})

	return ref, nil
}

func (s *Service) startOnce(ctx context.Context, userID, fileID uuid.UUID, at time.Time, hashBefore *string) (SessionRef, error) {
	var ref SessionRef
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		var row struct {
			ID          uuid.UUID
			ResumeCount int
		}
		if err := tx.Raw(upsertSessionSQL, uuid.New(), userID, fileID, at, at, hashBefore).Scan(&row).Error; err != nil {
			return err
		}
		if row.ID == uuid.Nil {
			return errors.New("upsert returned no session")
		}

		ref = SessionRef{ID: row.ID, Resumed: row.ResumeCount > 0, ResumeCount: row.ResumeCount}

		var details map[string]any
		if ref.Resumed {
			details = map[string]any{"resumed": true, "resume_count": row.ResumeCount}
		}
		return appendEvent(tx, row.ID, EventOpen, hashBefore, at, details)
	})
	return ref, err
}

// Heartbeat extends the session's last activity. Caller timestamps older
// than the recorded last activity are rejected with ErrStaleHeartbeat. A zero
// timestamp uses the server clock but never moves last activity backwards,
// so a session started with a client clock ahead of ours stays heartbeatable.
func (s *Service) Heartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time, fileHash string) error {
	hash, err := normalizeHash(fileHash)
	if err != nil {
		return err
	}
	serverClock := at.IsZero()
	at = s.at(at)

	err = s.withTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{"last_activity": at}
		if hash != nil {
			updates["hash_after"] = *hash
		}

		q := tx.Model(&sessionModel{})
		if serverClock {
			updates["last_activity"] = gorm.Expr("CASE WHEN last_activity > ? THEN last_activity ELSE ? END", at, at)
			q = q.Where("id = ? AND ended_at IS NULL", sessionID)
		} else {
			q = q.Where("id = ? AND ended_at IS NULL AND last_activity <= ?", sessionID, at)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return diagnoseHeartbeat(tx, sessionID)
		}
		if serverClock {
			row, err := loadSession(tx, sessionID)
			if err != nil {
				return err
			}
			at = row.LastActivity
		}
		return appendEvent(tx, sessionID, EventHeartbeat, hash, at, nil)
	})
	if err != nil {
		heartbeats.WithLabelValues(outcome(err)).Inc()
		return err
	}
	heartbeats.WithLabelValues("ok").Inc()

	s.publish(ctx, SubjectSessionHeartbeat, map[string]any{
		"session_id": sessionID,
		"file_hash":  hash,
		"timestamp":  at,
	})
	return nil
}

func diagnoseHeartbeat(tx *gorm.DB, sessionID uuid.UUID) error {
	row, err := loadSession(tx, sessionID)
	if err != nil {
		return err
	}
	if row.EndedAt != nil {
		return ErrSessionAlreadyClosed
	}
	return ErrStaleHeartbeat
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, ErrConflict):
		return "closed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	}
	return "error"
}

// Close ends a session. Closing an already closed session returns it
// unchanged. The end time never precedes the last recorded activity.
func (s *Service) Close(ctx context.Context, sessionID uuid.UUID, at time.Time, hashAfter string) (Session, error) {
	hash, err := normalizeHash(hashAfter)
	if err != nil {
		return Session{}, err
	}
	at = s.at(at)

	var (
		row    sessionModel
		closed bool
	)
	err = s.withTx(ctx, func(tx *gorm.DB) error {
		latest := gorm.Expr("CASE WHEN last_activity > ? THEN last_activity ELSE ? END", at, at)
		updates := map[string]any{
			"ended_at":      latest,
			"last_activity": latest,
		}
		if hash != nil {
			updates["hash_after"] = *hash
		}

		res := tx.Model(&sessionModel{}).
			Where("id = ? AND ended_at IS NULL", sessionID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		var err error
		row, err = loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return nil
		}

		closed = true
		return appendEvent(tx, sessionID, EventClose, hash, *row.EndedAt, nil)
	})
	if err != nil {
		return Session{}, err
	}

	session := row.toAPI()
	if !closed {
		return session, nil
	}

	sessionsClosed.Inc()
	s.log.Info().
		Str("session_id", sessionID.String()).
		Time("ended_at", *session.EndedAt).
		Msg("session closed")

	s.publish(ctx, SubjectSessionClosed, map[string]any{
		"session_id": sessionID,
		"ended_at":   session.EndedAt,
		"hash_after": session.HashAfter,
		"reason":     "closed",
	})
	return session, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	var row sessionModel
	err := s.read(ctx, func(orm *gorm.DB) error {
		var err error
		row, err = loadSession(orm, sessionID)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return row.toAPI(), nil
}

// Delete removes a session together with its events and comment.
func (s *Service) Delete(ctx context.Context, sessionID uuid.UUID) error {
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&commentModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&eventModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", sessionID).Delete(&sessionModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("session_id", sessionID.String()).Msg("session deleted")
	return nil
}

func loadSession(orm *gorm.DB, sessionID uuid.UUID) (sessionModel, error) {
	var row sessionModel
	err := orm.Where("id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sessionModel{}, ErrSessionNotFound
	}
	return row, err
}

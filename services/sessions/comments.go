package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const recomputeCommentedSQL = `UPDATE file_sessions
SET is_commented = EXISTS (SELECT 1 FROM comments WHERE comments.session_id = file_sessions.id)
WHERE id = ?`

const maxCommentPage = 500

// CommentRequest binds a classified comment to a session. An empty Author
// means the session owner.
type CommentRequest struct {
	SessionID  uuid.UUID
	Author     string
	Content    string
	ChangeType string
}

// CommentFilter pages through comments, optionally by change type.
type CommentFilter struct {
	ChangeType string
	Limit      int
	Offset     int
}

type commentRow struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	UserID     uuid.UUID
	Username   string
	Content    string
	ChangeType string
	CreatedAt  time.Time
}

func (r commentRow) toAPI() Comment {
	return Comment{
		ID:         r.ID,
		SessionID:  r.SessionID,
		UserID:     r.UserID,
		Username:   r.Username,
		Content:    r.Content,
		ChangeType: r.ChangeType,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// AddComment attaches the one comment a session may carry and marks the
// session commented in the same transaction.
func (s *Service) AddComment(ctx context.Context, req CommentRequest) (Comment, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Comment{}, ErrEmptyContent
	}
	changeType, err := normalizeChangeType(req.ChangeType)
	if err != nil {
		return Comment{}, err
	}

	var (
		row    commentModel
		author string
	)
	err = s.withTx(ctx, func(tx *gorm.DB) error {
		session, err := loadSession(tx, req.SessionID)
		if err != nil {
			return err
		}
		if session.EndedAt == nil && !s.opts.AllowOpenSessionComments {
			return ErrSessionStillOpen
		}

		owner, err := resolveAuthor(tx, session, req.Author)
		if err != nil {
			return err
		}
		author = owner.Username

		row = commentModel{
			ID:         uuid.New(),
			SessionID:  session.ID,
			UserID:     owner.ID,
			Content:    content,
			ChangeType: changeType,
			CreatedAt:  s.now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(classify(err), ErrConflict) {
				return ErrAlreadyCommented
			}
			return err
		}
		return tx.Exec(recomputeCommentedSQL, session.ID).Error
	})
	if err != nil {
		return Comment{}, err
	}

	commentsAdded.WithLabelValues(changeType).Inc()
	comment := row.toAPI(author)

	s.log.Info().
		Str("session_id", comment.SessionID.String()).
		Str("change_type", comment.ChangeType).
		Msg("comment added")

	s.publish(ctx, SubjectCommentAdded, map[string]any{
		"comment_id":  comment.ID,
		"session_id":  comment.SessionID,
		"username":    comment.Username,
		"change_type": comment.ChangeType,
	})
	return comment, nil
}

func resolveAuthor(tx *gorm.DB, session sessionModel, author string) (userModel, error) {
	var user userModel
	author = strings.TrimSpace(author)
	if author == "" {
		err := tx.Where("id = ?", session.UserID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return userModel{}, ErrUserNotFound
		}
		return user, err
	}

	err := tx.Where("username = ?", author).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return userModel{}, ErrUserNotFound
	}
	if err != nil {
		return userModel{}, err
	}
	if user.ID != session.UserID {
		return userModel{}, ErrNotSessionOwner
	}
	return user, nil
}

// DeleteComment removes the session's comment and clears its flag.
func (s *Service) DeleteComment(ctx context.Context, sessionID uuid.UUID) error {
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", sessionID).Delete(&commentModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := loadSession(tx, sessionID); err != nil {
				return err
			}
			return ErrCommentNotFound
		}
		return tx.Exec(recomputeCommentedSQL, sessionID).Error
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("session_id", sessionID.String()).Msg("comment deleted")
	return nil
}

// Comment returns the comment bound to a session.
func (s *Service) Comment(ctx context.Context, sessionID uuid.UUID) (Comment, error) {
	var rows []commentRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		return commentQuery(orm).Where("c.session_id = ?", sessionID).Limit(1).Scan(&rows).Error
	})
	if err != nil {
		return Comment{}, err
	}
	if len(rows) == 0 {
		return Comment{}, ErrCommentNotFound
	}
	return rows[0].toAPI(), nil
}

// Comments lists comments newest first.
func (s *Service) Comments(ctx context.Context, filter CommentFilter) ([]Comment, error) {
	var changeType string
	if strings.TrimSpace(filter.ChangeType) != "" {
		ct, err := normalizeChangeType(filter.ChangeType)
		if err != nil {
			return nil, err
		}
		changeType = ct
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxCommentPage {
		limit = maxCommentPage
	}
	offset := max(filter.Offset, 0)

	var rows []commentRow
	err := s.read(ctx, func(orm *gorm.DB) error {
		q := commentQuery(orm)
		if changeType != "" {
			q = q.Where("c.change_type = ?", changeType)
		}
		return q.Order("c.created_at DESC").Limit(limit).Offset(offset).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	comments := make([]Comment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, row.toAPI())
	}
	return comments, nil
}

func commentQuery(orm *gorm.DB) *gorm.DB {
	return orm.Table("comments AS c").
		Select("c.id, c.session_id, c.user_id, u.username, c.content, c.change_type, c.created_at").
		Joins("JOIN users u ON u.id = c.user_id")
}

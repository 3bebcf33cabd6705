package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func validEventType(t string) bool {
	switch t {
	case EventOpen, EventHeartbeat, EventClose:
		return true
	}
	return false
}

// appendEvent must run inside the transaction that performed the state change
// it records.
func appendEvent(tx *gorm.DB, sessionID uuid.UUID, eventType string, hash *string, at time.Time, details map[string]any) error {
	if !validEventType(eventType) {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, eventType)
	}

	row := eventModel{
		ID:             uuid.New(),
		SessionID:      sessionID,
		EventType:      eventType,
		FileHash:       hash,
		EventTimestamp: at,
		Details:        details,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

// Events returns the audit trail of a session in timestamp order.
func (s *Service) Events(ctx context.Context, sessionID uuid.UUID) ([]Event, error) {
	var rows []eventModel
	err := s.read(ctx, func(orm *gorm.DB) error {
		return orm.Where("session_id = ?", sessionID).
			Order("event_timestamp ASC").
			Order("id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toAPI())
	}
	return events, nil
}

package sessions

import "context"

const (
	SubjectSessionOpened    = "filemon.sessions.opened"
	SubjectSessionHeartbeat = "filemon.sessions.heartbeat"
	SubjectSessionClosed    = "filemon.sessions.closed"
	SubjectSessionReclaimed = "filemon.sessions.reclaimed"
	SubjectCommentAdded     = "filemon.comments.added"
	SubjectRemindersPending = "filemon.reminders.pending"
)

// Subjects lists every subject the service publishes on.
func Subjects() []string {
	return []string{
		SubjectSessionOpened,
		SubjectSessionHeartbeat,
		SubjectSessionClosed,
		SubjectSessionReclaimed,
		SubjectCommentAdded,
		SubjectRemindersPending,
	}
}

// publish is best effort: the transaction already committed, so a bus
// failure is logged and otherwise ignored.
func (s *Service) publish(ctx context.Context, subject string, payload map[string]any) {
	if s.pub == nil || subject == "" {
		return
	}
	if err := s.pub.Publish(ctx, subject, payload); err != nil {
		s.log.Debug().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

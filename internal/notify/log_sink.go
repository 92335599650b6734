package notify

import (
	"context"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

// LogSink writes notifications to the structured log. It stands in for a
// chat transport when none is configured.
type LogSink struct {
	logger *applog.Logger
}

func NewLogSink(logger *applog.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent(applog.ComponentNotify)}
}

func (s *LogSink) Render(ctx context.Context, v core.View) error {
	s.logger.InfoContext(ctx, "Operation view",
		applog.FieldOperation, applog.OpRender,
		applog.FieldOperationID, v.OperationID,
		applog.FieldOperationKind, string(v.Kind),
		applog.FieldStatus, string(v.Status),
		"terminal", v.Terminal,
		"text", v.Text)
	return nil
}

func (s *LogSink) Announce(ctx context.Context, a Announcement) error {
	s.logger.InfoContext(ctx, "Operation announced",
		applog.FieldOperation, applog.OpAnnounce,
		applog.FieldAnnouncement, a.ID.String(),
		applog.FieldOperationID, a.OperationID,
		applog.FieldOutcome, string(a.Outcome),
		applog.FieldTxCount, len(a.Transactions),
		applog.FieldAmountCents, a.Total())
	return nil
}

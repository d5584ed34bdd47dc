package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer records the message and reports it as undelivered; the invitation link is still returned to the caller.
type LogMailer struct {
	logger *zap.Logger
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Warn("email not delivered, no transport configured",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return ErrNotConfigured
}

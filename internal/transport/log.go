package transport

import (
	"context"
	"log/slog"
	"time"
)

// LogSender renders messages and logs them instead of delivering (dry run)
type LogSender struct {
	account Account
	logger  *slog.Logger
}

// NewLogSender creates a dry-run sender for account
func NewLogSender(account Account, logger *slog.Logger) *LogSender {
	return &LogSender{account: account, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	data, messageID, err := buildMessage(s.account, msg, time.Now())
	if err != nil {
		return Receipt{}, err
	}

	s.logger.Info("dry run delivery",
		"account", s.account.ID,
		"to", msg.To,
		"subject", msg.Subject,
		"size", len(data),
		"message_id", messageID,
	)
	return Receipt{MessageID: messageID}, nil
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/foxzi/outreach/internal/htmltext"
)

// SendGridConfig contains API settings of a SendGrid account
type SendGridConfig struct {
	APIKey   string
	Endpoint string // overrides the v3 mail send URL
	Category string
}

// SendGridSender delivers messages through the SendGrid v3 API
type SendGridSender struct {
	account Account
	config  SendGridConfig
	logger  *slog.Logger
}

// NewSendGridSender creates a SendGrid sender for account
func NewSendGridSender(account Account, cfg SendGridConfig, logger *slog.Logger) *SendGridSender {
	return &SendGridSender{account: account, config: cfg, logger: logger}
}

// Send posts msg to the mail send endpoint
func (s *SendGridSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	text := msg.Text
	if text == "" {
		text = htmltext.ToText(msg.HTML)
	}

	from := sgmail.NewEmail(s.account.FromName, s.account.FromEmail)
	to := sgmail.NewEmail(msg.ToName, msg.To)
	payload := sgmail.NewSingleEmail(from, msg.Subject, to, text, msg.HTML)
	payload.SetCustomArg("account_id", s.account.ID)
	if s.config.Category != "" {
		payload.AddCategories(s.config.Category)
	}

	// The client carries the request body, so each send gets its own
	client := sendgrid.NewSendClient(s.config.APIKey)
	if s.config.Endpoint != "" {
		client.BaseURL = s.config.Endpoint
	}

	resp, err := client.SendWithContext(ctx, payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Receipt{}, fmt.Errorf("sendgrid rejected message: %d %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}

	messageID := http.Header(resp.Headers).Get("X-Message-Id")
	s.logger.Debug("message accepted by sendgrid",
		"to", msg.To,
		"status", resp.StatusCode,
		"message_id", messageID,
	)

	return Receipt{MessageID: messageID}, nil
}

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes of an SMTP account
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

// SMTPConfig contains submission settings of an SMTP account
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	TLS       string // none, starttls or implicit
	LocalName string // HELO name, defaults to the sender domain
	Timeout   time.Duration

	// InsecureSkipVerify disables certificate checks (test relays only)
	InsecureSkipVerify bool
}

// SMTPSender submits messages to a relay over SMTP
type SMTPSender struct {
	account Account
	config  SMTPConfig
	dkim    *DKIMSigner
	now     func() time.Time
	logger  *slog.Logger
}

// NewSMTPSender creates an SMTP sender for account; signer may be nil
func NewSMTPSender(account Account, cfg SMTPConfig, signer *DKIMSigner, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.LocalName == "" {
		cfg.LocalName = account.Domain()
	}
	return &SMTPSender{
		account: account,
		config:  cfg,
		dkim:    signer,
		now:     time.Now,
		logger:  logger,
	}
}

// Send builds, optionally signs, and submits msg
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	data, messageID, err := buildMessage(s.account, msg, s.now())
	if err != nil {
		return Receipt{}, err
	}

	if s.dkim != nil {
		signed, err := s.dkim.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.dkim.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer client.Close()

	if err := client.Hello(s.config.LocalName); err != nil {
		return Receipt{}, stageError("HELO", err)
	}

	if s.config.Username != "" {
		auth := sasl.NewPlainClient("", s.config.Username, s.config.Password)
		if err := client.Auth(auth); err != nil {
			return Receipt{}, stageError("AUTH", err)
		}
	}

	if err := client.SendMail(s.account.FromEmail, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return Receipt{}, stageError("send", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("QUIT failed", "host", s.config.Host, "error", err)
	}

	s.logger.Debug("message submitted",
		"host", s.config.Host,
		"to", msg.To,
		"message_id", messageID,
	)

	return Receipt{MessageID: messageID}, nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.config.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.config.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: s.config.Timeout}

	var conn net.Conn
	var err error
	if s.config.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection failed to %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.config.Timeout)
	}
	conn.SetDeadline(deadline)

	if s.config.TLS == TLSStartTLS {
		client, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS failed with %s: %w", addr, err)
		}
		return client, nil
	}
	return smtp.NewClient(conn), nil
}

func stageError(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Errorf("%s failed: %d %s", stage, smtpErr.Code, smtpErr.Message)
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}

package transport

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/htmltext"
)

// buildMessage renders msg as a multipart/alternative RFC 5322 message and
// returns it with its Message-ID (without angle brackets)
func buildMessage(from Account, msg Message, now time.Time) ([]byte, string, error) {
	messageID := uuid.New().String() + "@" + from.Domain()

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: from.FromName, Address: from.FromEmail}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.ToName, Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message: %w", err)
	}

	text := msg.Text
	if text == "" {
		text = htmltext.ToText(msg.HTML)
	}
	if err := writePart(w, "text/plain", text); err != nil {
		return nil, "", err
	}
	if msg.HTML != "" {
		if err := writePart(w, "text/html", msg.HTML); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return part.Close()
}

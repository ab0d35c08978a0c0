package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testAccount = Account{ID: "primary", FromEmail: "news@example.com", FromName: "Example News"}

type received struct {
	From string
	To   []string
	Data []byte
}

type memoryBackend struct {
	username string
	password string

	mu       sync.Mutex
	messages []received
}

func (b *memoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

func (b *memoryBackend) received() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type memorySession struct {
	backend *memoryBackend
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if strings.HasSuffix(to, "@rejected.test") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, received{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

func startSMTPServer(t *testing.T, be *memoryBackend) (string, int) {
	t.Helper()

	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go s.Serve(listener)
	t.Cleanup(func() { s.Close() })

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func writeTestKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dkim.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := Message{
		To:      "jane@example.org",
		ToName:  "Jane",
		Subject: "Spring update",
		HTML:    "<p>Hello <b>Jane</b></p>",
	}

	data, messageID, err := buildMessage(testAccount, msg, now)
	if err != nil {
		t.Fatalf("buildMessage() error = %v", err)
	}
	if !strings.HasSuffix(messageID, "@example.com") {
		t.Errorf("messageID = %q, want sender domain suffix", messageID)
	}

	r, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}
	defer r.Close()

	if got, _ := r.Header.Subject(); got != "Spring update" {
		t.Errorf("Subject = %q", got)
	}
	if got, _ := r.Header.MessageID(); got != messageID {
		t.Errorf("Message-Id = %q, want %q", got, messageID)
	}
	if to, _ := r.Header.AddressList("To"); len(to) != 1 || to[0].Address != "jane@example.org" {
		t.Errorf("To = %v", to)
	}

	parts := map[string]string{}
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)
		parts[ct] = string(body)
	}

	if !strings.Contains(parts["text/html"], "<b>Jane</b>") {
		t.Errorf("html part = %q", parts["text/html"])
	}
	if !strings.Contains(parts["text/plain"], "Hello") || strings.Contains(parts["text/plain"], "<b>") {
		t.Errorf("text part = %q", parts["text/plain"])
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	be := &memoryBackend{username: "relay-user", password: "relay-pass"}
	host, port := startSMTPServer(t, be)

	sender := NewSMTPSender(testAccount, SMTPConfig{
		Host:     host,
		Port:     port,
		Username: "relay-user",
		Password: "relay-pass",
		TLS:      TLSNone,
		Timeout:  5 * time.Second,
	}, nil, testLogger())

	receipt, err := sender.Send(context.Background(), Message{
		To:      "jane@example.org",
		Subject: "Hello",
		HTML:    "<p>Hi</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.MessageID == "" {
		t.Error("expected a message id")
	}

	msgs := be.received()
	if len(msgs) != 1 {
		t.Fatalf("server received %d messages, want 1", len(msgs))
	}
	if msgs[0].From != "news@example.com" {
		t.Errorf("MAIL FROM = %q", msgs[0].From)
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "jane@example.org" {
		t.Errorf("RCPT TO = %v", msgs[0].To)
	}
	if !bytes.Contains(msgs[0].Data, []byte(receipt.MessageID)) {
		t.Error("delivered message does not carry the returned message id")
	}
}

func TestSMTPSenderErrors(t *testing.T) {
	be := &memoryBackend{username: "relay-user", password: "relay-pass"}
	host, port := startSMTPServer(t, be)

	tests := []struct {
		name     string
		password string
		to       string
		want     string
	}{
		{name: "bad credentials", password: "wrong", to: "jane@example.org", want: "AUTH failed"},
		{name: "rejected recipient", password: "relay-pass", to: "bob@rejected.test", want: "550"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewSMTPSender(testAccount, SMTPConfig{
				Host:     host,
				Port:     port,
				Username: "relay-user",
				Password: tt.password,
				TLS:      TLSNone,
				Timeout:  5 * time.Second,
			}, nil, testLogger())

			_, err := sender.Send(context.Background(), Message{To: tt.to, Subject: "Hi", HTML: "<p>Hi</p>"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}

	if n := len(be.received()); n != 0 {
		t.Errorf("server received %d messages, want 0", n)
	}
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	sender := NewSMTPSender(testAccount, SMTPConfig{
		Host:    "127.0.0.1",
		Port:    addr.Port,
		TLS:     TLSNone,
		Timeout: time.Second,
	}, nil, testLogger())

	if _, err := sender.Send(context.Background(), Message{To: "jane@example.org", HTML: "x"}); err == nil {
		t.Fatal("expected a connection error")
	}
}

func TestSMTPSenderDKIM(t *testing.T) {
	be := &memoryBackend{}
	host, port := startSMTPServer(t, be)

	signer, err := NewDKIMSignerFromFile(writeTestKey(t), "example.com", "mail")
	if err != nil {
		t.Fatalf("NewDKIMSignerFromFile() error = %v", err)
	}

	sender := NewSMTPSender(testAccount, SMTPConfig{Host: host, Port: port, TLS: TLSNone}, signer, testLogger())
	if _, err := sender.Send(context.Background(), Message{To: "jane@example.org", Subject: "Hi", HTML: "<p>Hi</p>"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := be.received()
	if len(msgs) != 1 {
		t.Fatalf("server received %d messages, want 1", len(msgs))
	}
	if !bytes.HasPrefix(msgs[0].Data, []byte("DKIM-Signature:")) {
		t.Error("message is not DKIM signed")
	}
	if !bytes.Contains(msgs[0].Data, []byte("d=example.com")) || !bytes.Contains(msgs[0].Data, []byte("s=mail")) {
		t.Error("signature does not name the domain and selector")
	}
}

func TestLoadPrivateKey(t *testing.T) {
	if _, err := LoadPrivateKey(writeTestKey(t)); err != nil {
		t.Fatalf("LoadPrivateKey() error = %v", err)
	}

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	os.WriteFile(garbage, []byte("not a key"), 0600)
	if _, err := LoadPrivateKey(garbage); err == nil {
		t.Error("expected an error for a non-PEM file")
	}

	if _, err := LoadPrivateKey(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSendGridSender(t *testing.T) {
	var payload map[string]any
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewSendGridSender(testAccount, SendGridConfig{
		APIKey:   "SG.test",
		Endpoint: srv.URL + "/v3/mail/send",
		Category: "outreach",
	}, testLogger())

	receipt, err := sender.Send(context.Background(), Message{To: "jane@example.org", Subject: "Hi", HTML: "<p>Hi</p>"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.MessageID != "sg-123" {
		t.Errorf("MessageID = %q, want sg-123", receipt.MessageID)
	}
	if auth != "Bearer SG.test" {
		t.Errorf("Authorization = %q", auth)
	}
	if payload["subject"] != "Hi" {
		t.Errorf("payload subject = %v", payload["subject"])
	}
	from, _ := payload["from"].(map[string]any)
	if from["email"] != "news@example.com" {
		t.Errorf("payload from = %v", payload["from"])
	}
}

func TestSendGridSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"message":"invalid from"}]}`))
	}))
	defer srv.Close()

	sender := NewSendGridSender(testAccount, SendGridConfig{APIKey: "SG.test", Endpoint: srv.URL}, testLogger())

	_, err := sender.Send(context.Background(), Message{To: "jane@example.org", HTML: "<p>Hi</p>"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "invalid from") {
		t.Errorf("error = %v", err)
	}
}

type fakeSender struct {
	sendFunc func(ctx context.Context, msg Message) (Receipt, error)
}

func (f *fakeSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f.sendFunc(ctx, msg)
}

func TestRouter(t *testing.T) {
	router := NewRouter()
	router.Register("primary", &fakeSender{sendFunc: func(ctx context.Context, msg Message) (Receipt, error) {
		return Receipt{MessageID: "id-" + msg.To}, nil
	}})
	router.Register("dry", NewLogSender(testAccount, testLogger()))

	if n := router.Accounts(); n != 2 {
		t.Errorf("Accounts() = %d, want 2", n)
	}

	receipt, err := router.Send(context.Background(), "primary", Message{To: "a@example.org"})
	if err != nil || receipt.MessageID != "id-a@example.org" {
		t.Errorf("Send() = %v, %v", receipt, err)
	}

	receipt, err = router.Send(context.Background(), "dry", Message{To: "a@example.org", HTML: "<p>x</p>"})
	if err != nil || receipt.MessageID == "" {
		t.Errorf("dry run Send() = %v, %v", receipt, err)
	}

	if _, err := router.Send(context.Background(), "missing", Message{To: "a@example.org"}); err == nil {
		t.Error("expected an error for an unknown account")
	}
	if _, err := router.Send(context.Background(), "primary", Message{}); err == nil {
		t.Error("expected an error for a message without recipient")
	}
}

// Package transport delivers rendered emails through a sending account's
// provider: SMTP submission, the SendGrid API, or the log (dry run).
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one rendered email ready for delivery
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string // derived from HTML when empty
}

// Receipt is returned by a provider that accepted a message
type Receipt struct {
	MessageID string
}

// Account is the sending identity of an email account
type Account struct {
	ID        string
	FromEmail string
	FromName  string
}

// Domain returns the domain part of the sender address
func (a Account) Domain() string {
	if i := strings.LastIndexByte(a.FromEmail, '@'); i >= 0 {
		return a.FromEmail[i+1:]
	}
	return "localhost"
}

// Sender delivers messages for a single account
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Router dispatches messages to the sender of their email account
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register sets the sender of an account, replacing any previous one
func (r *Router) Register(accountID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[accountID] = s
}

// Accounts returns the number of registered accounts
func (r *Router) Accounts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Send delivers msg through the sender registered for accountID
func (r *Router) Send(ctx context.Context, accountID string, msg Message) (Receipt, error) {
	r.mu.RLock()
	s, ok := r.senders[accountID]
	r.mu.RUnlock()

	if !ok {
		return Receipt{}, fmt.Errorf("unknown email account %q", accountID)
	}
	if msg.To == "" {
		return Receipt{}, fmt.Errorf("message has no recipient")
	}
	return s.Send(ctx, msg)
}

package sender

import (
	"context"
	"fmt"
	"net/smtp"
	"sync"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// smtpClient is the subset of *smtp.Client the sender uses, extracted so
// tests can substitute a fake without a live SMTP server.
type smtpClient interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (writeCloser, error)
	Noop() error
	Close() error
}

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// MailSender delivers notification items over SMTP. The underlying
// connection is owned explicitly: lazily established and verified on first
// use, guarded by a mutex, and droppable via Reset after a transient
// failure. There is no package-level connection state.
type MailSender struct {
	addr string
	from string

	mu     sync.Mutex
	client smtpClient

	// dial is swappable in tests.
	dial func(addr string) (smtpClient, error)
}

func NewMailSender(addr, from string) *MailSender {
	return &MailSender{
		addr: addr,
		from: from,
		dial: dialSMTP,
	}
}

// Send delivers the item's payload to its target address. A connection
// that fails mid-send is dropped so the next attempt dials fresh.
func (s *MailSender) Send(ctx context.Context, item *domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.clientLocked()
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.deliver(client, item); err != nil {
		s.resetLocked()
		return err
	}
	return nil
}

// Reset drops the cached connection so the next Send dials and re-verifies.
// Called by operators (or tests) to force a reconnect.
func (s *MailSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *MailSender) deliver(client smtpClient, item *domain.QueueItem) error {
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(item.Target); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(item.Payload); err != nil {
		w.Close() //nolint:errcheck
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close message: %w", err)
	}
	return nil
}

// clientLocked returns the cached connection, verifying it with a NOOP, or
// dials a new one. Callers hold s.mu.
func (s *MailSender) clientLocked() (smtpClient, error) {
	if s.client != nil {
		if err := s.client.Noop(); err == nil {
			return s.client, nil
		}
		s.resetLocked()
	}
	client, err := s.dial(s.addr)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *MailSender) resetLocked() {
	if s.client != nil {
		s.client.Close() //nolint:errcheck
		s.client = nil
	}
}

// realSMTPClient wraps *smtp.Client to satisfy the narrow interface.
type realSMTPClient struct {
	*smtp.Client
}

func (c realSMTPClient) Data() (writeCloser, error) {
	return c.Client.Data()
}

func dialSMTP(addr string) (smtpClient, error) {
	client, err := smtp.Dial(addr)
	if err != nil {
		return nil, err
	}
	return realSMTPClient{client}, nil
}

var _ Sender = (*MailSender)(nil)

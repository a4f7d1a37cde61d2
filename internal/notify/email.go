package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/alecthomas/errors"
)

// mailer abstracts SMTP delivery so tests can substitute a recording fake
// without opening a real network connection.
type mailer interface {
	Send(ctx context.Context, from string, to []string, n Notification) error
}

type smtpMailer struct {
	host string // "host:port"; Send is a no-op if empty
}

// Send delivers n via net/smtp. The original notifier used smtplib for the
// same fire-and-forget purpose; net/smtp's unauthenticated SendMail covers it
// without pulling in a full mail-server dependency for a handful of client
// calls (see SPEC_FULL.md's standard-library justification).
func (m smtpMailer) Send(ctx context.Context, from string, to []string, n Notification) error {
	_ = ctx
	if m.host == "" || len(to) == 0 {
		return nil
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		from, strings.Join(to, ", "), n.Subject, n.Body)
	if err := smtp.SendMail(m.host, nil, from, to, []byte(msg)); err != nil {
		return errors.Wrap(err, "send admission email")
	}
	return nil
}

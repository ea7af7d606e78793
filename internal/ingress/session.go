package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/maskrelay/internal/inbound"
	"github.com/shineum/maskrelay/internal/mask"
)

var (
	errRecipientDomain = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errBadMessage = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
	errNoRecipient = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "Send RCPT TO first",
	}
)

// session is one SMTP transaction sequence. The server limits each
// transaction to a single recipient.
type session struct {
	server        *Server
	ctx           context.Context
	remote        string
	authenticated bool

	mailFrom  string
	recipient string
}

func (s *session) AuthMechanisms() []string {
	if !s.server.auth.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.server.auth.Enabled() {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return s.server.auth.plainServer(func() { s.authenticated = true }), nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	s.mailFrom = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	_, domain, ok := mask.SplitAddress(to)
	if !ok || !s.server.acceptsDomain(domain) {
		return errRecipientDomain
	}
	s.recipient = to
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.recipient == "" {
		return errNoRecipient
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	logger := s.server.logger.With(
		slog.String("remote", s.remote),
		slog.String("mail_from", s.mailFrom),
		slog.String("recipient", s.recipient),
	)

	if err := s.server.deliverer.Deliver(s.ctx, s.recipient, raw); err != nil {
		logger.Error("ingress delivery failed", sloki.WrapError(err))
		return smtpError(err)
	}

	logger.Info("ingress message accepted", slog.Int("size", len(raw)))
	return nil
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.recipient = ""
}

func (s *session) Logout() error {
	return nil
}

// smtpError maps delivery failures to reply codes. Anything other than an
// unparsable message is temporary so the sending MTA retries.
func smtpError(err error) error {
	if errors.Is(err, inbound.ErrUnparsable) {
		return errBadMessage
	}
	return errTemporary
}

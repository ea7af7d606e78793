// Package smtp implements a Transport that submits raw messages to an SMTP
// relay host, stamping its own Message-ID and optionally signing with DKIM.
package smtp

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/mail"
	"strconv"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/maskrelay/internal/transport"
)

// Config holds the configuration for creating an SMTP Transport.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Domain is the right-hand side of generated Message-IDs.
	Domain string

	// DKIM signing is enabled when Signer is set.
	DKIMSelector string
	DKIMSigner   crypto.Signer
}

// sendFunc matches gosmtp.SendMail.
type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Transport submits messages over SMTP.
type Transport struct {
	addr   string
	auth   sasl.Client
	domain string
	dkim   *dkim.SignOptions
	send   sendFunc
	logger *slog.Logger
}

// New creates an SMTP Transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	t := &Transport{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		domain: cfg.Domain,
		send:   gosmtp.SendMail,
		logger: logger,
	}
	if cfg.Username != "" && cfg.Password != "" {
		t.auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	if cfg.DKIMSigner != nil {
		t.dkim = &dkim.SignOptions{
			Domain:   cfg.Domain,
			Selector: cfg.DKIMSelector,
			Signer:   cfg.DKIMSigner,
			HeaderKeys: []string{
				"from",
				"to",
				"subject",
				"date",
				"message-id",
				"reply-to",
			},
		}
	}
	return t
}

// SendRaw stamps a Message-ID, signs when configured, and submits the message.
// The returned id is the stamped Message-ID without angle brackets.
func (t *Transport) SendRaw(_ context.Context, msg transport.RawMessage) (string, error) {
	envelopeFrom, err := addrSpec(msg.Source)
	if err != nil {
		return "", &transport.TransportError{Provider: t.Name(), Message: err.Error(), Err: err}
	}

	id := fmt.Sprintf("%s@%s", uuid.NewString(), t.domain)
	data := stampMessageID(msg.Data, id)

	if t.dkim != nil {
		var signed bytes.Buffer
		if err := dkim.Sign(&signed, bytes.NewReader(data), t.dkim); err != nil {
			t.logger.Error("Failed to sign email", sloki.WrapError(err))
			return "", &transport.TransportError{Provider: t.Name(), Message: "dkim signing failed", Err: err}
		}
		data = signed.Bytes()
	}

	if err := t.send(t.addr, t.auth, envelopeFrom, msg.Destinations, bytes.NewReader(data)); err != nil {
		terr := toTransportError(err)
		t.logger.Error("smtp_client_error_raw_email",
			slog.String("host", t.addr),
			slog.String("code", terr.Code),
			slog.String("message", terr.Message),
		)
		return "", terr
	}
	return id, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

// stampMessageID prepends a Message-ID header to raw.
func stampMessageID(raw []byte, id string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(id) + 16)
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", id)
	buf.Write(raw)
	return buf.Bytes()
}

// addrSpec returns the bare address of a possibly display-named From value.
func addrSpec(from string) (string, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", fmt.Errorf("invalid source address: %w", err)
	}
	return addr.Address, nil
}

func toTransportError(err error) *transport.TransportError {
	terr := &transport.TransportError{
		Provider: "smtp",
		Message:  err.Error(),
		Err:      err,
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		terr.Code = strconv.Itoa(smtpErr.Code)
		terr.Message = smtpErr.Message
	}
	return terr
}

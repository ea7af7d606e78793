// Package relay assembles and submits relayed messages and records the reply
// channel for each successful submission.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/shineum/maskrelay/internal/compose"
	"github.com/shineum/maskrelay/internal/email"
	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/observe"
	"github.com/shineum/maskrelay/internal/reply"
	"github.com/shineum/maskrelay/internal/transport"
)

const sendMetric = "ses_send_raw_email"

// Request is one message to relay.
type Request struct {
	// From is the pre-formatted From header value.
	From        string
	To          string
	Subject     string
	Body        email.Body
	Attachments []email.Attachment

	// Headers of the original message; message-id, from and reply-to are kept
	// as reply metadata.
	Headers []email.Header

	// Owner is the mask the reply record belongs to. A nil Owner relays
	// without recording a reply channel.
	Owner mask.Ref
}

// Result describes a successful relay.
type Result struct {
	MessageID string
	Record    *reply.Record
}

// Dispatcher sends relayed messages through a Transport.
type Dispatcher struct {
	transport        transport.Transport
	replies          reply.Store
	logger           *slog.Logger
	metrics          *observe.Metrics
	emailDomain      string
	configurationSet string
}

// Config holds the service-level settings of a Dispatcher.
type Config struct {
	EmailDomain      string
	ConfigurationSet string
}

func NewDispatcher(t transport.Transport, replies reply.Store, cfg Config, logger *slog.Logger, metrics *observe.Metrics) *Dispatcher {
	return &Dispatcher{
		transport:        t,
		replies:          replies,
		logger:           logger,
		metrics:          metrics,
		emailDomain:      cfg.EmailDomain,
		configurationSet: cfg.ConfigurationSet,
	}
}

// ReplyAddress is the fixed Reply-To of every relayed message.
func (d *Dispatcher) ReplyAddress() string {
	return "replies@" + d.emailDomain
}

// Relay assembles req, submits it, and on success stores an encrypted reply
// record keyed by the transport's message id. A transport rejection returns
// a *transport.TransportError and stores nothing. Attachment streams are
// always closed.
func (d *Dispatcher) Relay(ctx context.Context, req Request) (*Result, error) {
	data, err := compose.Assemble(compose.Headers{
		Subject: req.Subject,
		From:    req.From,
		To:      req.To,
		ReplyTo: d.ReplyAddress(),
	}, req.Body, req.Attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble message: %w", err)
	}

	var messageID string
	err = d.metrics.Time(sendMetric, func() error {
		var sendErr error
		messageID, sendErr = d.transport.SendRaw(ctx, transport.RawMessage{
			Source:           req.From,
			Destinations:     []string{req.To},
			Data:             data,
			ConfigurationSet: d.configurationSet,
		})
		return sendErr
	})
	if err != nil {
		var terr *transport.TransportError
		if !errors.As(err, &terr) {
			terr = &transport.TransportError{Provider: d.transport.Name(), Message: err.Error(), Err: err}
		}
		d.logger.Error("relay_send_failed",
			slog.String("provider", terr.Provider),
			slog.String("code", terr.Code),
			slog.String("message", terr.Message),
			slog.String("owner", mask.RefString(req.Owner)),
		)
		return nil, terr
	}
	d.metrics.Incr(sendMetric, 1)

	result := &Result{MessageID: messageID}
	if req.Owner == nil {
		return result, nil
	}

	rec, err := d.recordReply(ctx, messageID, req)
	if err != nil {
		d.logger.Error("Failed to store reply record",
			slog.String("message_id", messageID),
			slog.String("owner", mask.RefString(req.Owner)),
			sloki.WrapError(err),
		)
		return result, fmt.Errorf("message %s sent but reply record not stored: %w", messageID, err)
	}
	result.Record = rec
	return result, nil
}

func (d *Dispatcher) recordReply(ctx context.Context, messageID string, req Request) (*reply.Record, error) {
	keys := reply.DeriveKeys(reply.MessageIDBytes(messageID))

	token, err := reply.EncryptMetadata(keys.Encryption[:], reply.ExtractMetadata(req.Headers))
	if err != nil {
		return nil, err
	}

	rec, err := reply.NewRecord(reply.LookupString(keys.Lookup[:]), token, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := d.replies.CreateReply(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Package inbound processes SES receipt notifications: it fetches the stored
// message and relays it either to a mask owner or, for replies, back to the
// original sender.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/shineum/maskrelay/internal/dedup"
	"github.com/shineum/maskrelay/internal/email"
	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/notification"
	"github.com/shineum/maskrelay/internal/relay"
	"github.com/shineum/maskrelay/internal/relayfrom"
	"github.com/shineum/maskrelay/internal/reply"
)

var (
	// ErrNoObject means the notification did not point at a stored message.
	ErrNoObject = errors.New("notification has no stored message")

	// ErrUnparsable means the raw message could not be parsed as MIME.
	ErrUnparsable = errors.New("failed to parse inbound message")
)

const dedupScope = "inbound"

// ObjectStore fetches and removes raw inbound messages.
type ObjectStore interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	Remove(ctx context.Context, bucket, key string) bool
}

// Parser turns raw bytes into a message.
type Parser interface {
	Parse(raw []byte) (*email.Message, error)
}

// Relayer submits relayed messages.
type Relayer interface {
	Relay(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// Counter records event counts.
type Counter interface {
	Incr(name string, n int)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Objects   ObjectStore
	Parser    Parser
	Masks     mask.Store
	Resolver  *reply.Resolver
	Relayer   Relayer
	Formatter *relayfrom.Formatter
	Dedup     dedup.Guard
	Metrics   Counter
	Logger    *slog.Logger
}

// Processor handles one notification at a time.
type Processor struct {
	Deps
	emailDomain string
}

func NewProcessor(emailDomain string, deps Deps) *Processor {
	if deps.Dedup == nil {
		deps.Dedup = dedup.Noop{}
	}
	return &Processor{Deps: deps, emailDomain: strings.ToLower(emailDomain)}
}

// Process handles one raw notification body. Dropped messages (unknown or
// disabled masks, unmatched replies, duplicates) return nil. Storage and
// transport failures are returned so the caller can redeliver. A failed
// attempt releases its dedup claim, and the stored object is only removed
// after the message was handled.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	n, err := notification.Parse(body)
	if err != nil {
		return err
	}
	if n.IsControl() {
		p.Logger.Info("sns_control_message",
			slog.String("type", n.Envelope.Type),
			slog.String("topic_arn", n.Envelope.TopicArn),
			slog.String("subscribe_url", n.Envelope.SubscribeURL),
		)
		return nil
	}

	bucket, key := notification.Locate(n, p.Logger)
	if bucket == "" || key == "" {
		return ErrNoObject
	}

	id := n.Mail.MessageID
	if id != "" && !p.Dedup.AcquireOnce(ctx, dedupScope, id) {
		p.Metrics.Incr("inbound_duplicate", 1)
		return nil
	}

	if err := p.processObject(ctx, n, bucket, key); err != nil {
		if id != "" {
			p.Dedup.Release(ctx, dedupScope, id)
		}
		return err
	}

	p.Objects.Remove(ctx, bucket, key)
	return nil
}

func (p *Processor) processObject(ctx context.Context, n *notification.Notification, bucket, key string) error {
	raw, err := p.Objects.Fetch(ctx, bucket, key)
	if err != nil {
		return err
	}

	msg, err := p.Parser.Parse(raw)
	if err != nil {
		p.Logger.Error("Failed to parse inbound message",
			slog.String("bucket", bucket),
			slog.String("key", key),
			sloki.WrapError(err),
		)
		return fmt.Errorf("%w: %w", ErrUnparsable, err)
	}
	if len(n.Mail.Headers) > 0 {
		msg.Headers = n.Mail.Headers
	}

	return p.route(ctx, p.recipient(n, msg), n.Spam(), msg)
}

// Deliver handles a raw message received directly for recipient, without a
// receipt notification. No spam verdict is available on this path.
func (p *Processor) Deliver(ctx context.Context, recipient string, raw []byte) error {
	msg, err := p.Parser.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnparsable, err)
	}
	if msg.MessageID != "" && !p.Dedup.AcquireOnce(ctx, dedupScope, msg.MessageID) {
		email.CloseAttachments(msg.Attachments)
		p.Metrics.Incr("inbound_duplicate", 1)
		return nil
	}
	if err := p.route(ctx, recipient, false, msg); err != nil {
		if msg.MessageID != "" {
			p.Dedup.Release(ctx, dedupScope, msg.MessageID)
		}
		return err
	}
	return nil
}

func (p *Processor) route(ctx context.Context, recipient string, spam bool, msg *email.Message) error {
	if p.isReplyAddress(recipient) {
		return p.handleReply(ctx, msg)
	}
	return p.handleMask(ctx, recipient, spam, msg)
}

func (p *Processor) recipient(n *notification.Notification, msg *email.Message) string {
	if n.Receipt != nil && len(n.Receipt.Recipients) > 0 {
		return n.Receipt.Recipients[0]
	}
	if len(n.Mail.Destination) > 0 {
		return n.Mail.Destination[0]
	}
	if len(msg.To) > 0 {
		return msg.To[0]
	}
	return ""
}

func (p *Processor) isReplyAddress(address string) bool {
	local, domain, ok := mask.SplitAddress(address)
	return ok && local == "replies" && domain == p.emailDomain
}

func (p *Processor) handleMask(ctx context.Context, recipient string, spam bool, msg *email.Message) error {
	m, err := p.Masks.GetMaskByAddress(ctx, recipient)
	if errors.Is(err, mask.ErrMaskNotFound) {
		email.CloseAttachments(msg.Attachments)
		p.Logger.Info("email_for_unknown_address", slog.String("address", recipient))
		p.Metrics.Incr("email_for_unknown_address", 1)
		return nil
	}
	if err != nil {
		email.CloseAttachments(msg.Attachments)
		return fmt.Errorf("failed to look up mask: %w", err)
	}

	if !m.Enabled {
		email.CloseAttachments(msg.Attachments)
		p.Metrics.Incr("email_for_disabled_address", 1)
		p.increment(ctx, m.Ref(), mask.CounterBlocked)
		return nil
	}

	if m.BlockListEmails && spam {
		email.CloseAttachments(msg.Attachments)
		p.Metrics.Incr("email_auto_suppressed_for_spam", 1)
		p.increment(ctx, m.Ref(), mask.CounterSpam)
		return nil
	}

	res, err := p.Relayer.Relay(ctx, relay.Request{
		From:        p.Formatter.Format(msg.From),
		To:          m.UserEmail,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Attachments: msg.Attachments,
		Headers:     msg.Headers,
		Owner:       m.Ref(),
	})
	// A result with an error means the message went out but replies to it
	// cannot be correlated. Redelivering would send it twice.
	if err != nil && res == nil {
		return err
	}

	p.increment(ctx, m.Ref(), mask.CounterForwarded)
	return nil
}

func (p *Processor) handleReply(ctx context.Context, msg *email.Message) error {
	rc, err := p.Resolver.ResolveAny(ctx, msg.InReplyTo, msg.References)
	if err != nil && !errors.Is(err, reply.ErrNoReplyContext) {
		email.CloseAttachments(msg.Attachments)
		return err
	}
	if err != nil {
		email.CloseAttachments(msg.Attachments)
		p.Logger.Info("reply_context_not_found", sloki.WrapError(err))
		p.Metrics.Incr("reply_context_not_found", 1)
		return nil
	}

	m, err := p.Masks.GetMask(ctx, rc.Owner)
	if err != nil {
		email.CloseAttachments(msg.Attachments)
		if errors.Is(err, mask.ErrMaskNotFound) {
			p.Logger.Info("reply_mask_not_found", slog.String("owner", mask.RefString(rc.Owner)))
			return nil
		}
		return fmt.Errorf("failed to load reply mask: %w", err)
	}

	if !sameAddress(msg.From, m.UserEmail) {
		email.CloseAttachments(msg.Attachments)
		p.Logger.Info("reply_from_unexpected_sender", slog.String("owner", mask.RefString(rc.Owner)))
		p.Metrics.Incr("reply_from_unexpected_sender", 1)
		return nil
	}

	_, err = p.Relayer.Relay(ctx, relay.Request{
		From:        m.FullAddress(),
		To:          rc.Recipient(),
		Subject:     msg.Subject,
		Body:        msg.Body,
		Attachments: msg.Attachments,
		Headers:     msg.Headers,
	})
	if err != nil {
		return err
	}

	p.increment(ctx, m.Ref(), mask.CounterReplied)
	return nil
}

// increment updates a mask counter; failures are logged only.
func (p *Processor) increment(ctx context.Context, ref mask.Ref, c mask.Counter) {
	if err := p.Masks.IncrementCounter(ctx, ref, c); err != nil {
		p.Logger.Warn("Failed to increment mask counter",
			slog.String("owner", mask.RefString(ref)),
			slog.String("counter", string(c)),
			sloki.WrapError(err),
		)
	}
}

func sameAddress(header, want string) bool {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(header), want)
	}
	return strings.EqualFold(addr.Address, want)
}

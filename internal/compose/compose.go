// Package compose assembles outbound relay messages as raw RFC 5322 bytes.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/maskrelay/internal/email"
)

// Headers are the top-level headers of an outbound message. Values are used
// as given; From is expected to be pre-formatted (see relayfrom).
type Headers struct {
	Subject string
	From    string
	To      string
	ReplyTo string
}

// Assemble builds a multipart/mixed message holding a multipart/alternative
// body (plain and/or HTML, UTF-8) followed by one part per attachment.
// The alternative part is written even when body is empty.
//
// Every attachment stream is closed before Assemble returns, on all paths.
func Assemble(h Headers, body email.Body, attachments []email.Attachment) ([]byte, error) {
	defer email.CloseAttachments(attachments)

	var hdr mail.Header
	hdr.SetDate(time.Now())
	hdr.SetSubject(h.Subject)
	hdr.Set("From", h.From)
	hdr.Set("To", h.To)
	if h.ReplyTo != "" {
		hdr.Set("Reply-To", h.ReplyTo)
	}
	hdr.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := writeBody(mw, body); err != nil {
		return nil, err
	}

	for _, att := range attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the multipart/alternative child container.
func writeBody(mw *mail.Writer, body email.Body) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create body container: %w", err)
	}

	if body.Text != nil {
		if err := writeInline(iw, "text/plain", *body.Text); err != nil {
			return err
		}
	}
	if body.HTML != nil {
		if err := writeInline(iw, "text/html", *body.HTML); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close body container: %w", err)
	}
	return nil
}

func writeInline(iw *mail.InlineWriter, mediaType, content string) error {
	var h mail.InlineHeader
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s part: %w", mediaType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close %s part: %w", mediaType, err)
	}
	return nil
}

// writeAttachment embeds one attachment stream, rewound to its start.
func writeAttachment(mw *mail.Writer, att email.Attachment) error {
	if att.Content == nil {
		return fmt.Errorf("attachment %q has no content", att.Filename)
	}
	if _, err := att.Content.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind attachment %q: %w", att.Filename, err)
	}

	var h mail.AttachmentHeader
	h.SetContentType("application/octet-stream", nil)
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetFilename(att.Filename)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("failed to create attachment part %q: %w", att.Filename, err)
	}
	if _, err := io.Copy(w, att.Content); err != nil {
		w.Close()
		return fmt.Errorf("failed to read attachment %q: %w", att.Filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close attachment part %q: %w", att.Filename, err)
	}
	return nil
}

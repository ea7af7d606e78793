// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	// Registers extra charsets for non UTF-8 parts.
	_ "github.com/emersion/go-message/charset"

	"github.com/shineum/maskrelay/internal/email"
)

// Parser turns raw messages into email.Message values. Attachment bodies are
// spooled to temporary files that are removed when their stream is closed.
type Parser struct {
	tempDir string
	logger  *slog.Logger
}

// New creates a Parser that spools attachments under tempDir ("" means os.TempDir).
func New(tempDir string, logger *slog.Logger) *Parser {
	return &Parser{tempDir: tempDir, logger: logger}
}

// Parse parses a raw RFC 5322 message. It handles plain text messages,
// multipart messages with text/html bodies at any nesting depth, and
// attachments. Unrecognized parts are logged and skipped.
//
// The caller owns the returned attachment streams.
func (p *Parser) Parse(raw []byte) (msg *email.Message, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &email.Message{}
	defer func() {
		if err != nil {
			email.CloseAttachments(result.Attachments)
		}
	}()

	readHeaders(&mr.Header, result)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
			p.logger.Warn("unsupported part encoding, skipping", sloki.WrapError(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			if mediaType == "" {
				mediaType = "text/plain"
			}

			switch mediaType {
			case "text/plain":
				if err := setOnce(&result.Body.Text, part.Body); err != nil {
					return nil, err
				}
			case "text/html":
				if err := setOnce(&result.Body.HTML, part.Body); err != nil {
					return nil, err
				}
			default:
				// Named parts without an attachment disposition are still files.
				if hasFilename(h, params) {
					if err := p.addAttachment(result, inlineFilename(h, mediaType, params), part.Body); err != nil {
						return nil, err
					}
					continue
				}
				p.logger.Warn("unrecognized MIME part, skipping",
					slog.String("content_type", mediaType),
				)
			}

		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil || filename == "" {
				mediaType, params, _ := h.ContentType()
				filename = inlineFilename(&mail.InlineHeader{Header: h.Header}, mediaType, params)
			}
			if err := p.addAttachment(result, filename, part.Body); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

func readHeaders(h *mail.Header, result *email.Message) {
	result.Subject, _ = h.Subject()
	result.MessageID = h.Get("Message-Id")
	result.InReplyTo = h.Get("In-Reply-To")
	result.References = h.Get("References")

	if from, err := h.Text("From"); err == nil {
		result.From = from
	} else {
		result.From = h.Get("From")
	}
	result.To = parseAddressList(h, "To")

	// Values stay raw, as SES reports them in mail.headers.
	fields := h.Fields()
	for fields.Next() {
		result.Headers = append(result.Headers, email.Header{Name: fields.Key(), Value: fields.Value()})
	}
}

func (p *Parser) addAttachment(result *email.Message, filename string, body io.Reader) error {
	f, err := spool(p.tempDir, body)
	if err != nil {
		return fmt.Errorf("failed to spool attachment %q: %w", filename, err)
	}
	result.Attachments = append(result.Attachments, email.Attachment{
		Filename: filename,
		Content:  f,
	})
	return nil
}

// tempFile is a spooled attachment; Close also removes it.
type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func spool(dir string, body io.Reader) (*tempFile, error) {
	f, err := os.CreateTemp(dir, "maskrelay-att-*")
	if err != nil {
		return nil, err
	}
	tf := &tempFile{File: f}

	if _, err := io.Copy(f, body); err != nil {
		tf.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		tf.Close()
		return nil, err
	}
	return tf, nil
}

func setOnce(dst **string, body io.Reader) error {
	content, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read part content: %w", err)
	}
	if *dst == nil {
		s := string(content)
		*dst = &s
	}
	return nil
}

func hasFilename(h *mail.InlineHeader, params map[string]string) bool {
	if _, dparams, err := h.ContentDisposition(); err == nil && dparams["filename"] != "" {
		return true
	}
	return params["name"] != ""
}

// inlineFilename picks a filename from the Content-Disposition or Content-Type
// parameters, falling back to one derived from the media type.
func inlineFilename(h *mail.InlineHeader, mediaType string, params map[string]string) string {
	if _, dparams, err := h.ContentDisposition(); err == nil && dparams["filename"] != "" {
		return dparams["filename"]
	}
	if name := params["name"]; name != "" {
		return name
	}
	if parts := strings.SplitN(mediaType, "/", 2); len(parts) == 2 && parts[1] != "" {
		return "attachment." + parts[1]
	}
	return "attachment"
}

// parseAddressList returns the bare addresses of a header, falling back to a
// simple comma split when RFC 5322 parsing fails.
func parseAddressList(h *mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

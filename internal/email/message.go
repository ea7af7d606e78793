// Package email defines the message data model shared by the relay pipeline.
package email

import (
	"io"
	"strings"
)

// Header is a single header as delivered in an SES notification's mail.headers list.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Body holds the optional plain-text and HTML renditions of a message.
// A nil pointer means the rendition is absent; an empty string is a present but empty part.
type Body struct {
	Text *string
	HTML *string
}

// Empty reports whether neither rendition is present.
func (b Body) Empty() bool {
	return b.Text == nil && b.HTML == nil
}

// Attachment is a named binary part. Ownership of Content passes to whoever
// assembles the message; callers must not use the stream afterwards.
type Attachment struct {
	Filename string
	Content  io.ReadSeekCloser
}

// Message is an inbound message after parsing.
type Message struct {
	From        string
	To          []string
	Subject     string
	MessageID   string
	InReplyTo   string
	References  string
	Body        Body
	Attachments []Attachment
	Headers     []Header
}

// HeaderValue returns the first header value whose name matches, ignoring case.
func HeaderValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// CloseAttachments releases every attachment stream, ignoring errors.
// It is used on paths where a message is dropped before assembly.
func CloseAttachments(atts []Attachment) {
	for _, att := range atts {
		if att.Content != nil {
			att.Content.Close()
		}
	}
}

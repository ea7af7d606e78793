// Package stdout implements a Transport that prints submissions instead of sending them.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/maskrelay/internal/transport"
)

// Transport prints message summaries in a human-readable format.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// SendRaw prints a summary of msg and returns a generated message id.
// Only the headers are shown; bodies never reach the output.
func (p *Transport) SendRaw(_ context.Context, msg transport.RawMessage) (string, error) {
	subject := ""
	if r, err := mail.CreateReader(bytes.NewReader(msg.Data)); err == nil {
		subject, _ = r.Header.Subject()
		r.Close()
	}

	id := fmt.Sprintf("%s@stdout.local", uuid.NewString())

	var b strings.Builder
	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Message-ID: %s\n", id))
	b.WriteString(fmt.Sprintf("Source: %s\n", msg.Source))
	b.WriteString(fmt.Sprintf("Destinations: %s\n", strings.Join(msg.Destinations, ", ")))
	if msg.ConfigurationSet != "" {
		b.WriteString(fmt.Sprintf("Configuration-Set: %s\n", msg.ConfigurationSet))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\n", subject))
	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(len(msg.Data))))
	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return "", &transport.TransportError{Provider: p.Name(), Message: err.Error(), Err: err}
	}
	return id, nil
}

// Name returns the transport name.
func (p *Transport) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

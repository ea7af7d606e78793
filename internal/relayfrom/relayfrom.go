// Package relayfrom formats the From header of relayed mail: the original
// sender is shown in the display name while the service stays the sender.
package relayfrom

import (
	"fmt"
	"net/mail"
	"strings"
)

const (
	// maxHeaderLine is the RFC 5322 hard limit for a header line.
	maxHeaderLine = 998
	// truncatedLength leaves room for the suffix and the service address.
	truncatedLength = 900

	viaSuffix = " [via Relay]"
)

var lineBreaks = strings.NewReplacer("\u2028", "", "\r", "", "\n", "")

// Formatter builds From values around a fixed service address.
type Formatter struct {
	address string
}

// New parses the configured relay From address. A display name in it is
// ignored; only the addr-spec is kept.
func New(fromAddress string) (*Formatter, error) {
	addr, err := mail.ParseAddress(fromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid relay from address %q: %w", fromAddress, err)
	}
	return &Formatter{address: addr.Address}, nil
}

// Address returns the service addr-spec every formatted value delivers to.
func (f *Formatter) Address() string {
	return f.address
}

// Format returns `"<original> [via Relay]" <service address>`. Over-long
// originals are cut to 900 characters plus " ...", line breaks are removed,
// and non-ASCII display names are RFC 2047 encoded.
func (f *Formatter) Format(original string) string {
	if runes := []rune(original); len(runes) > maxHeaderLine {
		original = string(runes[:truncatedLength]) + " ..."
	}
	original = lineBreaks.Replace(original)

	addr := mail.Address{
		Name:    original + viaSuffix,
		Address: f.address,
	}
	return addr.String()
}

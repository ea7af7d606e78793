// Package transport defines the interface for outbound mail submission backends.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// RawMessage is a fully assembled message ready for submission.
type RawMessage struct {
	Source           string
	Destinations     []string
	Data             []byte
	ConfigurationSet string
}

// Transport is the interface that outbound backends must implement.
// Each backend submits a raw message and reports the identifier it assigned.
type Transport interface {
	// SendRaw submits msg and returns the provider-assigned message id.
	SendRaw(ctx context.Context, msg RawMessage) (string, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// ErrTransport is the sentinel matched by every *TransportError.
var ErrTransport = errors.New("relay transport error")

// TransportError is a rejected or failed submission, carrying the provider's
// error code and message for triage.
type TransportError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s transport error (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s transport error: %s", e.Provider, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Package mask defines alias addresses ("masks") and the closed set of
// references that identify which kind of mask owns a reply record.
package mask

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the mask type tag.
type Kind string

const (
	// KindRandom is a generated address on the shared relay domain.
	KindRandom Kind = "random"
	// KindCustom is a user-chosen address on the user's own subdomain.
	KindCustom Kind = "custom"
)

// Counter names a per-mask statistic.
type Counter string

const (
	CounterForwarded Counter = "forwarded"
	CounterBlocked   Counter = "blocked"
	CounterReplied   Counter = "replied"
	CounterSpam      Counter = "spam"
)

var (
	ErrMaskNotFound   = errors.New("mask not found")
	ErrUnknownCounter = errors.New("unknown mask counter")
)

// Ref identifies a mask by kind and id. The set of implementations is closed:
// RelayRef and DomainRef.
type Ref interface {
	MaskID() int64
	Kind() Kind
	isRef()
}

// RelayRef points at a random mask.
type RelayRef struct{ ID int64 }

// DomainRef points at a custom-domain mask.
type DomainRef struct{ ID int64 }

func (r RelayRef) MaskID() int64 { return r.ID }
func (r RelayRef) Kind() Kind    { return KindRandom }
func (RelayRef) isRef()          {}

func (r DomainRef) MaskID() int64 { return r.ID }
func (r DomainRef) Kind() Kind    { return KindCustom }
func (DomainRef) isRef()          {}

// RefString renders the ref for logs, e.g. "random:42".
func RefString(r Ref) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Kind(), r.MaskID())
}

// Mask is a user's alias address.
type Mask struct {
	ID              int64
	Kind            Kind
	Address         string
	Domain          string
	Subdomain       string
	UserEmail       string
	Enabled         bool
	BlockListEmails bool

	NumForwarded int
	NumBlocked   int
	NumReplied   int
	NumSpam      int
}

// FullAddress derives the deliverable address from the local part and domain.
// Custom masks live under the owner's subdomain.
func (m *Mask) FullAddress() string {
	if m.Kind == KindCustom && m.Subdomain != "" {
		return fmt.Sprintf("%s@%s.%s", m.Address, m.Subdomain, m.Domain)
	}
	return fmt.Sprintf("%s@%s", m.Address, m.Domain)
}

// Ref returns the owner reference matching the mask's kind.
func (m *Mask) Ref() Ref {
	if m.Kind == KindCustom {
		return DomainRef{ID: m.ID}
	}
	return RelayRef{ID: m.ID}
}

// SplitAddress splits a full address into its lowercased local part and domain.
func SplitAddress(address string) (local, domain string, ok bool) {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", false
	}
	return address[:at], address[at+1:], true
}

// Store reads masks and updates their counters.
type Store interface {
	GetMaskByAddress(ctx context.Context, address string) (*Mask, error)
	GetMask(ctx context.Context, ref Ref) (*Mask, error)
	IncrementCounter(ctx context.Context, ref Ref, c Counter) error
}

// ValidCounter reports whether c is one of the known counters.
func ValidCounter(c Counter) bool {
	switch c {
	case CounterForwarded, CounterBlocked, CounterReplied, CounterSpam:
		return true
	}
	return false
}

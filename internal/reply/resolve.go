package reply

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/maskrelay/internal/mask"
)

// ErrNoReplyContext means an inbound reply could not be tied to a stored
// record. Callers drop or bounce the message; it is never fatal.
var ErrNoReplyContext = errors.New("no matching reply context")

// Context is what a reply resolves to.
type Context struct {
	Owner    mask.Ref
	Metadata Metadata
}

// Recipient returns the address a reply should go to: the original Reply-To
// when present, otherwise the original From.
func (c *Context) Recipient() string {
	if rt := strings.TrimSpace(c.Metadata[KeyReplyTo]); rt != "" {
		return rt
	}
	return strings.TrimSpace(c.Metadata[KeyFrom])
}

// Resolver maps In-Reply-To values back to reply records.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve derives the keys from inReplyTo, loads the matching record and
// decrypts its metadata. A missing record, a lookup mismatch or a token that
// does not open wraps ErrNoReplyContext; store failures are returned as is.
func (r *Resolver) Resolve(ctx context.Context, inReplyTo string) (*Context, error) {
	id := MessageIDBytes(inReplyTo)
	if len(id) == 0 {
		return nil, fmt.Errorf("%w: missing in-reply-to", ErrNoReplyContext)
	}

	keys := DeriveKeys(id)
	lookup := LookupString(keys.Lookup[:])

	rec, err := r.store.GetReplyByLookup(ctx, lookup)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNoReplyContext, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reply record: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Lookup), []byte(lookup)) != 1 {
		return nil, fmt.Errorf("%w: lookup mismatch", ErrNoReplyContext)
	}

	md, err := DecodeMetadata(keys.Encryption[:], rec.EncryptedMetadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoReplyContext, err)
	}

	return &Context{Owner: rec.Owner, Metadata: md}, nil
}

// ResolveAny tries each candidate id in order (In-Reply-To first, then the
// References list newest to oldest) and returns the first match. A store
// failure stops the search.
func (r *Resolver) ResolveAny(ctx context.Context, inReplyTo, references string) (*Context, error) {
	candidates := make([]string, 0, 4)
	if strings.TrimSpace(inReplyTo) != "" {
		candidates = append(candidates, inReplyTo)
	}
	refs := strings.Fields(references)
	for i := len(refs) - 1; i >= 0; i-- {
		candidates = append(candidates, refs[i])
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no reply headers", ErrNoReplyContext)
	}

	var lastErr error
	for _, c := range candidates {
		rc, err := r.Resolve(ctx, c)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, ErrNoReplyContext) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

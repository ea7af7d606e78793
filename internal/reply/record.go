package reply

import (
	"context"
	"errors"

	"github.com/shineum/maskrelay/internal/mask"
)

var (
	ErrRecordNotFound = errors.New("reply record not found")
	ErrNoOwner        = errors.New("reply record requires an owning mask")
)

// Record is the persisted reply channel of one relayed message.
type Record struct {
	Lookup            string
	EncryptedMetadata string
	Owner             mask.Ref
}

// NewRecord builds a Record, enforcing that exactly one mask owns it.
func NewRecord(lookup, encryptedMetadata string, owner mask.Ref) (Record, error) {
	if owner == nil {
		return Record{}, ErrNoOwner
	}
	if lookup == "" {
		return Record{}, errors.New("reply record requires a lookup")
	}
	return Record{
		Lookup:            lookup,
		EncryptedMetadata: encryptedMetadata,
		Owner:             owner,
	}, nil
}

// Store persists reply records. CreateReply is a plain insert; callers
// deduplicate redelivered messages before relaying.
type Store interface {
	CreateReply(ctx context.Context, rec Record) error
	GetReplyByLookup(ctx context.Context, lookup string) (*Record, error)
}

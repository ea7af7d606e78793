// Package memory is an in-process mask and reply store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/reply"
)

type maskKey struct {
	kind mask.Kind
	id   int64
}

// Store keeps masks and reply records in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	masks   map[maskKey]*mask.Mask
	replies map[string][]reply.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		masks:   make(map[maskKey]*mask.Mask),
		replies: make(map[string][]reply.Record),
	}
}

// CreateMask stores a copy of m, assigning its ID when zero.
func (s *Store) CreateMask(_ context.Context, m *mask.Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == 0 {
		s.nextID++
		m.ID = s.nextID
	} else if m.ID > s.nextID {
		s.nextID = m.ID
	}

	cp := *m
	s.masks[maskKey{kind: m.Kind, id: m.ID}] = &cp
	return nil
}

func (s *Store) GetMaskByAddress(_ context.Context, address string) (*mask.Mask, error) {
	local, domain, ok := mask.SplitAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.masks {
		l, d, _ := mask.SplitAddress(m.FullAddress())
		if l == local && d == domain {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
}

func (s *Store) GetMask(_ context.Context, ref mask.Ref) (*mask.Mask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.masks[maskKey{kind: ref.Kind(), id: ref.MaskID()}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mask.ErrMaskNotFound, mask.RefString(ref))
	}
	cp := *m
	return &cp, nil
}

func (s *Store) IncrementCounter(_ context.Context, ref mask.Ref, c mask.Counter) error {
	if !mask.ValidCounter(c) {
		return fmt.Errorf("%w: %q", mask.ErrUnknownCounter, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masks[maskKey{kind: ref.Kind(), id: ref.MaskID()}]
	if !ok {
		return fmt.Errorf("%w: %s", mask.ErrMaskNotFound, mask.RefString(ref))
	}

	switch c {
	case mask.CounterForwarded:
		m.NumForwarded++
	case mask.CounterBlocked:
		m.NumBlocked++
	case mask.CounterReplied:
		m.NumReplied++
	case mask.CounterSpam:
		m.NumSpam++
	}
	return nil
}

func (s *Store) CreateReply(_ context.Context, rec reply.Record) error {
	if rec.Owner == nil {
		return reply.ErrNoOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.replies[rec.Lookup] = append(s.replies[rec.Lookup], rec)
	return nil
}

// GetReplyByLookup returns the newest record for lookup.
func (s *Store) GetReplyByLookup(_ context.Context, lookup string) (*reply.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.replies[lookup]
	if len(recs) == 0 {
		return nil, reply.ErrRecordNotFound
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

// ReplyCount returns the number of stored reply records.
func (s *Store) ReplyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, recs := range s.replies {
		n += len(recs)
	}
	return n
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

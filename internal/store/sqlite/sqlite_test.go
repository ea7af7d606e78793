package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/reply"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "maskrelay.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedMasks(t *testing.T, db *DB) (random, custom *mask.Mask) {
	t.Helper()

	random = &mask.Mask{Kind: mask.KindRandom, Address: "abc123", Domain: "relay.example", UserEmail: "user@real.example", Enabled: true}
	custom = &mask.Mask{Kind: mask.KindCustom, Address: "shop", Subdomain: "alice", Domain: "relay.example", UserEmail: "alice@real.example", Enabled: false}
	for _, m := range []*mask.Mask{random, custom} {
		if err := db.CreateMask(context.Background(), m); err != nil {
			t.Fatalf("CreateMask: %v", err)
		}
	}
	return random, custom
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := db.migrate(); err != nil {
		t.Errorf("second migrate: %v", err)
	}
}

func TestGetMaskByAddress(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	random, custom := seedMasks(t, db)
	ctx := context.Background()

	got, err := db.GetMaskByAddress(ctx, "ABC123@relay.example")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != random.ID || got.Kind != mask.KindRandom || got.UserEmail != "user@real.example" || !got.Enabled {
		t.Errorf("random mask: got %+v", got)
	}

	got, err = db.GetMaskByAddress(ctx, "shop@alice.relay.example")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != custom.ID || got.Kind != mask.KindCustom || got.Subdomain != "alice" || got.Enabled {
		t.Errorf("custom mask: got %+v", got)
	}
	if got.FullAddress() != "shop@alice.relay.example" {
		t.Errorf("FullAddress: got %q", got.FullAddress())
	}

	if _, err := db.GetMaskByAddress(ctx, "nobody@relay.example"); !errors.Is(err, mask.ErrMaskNotFound) {
		t.Errorf("expected ErrMaskNotFound, got %v", err)
	}
}

func TestIncrementCounter(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	random, custom := seedMasks(t, db)
	ctx := context.Background()

	if err := db.IncrementCounter(ctx, random.Ref(), mask.CounterForwarded); err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementCounter(ctx, custom.Ref(), mask.CounterBlocked); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMask(ctx, random.Ref())
	if err != nil {
		t.Fatal(err)
	}
	if got.NumForwarded != 1 || got.NumBlocked != 0 {
		t.Errorf("random counters: got %+v", got)
	}
	got, err = db.GetMask(ctx, custom.Ref())
	if err != nil {
		t.Fatal(err)
	}
	if got.NumBlocked != 1 {
		t.Errorf("custom counters: got %+v", got)
	}

	if err := db.IncrementCounter(ctx, random.Ref(), "bogus"); !errors.Is(err, mask.ErrUnknownCounter) {
		t.Errorf("expected ErrUnknownCounter, got %v", err)
	}
	if err := db.IncrementCounter(ctx, mask.RelayRef{ID: 999}, mask.CounterReplied); !errors.Is(err, mask.ErrMaskNotFound) {
		t.Errorf("expected ErrMaskNotFound, got %v", err)
	}
}

func TestReplies(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	random, custom := seedMasks(t, db)
	ctx := context.Background()

	for _, owner := range []mask.Ref{random.Ref(), custom.Ref()} {
		rec, err := reply.NewRecord("lookup-"+mask.RefString(owner), "token", owner)
		if err != nil {
			t.Fatal(err)
		}
		if err := db.CreateReply(ctx, rec); err != nil {
			t.Fatalf("CreateReply: %v", err)
		}

		got, err := db.GetReplyByLookup(ctx, rec.Lookup)
		if err != nil {
			t.Fatalf("GetReplyByLookup: %v", err)
		}
		if got.Owner != owner {
			t.Errorf("owner: got %#v, want %#v", got.Owner, owner)
		}
		if got.EncryptedMetadata != "token" {
			t.Errorf("metadata: got %q", got.EncryptedMetadata)
		}
	}

	if _, err := db.GetReplyByLookup(ctx, "missing"); !errors.Is(err, reply.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if err := db.CreateReply(ctx, reply.Record{Lookup: "x", EncryptedMetadata: "t"}); !errors.Is(err, reply.ErrNoOwner) {
		t.Errorf("expected ErrNoOwner, got %v", err)
	}
}

func TestReplies_ExactlyOneOwnerConstraint(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	random, custom := seedMasks(t, db)

	_, err := db.conn.Exec(
		`INSERT INTO replies (lookup, encrypted_metadata, relay_address_id, domain_address_id) VALUES (?, ?, ?, ?)`,
		"both", "t", random.ID, custom.ID,
	)
	if err == nil {
		t.Error("expected check constraint to reject a row with two owners")
	}
	_, err = db.conn.Exec(`INSERT INTO replies (lookup, encrypted_metadata) VALUES (?, ?)`, "neither", "t")
	if err == nil {
		t.Error("expected check constraint to reject a row with no owner")
	}
}

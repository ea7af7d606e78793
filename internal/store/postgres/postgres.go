// Package postgres stores masks and reply records in PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/reply"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_addresses (
	id BIGSERIAL PRIMARY KEY,
	address TEXT NOT NULL,
	domain TEXT NOT NULL,
	user_email TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	block_list_emails BOOLEAN NOT NULL DEFAULT FALSE,
	num_forwarded INTEGER NOT NULL DEFAULT 0,
	num_blocked INTEGER NOT NULL DEFAULT 0,
	num_replied INTEGER NOT NULL DEFAULT 0,
	num_spam INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (address, domain)
);

CREATE TABLE IF NOT EXISTS domain_addresses (
	id BIGSERIAL PRIMARY KEY,
	address TEXT NOT NULL,
	subdomain TEXT NOT NULL,
	domain TEXT NOT NULL,
	user_email TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	block_list_emails BOOLEAN NOT NULL DEFAULT FALSE,
	num_forwarded INTEGER NOT NULL DEFAULT 0,
	num_blocked INTEGER NOT NULL DEFAULT 0,
	num_replied INTEGER NOT NULL DEFAULT 0,
	num_spam INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (address, subdomain, domain)
);

CREATE TABLE IF NOT EXISTS replies (
	id BIGSERIAL PRIMARY KEY,
	lookup TEXT NOT NULL,
	encrypted_metadata TEXT NOT NULL,
	relay_address_id BIGINT REFERENCES relay_addresses(id) ON DELETE CASCADE,
	domain_address_id BIGINT REFERENCES domain_addresses(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (num_nonnulls(relay_address_id, domain_address_id) = 1)
);

CREATE INDEX IF NOT EXISTS idx_replies_lookup ON replies(lookup);
`

const maskColumns = `id, address, domain, user_email, enabled, block_list_emails,
	num_forwarded, num_blocked, num_replied, num_spam`

// DB is a PostgreSQL-backed mask.Store and reply.Store.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to dsn and applies the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// CreateMask inserts m into the table for its kind and sets m.ID.
func (db *DB) CreateMask(ctx context.Context, m *mask.Mask) error {
	switch m.Kind {
	case mask.KindRandom:
		return db.pool.QueryRow(ctx, `
			INSERT INTO relay_addresses (address, domain, user_email, enabled, block_list_emails)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			m.Address, m.Domain, m.UserEmail, m.Enabled, m.BlockListEmails,
		).Scan(&m.ID)
	case mask.KindCustom:
		return db.pool.QueryRow(ctx, `
			INSERT INTO domain_addresses (address, subdomain, domain, user_email, enabled, block_list_emails)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			m.Address, m.Subdomain, m.Domain, m.UserEmail, m.Enabled, m.BlockListEmails,
		).Scan(&m.ID)
	}
	return fmt.Errorf("unknown mask kind %q", m.Kind)
}

func (db *DB) GetMaskByAddress(ctx context.Context, address string) (*mask.Mask, error) {
	local, domain, ok := mask.SplitAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
	}

	m, err := db.scanRelay(ctx,
		`SELECT `+maskColumns+` FROM relay_addresses WHERE lower(address) = $1 AND lower(domain) = $2`,
		local, domain,
	)
	if err == nil || !errors.Is(err, mask.ErrMaskNotFound) {
		return m, err
	}

	m, err = db.scanDomain(ctx,
		`SELECT `+maskColumns+`, subdomain FROM domain_addresses
		 WHERE lower(address) = $1 AND lower(subdomain || '.' || domain) = $2`,
		local, domain,
	)
	if errors.Is(err, mask.ErrMaskNotFound) {
		return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
	}
	return m, err
}

func (db *DB) GetMask(ctx context.Context, ref mask.Ref) (*mask.Mask, error) {
	switch r := ref.(type) {
	case mask.RelayRef:
		return db.scanRelay(ctx, `SELECT `+maskColumns+` FROM relay_addresses WHERE id = $1`, r.ID)
	case mask.DomainRef:
		return db.scanDomain(ctx, `SELECT `+maskColumns+`, subdomain FROM domain_addresses WHERE id = $1`, r.ID)
	}
	return nil, fmt.Errorf("unsupported mask ref %T", ref)
}

func (db *DB) IncrementCounter(ctx context.Context, ref mask.Ref, c mask.Counter) error {
	column, err := counterColumn(c)
	if err != nil {
		return err
	}

	var table string
	switch ref.(type) {
	case mask.RelayRef:
		table = "relay_addresses"
	case mask.DomainRef:
		table = "domain_addresses"
	default:
		return fmt.Errorf("unsupported mask ref %T", ref)
	}

	tag, err := db.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE id = $1", table, column, column),
		ref.MaskID(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", mask.ErrMaskNotFound, mask.RefString(ref))
	}
	return nil
}

func (db *DB) CreateReply(ctx context.Context, rec reply.Record) error {
	var relayID, domainID *int64
	switch o := rec.Owner.(type) {
	case mask.RelayRef:
		relayID = &o.ID
	case mask.DomainRef:
		domainID = &o.ID
	default:
		return reply.ErrNoOwner
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO replies (lookup, encrypted_metadata, relay_address_id, domain_address_id)
		VALUES ($1, $2, $3, $4)`,
		rec.Lookup, rec.EncryptedMetadata, relayID, domainID,
	)
	return err
}

// GetReplyByLookup returns the newest record for lookup.
func (db *DB) GetReplyByLookup(ctx context.Context, lookup string) (*reply.Record, error) {
	var rec reply.Record
	var relayID, domainID *int64
	err := db.pool.QueryRow(ctx, `
		SELECT lookup, encrypted_metadata, relay_address_id, domain_address_id
		FROM replies WHERE lookup = $1 ORDER BY id DESC LIMIT 1`,
		lookup,
	).Scan(&rec.Lookup, &rec.EncryptedMetadata, &relayID, &domainID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reply.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case relayID != nil && domainID == nil:
		rec.Owner = mask.RelayRef{ID: *relayID}
	case domainID != nil && relayID == nil:
		rec.Owner = mask.DomainRef{ID: *domainID}
	default:
		return nil, fmt.Errorf("reply row must reference exactly one mask")
	}
	return &rec, nil
}

func (db *DB) scanRelay(ctx context.Context, query string, args ...any) (*mask.Mask, error) {
	m := mask.Mask{Kind: mask.KindRandom}
	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.Address, &m.Domain, &m.UserEmail, &m.Enabled, &m.BlockListEmails,
		&m.NumForwarded, &m.NumBlocked, &m.NumReplied, &m.NumSpam,
	)
	return scanResult(&m, err)
}

func (db *DB) scanDomain(ctx context.Context, query string, args ...any) (*mask.Mask, error) {
	m := mask.Mask{Kind: mask.KindCustom}
	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.Address, &m.Domain, &m.UserEmail, &m.Enabled, &m.BlockListEmails,
		&m.NumForwarded, &m.NumBlocked, &m.NumReplied, &m.NumSpam, &m.Subdomain,
	)
	return scanResult(&m, err)
}

func scanResult(m *mask.Mask, err error) (*mask.Mask, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mask.ErrMaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func counterColumn(c mask.Counter) (string, error) {
	if !mask.ValidCounter(c) {
		return "", fmt.Errorf("%w: %q", mask.ErrUnknownCounter, c)
	}
	return "num_" + string(c), nil
}

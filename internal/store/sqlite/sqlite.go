// Package sqlite stores masks and reply records in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/reply"
)

// DB is a SQLite-backed mask.Store and reply.Store.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relay_addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		domain TEXT NOT NULL,
		user_email TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		block_list_emails INTEGER NOT NULL DEFAULT 0,
		num_forwarded INTEGER NOT NULL DEFAULT 0,
		num_blocked INTEGER NOT NULL DEFAULT 0,
		num_replied INTEGER NOT NULL DEFAULT 0,
		num_spam INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (address, domain)
	);

	CREATE TABLE IF NOT EXISTS domain_addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		subdomain TEXT NOT NULL,
		domain TEXT NOT NULL,
		user_email TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		block_list_emails INTEGER NOT NULL DEFAULT 0,
		num_forwarded INTEGER NOT NULL DEFAULT 0,
		num_blocked INTEGER NOT NULL DEFAULT 0,
		num_replied INTEGER NOT NULL DEFAULT 0,
		num_spam INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (address, subdomain, domain)
	);

	CREATE TABLE IF NOT EXISTS replies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lookup TEXT NOT NULL,
		encrypted_metadata TEXT NOT NULL,
		relay_address_id INTEGER REFERENCES relay_addresses(id) ON DELETE CASCADE,
		domain_address_id INTEGER REFERENCES domain_addresses(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((relay_address_id IS NULL) <> (domain_address_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_replies_lookup ON replies(lookup);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Mask operations

// CreateMask inserts m into the table for its kind and sets m.ID.
func (db *DB) CreateMask(ctx context.Context, m *mask.Mask) error {
	var (
		res sql.Result
		err error
	)
	switch m.Kind {
	case mask.KindRandom:
		res, err = db.conn.ExecContext(ctx,
			`INSERT INTO relay_addresses (address, domain, user_email, enabled, block_list_emails, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.Address, m.Domain, m.UserEmail, m.Enabled, m.BlockListEmails, time.Now(),
		)
	case mask.KindCustom:
		res, err = db.conn.ExecContext(ctx,
			`INSERT INTO domain_addresses (address, subdomain, domain, user_email, enabled, block_list_emails, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.Address, m.Subdomain, m.Domain, m.UserEmail, m.Enabled, m.BlockListEmails, time.Now(),
		)
	default:
		return fmt.Errorf("unknown mask kind %q", m.Kind)
	}
	if err != nil {
		return err
	}

	m.ID, err = res.LastInsertId()
	return err
}

func (db *DB) GetMaskByAddress(ctx context.Context, address string) (*mask.Mask, error) {
	local, domain, ok := mask.SplitAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
	}

	m, err := scanMask(mask.KindRandom, db.conn.QueryRowContext(ctx,
		`SELECT id, address, '', domain, user_email, enabled, block_list_emails,
		        num_forwarded, num_blocked, num_replied, num_spam
		 FROM relay_addresses WHERE lower(address) = ? AND lower(domain) = ?`,
		local, domain,
	))
	if err == nil || !errors.Is(err, mask.ErrMaskNotFound) {
		return m, err
	}

	m, err = scanMask(mask.KindCustom, db.conn.QueryRowContext(ctx,
		`SELECT id, address, subdomain, domain, user_email, enabled, block_list_emails,
		        num_forwarded, num_blocked, num_replied, num_spam
		 FROM domain_addresses WHERE lower(address) = ? AND lower(subdomain || '.' || domain) = ?`,
		local, domain,
	))
	if errors.Is(err, mask.ErrMaskNotFound) {
		return nil, fmt.Errorf("%w: %q", mask.ErrMaskNotFound, address)
	}
	return m, err
}

func (db *DB) GetMask(ctx context.Context, ref mask.Ref) (*mask.Mask, error) {
	switch r := ref.(type) {
	case mask.RelayRef:
		return scanMask(mask.KindRandom, db.conn.QueryRowContext(ctx,
			`SELECT id, address, '', domain, user_email, enabled, block_list_emails,
			        num_forwarded, num_blocked, num_replied, num_spam
			 FROM relay_addresses WHERE id = ?`, r.ID,
		))
	case mask.DomainRef:
		return scanMask(mask.KindCustom, db.conn.QueryRowContext(ctx,
			`SELECT id, address, subdomain, domain, user_email, enabled, block_list_emails,
			        num_forwarded, num_blocked, num_replied, num_spam
			 FROM domain_addresses WHERE id = ?`, r.ID,
		))
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

	res, err := db.conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE id = ?", table, column, column),
		ref.MaskID(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", mask.ErrMaskNotFound, mask.RefString(ref))
	}
	return nil
}

// Reply operations

func (db *DB) CreateReply(ctx context.Context, rec reply.Record) error {
	var relayID, domainID sql.NullInt64
	switch o := rec.Owner.(type) {
	case mask.RelayRef:
		relayID = sql.NullInt64{Int64: o.ID, Valid: true}
	case mask.DomainRef:
		domainID = sql.NullInt64{Int64: o.ID, Valid: true}
	default:
		return reply.ErrNoOwner
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO replies (lookup, encrypted_metadata, relay_address_id, domain_address_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Lookup, rec.EncryptedMetadata, relayID, domainID, time.Now(),
	)
	return err
}

// GetReplyByLookup returns the newest record for lookup.
func (db *DB) GetReplyByLookup(ctx context.Context, lookup string) (*reply.Record, error) {
	var rec reply.Record
	var relayID, domainID sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT lookup, encrypted_metadata, relay_address_id, domain_address_id
		 FROM replies WHERE lookup = ? ORDER BY id DESC LIMIT 1`,
		lookup,
	).Scan(&rec.Lookup, &rec.EncryptedMetadata, &relayID, &domainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reply.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	owner, err := ownerRef(relayID, domainID)
	if err != nil {
		return nil, err
	}
	rec.Owner = owner
	return &rec, nil
}

func scanMask(kind mask.Kind, row *sql.Row) (*mask.Mask, error) {
	m := mask.Mask{Kind: kind}
	err := row.Scan(
		&m.ID, &m.Address, &m.Subdomain, &m.Domain, &m.UserEmail, &m.Enabled, &m.BlockListEmails,
		&m.NumForwarded, &m.NumBlocked, &m.NumReplied, &m.NumSpam,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mask.ErrMaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func ownerRef(relayID, domainID sql.NullInt64) (mask.Ref, error) {
	switch {
	case relayID.Valid && !domainID.Valid:
		return mask.RelayRef{ID: relayID.Int64}, nil
	case domainID.Valid && !relayID.Valid:
		return mask.DomainRef{ID: domainID.Int64}, nil
	}
	return nil, fmt.Errorf("reply row must reference exactly one mask")
}

func counterColumn(c mask.Counter) (string, error) {
	if !mask.ValidCounter(c) {
		return "", fmt.Errorf("%w: %q", mask.ErrUnknownCounter, c)
	}
	return "num_" + string(c), nil
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balances use NUMERIC
// arithmetic in the database; a CHECK constraint on available >= 0 enforces
// no-overdraft at the storage level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, key string) (*Account, error) {
	acct := &Account{Key: key}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM ledger_accounts WHERE key = $1
	`, key).Scan(&acct.Available, &acct.TotalIn, &acct.TotalOut, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Credit(ctx context.Context, key, amount, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertCredit(ctx, tx, key, amount); err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, direction, type, amount, reference, created_at)
		VALUES ($1, $2, 'credit', $3, $4::NUMERIC(20,6), $5, NOW())
	`, idgen.WithPrefix("le_"), key, entryType, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Move(ctx context.Context, from, to, amount, reference, entryType string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Debit the source. The CHECK constraint rejects overdrafts; a missing
	// row means the account never received funds, which is the same thing.
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET
			available  = available - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE key = $1
	`, from, amount)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to debit source: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientFunds
	}

	if err := upsertCredit(ctx, tx, to, amount); err != nil {
		return fmt.Errorf("failed to credit destination: %w", err)
	}

	now := time.Now().UTC()
	for _, leg := range []struct {
		account, counterparty, direction string
	}{
		{from, to, "debit"},
		{to, from, "credit"},
	} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account, counterparty, direction, type, amount, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8)
		`, idgen.WithPrefix("le_"), leg.account, leg.counterparty, leg.direction, entryType, amount, reference, now)
		if err != nil {
			return fmt.Errorf("failed to record %s entry: %w", leg.direction, err)
		}
	}

	return tx.Commit()
}

func upsertCredit(ctx context.Context, tx *sql.Tx, key, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (key, available, total_in, total_out, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), 0, NOW())
		ON CONFLICT (key) DO UPDATE SET
			available  = ledger_accounts.available + $2::NUMERIC(20,6),
			total_in   = ledger_accounts.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, key, amount)
	return err
}

func (p *PostgresStore) History(ctx context.Context, key string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, COALESCE(counterparty, ''), direction, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) EntriesFor(ctx context.Context, key string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, COALESCE(counterparty, ''), direction, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at ASC, id ASC
	`, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) AccountKeys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM ledger_accounts ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Counterparty, &e.Direction, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	milestonesJSON, _ := json.Marshal(c.Milestones)
	if c.Milestones == nil {
		milestonesJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (
			id, buyer, seller, arbiter, state, balance,
			escrow_fee_rate, return_fee_rate, dispute_time_limit,
			last_action_at, shipment_marked, delivery_confirmed,
			tracking_number, dispute_reason, pending_penalty, milestones,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6),
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)`,
		c.ID, c.Buyer, c.Seller, c.Arbiter, string(c.State), c.Balance,
		c.EscrowFeeRate, c.ReturnFeeRate, c.DisputeTimeLimit,
		c.LastActionAt, c.ShipmentMarked, c.DeliveryConfirmed,
		nullString(c.TrackingNumber), nullString(c.DisputeReason), nullString(c.PendingPenalty), milestonesJSON,
		c.CreatedAt, c.UpdatedAt, nullTime(c.ResolvedAt),
	)
	return err
}

const contractColumns = `id, buyer, seller, arbiter, state, balance,
		       escrow_fee_rate, return_fee_rate, dispute_time_limit,
		       last_action_at, shipment_marked, delivery_confirmed,
		       tracking_number, dispute_reason, pending_penalty, milestones,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	milestonesJSON, _ := json.Marshal(c.Milestones)
	if c.Milestones == nil {
		milestonesJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_contracts SET
			state = $1, balance = $2::NUMERIC(20,6),
			last_action_at = $3, shipment_marked = $4, delivery_confirmed = $5,
			tracking_number = $6, dispute_reason = $7, pending_penalty = $8,
			milestones = $9, updated_at = $10, resolved_at = $11
		WHERE id = $12`,
		string(c.State), c.Balance,
		c.LastActionAt, c.ShipmentMarked, c.DeliveryConfirmed,
		nullString(c.TrackingNumber), nullString(c.DisputeReason), nullString(c.PendingPenalty),
		milestonesJSON, c.UpdatedAt, nullTime(c.ResolvedAt),
		c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE buyer = $1 OR seller = $1 OR arbiter = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) ListInState(ctx context.Context, state State, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM escrow_contracts
		WHERE state = $1
		ORDER BY last_action_at ASC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		state          string
		trackingNumber sql.NullString
		disputeReason  sql.NullString
		pendingPenalty sql.NullString
		milestonesJSON []byte
		resolvedAt     sql.NullTime
	)

	err := s.Scan(
		&c.ID, &c.Buyer, &c.Seller, &c.Arbiter, &state, &c.Balance,
		&c.EscrowFeeRate, &c.ReturnFeeRate, &c.DisputeTimeLimit,
		&c.LastActionAt, &c.ShipmentMarked, &c.DeliveryConfirmed,
		&trackingNumber, &disputeReason, &pendingPenalty, &milestonesJSON,
		&c.CreatedAt, &c.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	c.State = State(state)
	c.TrackingNumber = trackingNumber.String
	c.DisputeReason = disputeReason.String
	c.PendingPenalty = pendingPenalty.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if len(milestonesJSON) > 0 {
		_ = json.Unmarshal(milestonesJSON, &c.Milestones)
	}

	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

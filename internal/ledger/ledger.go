// Package ledger implements the value-movement collaborator for the escrow
// state machine.
//
// Each party has an account; each escrow contract has a custody account
// keyed "custody:<contract id>". TransferIn moves value from a party into
// custody, TransferOut moves it back out. Every movement writes two journal
// entries (a debit and a credit), so any account balance can be rebuilt by
// replay and checked against the tracked value.
//
// Value left in custody after a contract resolves is the retained platform
// fee; it is queryable but never moved by the state machine.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/money"
)

var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
)

// Account tracks a running balance for a party or custody bucket.
type Account struct {
	Key       string    `json:"key"` // party address or "custody:<contract id>"
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one immutable journal line. A Move writes two: a debit on the
// source account and a credit on the destination.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Direction    string    `json:"direction"` // "debit" or "credit"
	Type         string    `json:"type"`      // admin_deposit, escrow_in, escrow_out
	Amount       string    `json:"amount"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists accounts and the journal.
type Store interface {
	GetAccount(ctx context.Context, key string) (*Account, error)
	// Credit mints value into an account (admin deposits — the stand-in for
	// the out-of-scope asset rails).
	Credit(ctx context.Context, key, amount, reference, entryType string) error
	// Move atomically debits from and credits to; fails with
	// ErrInsufficientFunds leaving both accounts untouched.
	Move(ctx context.Context, from, to, amount, reference, entryType string) error
	History(ctx context.Context, key string, limit int) ([]*Entry, error)
	// EntriesFor returns every journal entry touching an account, oldest
	// first, for balance replay.
	EntriesFor(ctx context.Context, key string) ([]*Entry, error)
	// AccountKeys returns all known account keys.
	AccountKeys(ctx context.Context) ([]string, error)
}

// CustodyKey derives the custody account key from a transfer reference.
// References are "<contract id>" or "<contract id>:<leg>".
func CustodyKey(reference string) string {
	if i := strings.IndexByte(reference, ':'); i >= 0 {
		reference = reference[:i]
	}
	return "custody:" + reference
}

// Ledger manages accounts and implements the escrow transfer interface.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// TransferIn moves amount from a party's account into contract custody.
func (l *Ledger) TransferIn(ctx context.Context, from, amount, reference string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.store.Move(ctx, strings.ToLower(from), CustodyKey(reference), amount, reference, "escrow_in")
}

// TransferOut moves amount from contract custody to a party's account.
func (l *Ledger) TransferOut(ctx context.Context, to, amount, reference string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.store.Move(ctx, CustodyKey(reference), strings.ToLower(to), amount, reference, "escrow_out")
}

// Deposit credits a party's account. Admin-only: this is where value enters
// the system in place of the external asset rails.
func (l *Ledger) Deposit(ctx context.Context, addr, amount, reference string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.store.Credit(ctx, strings.ToLower(addr), amount, reference, "admin_deposit")
}

// GetBalance returns a party's account.
func (l *Ledger) GetBalance(ctx context.Context, addr string) (*Account, error) {
	return l.store.GetAccount(ctx, strings.ToLower(addr))
}

// CustodyBalance returns the custody account for a contract. After the
// contract resolves this is the retained platform fee.
func (l *Ledger) CustodyBalance(ctx context.Context, contractID string) (*Account, error) {
	return l.store.GetAccount(ctx, CustodyKey(contractID))
}

// History returns journal entries for a party, newest first.
func (l *Ledger) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, strings.ToLower(addr), limit)
}

func validAmount(amount string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func parseOrZero(s string) *big.Int {
	v, ok := money.Parse(s)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

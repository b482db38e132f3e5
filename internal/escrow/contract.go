// Package escrow implements the buyer/seller/arbiter escrow state machine.
//
// Flow:
//  1. Buyer creates a contract naming seller and arbiter → awaiting_payment
//  2. Buyer deposits; a platform fee is withheld → awaiting_delivery
//  3. Seller marks shipment → awaiting_inspection
//  4. Buyer confirms → balance released to seller → complete
//  5. Buyer disputes → arbiter adjudicates → complete
//  6. Seller returns the goods payment (minus penalty) → refunded
//
// All value movement goes through a LedgerAdapter. State and balance are
// persisted before the adapter is invoked; a failed transfer restores the
// prior snapshot so the call is an observable no-op.
package escrow

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/escrowd/internal/money"
)

// Authorization errors.
var (
	ErrNotBuyer   = errors.New("escrow: caller is not the buyer")
	ErrNotSeller  = errors.New("escrow: caller is not the seller")
	ErrNotArbiter = errors.New("escrow: caller is not the arbiter")
)

// State errors.
var (
	ErrInvalidState       = errors.New("escrow: operation not allowed in current state")
	ErrAlreadyFunded      = errors.New("escrow: contract already funded")
	ErrNotShipped         = errors.New("escrow: shipment has not been marked")
	ErrAlreadyShipped     = errors.New("escrow: shipment already marked")
	ErrMilestoneCompleted = errors.New("escrow: milestone already completed")
)

// Validation errors.
var (
	ErrInvalidAmount     = errors.New("escrow: amount must be positive")
	ErrDepositOutOfRange = errors.New("escrow: deposit amount outside allowed bounds")
	ErrEmptyDescription  = errors.New("escrow: description must not be empty")
	ErrEmptyTracking     = errors.New("escrow: tracking number must not be empty")
	ErrInvalidParty      = errors.New("escrow: invalid party address")
	ErrMilestoneIndex    = errors.New("escrow: milestone index out of range")
	ErrTooManyMilestones = errors.New("escrow: milestone limit reached")
)

// Arithmetic, timing, transfer, and concurrency errors.
var (
	ErrInsufficientBalance = errors.New("escrow: amount exceeds balance")
	ErrMilestoneOvercommit = errors.New("escrow: amount exceeds balance not reserved for milestones")
	ErrTimeoutNotReached   = errors.New("escrow: dispute window has not lapsed")
	ErrTransferFailed      = errors.New("escrow: ledger transfer failed")
	ErrReentrantCall       = errors.New("escrow: re-entrant call rejected")
	ErrContractNotFound    = errors.New("escrow: contract not found")
)

// State represents the lifecycle phase of a contract.
type State string

const (
	StateAwaitingPayment    State = "awaiting_payment"
	StateAwaitingDelivery   State = "awaiting_delivery"
	StateAwaitingInspection State = "awaiting_inspection"
	StateDisputed           State = "disputed"
	StateComplete           State = "complete"
	StateRefunded           State = "refunded"
)

// ZeroAddress is the null party identity.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Milestone is a named slice of the escrowed balance releasable to the seller.
// Immutable once completed.
type Milestone struct {
	Description string     `json:"description"`
	Payment     string     `json:"payment"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Contract is the escrow aggregate. Parties and rates are fixed at creation;
// only State, Balance, attestation flags, and milestones change afterward.
type Contract struct {
	ID      string `json:"id"`
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	Arbiter string `json:"arbiter"`

	State   State  `json:"state"`
	Balance string `json:"balance"` // net of platform fee, decimal string

	EscrowFeeRate    int   `json:"escrowFeeRate"`    // percent withheld from the deposit
	ReturnFeeRate    int   `json:"returnFeeRate"`    // percent withheld from a full refund
	DisputeTimeLimit int64 `json:"disputeTimeLimit"` // seconds

	LastActionAt      time.Time `json:"lastActionAt"`
	ShipmentMarked    bool      `json:"shipmentMarked"`
	DeliveryConfirmed bool      `json:"deliveryConfirmed"`
	TrackingNumber    string    `json:"trackingNumber,omitempty"`
	DisputeReason     string    `json:"disputeReason,omitempty"`

	// PendingPenalty is set when a refund paid the buyer but the arbiter
	// penalty leg failed. While non-empty the contract only accepts another
	// RefundBuyer call, which settles exactly this amount.
	PendingPenalty string `json:"pendingPenalty,omitempty"`

	Milestones []Milestone `json:"milestones"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	return c.State == StateComplete || c.State == StateRefunded
}

// BalanceUnits returns the tracked balance in base units.
func (c *Contract) BalanceUnits() *big.Int {
	v, ok := money.Parse(c.Balance)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// CommittedIncomplete sums the payments of milestones not yet completed.
// The balance may never drop below this reservation while the contract
// is live.
func (c *Contract) CommittedIncomplete() *big.Int {
	sum := new(big.Int)
	for _, m := range c.Milestones {
		if m.Completed {
			continue
		}
		if v, ok := money.Parse(m.Payment); ok {
			sum.Add(sum, v)
		}
	}
	return sum
}

// AvailableHeadroom returns the balance not reserved for incomplete
// milestones.
func (c *Contract) AvailableHeadroom() *big.Int {
	return new(big.Int).Sub(c.BalanceUnits(), c.CommittedIncomplete())
}

// clone returns a deep copy. Stores return copies so callers never share the
// persisted aggregate; the service snapshots before mutating so a failed
// transfer can restore the prior state.
func (c *Contract) clone() *Contract {
	cp := *c
	if c.Milestones != nil {
		cp.Milestones = make([]Milestone, len(c.Milestones))
		copy(cp.Milestones, c.Milestones)
	}
	return &cp
}

// Store persists contract data.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Update(ctx context.Context, c *Contract) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error)
	ListInState(ctx context.Context, state State, limit int) ([]*Contract, error)
}

// LedgerAdapter moves value between party accounts and contract custody.
// Both operations are atomic: they either fully apply or fail with no
// effect. The state machine never holds uncommitted ledger state.
type LedgerAdapter interface {
	// TransferIn moves amount from a party's account into the contract's
	// custody. reference is the contract ID.
	TransferIn(ctx context.Context, from, amount, reference string) error
	// TransferOut moves amount from the contract's custody to a party's
	// account. Called only after the tracked balance has been decremented
	// and persisted.
	TransferOut(ctx context.Context, to, amount, reference string) error
}

// Receipt describes the value movement performed by a mutating operation.
type Receipt struct {
	Operation  string `json:"operation"`
	ContractID string `json:"contractId"`
	Payer      string `json:"payer,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee,omitempty"`
}

package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/feepolicy"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Defaults applied when a create request omits the field.
type Defaults struct {
	EscrowFeeRate    int
	ReturnFeeRate    int
	DisputeTimeLimit int64 // seconds
	MaxMilestones    int
	MinDeposit       string // inclusive bound, decimal; empty disables
	MaxDeposit       string // inclusive bound, decimal; empty disables
}

// Service implements the escrow state machine.
//
// Every mutating operation follows the same shape: acquire the per-contract
// try-lock, validate all guards, apply and persist the mutation, then invoke
// the ledger adapter. A failed transfer restores the pre-call snapshot.
type Service struct {
	store    Store
	adapter  LedgerAdapter
	clock    Clock
	logger   *slog.Logger
	defaults Defaults
	locks    syncutil.KeyedTryLock
}

// NewService creates a new escrow service.
func NewService(store Store, adapter LedgerAdapter, defaults Defaults) *Service {
	if defaults.MaxMilestones <= 0 {
		defaults.MaxMilestones = 50
	}
	return &Service{
		store:    store,
		adapter:  adapter,
		clock:    SystemClock(),
		logger:   slog.Default(),
		defaults: defaults,
	}
}

// WithClock sets the time source. Used by tests to cross timeout boundaries.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// acquire takes the contract's mutation lock, failing fast if it is already
// held. A nested call from inside an adapter callback lands here and is
// rejected instead of deadlocking.
func (s *Service) acquire(id string) (func(), error) {
	release, ok := s.locks.TryAcquire(id)
	if !ok {
		metrics.ReentrantCallsTotal.Inc()
		return nil, ErrReentrantCall
	}
	return release, nil
}

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	Seller           string `json:"seller" binding:"required"`
	Arbiter          string `json:"arbiter" binding:"required"`
	EscrowFeeRate    *int   `json:"escrowFeeRate,omitempty"`
	ReturnFeeRate    *int   `json:"returnFeeRate,omitempty"`
	DisputeTimeLimit *int64 `json:"disputeTimeLimit,omitempty"` // seconds
}

// Create creates a contract in awaiting_payment. The caller becomes the
// buyer; seller, arbiter, rates, and the dispute window are fixed for the
// contract's lifetime.
func (s *Service) Create(ctx context.Context, buyer string, req CreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Party(buyer))
	defer span.End()

	buyer = validation.SanitizeAddress(buyer)
	seller := validation.SanitizeAddress(req.Seller)
	arbiter := validation.SanitizeAddress(req.Arbiter)

	for _, addr := range []string{buyer, seller, arbiter} {
		if !validation.IsValidAddress(addr) || addr == ZeroAddress {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParty, addr)
		}
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParty)
	}

	escrowFee := s.defaults.EscrowFeeRate
	if req.EscrowFeeRate != nil {
		escrowFee = *req.EscrowFeeRate
	}
	returnFee := s.defaults.ReturnFeeRate
	if req.ReturnFeeRate != nil {
		returnFee = *req.ReturnFeeRate
	}
	if !feepolicy.ValidRate(escrowFee) || !feepolicy.ValidRate(returnFee) {
		return nil, feepolicy.ErrInvalidRate
	}

	window := s.defaults.DisputeTimeLimit
	if req.DisputeTimeLimit != nil {
		window = *req.DisputeTimeLimit
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: dispute time limit must be positive", ErrInvalidAmount)
	}

	now := s.clock.Now()
	c := &Contract{
		ID:               idgen.WithPrefix("esc_"),
		Buyer:            buyer,
		Seller:           seller,
		Arbiter:          arbiter,
		State:            StateAwaitingPayment,
		Balance:          money.Format(big.NewInt(0)),
		EscrowFeeRate:    escrowFee,
		ReturnFeeRate:    returnFee,
		DisputeTimeLimit: window,
		LastActionAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	metrics.ContractsCreatedTotal.Inc()
	s.logger.Info("contract created",
		"contractId", c.ID, "buyer", buyer, "seller", seller, "arbiter", arbiter)
	return c, nil
}

// Deposit funds the contract. The platform fee is withheld from the gross
// amount; the remainder becomes the escrowed balance.
func (s *Service) Deposit(ctx context.Context, id, caller, amount string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit",
		traces.ContractID(id), traces.Amount(amount))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Buyer {
		return nil, nil, ErrNotBuyer
	}
	if c.State != StateAwaitingPayment {
		if c.IsTerminal() {
			return nil, nil, ErrInvalidState
		}
		return nil, nil, ErrAlreadyFunded
	}

	gross, ok := money.Parse(amount)
	if !ok || gross.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if s.defaults.MinDeposit != "" {
		if min, ok := money.Parse(s.defaults.MinDeposit); ok && gross.Cmp(min) < 0 {
			return nil, nil, ErrDepositOutOfRange
		}
	}
	if s.defaults.MaxDeposit != "" {
		if max, ok := money.Parse(s.defaults.MaxDeposit); ok && gross.Cmp(max) > 0 {
			return nil, nil, ErrDepositOutOfRange
		}
	}

	net, fee, err := feepolicy.NetDeposit(gross, c.EscrowFeeRate)
	if err != nil {
		return nil, nil, err
	}

	prev := c.clone()
	now := s.clock.Now()
	c.Balance = money.Format(net)
	c.State = StateAwaitingDelivery
	c.LastActionAt = now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist deposit: %w", err)
	}

	if err := s.adapter.TransferIn(ctx, c.Buyer, money.Format(gross), c.ID); err != nil {
		s.rollback(ctx, prev, "deposit", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	s.recordTransition("deposit", c)
	receipt := &Receipt{
		Operation:  "deposit",
		ContractID: c.ID,
		Payer:      c.Buyer,
		Amount:     money.Format(net),
		Fee:        money.Format(fee),
	}
	return c, receipt, nil
}

// CreateMilestone reserves part of the balance for a named deliverable.
// Allowed while awaiting delivery or inspection.
func (s *Service) CreateMilestone(ctx context.Context, id, caller, description, payment string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateMilestone",
		traces.ContractID(id), traces.Amount(payment))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if validation.SanitizeAddress(caller) != c.Buyer {
		return nil, ErrNotBuyer
	}
	if c.State != StateAwaitingDelivery && c.State != StateAwaitingInspection {
		return nil, ErrInvalidState
	}
	if c.PendingPenalty != "" {
		return nil, ErrInvalidState
	}

	description = validation.SanitizeString(description, validation.MaxStringLength)
	if description == "" {
		return nil, ErrEmptyDescription
	}
	if len(c.Milestones) >= s.defaults.MaxMilestones {
		return nil, ErrTooManyMilestones
	}

	pay, ok := money.Parse(payment)
	if !ok || pay.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	// Payment may equal the remaining headroom, never exceed it.
	if pay.Cmp(c.AvailableHeadroom()) > 0 {
		return nil, ErrMilestoneOvercommit
	}

	now := s.clock.Now()
	c.Milestones = append(c.Milestones, Milestone{
		Description: description,
		Payment:     money.Format(pay),
	})
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist milestone: %w", err)
	}

	s.recordTransition("create_milestone", c)
	return c, nil
}

// CompleteMilestone releases a milestone's payment to the seller. Only the
// buyer may complete, and only during inspection.
func (s *Service) CompleteMilestone(ctx context.Context, id, caller string, index int) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone",
		traces.ContractID(id), traces.MilestoneID(fmt.Sprint(index)))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Buyer {
		return nil, nil, ErrNotBuyer
	}
	if c.State != StateAwaitingInspection || c.PendingPenalty != "" {
		return nil, nil, ErrInvalidState
	}
	if index < 0 || index >= len(c.Milestones) {
		return nil, nil, ErrMilestoneIndex
	}
	if c.Milestones[index].Completed {
		return nil, nil, ErrMilestoneCompleted
	}

	pay := money.MustParse(c.Milestones[index].Payment)
	balance := c.BalanceUnits()
	if pay.Cmp(balance) > 0 {
		return nil, nil, ErrInsufficientBalance
	}

	prev := c.clone()
	now := s.clock.Now()
	c.Milestones[index].Completed = true
	c.Milestones[index].CompletedAt = &now
	c.Balance = money.Format(new(big.Int).Sub(balance, pay))
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist milestone completion: %w", err)
	}

	ref := fmt.Sprintf("%s:milestone:%d", c.ID, index)
	if err := s.adapter.TransferOut(ctx, c.Seller, money.Format(pay), ref); err != nil {
		s.rollback(ctx, prev, "complete_milestone", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	s.recordTransition("complete_milestone", c)
	receipt := &Receipt{
		Operation:  "complete_milestone",
		ContractID: c.ID,
		Recipient:  c.Seller,
		Amount:     money.Format(pay),
	}
	return c, receipt, nil
}

// MarkShipped records the seller's shipment attestation and starts the
// inspection phase.
func (s *Service) MarkShipped(ctx context.Context, id, caller, tracking string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkShipped", traces.ContractID(id))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if validation.SanitizeAddress(caller) != c.Seller {
		return nil, ErrNotSeller
	}
	if c.State != StateAwaitingDelivery || c.PendingPenalty != "" {
		return nil, ErrInvalidState
	}
	if c.ShipmentMarked {
		return nil, ErrAlreadyShipped
	}
	tracking = validation.SanitizeString(tracking, 256)
	if tracking == "" {
		return nil, ErrEmptyTracking
	}

	now := s.clock.Now()
	c.ShipmentMarked = true
	c.TrackingNumber = tracking
	c.State = StateAwaitingInspection
	c.LastActionAt = now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist shipment: %w", err)
	}

	s.recordTransition("mark_shipped", c)
	return c, nil
}

// ConfirmDelivery releases the full remaining balance to the seller and
// completes the contract.
func (s *Service) ConfirmDelivery(ctx context.Context, id, caller string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.ContractID(id))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Buyer {
		return nil, nil, ErrNotBuyer
	}
	if c.State != StateAwaitingInspection || c.PendingPenalty != "" {
		return nil, nil, ErrInvalidState
	}
	if !c.ShipmentMarked {
		return nil, nil, ErrNotShipped
	}

	payout := c.BalanceUnits()
	prev := c.clone()
	now := s.clock.Now()
	c.DeliveryConfirmed = true
	c.Balance = money.Format(big.NewInt(0))
	c.State = StateComplete
	c.ResolvedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist confirmation: %w", err)
	}

	if payout.Sign() > 0 {
		if err := s.adapter.TransferOut(ctx, c.Seller, money.Format(payout), c.ID); err != nil {
			s.rollback(ctx, prev, "confirm_delivery", err)
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	s.finishContract(c, "confirm_delivery")
	metrics.ContractsCompletedTotal.Inc()
	receipt := &Receipt{
		Operation:  "confirm_delivery",
		ContractID: c.ID,
		Recipient:  c.Seller,
		Amount:     money.Format(payout),
	}
	return c, receipt, nil
}

// OpenDispute freezes the contract for arbitration. No value moves.
func (s *Service) OpenDispute(ctx context.Context, id, caller, reason string) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.ContractID(id))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if validation.SanitizeAddress(caller) != c.Buyer {
		return nil, ErrNotBuyer
	}
	if c.State != StateAwaitingInspection || c.PendingPenalty != "" {
		return nil, ErrInvalidState
	}

	now := s.clock.Now()
	c.State = StateDisputed
	c.DisputeReason = validation.SanitizeString(reason, validation.MaxStringLength)
	c.LastActionAt = now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist dispute: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	s.recordTransition("open_dispute", c)
	return c, nil
}

// RefundBuyer returns the balance to the buyer, minus the return penalty
// which goes to the arbiter. Seller-initiated; terminal.
func (s *Service) RefundBuyer(ctx context.Context, id, caller string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundBuyer", traces.ContractID(id))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Seller {
		return nil, nil, ErrNotSeller
	}
	if c.State != StateAwaitingDelivery && c.State != StateAwaitingInspection {
		return nil, nil, ErrInvalidState
	}
	// A prior refund already paid the buyer; only the penalty leg is
	// outstanding. Settle exactly that amount, never a fresh split.
	if c.PendingPenalty != "" {
		return s.settlePendingPenalty(ctx, c)
	}

	balance := c.BalanceUnits()
	refund, penalty, err := feepolicy.ReturnSplit(balance, c.ReturnFeeRate)
	if err != nil {
		return nil, nil, err
	}

	prev := c.clone()
	now := s.clock.Now()
	c.Balance = money.Format(big.NewInt(0))
	c.State = StateRefunded
	c.ResolvedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist refund: %w", err)
	}

	if refund.Sign() > 0 {
		if err := s.adapter.TransferOut(ctx, c.Buyer, money.Format(refund), c.ID+":refund"); err != nil {
			s.rollback(ctx, prev, "refund_buyer", err)
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if penalty.Sign() > 0 {
		if err := s.adapter.TransferOut(ctx, c.Arbiter, money.Format(penalty), c.ID+":penalty"); err != nil {
			// The refund leg already settled. Record the outstanding
			// penalty so a retry transfers it to the arbiter instead of
			// splitting the residual balance again.
			partial := prev.clone()
			partial.Balance = money.Format(penalty)
			partial.PendingPenalty = money.Format(penalty)
			partial.UpdatedAt = s.clock.Now()
			if uerr := s.store.Update(ctx, partial); uerr != nil {
				s.logger.Error("CRITICAL: refund settled but penalty restore failed",
					"contractId", c.ID, "penalty", money.Format(penalty), "error", uerr)
			}
			metrics.TransferFailuresTotal.Inc()
			return nil, nil, fmt.Errorf("%w: penalty leg: %v", ErrTransferFailed, err)
		}
	}

	s.finishContract(c, "refund_buyer")
	metrics.ContractsRefundedTotal.Inc()
	receipt := &Receipt{
		Operation:  "refund_buyer",
		ContractID: c.ID,
		Recipient:  c.Buyer,
		Amount:     money.Format(refund),
		Fee:        money.Format(penalty),
	}
	return c, receipt, nil
}

// settlePendingPenalty finishes a refund whose buyer leg settled but whose
// penalty leg failed. The recorded penalty is all that remains in custody;
// it goes to the arbiter as-is.
func (s *Service) settlePendingPenalty(ctx context.Context, c *Contract) (*Contract, *Receipt, error) {
	penalty, ok := money.Parse(c.PendingPenalty)
	if !ok || penalty.Sign() <= 0 {
		return nil, nil, fmt.Errorf("escrow: corrupt pending penalty %q on %s", c.PendingPenalty, c.ID)
	}

	prev := c.clone()
	now := s.clock.Now()
	c.Balance = money.Format(big.NewInt(0))
	c.PendingPenalty = ""
	c.State = StateRefunded
	c.ResolvedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist refund: %w", err)
	}

	if err := s.adapter.TransferOut(ctx, c.Arbiter, money.Format(penalty), c.ID+":penalty"); err != nil {
		s.rollback(ctx, prev, "refund_buyer", err)
		return nil, nil, fmt.Errorf("%w: penalty leg: %v", ErrTransferFailed, err)
	}

	s.finishContract(c, "refund_buyer")
	metrics.ContractsRefundedTotal.Inc()
	receipt := &Receipt{
		Operation:  "refund_buyer",
		ContractID: c.ID,
		Recipient:  c.Arbiter,
		Amount:     money.Format(penalty),
	}
	return c, receipt, nil
}

// PartialRefund returns part of the balance to the buyer without ending the
// contract. The refund may not intrude on milestone reservations.
func (s *Service) PartialRefund(ctx context.Context, id, caller, amount string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PartialRefund",
		traces.ContractID(id), traces.Amount(amount))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Seller {
		return nil, nil, ErrNotSeller
	}
	if c.IsTerminal() || c.PendingPenalty != "" {
		return nil, nil, ErrInvalidState
	}

	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	balance := c.BalanceUnits()
	if amt.Cmp(balance) > 0 {
		return nil, nil, ErrInsufficientBalance
	}
	if amt.Cmp(c.AvailableHeadroom()) > 0 {
		return nil, nil, ErrMilestoneOvercommit
	}

	prev := c.clone()
	c.Balance = money.Format(new(big.Int).Sub(balance, amt))
	c.UpdatedAt = s.clock.Now()

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist partial refund: %w", err)
	}

	if err := s.adapter.TransferOut(ctx, c.Buyer, money.Format(amt), c.ID+":partial"); err != nil {
		s.rollback(ctx, prev, "partial_refund", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	s.recordTransition("partial_refund", c)
	receipt := &Receipt{
		Operation:  "partial_refund",
		ContractID: c.ID,
		Recipient:  c.Buyer,
		Amount:     money.Format(amt),
	}
	return c, receipt, nil
}

// TimeoutRelease lets the seller claim the balance once the buyer's dispute
// window has lapsed. Eligibility is strictly after the deadline: at exactly
// LastActionAt + DisputeTimeLimit the claim still fails.
func (s *Service) TimeoutRelease(ctx context.Context, id, caller string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TimeoutRelease", traces.ContractID(id))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Seller {
		return nil, nil, ErrNotSeller
	}
	if c.State != StateAwaitingInspection || c.PendingPenalty != "" {
		return nil, nil, ErrInvalidState
	}

	deadline := c.LastActionAt.Add(time.Duration(c.DisputeTimeLimit) * time.Second)
	if !s.clock.Now().After(deadline) {
		return nil, nil, ErrTimeoutNotReached
	}

	payout := c.BalanceUnits()
	prev := c.clone()
	now := s.clock.Now()
	c.Balance = money.Format(big.NewInt(0))
	c.State = StateComplete
	c.ResolvedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist timeout release: %w", err)
	}

	if payout.Sign() > 0 {
		if err := s.adapter.TransferOut(ctx, c.Seller, money.Format(payout), c.ID+":timeout"); err != nil {
			s.rollback(ctx, prev, "timeout_release", err)
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	s.finishContract(c, "timeout_release")
	metrics.TimeoutReleasesTotal.Inc()
	metrics.ContractsCompletedTotal.Inc()
	receipt := &Receipt{
		Operation:  "timeout_release",
		ContractID: c.ID,
		Recipient:  c.Seller,
		Amount:     money.Format(payout),
	}
	return c, receipt, nil
}

// ResolveDispute awards part of the disputed balance to the buyer or seller.
// Repeatable while value remains; the contract completes when the balance
// reaches zero.
func (s *Service) ResolveDispute(ctx context.Context, id, caller string, toBuyer bool, amount string) (*Contract, *Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute",
		traces.ContractID(id), traces.Amount(amount))
	defer span.End()

	release, err := s.acquire(id)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if validation.SanitizeAddress(caller) != c.Arbiter {
		return nil, nil, ErrNotArbiter
	}
	if c.State != StateDisputed {
		return nil, nil, ErrInvalidState
	}

	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	balance := c.BalanceUnits()
	if amt.Cmp(balance) > 0 {
		return nil, nil, ErrInsufficientBalance
	}

	recipient := c.Seller
	if toBuyer {
		recipient = c.Buyer
	}

	prev := c.clone()
	now := s.clock.Now()
	remaining := new(big.Int).Sub(balance, amt)
	c.Balance = money.Format(remaining)
	if remaining.Sign() == 0 {
		c.State = StateComplete
		c.ResolvedAt = &now
	}
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	if err := s.adapter.TransferOut(ctx, recipient, money.Format(amt), c.ID+":resolution"); err != nil {
		s.rollback(ctx, prev, "resolve_dispute", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if c.State == StateComplete {
		s.finishContract(c, "resolve_dispute")
		metrics.ContractsCompletedTotal.Inc()
	} else {
		s.recordTransition("resolve_dispute", c)
	}
	receipt := &Receipt{
		Operation:  "resolve_dispute",
		ContractID: c.ID,
		Recipient:  recipient,
		Amount:     money.Format(amt),
	}
	return c, receipt, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns contracts where addr is buyer, seller, or arbiter.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(addr), limit)
}

// Milestones returns a contract's milestone list.
func (s *Service) Milestones(ctx context.Context, id string) ([]Milestone, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Milestones, nil
}

// rollback restores the pre-operation snapshot after a failed transfer so
// the call is an observable no-op.
func (s *Service) rollback(ctx context.Context, prev *Contract, op string, cause error) {
	metrics.TransferFailuresTotal.Inc()
	metrics.TransitionsTotal.WithLabelValues(op, "transfer_failed").Inc()
	prev.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, prev); err != nil {
		s.logger.Error("CRITICAL: transfer failed and snapshot restore failed",
			"contractId", prev.ID, "operation", op, "transferError", cause, "error", err)
		return
	}
	s.logger.Warn("transfer failed, state restored",
		"contractId", prev.ID, "operation", op, "error", cause)
}

// finishContract records terminal bookkeeping once a contract resolves.
func (s *Service) finishContract(c *Contract, op string) {
	s.recordTransition(op, c)
	metrics.ContractDuration.Observe(c.UpdatedAt.Sub(c.CreatedAt).Seconds())
	s.locks.Forget(c.ID)
	s.logger.Info("contract resolved",
		"contractId", c.ID, "state", string(c.State), "operation", op)
}

func (s *Service) recordTransition(op string, c *Contract) {
	metrics.TransitionsTotal.WithLabelValues(op, "ok").Inc()
	s.logger.Info("transition applied",
		"contractId", c.ID, "operation", op, "state", string(c.State), "balance", c.Balance)
}

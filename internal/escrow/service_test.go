package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/money"
)

const (
	buyerAddr   = "0x1111111111111111111111111111111111111111"
	sellerAddr  = "0x2222222222222222222222222222222222222222"
	arbiterAddr = "0x3333333333333333333333333333333333333333"
	otherAddr   = "0x4444444444444444444444444444444444444444"
)

// fakeClock is a settable time source for timeout boundary tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// transfer records a single adapter call.
type transfer struct {
	dir    string // "in" or "out"
	party  string
	amount string
	ref    string
}

// mockAdapter records transfers and can be told to fail.
type mockAdapter struct {
	mu        sync.Mutex
	transfers []transfer
	failIn    error
	failOut   error
	failOutTo string // when set, failOut applies only to this party
}

func (m *mockAdapter) TransferIn(ctx context.Context, from, amount, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIn != nil {
		return m.failIn
	}
	m.transfers = append(m.transfers, transfer{"in", from, amount, ref})
	return nil
}

func (m *mockAdapter) TransferOut(ctx context.Context, to, amount, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOut != nil && (m.failOutTo == "" || m.failOutTo == to) {
		return m.failOut
	}
	m.transfers = append(m.transfers, transfer{"out", to, amount, ref})
	return nil
}

func (m *mockAdapter) totalOut() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := new(big.Int)
	for _, tr := range m.transfers {
		if tr.dir == "out" {
			sum.Add(sum, money.MustParse(tr.amount))
		}
	}
	return sum
}

func (m *mockAdapter) totalIn() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := new(big.Int)
	for _, tr := range m.transfers {
		if tr.dir == "in" {
			sum.Add(sum, money.MustParse(tr.amount))
		}
	}
	return sum
}

func (m *mockAdapter) lastOut() (transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.transfers) - 1; i >= 0; i-- {
		if m.transfers[i].dir == "out" {
			return m.transfers[i], true
		}
	}
	return transfer{}, false
}

func testDefaults() Defaults {
	return Defaults{
		EscrowFeeRate:    2,
		ReturnFeeRate:    5,
		DisputeTimeLimit: 7 * 24 * 3600,
		MaxMilestones:    50,
	}
}

func newTestService(t *testing.T) (*Service, *mockAdapter, *fakeClock) {
	t.Helper()
	adapter := &mockAdapter{}
	clock := newFakeClock()
	svc := NewService(NewMemoryStore(), adapter, testDefaults()).WithClock(clock)
	return svc, adapter, clock
}

func mustCreate(t *testing.T, svc *Service, req CreateRequest) *Contract {
	t.Helper()
	c, err := svc.Create(context.Background(), buyerAddr, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return c
}

func mustDeposit(t *testing.T, svc *Service, id, amount string) *Contract {
	t.Helper()
	c, _, err := svc.Deposit(context.Background(), id, buyerAddr, amount)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	return c
}

func mustShip(t *testing.T, svc *Service, id string) *Contract {
	t.Helper()
	c, err := svc.MarkShipped(context.Background(), id, sellerAddr, "TRACK-1")
	if err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	return c
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(t)

	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	if c.State != StateAwaitingPayment {
		t.Errorf("state = %s, want awaiting_payment", c.State)
	}
	if c.Balance != "0.000000" {
		t.Errorf("balance = %s, want 0.000000", c.Balance)
	}
	if c.EscrowFeeRate != 2 || c.ReturnFeeRate != 5 {
		t.Errorf("rates = %d/%d, want defaults 2/5", c.EscrowFeeRate, c.ReturnFeeRate)
	}
	if c.Buyer != buyerAddr || c.Seller != sellerAddr || c.Arbiter != arbiterAddr {
		t.Error("parties not fixed from request")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		buyer string
		req   CreateRequest
	}{
		{"buyer equals seller", buyerAddr, CreateRequest{Seller: buyerAddr, Arbiter: arbiterAddr}},
		{"zero arbiter", buyerAddr, CreateRequest{Seller: sellerAddr, Arbiter: ZeroAddress}},
		{"zero seller", buyerAddr, CreateRequest{Seller: ZeroAddress, Arbiter: arbiterAddr}},
		{"malformed seller", buyerAddr, CreateRequest{Seller: "0x123", Arbiter: arbiterAddr}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.buyer, tc.req); !errors.Is(err, ErrInvalidParty) {
				t.Errorf("err = %v, want ErrInvalidParty", err)
			}
		})
	}

	badRate := 101
	if _, err := svc.Create(ctx, buyerAddr, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, EscrowFeeRate: &badRate}); err == nil {
		t.Error("expected error for rate > 100")
	}

	badWindow := int64(0)
	if _, err := svc.Create(ctx, buyerAddr, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, DisputeTimeLimit: &badWindow}); err == nil {
		t.Error("expected error for zero dispute window")
	}
}

func TestDeposit_FeeWithheld(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	updated, receipt, err := svc.Deposit(context.Background(), c.ID, buyerAddr, "100")
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// 2% fee on 100: 98 escrowed, 2 withheld.
	if updated.Balance != "98.000000" {
		t.Errorf("balance = %s, want 98.000000", updated.Balance)
	}
	if updated.State != StateAwaitingDelivery {
		t.Errorf("state = %s, want awaiting_delivery", updated.State)
	}
	if receipt.Fee != "2.000000" || receipt.Amount != "98.000000" {
		t.Errorf("receipt = %+v, want net 98 fee 2", receipt)
	}

	// Adapter sees the gross amount move into custody.
	if got := adapter.totalIn(); got.Cmp(money.MustParse("100")) != 0 {
		t.Errorf("transferred in %s, want 100.000000", money.Format(got))
	}
}

func TestDeposit_Guards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	if _, _, err := svc.Deposit(ctx, c.ID, sellerAddr, "100"); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("err = %v, want ErrNotBuyer", err)
	}
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "-5"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}

	mustDeposit(t, svc, c.ID, "100")
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "100"); !errors.Is(err, ErrAlreadyFunded) {
		t.Errorf("second deposit err = %v, want ErrAlreadyFunded", err)
	}

	if _, _, err := svc.Deposit(ctx, "esc_missing", buyerAddr, "100"); !errors.Is(err, ErrContractNotFound) {
		t.Errorf("err = %v, want ErrContractNotFound", err)
	}
}

func TestDeposit_Bounds(t *testing.T) {
	defaults := testDefaults()
	defaults.MinDeposit = "1"
	defaults.MaxDeposit = "1000"
	svc := NewService(NewMemoryStore(), &mockAdapter{}, defaults).WithClock(newFakeClock())
	ctx := context.Background()

	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "0.50"); !errors.Is(err, ErrDepositOutOfRange) {
		t.Errorf("below min err = %v, want ErrDepositOutOfRange", err)
	}
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "1000.000001"); !errors.Is(err, ErrDepositOutOfRange) {
		t.Errorf("above max err = %v, want ErrDepositOutOfRange", err)
	}

	// Inclusive bounds.
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "1000"); err != nil {
		t.Fatalf("deposit at max failed: %v", err)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100")
	mustShip(t, svc, c.ID)

	final, receipt, err := svc.ConfirmDelivery(ctx, c.ID, buyerAddr)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	if final.State != StateComplete {
		t.Errorf("state = %s, want complete", final.State)
	}
	if final.Balance != "0.000000" {
		t.Errorf("balance = %s, want 0.000000", final.Balance)
	}
	if !final.DeliveryConfirmed || final.ResolvedAt == nil {
		t.Error("delivery confirmation not recorded")
	}
	if receipt.Recipient != sellerAddr || receipt.Amount != "98.000000" {
		t.Errorf("receipt = %+v, want 98 to seller", receipt)
	}

	// Conservation: 100 in, 98 out, 2 retained as platform fee.
	retained := new(big.Int).Sub(adapter.totalIn(), adapter.totalOut())
	if retained.Cmp(money.MustParse("2")) != 0 {
		t.Errorf("retained fee = %s, want 2.000000", money.Format(retained))
	}
}

func TestConfirmBeforeShip(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100")

	if _, _, err := svc.ConfirmDelivery(context.Background(), c.ID, buyerAddr); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirm before ship err = %v, want ErrInvalidState", err)
	}
}

func TestMarkShipped_Guards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	// Cannot ship before funding.
	if _, err := svc.MarkShipped(ctx, c.ID, sellerAddr, "T"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}

	mustDeposit(t, svc, c.ID, "100")

	if _, err := svc.MarkShipped(ctx, c.ID, buyerAddr, "T"); !errors.Is(err, ErrNotSeller) {
		t.Errorf("err = %v, want ErrNotSeller", err)
	}
	if _, err := svc.MarkShipped(ctx, c.ID, sellerAddr, "  "); !errors.Is(err, ErrEmptyTracking) {
		t.Errorf("err = %v, want ErrEmptyTracking", err)
	}

	shipped := mustShip(t, svc, c.ID)
	if shipped.State != StateAwaitingInspection || !shipped.ShipmentMarked || shipped.TrackingNumber != "TRACK-1" {
		t.Errorf("shipment not recorded: %+v", shipped)
	}

	// Second attestation is rejected (state has moved on).
	if _, err := svc.MarkShipped(ctx, c.ID, sellerAddr, "T2"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double ship err = %v, want ErrInvalidState", err)
	}
}

func TestMilestones_Scenario(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100") // balance 98 at 2%

	// Milestones may be registered before shipment.
	updated, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "first deliverable", "50")
	if err != nil {
		t.Fatalf("CreateMilestone failed: %v", err)
	}
	if len(updated.Milestones) != 1 {
		t.Fatalf("milestones = %d, want 1", len(updated.Milestones))
	}

	// Completion requires inspection.
	if _, _, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("complete before ship err = %v, want ErrInvalidState", err)
	}

	mustShip(t, svc, c.ID)

	updated, receipt, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, 0)
	if err != nil {
		t.Fatalf("CompleteMilestone failed: %v", err)
	}
	if updated.Balance != "48.000000" {
		t.Errorf("balance after milestone = %s, want 48.000000", updated.Balance)
	}
	if !updated.Milestones[0].Completed {
		t.Error("milestone not marked completed")
	}
	if receipt.Recipient != sellerAddr || receipt.Amount != "50.000000" {
		t.Errorf("receipt = %+v, want 50 to seller", receipt)
	}

	// Confirm releases the remainder.
	final, _, err := svc.ConfirmDelivery(ctx, c.ID, buyerAddr)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if final.Balance != "0.000000" || final.State != StateComplete {
		t.Errorf("final = %s/%s, want complete/0", final.State, final.Balance)
	}

	// 100 in; 50 + 48 out; 2 retained.
	if got := adapter.totalOut(); got.Cmp(money.MustParse("98")) != 0 {
		t.Errorf("total out = %s, want 98.000000", money.Format(got))
	}
}

func TestMilestone_Overcommit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100") // balance 98

	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "too big", "99"); !errors.Is(err, ErrMilestoneOvercommit) {
		t.Errorf("err = %v, want ErrMilestoneOvercommit", err)
	}

	// Equal to headroom is allowed.
	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "exact", "98"); err != nil {
		t.Fatalf("milestone equal to headroom rejected: %v", err)
	}

	// Headroom is now zero; any further milestone overcommits.
	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "extra", "0.000001"); !errors.Is(err, ErrMilestoneOvercommit) {
		t.Errorf("err = %v, want ErrMilestoneOvercommit", err)
	}

	// Rejection must not mutate.
	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Milestones) != 1 {
		t.Errorf("milestones = %d, want 1 (rejections must not append)", len(got.Milestones))
	}
}

func TestMilestone_GuardErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100")

	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "   ", "10"); !errors.Is(err, ErrEmptyDescription) {
		t.Errorf("err = %v, want ErrEmptyDescription", err)
	}
	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "m", "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.CreateMilestone(ctx, c.ID, sellerAddr, "m", "10"); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("err = %v, want ErrNotBuyer", err)
	}

	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "m", "10"); err != nil {
		t.Fatal(err)
	}
	mustShip(t, svc, c.ID)

	if _, _, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, 5); !errors.Is(err, ErrMilestoneIndex) {
		t.Errorf("err = %v, want ErrMilestoneIndex", err)
	}
	if _, _, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, -1); !errors.Is(err, ErrMilestoneIndex) {
		t.Errorf("err = %v, want ErrMilestoneIndex", err)
	}
	if _, _, err := svc.CompleteMilestone(ctx, c.ID, sellerAddr, 0); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("err = %v, want ErrNotBuyer", err)
	}

	if _, _, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.CompleteMilestone(ctx, c.ID, buyerAddr, 0); !errors.Is(err, ErrMilestoneCompleted) {
		t.Errorf("double complete err = %v, want ErrMilestoneCompleted", err)
	}
}

func TestRefundBuyer_ReturnFee(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()

	// Zero escrow fee so the full 100 is in custody; 5% return penalty.
	zero := 0
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, EscrowFeeRate: &zero})
	mustDeposit(t, svc, c.ID, "100")

	final, receipt, err := svc.RefundBuyer(ctx, c.ID, sellerAddr)
	if err != nil {
		t.Fatalf("RefundBuyer failed: %v", err)
	}

	if final.State != StateRefunded || final.Balance != "0.000000" {
		t.Errorf("final = %s/%s, want refunded/0", final.State, final.Balance)
	}
	if receipt.Amount != "95.000000" || receipt.Fee != "5.000000" {
		t.Errorf("receipt = %+v, want refund 95 penalty 5", receipt)
	}

	// Buyer got 95, arbiter got the 5 penalty.
	var buyerGot, arbiterGot *big.Int
	adapter.mu.Lock()
	for _, tr := range adapter.transfers {
		if tr.dir != "out" {
			continue
		}
		switch tr.party {
		case buyerAddr:
			buyerGot = money.MustParse(tr.amount)
		case arbiterAddr:
			arbiterGot = money.MustParse(tr.amount)
		}
	}
	adapter.mu.Unlock()
	if buyerGot == nil || buyerGot.Cmp(money.MustParse("95")) != 0 {
		t.Errorf("buyer refund = %v, want 95", buyerGot)
	}
	if arbiterGot == nil || arbiterGot.Cmp(money.MustParse("5")) != 0 {
		t.Errorf("arbiter penalty = %v, want 5", arbiterGot)
	}
}

func TestRefundBuyer_Guards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	// Not allowed pre-funding.
	if _, _, err := svc.RefundBuyer(ctx, c.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}

	mustDeposit(t, svc, c.ID, "100")
	if _, _, err := svc.RefundBuyer(ctx, c.ID, buyerAddr); !errors.Is(err, ErrNotSeller) {
		t.Errorf("err = %v, want ErrNotSeller", err)
	}
}

func TestRefundBuyer_PenaltyLegRetry(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()

	zero := 0
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, EscrowFeeRate: &zero})
	mustDeposit(t, svc, c.ID, "100")

	// Buyer refund settles, arbiter penalty leg fails.
	adapter.failOut = errors.New("rail down")
	adapter.failOutTo = arbiterAddr

	if _, _, err := svc.RefundBuyer(ctx, c.ID, sellerAddr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	stuck, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stuck.IsTerminal() {
		t.Fatalf("state = %s, must stay pre-terminal while the penalty is unsettled", stuck.State)
	}
	if stuck.Balance != "5.000000" || stuck.PendingPenalty != "5.000000" {
		t.Errorf("balance/pending = %s/%s, want 5.000000/5.000000", stuck.Balance, stuck.PendingPenalty)
	}

	// Only another refund call may touch the contract now.
	if _, err := svc.MarkShipped(ctx, c.ID, sellerAddr, "TRACK-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkShipped err = %v, want ErrInvalidState", err)
	}
	if _, _, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PartialRefund err = %v, want ErrInvalidState", err)
	}

	adapter.failOut = nil
	adapter.failOutTo = ""

	// The retry settles exactly the stuck 5, not a fresh 95/5 split of it.
	final, receipt, err := svc.RefundBuyer(ctx, c.ID, sellerAddr)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if final.State != StateRefunded || final.Balance != "0.000000" || final.PendingPenalty != "" {
		t.Errorf("final = %s/%s pending=%q, want refunded/0 with nothing pending",
			final.State, final.Balance, final.PendingPenalty)
	}
	if receipt.Recipient != arbiterAddr || receipt.Amount != "5.000000" {
		t.Errorf("receipt = %+v, want 5 to arbiter", receipt)
	}

	buyerGot, arbiterGot := new(big.Int), new(big.Int)
	adapter.mu.Lock()
	for _, tr := range adapter.transfers {
		if tr.dir != "out" {
			continue
		}
		switch tr.party {
		case buyerAddr:
			buyerGot.Add(buyerGot, money.MustParse(tr.amount))
		case arbiterAddr:
			arbiterGot.Add(arbiterGot, money.MustParse(tr.amount))
		}
	}
	adapter.mu.Unlock()
	if buyerGot.Cmp(money.MustParse("95")) != 0 {
		t.Errorf("buyer total = %v, want 95", buyerGot)
	}
	if arbiterGot.Cmp(money.MustParse("5")) != 0 {
		t.Errorf("arbiter total = %v, want 5", arbiterGot)
	}
}

func TestPartialRefund(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100") // balance 98

	updated, receipt, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "10")
	if err != nil {
		t.Fatalf("PartialRefund failed: %v", err)
	}
	if updated.Balance != "88.000000" {
		t.Errorf("balance = %s, want 88.000000", updated.Balance)
	}
	if updated.State != StateAwaitingDelivery {
		t.Errorf("state = %s, partial refund must not change state", updated.State)
	}
	if receipt.Recipient != buyerAddr || receipt.Amount != "10.000000" {
		t.Errorf("receipt = %+v, want 10 to buyer", receipt)
	}
	if tr, ok := adapter.lastOut(); !ok || tr.party != buyerAddr {
		t.Error("transfer did not go to buyer")
	}

	if _, _, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "89"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if _, _, err := svc.PartialRefund(ctx, c.ID, buyerAddr, "1"); !errors.Is(err, ErrNotSeller) {
		t.Errorf("err = %v, want ErrNotSeller", err)
	}
	if _, _, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestPartialRefund_RespectsMilestoneReservation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100") // balance 98

	if _, err := svc.CreateMilestone(ctx, c.ID, buyerAddr, "reserved", "90"); err != nil {
		t.Fatal(err)
	}

	// 98 - 90 reserved leaves 8 of headroom.
	if _, _, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "9"); !errors.Is(err, ErrMilestoneOvercommit) {
		t.Errorf("err = %v, want ErrMilestoneOvercommit", err)
	}
	if _, _, err := svc.PartialRefund(ctx, c.ID, sellerAddr, "8"); err != nil {
		t.Errorf("refund within headroom failed: %v", err)
	}
}

func TestTimeoutRelease_Boundary(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	window := int64(3600)
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, DisputeTimeLimit: &window})
	mustDeposit(t, svc, c.ID, "100")
	shipped := mustShip(t, svc, c.ID)

	// Only allowed during inspection; check the wrong-actor guard first.
	if _, _, err := svc.TimeoutRelease(ctx, c.ID, buyerAddr); !errors.Is(err, ErrNotSeller) {
		t.Errorf("err = %v, want ErrNotSeller", err)
	}

	// At exactly the deadline the window has not lapsed (strict comparison).
	clock.Set(shipped.LastActionAt.Add(time.Duration(window) * time.Second))
	if _, _, err := svc.TimeoutRelease(ctx, c.ID, sellerAddr); !errors.Is(err, ErrTimeoutNotReached) {
		t.Errorf("at deadline err = %v, want ErrTimeoutNotReached", err)
	}

	// One second past the deadline the claim succeeds.
	clock.Advance(time.Second)
	final, receipt, err := svc.TimeoutRelease(ctx, c.ID, sellerAddr)
	if err != nil {
		t.Fatalf("TimeoutRelease failed: %v", err)
	}
	if final.State != StateComplete || final.Balance != "0.000000" {
		t.Errorf("final = %s/%s, want complete/0", final.State, final.Balance)
	}
	if receipt.Recipient != sellerAddr || receipt.Amount != "98.000000" {
		t.Errorf("receipt = %+v, want 98 to seller", receipt)
	}
}

func TestTimeoutRelease_BlockedByDispute(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	window := int64(3600)
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr, DisputeTimeLimit: &window})
	mustDeposit(t, svc, c.ID, "100")
	mustShip(t, svc, c.ID)

	if _, err := svc.OpenDispute(ctx, c.ID, buyerAddr, "item damaged"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Hour)
	if _, _, err := svc.TimeoutRelease(ctx, c.ID, sellerAddr); !errors.Is(err, ErrInvalidState) {
		t.Errorf("timeout on disputed contract err = %v, want ErrInvalidState", err)
	}
}

func TestDispute_Resolution(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100") // balance 98
	mustShip(t, svc, c.ID)

	// Only the buyer may dispute, only during inspection.
	if _, err := svc.OpenDispute(ctx, c.ID, sellerAddr, "x"); !errors.Is(err, ErrNotBuyer) {
		t.Errorf("err = %v, want ErrNotBuyer", err)
	}
	disputed, err := svc.OpenDispute(ctx, c.ID, buyerAddr, "wrong item")
	if err != nil {
		t.Fatal(err)
	}
	if disputed.State != StateDisputed || disputed.Balance != "98.000000" {
		t.Errorf("dispute moved value: %s/%s", disputed.State, disputed.Balance)
	}

	// Only the arbiter resolves.
	if _, _, err := svc.ResolveDispute(ctx, c.ID, buyerAddr, true, "10"); !errors.Is(err, ErrNotArbiter) {
		t.Errorf("err = %v, want ErrNotArbiter", err)
	}
	if _, _, err := svc.ResolveDispute(ctx, c.ID, arbiterAddr, true, "99"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}

	// Split award: 60 to buyer, then 38 to seller; completes at zero.
	mid, _, err := svc.ResolveDispute(ctx, c.ID, arbiterAddr, true, "60")
	if err != nil {
		t.Fatal(err)
	}
	if mid.State != StateDisputed || mid.Balance != "38.000000" {
		t.Errorf("mid = %s/%s, want disputed/38", mid.State, mid.Balance)
	}

	final, receipt, err := svc.ResolveDispute(ctx, c.ID, arbiterAddr, false, "38")
	if err != nil {
		t.Fatal(err)
	}
	if final.State != StateComplete || final.Balance != "0.000000" {
		t.Errorf("final = %s/%s, want complete/0", final.State, final.Balance)
	}
	if receipt.Recipient != sellerAddr {
		t.Errorf("final award recipient = %s, want seller", receipt.Recipient)
	}

	// Terminal states absorb.
	if _, _, err := svc.ResolveDispute(ctx, c.ID, arbiterAddr, true, "1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("resolve after complete err = %v, want ErrInvalidState", err)
	}
}

func TestTransferFailure_DepositRollsBack(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	adapter.failIn = errors.New("rail down")
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "100"); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateAwaitingPayment || got.Balance != "0.000000" {
		t.Errorf("failed deposit left state %s/%s, want awaiting_payment/0", got.State, got.Balance)
	}

	// The failure is transient: a retry succeeds.
	adapter.failIn = nil
	if _, _, err := svc.Deposit(ctx, c.ID, buyerAddr, "100"); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestTransferFailure_ConfirmRollsBack(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	mustDeposit(t, svc, c.ID, "100")
	mustShip(t, svc, c.ID)

	adapter.failOut = errors.New("rail down")
	if _, _, err := svc.ConfirmDelivery(ctx, c.ID, buyerAddr); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	got, err := svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateAwaitingInspection || got.Balance != "98.000000" {
		t.Errorf("failed confirm left state %s/%s, want awaiting_inspection/98", got.State, got.Balance)
	}
	if got.DeliveryConfirmed {
		t.Error("failed confirm left DeliveryConfirmed set")
	}
}

// reentrantAdapter calls back into the service from inside TransferOut,
// simulating a hostile rail that tries to drain the contract re-entrantly.
type reentrantAdapter struct {
	svc        *Service
	contractID string
	innerErr   error
	calls      int
}

func (r *reentrantAdapter) TransferIn(ctx context.Context, from, amount, ref string) error {
	return nil
}

func (r *reentrantAdapter) TransferOut(ctx context.Context, to, amount, ref string) error {
	r.calls++
	if r.calls == 1 {
		_, _, r.innerErr = r.svc.PartialRefund(ctx, r.contractID, sellerAddr, "1")
	}
	return nil
}

func TestReentrantCallback_Rejected(t *testing.T) {
	store := NewMemoryStore()
	adapter := &reentrantAdapter{}
	svc := NewService(store, adapter, testDefaults()).WithClock(newFakeClock())
	adapter.svc = svc

	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})
	adapter.contractID = c.ID
	mustDeposit(t, svc, c.ID, "100")
	mustShip(t, svc, c.ID)

	// The outer confirm succeeds; the nested mutation inside the adapter
	// callback must have been rejected, not deadlocked or interleaved.
	final, _, err := svc.ConfirmDelivery(ctx, c.ID, buyerAddr)
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if !errors.Is(adapter.innerErr, ErrReentrantCall) {
		t.Errorf("nested call err = %v, want ErrReentrantCall", adapter.innerErr)
	}
	if final.State != StateComplete || final.Balance != "0.000000" {
		t.Errorf("final = %s/%s, want complete/0", final.State, final.Balance)
	}
}

func TestListByParty(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreate(t, svc, CreateRequest{Seller: sellerAddr, Arbiter: arbiterAddr})

	for _, addr := range []string{buyerAddr, sellerAddr, arbiterAddr} {
		list, err := svc.ListByParty(ctx, addr, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != c.ID {
			t.Errorf("ListByParty(%s) = %d contracts, want the created one", addr, len(list))
		}
	}

	list, err := svc.ListByParty(ctx, otherAddr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("ListByParty(stranger) = %d, want 0", len(list))
	}
}

func TestStoreCopyIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := &Contract{
		ID:         "esc_x",
		Buyer:      buyerAddr,
		Seller:     sellerAddr,
		Arbiter:    arbiterAddr,
		State:      StateAwaitingDelivery,
		Balance:    "10.000000",
		Milestones: []Milestone{{Description: "m", Payment: "1.000000"}},
	}
	if err := store.Create(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "esc_x")
	if err != nil {
		t.Fatal(err)
	}
	got.Milestones[0].Completed = true
	got.Balance = "0.000000"

	again, err := store.Get(ctx, "esc_x")
	if err != nil {
		t.Fatal(err)
	}
	if again.Milestones[0].Completed || again.Balance != "10.000000" {
		t.Error("mutating a returned copy leaked into the store")
	}
}

package loyalty_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestSettle_ScenarioA_FundedEarn(t *testing.T) {
	// GIVEN: Branch funded with 1000 coins, 5% earn, ₹500 minimum
	// WHEN: Customer makes a ₹1000 purchase without redeeming
	// THEN: 50 coins are earned and one EARN(+50) row is tagged with the branch

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")

	r := f.settle(b, c, "1000", "INV-1", 0)

	assert.Equal(t, loyalty.Coins(50), r.RequiredEarnCoins)
	assert.Equal(t, loyalty.Coins(50), r.EarnedCoins)
	assert.Zero(t, r.RedeemedCoins)
	assert.True(t, r.FinalPayable.Equal(inr("1000")))
	assert.Equal(t, loyalty.Coins(0), r.PreviousBalance)
	assert.Equal(t, loyalty.Coins(50), r.NewBalance)

	earn := f.rows(c.ID, loyalty.TxEarn)
	require.Len(t, earn, 1)
	assert.Equal(t, loyalty.Coins(50), earn[0].Coins)
	assert.Equal(t, b.ID, earn[0].BranchID)
	assert.Equal(t, r.PurchaseID, earn[0].PurchaseID)

	assert.Equal(t, loyalty.Coins(50), f.balance(c.ID))
	assert.Equal(t, loyalty.Coins(950), f.branchAvailable(b.ID))
}

func TestSettle_ScenarioB_UnderfundedBranchDegrades(t *testing.T) {
	// GIVEN: Branch with only 30 coins of allowance, degrade policy
	// WHEN: A ₹1000 purchase requires 50 coins
	// THEN: The purchase is recorded, earned is 0, no EARN row, a note explains why

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 30)
	c := f.customer("c1")

	r := f.settle(b, c, "1000", "INV-1", 0)

	assert.Equal(t, loyalty.Coins(50), r.RequiredEarnCoins)
	assert.Zero(t, r.EarnedCoins)
	assert.Empty(t, f.rows(c.ID, loyalty.TxEarn))
	require.NotEmpty(t, r.Notes)
	assert.Contains(t, r.Notes[0], "insufficient branch balance")

	purchases, err := f.store.PurchasesByCustomer(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Zero(t, purchases[0].EarnedCoins)
	assert.Equal(t, loyalty.Coins(30), f.branchAvailable(b.ID))
}

func TestSettle_ScenarioC_RedemptionClampedByHalfBalance(t *testing.T) {
	// GIVEN: Customer with 200 coins, never redeemed
	// WHEN: ₹2000 purchase requesting 150 coins
	// THEN: 100 redeemed, payable ₹1900, REDEEM(-100) tagged with the branch

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")
	f.credit(c.ID, 200)

	r := f.settle(b, c, "2000", "INV-1", 150)

	assert.Equal(t, loyalty.Coins(100), r.RedeemedCoins)
	assert.Equal(t, loyalty.Coins(100), r.MaxRedeemable)
	assert.True(t, r.FinalPayable.Equal(inr("1900")))
	assert.Equal(t, loyalty.Coins(100), r.EarnedCoins)
	assert.Equal(t, loyalty.Coins(200), r.PreviousBalance)
	assert.Equal(t, loyalty.Coins(200), r.NewBalance)
	assert.Contains(t, r.Notes, "redemption reduced to 100 coins")

	redeem := f.rows(c.ID, loyalty.TxRedeem)
	require.Len(t, redeem, 1)
	assert.Equal(t, loyalty.Coins(-100), redeem[0].Coins)
	assert.Equal(t, b.ID, redeem[0].BranchID)

	// Branch handed out 100 and got 100 back.
	assert.Equal(t, loyalty.Coins(1000), f.branchAvailable(b.ID))
}

func TestSettle_ScenarioD_SecondRedemptionRefused(t *testing.T) {
	// GIVEN: A customer who already redeemed once
	// WHEN: A later purchase asks to redeem again
	// THEN: Nothing is redeemed and the purchase still settles

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")
	f.credit(c.ID, 400)
	f.settle(b, c, "2000", "INV-1", 50)

	r := f.settle(b, c, "3000", "INV-2", 50)

	assert.Zero(t, r.RedeemedCoins)
	assert.True(t, r.FinalPayable.Equal(inr("3000")))
	require.NotEmpty(t, r.Notes)
	assert.Contains(t, r.Notes[len(r.Notes)-1], "redemption not applied")
	assert.Len(t, f.rows(c.ID, loyalty.TxRedeem), 1)
}

func TestSettle_HugeBill(t *testing.T) {
	// GIVEN: A funded branch and a customer with 200 coins
	// WHEN: A bill far beyond int64 coin range redeems 50
	// THEN: Earn hits the 500 ceiling, 50 is redeemed and nothing wraps

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 10000)
	c := f.customer("c1")
	f.credit(c.ID, 200)

	r := f.settle(b, c, "200000000000000000000", "INV-1", 50)

	assert.Equal(t, loyalty.Coins(500), r.EarnedCoins)
	assert.Equal(t, loyalty.Coins(50), r.RedeemedCoins)
	assert.True(t, r.FinalPayable.Equal(inr("199999999999999999950")), "payable %s", r.FinalPayable)
	assert.Equal(t, loyalty.Coins(650), r.NewBalance)
	assert.Equal(t, loyalty.Coins(650), f.balance(c.ID))

	purchases, err := f.store.PurchasesByCustomer(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, loyalty.Coins(50), purchases[0].RedeemedCoins)
	assert.True(t, purchases[0].FinalPayable.LessThan(purchases[0].BillAmount))
}

// =============================================================================
// VALIDATION AND ERRORS
// =============================================================================

func TestSettle_Validation(t *testing.T) {
	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")

	tests := []struct {
		name    string
		mutate  func(*loyalty.PurchaseRequest)
		wantErr error
	}{
		{"zero bill", func(r *loyalty.PurchaseRequest) { r.BillAmount = inr("0") }, loyalty.ErrInvalidBillAmount},
		{"negative bill", func(r *loyalty.PurchaseRequest) { r.BillAmount = inr("-10") }, loyalty.ErrInvalidBillAmount},
		{"blank invoice", func(r *loyalty.PurchaseRequest) { r.InvoiceNo = "  " }, loyalty.ErrMissingInvoice},
		{"unknown customer", func(r *loyalty.PurchaseRequest) { r.CustomerID = "ghost" }, loyalty.ErrCustomerNotFound},
		{"unknown branch", func(r *loyalty.PurchaseRequest) { r.BranchID = "ghost" }, loyalty.ErrBranchNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := purchase(b, c, "1000", "INV-"+tt.name, 0)
			tt.mutate(&req)

			_, err := f.engine.Settle(f.ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	count, err := f.store.CountPurchases(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "no rejected request may leave a purchase behind")
}

func TestSettle_BlockedCustomer(t *testing.T) {
	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")
	require.NoError(t, f.engine.SetBlocked(f.ctx, c.ID, true))

	_, err := f.engine.Settle(f.ctx, purchase(b, c, "1000", "INV-1", 0))
	assert.ErrorIs(t, err, loyalty.ErrCustomerBlocked)
	assert.Zero(t, f.balance(c.ID))

	require.NoError(t, f.engine.SetBlocked(f.ctx, c.ID, false))
	r := f.settle(b, c, "1000", "INV-1", 0)
	assert.Equal(t, loyalty.Coins(50), r.EarnedCoins)
}

func TestSettle_DuplicateInvoice(t *testing.T) {
	// GIVEN: INV-1 already settled at branch b1
	// WHEN: INV-1 is submitted again at b1, then at b2
	// THEN: b1 rejects it with nothing written, b2 accepts it

	f := newFixture(t, scenarioSettings())
	b1 := f.branch("b1", 1000)
	b2 := f.branch("b2", 1000)
	c := f.customer("c1")
	f.settle(b1, c, "1000", "INV-1", 0)

	_, err := f.engine.Settle(f.ctx, purchase(b1, c, "1000", "INV-1", 0))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateInvoice)
	assert.True(t, loyalty.IsConflict(err))
	assert.Equal(t, loyalty.Coins(50), f.balance(c.ID))

	r := f.settle(b2, c, "1000", "INV-1", 0)
	assert.Equal(t, loyalty.Coins(50), r.EarnedCoins)
	assert.Equal(t, loyalty.Coins(100), f.balance(c.ID))
}

// failingStore fails every wallet append inside a transaction.
type failingStore struct {
	*store.Memory
}

func (f *failingStore) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	return f.Memory.WithTx(ctx, func(s loyalty.Store) error {
		return fn(failingTx{Store: s})
	})
}

type failingTx struct {
	loyalty.Store
}

func (failingTx) AppendWallet(context.Context, ...loyalty.WalletTransaction) error {
	return errors.New("disk full")
}

func TestSettle_AtomicOnLedgerFailure(t *testing.T) {
	// GIVEN: A store whose wallet append fails mid-settlement
	// WHEN: Settling a purchase that would earn coins
	// THEN: The error surfaces and no purchase row survives

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")

	engine := loyalty.NewEngine(&failingStore{Memory: f.store}, loyalty.StaticSettings{Snapshot: scenarioSettings()})
	_, err := engine.Settle(f.ctx, purchase(b, c, "1000", "INV-1", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	count, err := f.store.CountPurchases(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.balance(c.ID))
}

func TestSettle_RejectFundingPolicy(t *testing.T) {
	s := scenarioSettings()
	s.FundingPolicy = loyalty.FundingReject
	f := newFixture(t, s)
	b := f.branch("b1", 30)
	c := f.customer("c1")

	_, err := f.engine.Settle(f.ctx, purchase(b, c, "1000", "INV-1", 0))
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBranchFunds)

	count, err := f.store.CountPurchases(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSettle_PartialFundingPolicy(t *testing.T) {
	s := scenarioSettings()
	s.FundingPolicy = loyalty.FundingPartial
	f := newFixture(t, s)
	b := f.branch("b1", 30)
	c := f.customer("c1")

	r := f.settle(b, c, "1000", "INV-1", 0)
	assert.Equal(t, loyalty.Coins(30), r.EarnedCoins)
	assert.Zero(t, f.branchAvailable(b.ID))
}

// =============================================================================
// LEDGER PROPERTIES
// =============================================================================

func TestSettle_ReceiptMatchesLedgerFold(t *testing.T) {
	// GIVEN: A mixed sequence of earns, a redemption and admin moves
	// WHEN: Each settlement returns a receipt
	// THEN: Every receipt's NewBalance equals the ledger fold at that moment

	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 5000)
	c := f.customer("c1")

	steps := []struct {
		bill   string
		redeem loyalty.Coins
	}{
		{"1000", 0}, {"4000", 0}, {"2500", 80}, {"700", 0}, {"300", 0}, {"12000", 40},
	}
	for i, step := range steps {
		r := f.settle(b, c, step.bill, "INV-"+string(rune('A'+i)), step.redeem)
		assert.Equal(t, f.balance(c.ID), r.NewBalance, "step %d", i)
		assert.GreaterOrEqual(t, r.NewBalance, loyalty.Coins(0))
	}

	f.credit(c.ID, 25)
	_, err := f.engine.AdminDebit(f.ctx, loyalty.Adjustment{CustomerID: c.ID, Coins: 10, Reason: "correction"})
	require.NoError(t, err)

	r := f.settle(b, c, "800", "INV-final", 0)
	assert.Equal(t, f.balance(c.ID), r.NewBalance)
}

func TestSettle_WelcomeBonusOnFirstPurchaseOnly(t *testing.T) {
	s := scenarioSettings()
	s.WelcomeBonusCoins = 25
	f := newFixture(t, s)
	b := f.branch("b1", 1000)
	c := f.customer("c1")

	first := f.settle(b, c, "1000", "INV-1", 0)
	second := f.settle(b, c, "1000", "INV-2", 0)

	assert.Equal(t, loyalty.Coins(25), first.WelcomeBonusCoins)
	assert.Equal(t, loyalty.Coins(75), first.NewBalance)
	assert.Zero(t, second.WelcomeBonusCoins)

	bonus := f.rows(c.ID, loyalty.TxBonus)
	require.Len(t, bonus, 1)
	assert.Empty(t, bonus[0].BranchID, "welcome bonus does not draw on branch allowance")
	assert.Equal(t, loyalty.Coins(900), f.branchAvailable(b.ID))
}

func TestSettle_ExpiryStampedOnEarn(t *testing.T) {
	s := scenarioSettings()
	s.CoinExpiryDays = 30
	f := newFixture(t, s)
	b := f.branch("b1", 1000)
	c := f.customer("c1")

	f.settle(b, c, "1000", "INV-1", 0)

	earn := f.rows(c.ID, loyalty.TxEarn)
	require.Len(t, earn, 1)
	require.NotNil(t, earn[0].ExpiresAt)
	assert.Equal(t, testNow.AddDate(0, 0, 30), *earn[0].ExpiresAt)
}

func TestSettle_BranchOverride(t *testing.T) {
	f := newFixture(t, scenarioSettings())
	pct := inr("10")
	b, err := f.engine.CreateBranch(f.ctx, loyalty.NewBranch{ID: "flagship", Name: "Flagship", CustomCoinPercent: &pct})
	require.NoError(t, err)
	_, err = f.engine.CreditBranch(f.ctx, b.ID, 1000, "allowance")
	require.NoError(t, err)
	c := f.customer("c1")

	r := f.settle(*b, c, "1000", "INV-1", 0)
	assert.Equal(t, loyalty.Coins(100), r.EarnedCoins)
}

// =============================================================================
// QUOTE
// =============================================================================

func TestQuote_WritesNothing(t *testing.T) {
	f := newFixture(t, scenarioSettings())
	b := f.branch("b1", 1000)
	c := f.customer("c1")
	f.credit(c.ID, 200)

	q, err := f.engine.Quote(f.ctx, purchase(b, c, "2000", "INV-1", 150))
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(100), q.EarnedCoins)
	assert.Equal(t, loyalty.Coins(100), q.RedeemedCoins)
	assert.True(t, q.FinalPayable.Equal(inr("1900")))
	assert.Empty(t, q.PurchaseID)

	count, err := f.store.CountPurchases(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, loyalty.Coins(200), f.balance(c.ID))

	// The quoted invoice is still free.
	r := f.settle(b, c, "2000", "INV-1", 150)
	assert.True(t, q.FinalPayable.Equal(r.FinalPayable))
}

package loyalty_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func inr(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func coinsPtr(c loyalty.Coins) *loyalty.Coins { return &c }

// scenarioSettings matches the economics used by the settlement scenarios:
// 5% earn, ₹500 minimum, no per-bill cap, 10% redeem cap, ₹1 per coin.
func scenarioSettings() loyalty.Settings {
	s := loyalty.DefaultSettings()
	s.PurchaseCoinPercent = inr("5")
	s.MinBillToEarn = inr("500")
	s.MaxCoinsPerBill = nil
	s.MaxRedeemPercent = inr("10")
	s.CoinValueINR = inr("1")
	s.WelcomeBonusCoins = 0
	return s
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *loyalty.Engine
	seq    int
}

func newFixture(t *testing.T, settings loyalty.Settings) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: store.NewMemory()}
	f.engine = loyalty.NewEngine(f.store, loyalty.StaticSettings{Snapshot: settings},
		loyalty.WithClock(func() time.Time { return testNow }),
		loyalty.WithIDGenerator(f.nextID),
	)
	return f
}

func (f *fixture) nextID() string {
	f.seq++
	return fmt.Sprintf("id-%04d", f.seq)
}

func (f *fixture) customer(id string) loyalty.Customer {
	f.t.Helper()
	c, err := f.engine.RegisterCustomer(f.ctx, loyalty.NewCustomer{ID: loyalty.CustomerID(id), Name: id})
	require.NoError(f.t, err)
	return *c
}

func (f *fixture) referred(id string, referrer loyalty.Customer) loyalty.Customer {
	f.t.Helper()
	c, err := f.engine.RegisterCustomer(f.ctx, loyalty.NewCustomer{
		ID: loyalty.CustomerID(id), Name: id, ReferralCode: referrer.ReferralCode,
	})
	require.NoError(f.t, err)
	return *c
}

func (f *fixture) branch(id string, funded loyalty.Coins) loyalty.Branch {
	f.t.Helper()
	b, err := f.engine.CreateBranch(f.ctx, loyalty.NewBranch{ID: loyalty.BranchID(id), Name: id})
	require.NoError(f.t, err)
	if funded > 0 {
		_, err = f.engine.CreditBranch(f.ctx, b.ID, funded, "initial allowance")
		require.NoError(f.t, err)
	}
	return *b
}

func (f *fixture) credit(c loyalty.CustomerID, coins loyalty.Coins) {
	f.t.Helper()
	_, err := f.engine.AdminCredit(f.ctx, loyalty.Adjustment{CustomerID: c, Coins: coins, Reason: "seed"})
	require.NoError(f.t, err)
}

func (f *fixture) balance(c loyalty.CustomerID) loyalty.Coins {
	f.t.Helper()
	b, err := f.engine.Ledger().CustomerBalance(f.ctx, c)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) branchAvailable(b loyalty.BranchID) loyalty.Coins {
	f.t.Helper()
	a, err := f.engine.Ledger().BranchAvailable(f.ctx, b)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) rows(c loyalty.CustomerID, typ loyalty.TxType) []loyalty.WalletTransaction {
	f.t.Helper()
	txs, err := f.store.WalletByCustomer(f.ctx, c)
	require.NoError(f.t, err)
	var out []loyalty.WalletTransaction
	for _, tx := range txs {
		if tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fixture) settle(b loyalty.Branch, c loyalty.Customer, bill, invoice string, redeem loyalty.Coins) *loyalty.Receipt {
	f.t.Helper()
	r, err := f.engine.Settle(f.ctx, purchase(b, c, bill, invoice, redeem))
	require.NoError(f.t, err)
	return r
}

func purchase(b loyalty.Branch, c loyalty.Customer, bill, invoice string, redeem loyalty.Coins) loyalty.PurchaseRequest {
	return loyalty.PurchaseRequest{
		BranchID:      b.ID,
		CustomerID:    c.ID,
		BillAmount:    inr(bill),
		InvoiceNo:     invoice,
		Category:      "phones",
		PaymentMethod: "upi",
		Redeem:        redeem > 0,
		RedeemCoins:   redeem,
	}
}

/*
settlement.go - Purchase settlement orchestration

PURPOSE:
  Records one sale and applies its coin consequences. This is what runs
  every time a branch operator submits a purchase.

FLOW:
  1. Validate the request (bill > 0, invoice present). No writes yet.
  2. Take one settings snapshot.
  3. Inside a single store transaction:
     a. Load customer (reject if blocked) and branch.
     b. Fold balance, redeem history and branch allowance from the ledger.
     c. Compute earned coins and apply the branch funding policy.
     d. Evaluate redemption if the operator asked for it.
     e. Check the plan against its own bounds before writing.
     f. Insert the purchase row.
     g. Append EARN / REDEEM / BONUS rows as one batch.
     h. On a first purchase, unlock the pending referral reward.
  4. Return a receipt.

  Any error inside the transaction rolls back every write: there is never
  a purchase row without its ledger rows.

RECEIPT BALANCE:
  NewBalance is previous balance plus every coin this settlement moved for
  the customer, computed arithmetically for display. The authoritative
  balance is always the ledger fold.

SEE ALSO:
  - earn.go, redeem.go, referral.go: The rules
  - ledger.go: Balance folds
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUEST / RECEIPT
// =============================================================================

// PurchaseRequest is what the operator submits.
type PurchaseRequest struct {
	BranchID      BranchID
	CustomerID    CustomerID
	BillAmount    decimal.Decimal
	InvoiceNo     string
	Category      string
	PaymentMethod string

	// Redeem is the operator's toggle; RedeemCoins the amount they asked for.
	Redeem      bool
	RedeemCoins Coins
}

// Validate rejects requests that must never reach the store.
func (r PurchaseRequest) Validate() error {
	if !r.BillAmount.IsPositive() {
		return &ValidationError{Field: "bill_amount", Err: ErrInvalidBillAmount}
	}
	if strings.TrimSpace(r.InvoiceNo) == "" {
		return &ValidationError{Field: "invoice_no", Err: ErrMissingInvoice}
	}
	if r.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Err: ErrCustomerNotFound}
	}
	if r.BranchID == "" {
		return &ValidationError{Field: "branch_id", Err: ErrBranchNotFound}
	}
	return nil
}

// Receipt is the operator-facing result of a settlement or quote.
type Receipt struct {
	PurchaseID        PurchaseID
	BranchID          BranchID
	CustomerID        CustomerID
	InvoiceNo         string
	BillAmount        decimal.Decimal
	RequiredEarnCoins Coins
	EarnedCoins       Coins
	RedeemedCoins     Coins
	MaxRedeemable     Coins
	WelcomeBonusCoins Coins
	ReferralCoins     Coins // credited to this customer by a referral unlock
	FinalPayable      decimal.Decimal
	PreviousBalance   Coins
	NewBalance        Coins
	Notes             []string
}

// =============================================================================
// PLAN - Everything computed before writing
// =============================================================================

type settlementPlan struct {
	req           PurchaseRequest
	customer      Customer
	branch        Branch
	settings      Settings
	previous      Coins
	hasRedeemed   bool
	firstPurchase bool
	earn          EarnResult
	redemption    Redemption
	welcome       Coins
	finalPayable  decimal.Decimal
	notes         []string
}

func (e *Engine) plan(ctx context.Context, s Store, req PurchaseRequest, global Settings) (*settlementPlan, error) {
	customer, err := s.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer.IsBlocked {
		return nil, &ValidationError{Field: "customer_id", Err: ErrCustomerBlocked}
	}
	branch, err := s.GetBranch(ctx, req.BranchID)
	if err != nil {
		return nil, err
	}

	eff := global.ForBranch(*branch)
	ledger := NewLedger(s)

	state, err := ledger.CustomerState(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("load customer ledger: %w", err)
	}
	available, err := ledger.BranchAvailable(ctx, branch.ID)
	if err != nil {
		return nil, fmt.Errorf("load branch ledger: %w", err)
	}
	count, err := s.CountPurchases(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("count purchases: %w", err)
	}

	p := &settlementPlan{
		req:           req,
		customer:      *customer,
		branch:        *branch,
		settings:      eff,
		previous:      state.Balance,
		hasRedeemed:   state.HasRedeemed,
		firstPurchase: count == 0,
	}

	// Earn
	required := ComputeEarn(req.BillAmount, eff)
	if req.BillAmount.LessThan(eff.MinBillToEarn) {
		p.notes = append(p.notes, fmt.Sprintf("no coins earned: bill below minimum of %s", eff.MinBillToEarn))
	}
	p.earn, err = ApplyFunding(required, available, eff.FundingPolicy)
	if err != nil {
		return nil, err
	}
	if p.earn.Reduced {
		p.notes = append(p.notes, fmt.Sprintf(
			"coins earned reduced from %d to %d: insufficient branch balance",
			p.earn.Required, p.earn.Effective))
	}

	// Redeem
	if req.Redeem {
		p.redemption = EvaluateRedemption(RedeemInput{
			Bill:        req.BillAmount,
			Balance:     state.Balance,
			HasRedeemed: state.HasRedeemed,
			Requested:   req.RedeemCoins,
		}, eff)
		switch {
		case !p.redemption.Eligible:
			p.notes = append(p.notes, "redemption not applied: "+p.redemption.Reason)
		case p.redemption.Redeemed < req.RedeemCoins:
			p.notes = append(p.notes, fmt.Sprintf("redemption reduced to %d coins", p.redemption.Redeemed))
		}
	}

	if p.firstPurchase && eff.WelcomeBonusCoins > 0 {
		p.welcome = eff.WelcomeBonusCoins
	}
	p.finalPayable = FinalPayable(req.BillAmount, p.redemption.Redeemed, eff.CoinValueINR)
	return p, nil
}

// verify checks the plan against its own bounds before anything is
// written. The planner clamps every amount, so a failure here is a bug in
// the rules, never operator input.
func (p *settlementPlan) verify() error {
	r := p.redemption
	if r.Redeemed < 0 || r.Redeemed > r.MaxRedeemable ||
		(r.Redeemed > 0 && (r.Redeemed > p.previous || !r.Eligible || p.hasRedeemed)) {
		return fmt.Errorf("%w: redeem %d, max %d, balance %d", ErrRedemptionExceedsLimit,
			r.Redeemed, r.MaxRedeemable, p.previous)
	}
	g := p.earn
	if g.Effective < 0 || g.Effective > g.Required || (g.Effective > 0 && g.Effective > g.Available) {
		return fmt.Errorf("%w: grant %d, required %d, available %d", ErrGrantOutOfBounds,
			g.Effective, g.Required, g.Available)
	}
	return nil
}

func (p *settlementPlan) ledgerRows(e *Engine, purchase Purchase) []WalletTransaction {
	var rows []WalletTransaction
	if p.earn.Effective > 0 {
		row := WalletTransaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     purchase.CustomerID,
			Coins:          p.earn.Effective,
			Type:           TxEarn,
			BranchID:       purchase.BranchID,
			PurchaseID:     purchase.ID,
			Reason:         "purchase " + purchase.InvoiceNo,
			IdempotencyKey: fmt.Sprintf("purchase:%s:earn", purchase.ID),
			CreatedAt:      purchase.CreatedAt,
		}
		if p.settings.CoinExpiryDays > 0 {
			exp := purchase.CreatedAt.AddDate(0, 0, p.settings.CoinExpiryDays)
			row.ExpiresAt = &exp
		}
		rows = append(rows, row)
	}
	if p.redemption.Redeemed > 0 {
		rows = append(rows, WalletTransaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     purchase.CustomerID,
			Coins:          -p.redemption.Redeemed,
			Type:           TxRedeem,
			BranchID:       purchase.BranchID,
			PurchaseID:     purchase.ID,
			Reason:         "redeemed on " + purchase.InvoiceNo,
			IdempotencyKey: fmt.Sprintf("purchase:%s:redeem", purchase.ID),
			CreatedAt:      purchase.CreatedAt,
		})
	}
	if p.welcome > 0 {
		rows = append(rows, WalletTransaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     purchase.CustomerID,
			Coins:          p.welcome,
			Type:           TxBonus,
			PurchaseID:     purchase.ID,
			Reason:         "welcome bonus",
			IdempotencyKey: fmt.Sprintf("welcome:%s", purchase.CustomerID),
			CreatedAt:      purchase.CreatedAt,
		})
	}
	return rows
}

func (p *settlementPlan) receipt(id PurchaseID, payout *ReferralPayout) *Receipt {
	r := &Receipt{
		PurchaseID:        id,
		BranchID:          p.branch.ID,
		CustomerID:        p.customer.ID,
		InvoiceNo:         p.req.InvoiceNo,
		BillAmount:        p.req.BillAmount,
		RequiredEarnCoins: p.earn.Required,
		EarnedCoins:       p.earn.Effective,
		RedeemedCoins:     p.redemption.Redeemed,
		MaxRedeemable:     p.redemption.MaxRedeemable,
		WelcomeBonusCoins: p.welcome,
		FinalPayable:      p.finalPayable,
		PreviousBalance:   p.previous,
		Notes:             p.notes,
	}
	if payout != nil {
		r.ReferralCoins = payout.NewCustomerCoins
		r.Notes = append(r.Notes, fmt.Sprintf("referral reward unlocked: +%d coins", payout.NewCustomerCoins))
	}
	r.NewBalance = r.PreviousBalance + r.EarnedCoins - r.RedeemedCoins + r.WelcomeBonusCoins + r.ReferralCoins
	return r
}

// =============================================================================
// SETTLE / QUOTE
// =============================================================================

// Settle records a purchase and applies its coin consequences atomically.
func (e *Engine) Settle(ctx context.Context, req PurchaseRequest) (*Receipt, error) {
	start := time.Now()
	log := e.logger().With("branch_id", req.BranchID, "customer_id", req.CustomerID, "invoice_no", req.InvoiceNo)

	if err := req.Validate(); err != nil {
		e.metrics().SettlementFailed(failureReason(err))
		return nil, err
	}
	global, err := e.Settings.Settings(ctx)
	if err != nil {
		e.metrics().SettlementFailed("settings")
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var (
		receipt *Receipt
		plan    *settlementPlan
		rows    []WalletTransaction
		payout  *ReferralPayout
	)
	err = e.Store.WithTx(ctx, func(s Store) error {
		p, err := e.plan(ctx, s, req, global)
		if err != nil {
			return err
		}
		if err := p.verify(); err != nil {
			return err
		}

		purchase := Purchase{
			ID:                PurchaseID(e.newID()),
			BranchID:          p.branch.ID,
			CustomerID:        p.customer.ID,
			BillAmount:        req.BillAmount,
			InvoiceNo:         strings.TrimSpace(req.InvoiceNo),
			Category:          req.Category,
			PaymentMethod:     req.PaymentMethod,
			EarnedCoins:       p.earn.Effective,
			RedeemedCoins:     p.redemption.Redeemed,
			WelcomeBonusCoins: p.welcome,
			FinalPayable:      p.finalPayable,
			CreatedAt:         e.now(),
		}
		if err := s.InsertPurchase(ctx, purchase); err != nil {
			return err
		}

		rows = p.ledgerRows(e, purchase)
		if len(rows) > 0 {
			if err := s.AppendWallet(ctx, rows...); err != nil {
				return fmt.Errorf("append ledger rows: %w", err)
			}
		}

		if p.firstPurchase {
			payout, err = e.UnlockReferral(ctx, s, p.customer, purchase.ID)
			if err != nil {
				return err
			}
		}

		plan = p
		receipt = p.receipt(purchase.ID, payout)
		return nil
	})
	if err != nil {
		reason := failureReason(err)
		e.metrics().SettlementFailed(reason)
		log.Warn("settlement failed", "reason", reason, "error", err)
		return nil, err
	}

	for _, row := range rows {
		e.metrics().LedgerAppended(row.Type, row.Coins)
	}
	if plan.earn.Reduced {
		e.metrics().GrantReduced(plan.branch.ID, plan.earn.Required, plan.earn.Effective)
	}
	if payout != nil {
		e.metrics().ReferralPaid(payout.ReferrerCoins, payout.NewCustomerCoins)
	}
	e.metrics().SettlementCompleted(receipt, time.Since(start))

	log.Info("purchase settled",
		"purchase_id", receipt.PurchaseID,
		"bill", receipt.BillAmount.String(),
		"earned", receipt.EarnedCoins,
		"redeemed", receipt.RedeemedCoins,
		"final_payable", receipt.FinalPayable.String())
	return receipt, nil
}

// Quote computes the receipt a settlement would produce right now without
// writing anything. The referral unlock is not simulated.
func (e *Engine) Quote(ctx context.Context, req PurchaseRequest) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	global, err := e.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	p, err := e.plan(ctx, e.Store, req, global)
	if err != nil {
		return nil, err
	}
	return p.receipt("", nil), nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBillAmount), errors.Is(err, ErrMissingInvoice):
		return "validation"
	case errors.Is(err, ErrCustomerBlocked):
		return "blocked"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrDuplicateInvoice):
		return "duplicate_invoice"
	case errors.Is(err, ErrInsufficientBranchFunds):
		return "branch_funds"
	case errors.Is(err, ErrRedemptionExceedsLimit):
		return "redemption_limit"
	case errors.Is(err, ErrGrantOutOfBounds):
		return "grant_bounds"
	default:
		return "store"
	}
}

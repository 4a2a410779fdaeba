/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND COINS:
  INR amounts are decimal.Decimal and marshal as JSON strings ("1000.50").
  Requests accept either a string or a number. Coins are plain integers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/branch.go: BranchJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/activities"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	ReferralCode string `json:"referral_code"`
	IsBlocked    bool   `json:"is_blocked"`
	ReferredBy   string `json:"referred_by,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// RegisterCustomerRequest is the signup body. ReferralCode is the code of
// the customer who referred them.
type RegisterCustomerRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type BalanceDTO struct {
	CustomerID  string        `json:"customer_id"`
	Balance     loyalty.Coins `json:"balance"`
	HasRedeemed bool          `json:"has_redeemed"`
}

// TransactionDTO is one wallet row with the running balance after it.
type TransactionDTO struct {
	ID           string        `json:"id"`
	Coins        loyalty.Coins `json:"coins"`
	Type         string        `json:"type"`
	BranchID     string        `json:"branch_id,omitempty"`
	PurchaseID   string        `json:"purchase_id,omitempty"`
	ExpiresAt    string        `json:"expires_at,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    string        `json:"created_at"`
	BalanceAfter loyalty.Coins `json:"balance_after"`
}

// =============================================================================
// BRANCHES
// =============================================================================

type BranchDTO struct {
	factory.BranchJSON
	CreatedAt string `json:"created_at"`
}

type BranchBalanceDTO struct {
	BranchID  string        `json:"branch_id"`
	Available loyalty.Coins `json:"available"`
}

type CreditBranchRequest struct {
	Coins  loyalty.Coins `json:"coins"`
	Reason string        `json:"reason"`
}

type BranchCreditDTO struct {
	ID        string        `json:"id"`
	BranchID  string        `json:"branch_id"`
	Coins     loyalty.Coins `json:"coins"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt string        `json:"created_at"`
}

// =============================================================================
// PURCHASES
// =============================================================================

type PurchaseRequest struct {
	BranchID      string          `json:"branch_id"`
	CustomerID    string          `json:"customer_id"`
	BillAmount    decimal.Decimal `json:"bill_amount"`
	InvoiceNo     string          `json:"invoice_no"`
	Category      string          `json:"category,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Redeem        bool            `json:"redeem"`
	RedeemCoins   loyalty.Coins   `json:"redeem_coins,omitempty"`
}

func (p PurchaseRequest) toDomain() loyalty.PurchaseRequest {
	return loyalty.PurchaseRequest{
		BranchID:      loyalty.BranchID(p.BranchID),
		CustomerID:    loyalty.CustomerID(p.CustomerID),
		BillAmount:    p.BillAmount,
		InvoiceNo:     p.InvoiceNo,
		Category:      p.Category,
		PaymentMethod: p.PaymentMethod,
		Redeem:        p.Redeem,
		RedeemCoins:   p.RedeemCoins,
	}
}

type ReceiptDTO struct {
	PurchaseID        string          `json:"purchase_id,omitempty"`
	BranchID          string          `json:"branch_id"`
	CustomerID        string          `json:"customer_id"`
	InvoiceNo         string          `json:"invoice_no"`
	BillAmount        decimal.Decimal `json:"bill_amount"`
	RequiredEarnCoins loyalty.Coins   `json:"required_earn_coins"`
	EarnedCoins       loyalty.Coins   `json:"earned_coins"`
	RedeemedCoins     loyalty.Coins   `json:"redeemed_coins"`
	MaxRedeemable     loyalty.Coins   `json:"max_redeemable"`
	WelcomeBonusCoins loyalty.Coins   `json:"welcome_bonus_coins"`
	ReferralCoins     loyalty.Coins   `json:"referral_coins"`
	FinalPayable      decimal.Decimal `json:"final_payable"`
	PreviousBalance   loyalty.Coins   `json:"previous_balance"`
	NewBalance        loyalty.Coins   `json:"new_balance"`
	Notes             []string        `json:"notes"`
}

// =============================================================================
// ADMIN / ACTIVITIES
// =============================================================================

type AdjustmentRequest struct {
	Coins   loyalty.Coins `json:"coins"`
	Reason  string        `json:"reason"`
	ActorID string        `json:"actor_id,omitempty"`
}

type GrantDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     loyalty.Coins  `json:"balance"`
}

type SpinDTO struct {
	GrantDTO
	PrizeCoins loyalty.Coins `json:"prize_coins"`
}

type ExpiryResponse struct {
	Expired map[string]loyalty.Coins `json:"expired"`
	Total   loyalty.Coins            `json:"total"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO  `json:"scenario"`
	Receipts []ReceiptDTO `json:"receipts"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toCustomerDTO(c *loyalty.Customer) CustomerDTO {
	return CustomerDTO{
		ID:           string(c.ID),
		Name:         c.Name,
		Phone:        c.Phone,
		ReferralCode: c.ReferralCode,
		IsBlocked:    c.IsBlocked,
		ReferredBy:   string(c.ReferredBy),
		CreatedAt:    formatTime(c.CreatedAt),
	}
}

func toTransactionDTO(tx loyalty.WalletTransaction, after loyalty.Coins) TransactionDTO {
	dto := TransactionDTO{
		ID:           string(tx.ID),
		Coins:        tx.Coins,
		Type:         string(tx.Type),
		BranchID:     string(tx.BranchID),
		PurchaseID:   string(tx.PurchaseID),
		Reason:       tx.Reason,
		CreatedAt:    formatTime(tx.CreatedAt),
		BalanceAfter: after,
	}
	if tx.ExpiresAt != nil {
		dto.ExpiresAt = formatTime(*tx.ExpiresAt)
	}
	return dto
}

// toTransactionDTOs walks the rows in append order, carrying the running
// balance.
func toTransactionDTOs(txs []loyalty.WalletTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	var running loyalty.Coins
	for i, tx := range txs {
		running += tx.Coins
		dtos[i] = toTransactionDTO(tx, running)
	}
	return dtos
}

func toBranchDTO(b *loyalty.Branch) BranchDTO {
	return BranchDTO{BranchJSON: factory.BranchToJSON(*b), CreatedAt: formatTime(b.CreatedAt)}
}

func toReceiptDTO(r *loyalty.Receipt) ReceiptDTO {
	notes := r.Notes
	if notes == nil {
		notes = []string{}
	}
	return ReceiptDTO{
		PurchaseID:        string(r.PurchaseID),
		BranchID:          string(r.BranchID),
		CustomerID:        string(r.CustomerID),
		InvoiceNo:         r.InvoiceNo,
		BillAmount:        r.BillAmount,
		RequiredEarnCoins: r.RequiredEarnCoins,
		EarnedCoins:       r.EarnedCoins,
		RedeemedCoins:     r.RedeemedCoins,
		MaxRedeemable:     r.MaxRedeemable,
		WelcomeBonusCoins: r.WelcomeBonusCoins,
		ReferralCoins:     r.ReferralCoins,
		FinalPayable:      r.FinalPayable,
		PreviousBalance:   r.PreviousBalance,
		NewBalance:        r.NewBalance,
		Notes:             notes,
	}
}

func toGrantDTO(g activities.Grant) GrantDTO {
	return GrantDTO{Transaction: toTransactionDTO(g.Transaction, g.Balance), Balance: g.Balance}
}

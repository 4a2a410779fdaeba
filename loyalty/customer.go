package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewCustomer is a signup request.
type NewCustomer struct {
	ID           CustomerID // optional; generated when empty
	Name         string
	Phone        string
	ReferralCode string // code of the referrer, optional
}

// RegisterCustomer creates a customer with a fresh referral code. When the
// signup carries a referral code, the referrer link and a pending
// ReferralReward are created in the same transaction. No coins move until
// the new customer's first purchase.
func (e *Engine) RegisterCustomer(ctx context.Context, req NewCustomer) (*Customer, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "name", Err: errors.New("name is required")}
	}
	global, err := e.Settings.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	c := Customer{
		ID:           req.ID,
		Name:         strings.TrimSpace(req.Name),
		Phone:        strings.TrimSpace(req.Phone),
		ReferralCode: NewReferralCode(),
		CreatedAt:    e.now(),
	}
	if c.ID == "" {
		c.ID = CustomerID(e.newID())
	}

	err = e.Store.WithTx(ctx, func(s Store) error {
		var referrer *Customer
		if code := strings.ToUpper(strings.TrimSpace(req.ReferralCode)); code != "" {
			referrer, err = s.GetCustomerByReferralCode(ctx, code)
			if errors.Is(err, ErrCustomerNotFound) {
				return &ValidationError{Field: "referral_code", Err: ErrInvalidReferralCode}
			}
			if err != nil {
				return err
			}
			c.ReferredBy = referrer.ID
		}

		if err := s.CreateCustomer(ctx, c); err != nil {
			return err
		}
		if referrer == nil {
			return nil
		}
		return s.InsertReferralReward(ctx, ReferralReward{
			ID:               RewardID(e.newID()),
			ReferrerID:       referrer.ID,
			NewCustomerID:    c.ID,
			ReferrerCoins:    global.ReferralReferrerCoins,
			NewCustomerCoins: global.ReferralNewCustomerCoins,
			Status:           ReferralPending,
			CreatedAt:        c.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger().Info("customer registered", "customer_id", c.ID, "referred_by", c.ReferredBy)
	return &c, nil
}

// NewReferralCode returns an 8-character, human-shareable code.
func NewReferralCode() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// SetBlocked blocks or unblocks a customer.
func (e *Engine) SetBlocked(ctx context.Context, id CustomerID, blocked bool) error {
	if err := e.Store.SetCustomerBlocked(ctx, id, blocked); err != nil {
		return err
	}
	e.logger().Info("customer block state changed", "customer_id", id, "blocked", blocked)
	return nil
}

// NewBranch is a branch creation request.
type NewBranch struct {
	ID                     BranchID
	Name                   string
	CustomCoinPercent      *decimal.Decimal
	CustomMaxCoinsPerBill  *Coins
	CustomMaxRedeemPercent *decimal.Decimal
}

func (e *Engine) CreateBranch(ctx context.Context, req NewBranch) (*Branch, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "name", Err: errors.New("name is required")}
	}
	if req.CustomCoinPercent != nil && req.CustomCoinPercent.IsNegative() {
		return nil, &ValidationError{Field: "custom_coin_percent", Err: ErrInvalidSettings}
	}
	if req.CustomMaxCoinsPerBill != nil && *req.CustomMaxCoinsPerBill < 0 {
		return nil, &ValidationError{Field: "custom_max_coins_per_bill", Err: ErrInvalidSettings}
	}
	if p := req.CustomMaxRedeemPercent; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
		return nil, &ValidationError{Field: "custom_max_redeem_percent", Err: ErrInvalidSettings}
	}

	b := Branch{
		ID:                     req.ID,
		Name:                   strings.TrimSpace(req.Name),
		CustomCoinPercent:      req.CustomCoinPercent,
		CustomMaxCoinsPerBill:  req.CustomMaxCoinsPerBill,
		CustomMaxRedeemPercent: req.CustomMaxRedeemPercent,
		CreatedAt:              e.now(),
	}
	if b.ID == "" {
		b.ID = BranchID(e.newID())
	}
	if err := e.Store.CreateBranch(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

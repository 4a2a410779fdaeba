/*
referral.go - Deferred referral payouts

STATE MACHINE:
  pending --[referred customer's first purchase]--> paid (terminal)

  No other transition exists. The transition is persisted with a
  conditional update (only a row still pending moves to paid), so a
  retried or concurrent first purchase cannot pay the same reward twice.
  The REFERRAL ledger rows also carry reward-scoped idempotency keys.

SEE ALSO:
  - customer.go: Creates the pending reward at signup
  - settlement.go: Calls UnlockReferral inside the settlement transaction
*/
package loyalty

import (
	"context"
	"fmt"
)

type ReferralStatus string

const (
	ReferralPending ReferralStatus = "pending"
	ReferralPaid    ReferralStatus = "paid"
)

// Transition validates a status change. pending -> paid is the only
// allowed move.
func (s ReferralStatus) Transition(to ReferralStatus) (ReferralStatus, error) {
	if s == ReferralPending && to == ReferralPaid {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
}

// ReferralPayout describes a reward that was just paid.
type ReferralPayout struct {
	Reward           ReferralReward
	ReferrerCoins    Coins
	NewCustomerCoins Coins
}

// UnlockReferral pays the pending referral reward of a customer making
// their first purchase. It is a no-op (nil payout, nil error) when the
// customer was not referred or the reward is no longer pending.
func (e *Engine) UnlockReferral(ctx context.Context, s Store, customer Customer, purchaseID PurchaseID) (*ReferralPayout, error) {
	if customer.ReferredBy == "" {
		return nil, nil
	}

	reward, err := s.PendingReferralFor(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("load pending referral: %w", err)
	}
	if reward == nil {
		return nil, nil
	}

	next, err := reward.Status.Transition(ReferralPaid)
	if err != nil {
		return nil, err
	}

	now := e.now()
	swapped, err := s.MarkReferralPaid(ctx, reward.ID, purchaseID, now)
	if err != nil {
		return nil, fmt.Errorf("mark referral paid: %w", err)
	}
	if !swapped {
		// Lost the race to another settlement; that one pays.
		return nil, nil
	}
	reward.Status = next
	reward.FirstPurchaseID = purchaseID
	reward.PaidAt = &now

	var rows []WalletTransaction
	if reward.ReferrerCoins > 0 {
		rows = append(rows, WalletTransaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     reward.ReferrerID,
			Coins:          reward.ReferrerCoins,
			Type:           TxReferral,
			PurchaseID:     purchaseID,
			Reason:         fmt.Sprintf("referral reward for %s", reward.NewCustomerID),
			IdempotencyKey: fmt.Sprintf("referral:%s:referrer", reward.ID),
			CreatedAt:      now,
		})
	}
	if reward.NewCustomerCoins > 0 {
		rows = append(rows, WalletTransaction{
			ID:             TransactionID(e.newID()),
			CustomerID:     reward.NewCustomerID,
			Coins:          reward.NewCustomerCoins,
			Type:           TxReferral,
			PurchaseID:     purchaseID,
			Reason:         fmt.Sprintf("referred by %s", reward.ReferrerID),
			IdempotencyKey: fmt.Sprintf("referral:%s:new_customer", reward.ID),
			CreatedAt:      now,
		})
	}
	if len(rows) > 0 {
		if err := s.AppendWallet(ctx, rows...); err != nil {
			return nil, fmt.Errorf("append referral rows: %w", err)
		}
	}

	e.logger().Info("referral reward paid",
		"reward_id", reward.ID,
		"referrer", reward.ReferrerID,
		"new_customer", reward.NewCustomerID,
		"purchase_id", purchaseID)

	return &ReferralPayout{
		Reward:           *reward,
		ReferrerCoins:    reward.ReferrerCoins,
		NewCustomerCoins: reward.NewCustomerCoins,
	}, nil
}

package loyalty

import (
	"context"
	"fmt"
	"time"
)

// ExpiredRemainder computes how many coins should lapse at now.
//
// The remainder is expired credits minus every debit and every earlier
// expiry. Debits count against expiring credits even when non-expiring
// ones (referral, admin, bonus) could have covered them, so this can
// under-expire but never over-expire. The result is capped at the
// balance so an expiry can never push the wallet negative.
func ExpiredRemainder(txs []WalletTransaction, now time.Time) Coins {
	var expiredCredits, debits, priorExpired Coins
	for _, tx := range txs {
		switch {
		case tx.Type == TxExpiry:
			priorExpired += tx.Coins.Abs()
		case tx.Coins < 0:
			debits += tx.Coins.Abs()
		case tx.ExpiresAt != nil && !tx.ExpiresAt.After(now):
			expiredCredits += tx.Coins
		}
	}
	remainder := expiredCredits - debits - priorExpired
	if remainder <= 0 {
		return 0
	}
	if balance := CustomerBalance(txs); remainder > balance {
		remainder = balance
	}
	if remainder < 0 {
		return 0
	}
	return remainder
}

// ExpireCoins appends one EXPIRY row for whatever has lapsed. It returns
// the coins expired, zero when nothing was due.
func (e *Engine) ExpireCoins(ctx context.Context, id CustomerID) (Coins, error) {
	now := e.now()
	var expired Coins
	err := e.Store.WithTx(ctx, func(s Store) error {
		txs, err := s.WalletByCustomer(ctx, id)
		if err != nil {
			return err
		}
		expired = ExpiredRemainder(txs, now)
		if expired == 0 {
			return nil
		}
		txID := TransactionID(e.newID())
		return s.AppendWallet(ctx, WalletTransaction{
			ID:             txID,
			CustomerID:     id,
			Coins:          -expired,
			Type:           TxExpiry,
			Reason:         "coins expired",
			IdempotencyKey: fmt.Sprintf("expiry:%s", txID),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		e.metrics().LedgerAppended(TxExpiry, -expired)
	}
	return expired, nil
}

// ExpireAll sweeps every customer. It keeps going past individual failures
// and returns the first one.
func (e *Engine) ExpireAll(ctx context.Context) (map[CustomerID]Coins, error) {
	customers, err := e.Store.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[CustomerID]Coins)
	var firstErr error
	for _, c := range customers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := e.ExpireCoins(ctx, c.ID)
		if err != nil {
			e.logger().Error("coin expiry failed", "customer_id", c.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			result[c.ID] = n
		}
	}
	return result, firstErr
}

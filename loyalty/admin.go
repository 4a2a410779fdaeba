package loyalty

import (
	"context"
	"fmt"
)

// Adjustment is a manual admin change to a customer's wallet.
type Adjustment struct {
	CustomerID CustomerID
	Coins      Coins
	Reason     string
	ActorID    string
}

// AdminCredit appends an ADMIN_CREDIT row.
func (e *Engine) AdminCredit(ctx context.Context, adj Adjustment) (*WalletTransaction, error) {
	if adj.Coins <= 0 {
		return nil, &ValidationError{Field: "coins", Err: ErrInvalidAmount}
	}
	return e.adjust(ctx, adj.CustomerID, func(balance Coins) (Coins, TxType, error) {
		return adj.Coins, TxAdminCredit, nil
	}, adj)
}

// AdminDebit appends an ADMIN_DEBIT row. A debit larger than the current
// balance is refused; balances never go negative through system debits.
func (e *Engine) AdminDebit(ctx context.Context, adj Adjustment) (*WalletTransaction, error) {
	if adj.Coins <= 0 {
		return nil, &ValidationError{Field: "coins", Err: ErrInvalidAmount}
	}
	return e.adjust(ctx, adj.CustomerID, func(balance Coins) (Coins, TxType, error) {
		if adj.Coins > balance {
			return 0, "", &InsufficientBalanceError{
				CustomerID: adj.CustomerID, Available: balance, Requested: adj.Coins,
			}
		}
		return -adj.Coins, TxAdminDebit, nil
	}, adj)
}

// AdminReset zeroes the wallet with one ADMIN_RESET row for exactly the
// current balance. Returns nil when there is nothing to reset.
func (e *Engine) AdminReset(ctx context.Context, customerID CustomerID, reason, actorID string) (*WalletTransaction, error) {
	adj := Adjustment{CustomerID: customerID, Reason: reason, ActorID: actorID}
	return e.adjust(ctx, customerID, func(balance Coins) (Coins, TxType, error) {
		if balance <= 0 {
			return 0, TxAdminReset, nil
		}
		return -balance, TxAdminReset, nil
	}, adj)
}

func (e *Engine) adjust(ctx context.Context, id CustomerID, decide func(balance Coins) (Coins, TxType, error), adj Adjustment) (*WalletTransaction, error) {
	var written *WalletTransaction
	err := e.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetCustomer(ctx, id); err != nil {
			return err
		}
		balance, err := NewLedger(s).CustomerBalance(ctx, id)
		if err != nil {
			return err
		}
		delta, txType, err := decide(balance)
		if err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		txID := TransactionID(e.newID())
		tx := WalletTransaction{
			ID:             txID,
			CustomerID:     id,
			Coins:          delta,
			Type:           txType,
			Reason:         adj.Reason,
			IdempotencyKey: fmt.Sprintf("admin:%s", txID),
			CreatedAt:      e.now(),
		}
		if err := s.AppendWallet(ctx, tx); err != nil {
			return err
		}
		written = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	if written != nil {
		e.metrics().LedgerAppended(written.Type, written.Coins)
		e.logger().Info("admin adjustment",
			"customer_id", id, "type", written.Type, "coins", written.Coins, "actor", adj.ActorID)
	}
	return written, nil
}

// CreditBranch funds a branch's coin allowance.
func (e *Engine) CreditBranch(ctx context.Context, branchID BranchID, coins Coins, reason string) (*BranchCoinTransaction, error) {
	if coins <= 0 {
		return nil, &ValidationError{Field: "coins", Err: ErrInvalidAmount}
	}
	if _, err := e.Store.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	id := TransactionID(e.newID())
	tx := BranchCoinTransaction{
		ID:             id,
		BranchID:       branchID,
		Coins:          coins,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("branch-credit:%s", id),
		CreatedAt:      e.now(),
	}
	if err := e.Store.AppendBranchCoins(ctx, tx); err != nil {
		return nil, err
	}
	e.logger().Info("branch credited", "branch_id", branchID, "coins", coins)
	return &tx, nil
}

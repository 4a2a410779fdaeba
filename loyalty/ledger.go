/*
ledger.go - Balance computation over the append-only ledgers

PURPOSE:
  The wallet and branch ledgers are the only source of truth for coin
  balances. Every balance in the system is a fold over ledger rows; there
  is no stored counter that can drift.

FOLDS:
  CustomerBalance = Σ coins over the customer's wallet rows

  BranchAvailable = Σ branch coin credits
                  - Σ positive wallet coins tagged with the branch
                  + Σ |negative wallet coins| tagged with the branch

  That is: what the branch was funded with, minus what it handed out,
  plus what came back through redemptions at that branch.

  Folds are pure. Recomputing from the same snapshot yields the same value.
  Caches elsewhere are optimizations only.

SEE ALSO:
  - store.go: LedgerStore
  - settlement.go: Uses these folds inside the settlement transaction
*/
package loyalty

import "context"

// =============================================================================
// PURE FOLDS
// =============================================================================

// CustomerBalance sums the coins of a customer's wallet rows.
func CustomerBalance(txs []WalletTransaction) Coins {
	var total Coins
	for _, tx := range txs {
		total += tx.Coins
	}
	return total
}

// BranchAvailable computes the branch's remaining allowance from its
// credits and the wallet rows tagged with it.
func BranchAvailable(credits []BranchCoinTransaction, walletTxs []WalletTransaction) Coins {
	var available Coins
	for _, c := range credits {
		available += c.Coins
	}
	for _, tx := range walletTxs {
		if tx.Coins > 0 {
			available -= tx.Coins
		} else {
			available += tx.Coins.Abs()
		}
	}
	return available
}

// HasRedeemed reports whether any REDEEM row exists. Redemption is a
// one-time lifetime privilege, so this alone gates eligibility.
func HasRedeemed(txs []WalletTransaction) bool {
	for _, tx := range txs {
		if tx.Type == TxRedeem {
			return true
		}
	}
	return false
}

// =============================================================================
// LEDGER - Store-backed reads
// =============================================================================

// Ledger reads balances from a LedgerStore. It holds no state of its own.
type Ledger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store}
}

// CustomerBalance loads and folds the customer's wallet rows.
func (l *Ledger) CustomerBalance(ctx context.Context, id CustomerID) (Coins, error) {
	txs, err := l.Store.WalletByCustomer(ctx, id)
	if err != nil {
		return 0, err
	}
	return CustomerBalance(txs), nil
}

// BranchAvailable loads and folds the branch credits and branch-tagged
// wallet rows.
func (l *Ledger) BranchAvailable(ctx context.Context, id BranchID) (Coins, error) {
	credits, err := l.Store.BranchCoins(ctx, id)
	if err != nil {
		return 0, err
	}
	walletTxs, err := l.Store.WalletByBranch(ctx, id)
	if err != nil {
		return 0, err
	}
	return BranchAvailable(credits, walletTxs), nil
}

// CustomerState is everything the settlement rules need to know about a
// customer's wallet, folded from one read.
type CustomerState struct {
	Balance     Coins
	HasRedeemed bool
}

func (l *Ledger) CustomerState(ctx context.Context, id CustomerID) (CustomerState, error) {
	txs, err := l.Store.WalletByCustomer(ctx, id)
	if err != nil {
		return CustomerState{}, err
	}
	return CustomerState{
		Balance:     CustomerBalance(txs),
		HasRedeemed: HasRedeemed(txs),
	}, nil
}

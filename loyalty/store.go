/*
store.go - Persistence interfaces for the loyalty engine

KEY INTERFACES:
  LedgerStore:   Wallet and branch coin ledgers (append-only)
  CatalogStore:  Customers and branches
  PurchaseStore: Settled purchases
  ReferralStore: Referral rewards and the pending -> paid transition
  Store:         All of the above
  TxStore:       Store plus WithTx for atomic settlement
  SettingsStore: Key/value economics parameters

APPEND-ONLY CONTRACT:
  Ledger rows are only ever appended. AppendWallet writes a batch
  atomically and rejects the whole batch if any idempotency key exists.

CONDITIONAL TRANSITION:
  MarkReferralPaid must behave as a compare-and-swap on status: it
  updates only a row that is still pending and reports whether it did.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: SQLite
*/
package loyalty

import (
	"context"
	"time"
)

// LedgerStore persists wallet and branch ledger rows. No Update, No Delete.
type LedgerStore interface {
	// AppendWallet persists all rows or none.
	AppendWallet(ctx context.Context, txs ...WalletTransaction) error

	// WalletByCustomer returns the customer's rows in append order.
	WalletByCustomer(ctx context.Context, id CustomerID) ([]WalletTransaction, error)

	// WalletByBranch returns every customer row tagged with the branch.
	WalletByBranch(ctx context.Context, id BranchID) ([]WalletTransaction, error)

	AppendBranchCoins(ctx context.Context, tx BranchCoinTransaction) error
	BranchCoins(ctx context.Context, id BranchID) ([]BranchCoinTransaction, error)
}

type CatalogStore interface {
	// GetCustomer returns ErrCustomerNotFound when absent.
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	// GetCustomerByReferralCode returns ErrCustomerNotFound when absent.
	GetCustomerByReferralCode(ctx context.Context, code string) (*Customer, error)
	CreateCustomer(ctx context.Context, c Customer) error
	SetCustomerBlocked(ctx context.Context, id CustomerID, blocked bool) error
	ListCustomers(ctx context.Context) ([]Customer, error)

	// GetBranch returns ErrBranchNotFound when absent.
	GetBranch(ctx context.Context, id BranchID) (*Branch, error)
	CreateBranch(ctx context.Context, b Branch) error
	ListBranches(ctx context.Context) ([]Branch, error)
}

type PurchaseStore interface {
	// InsertPurchase returns ErrDuplicateInvoice when (branch, invoice)
	// already exists.
	InsertPurchase(ctx context.Context, p Purchase) error
	CountPurchases(ctx context.Context, customerID CustomerID) (int, error)
	PurchasesByCustomer(ctx context.Context, customerID CustomerID) ([]Purchase, error)
}

type ReferralStore interface {
	InsertReferralReward(ctx context.Context, r ReferralReward) error

	// PendingReferralFor returns the pending reward for a referred customer,
	// or nil when none is pending.
	PendingReferralFor(ctx context.Context, newCustomer CustomerID) (*ReferralReward, error)

	// ReferralFor returns the reward for a referred customer in any status,
	// or nil when none exists.
	ReferralFor(ctx context.Context, newCustomer CustomerID) (*ReferralReward, error)

	// MarkReferralPaid moves a pending reward to paid. It returns false
	// without error when the reward is no longer pending.
	MarkReferralPaid(ctx context.Context, id RewardID, purchase PurchaseID, at time.Time) (bool, error)
}

// Store is the full persistence surface the engine works against.
type Store interface {
	LedgerStore
	CatalogStore
	PurchaseStore
	ReferralStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Every read and write fn
	// makes through the given Store sees and joins that transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SettingsStore holds the raw key/value settings table.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Package store provides in-memory loyalty.TxStore and loyalty.SettingsStore
// implementations for tests and local development.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps everything in maps guarded by a single mutex. WithTx runs
// against a copy of the state and swaps it in on success, so a failing
// transaction leaves nothing behind.
type Memory struct {
	mu    sync.Mutex
	state *state
}

var (
	_ loyalty.TxStore       = (*Memory)(nil)
	_ loyalty.SettingsStore = (*Memory)(nil)
)

type invoiceKey struct {
	branch  loyalty.BranchID
	invoice string
}

type state struct {
	customers   map[loyalty.CustomerID]loyalty.Customer
	byCode      map[string]loyalty.CustomerID
	branches    map[loyalty.BranchID]loyalty.Branch
	purchases   []loyalty.Purchase
	invoices    map[invoiceKey]bool
	wallet      []loyalty.WalletTransaction
	branchCoins []loyalty.BranchCoinTransaction
	idempotency map[string]bool
	rewards     map[loyalty.RewardID]loyalty.ReferralReward
	settings    map[string]string
}

func newState() *state {
	return &state{
		customers:   make(map[loyalty.CustomerID]loyalty.Customer),
		byCode:      make(map[string]loyalty.CustomerID),
		branches:    make(map[loyalty.BranchID]loyalty.Branch),
		invoices:    make(map[invoiceKey]bool),
		idempotency: make(map[string]bool),
		rewards:     make(map[loyalty.RewardID]loyalty.ReferralReward),
		settings:    make(map[string]string),
	}
}

func (s *state) clone() *state {
	return &state{
		customers:   maps.Clone(s.customers),
		byCode:      maps.Clone(s.byCode),
		branches:    maps.Clone(s.branches),
		purchases:   slices.Clone(s.purchases),
		invoices:    maps.Clone(s.invoices),
		wallet:      slices.Clone(s.wallet),
		branchCoins: slices.Clone(s.branchCoins),
		idempotency: maps.Clone(s.idempotency),
		rewards:     maps.Clone(s.rewards),
		settings:    maps.Clone(s.settings),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx runs fn against a private copy and commits it only on success.
// Holding the mutex for the whole call serializes every writer.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Reset drops all data.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
}

// locked runs fn on the live state under the mutex.
func locked[T any](m *Memory, fn func(*state) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *Memory) AppendWallet(ctx context.Context, txs ...loyalty.WalletTransaction) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.AppendWallet(ctx, txs...) })
	return err
}

func (m *Memory) WalletByCustomer(ctx context.Context, id loyalty.CustomerID) ([]loyalty.WalletTransaction, error) {
	return locked(m, func(s *state) ([]loyalty.WalletTransaction, error) { return s.WalletByCustomer(ctx, id) })
}

func (m *Memory) WalletByBranch(ctx context.Context, id loyalty.BranchID) ([]loyalty.WalletTransaction, error) {
	return locked(m, func(s *state) ([]loyalty.WalletTransaction, error) { return s.WalletByBranch(ctx, id) })
}

func (m *Memory) AppendBranchCoins(ctx context.Context, tx loyalty.BranchCoinTransaction) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.AppendBranchCoins(ctx, tx) })
	return err
}

func (m *Memory) BranchCoins(ctx context.Context, id loyalty.BranchID) ([]loyalty.BranchCoinTransaction, error) {
	return locked(m, func(s *state) ([]loyalty.BranchCoinTransaction, error) { return s.BranchCoins(ctx, id) })
}

func (m *Memory) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	return locked(m, func(s *state) (*loyalty.Customer, error) { return s.GetCustomer(ctx, id) })
}

func (m *Memory) GetCustomerByReferralCode(ctx context.Context, code string) (*loyalty.Customer, error) {
	return locked(m, func(s *state) (*loyalty.Customer, error) { return s.GetCustomerByReferralCode(ctx, code) })
}

func (m *Memory) CreateCustomer(ctx context.Context, c loyalty.Customer) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.CreateCustomer(ctx, c) })
	return err
}

func (m *Memory) SetCustomerBlocked(ctx context.Context, id loyalty.CustomerID, blocked bool) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.SetCustomerBlocked(ctx, id, blocked) })
	return err
}

func (m *Memory) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	return locked(m, func(s *state) ([]loyalty.Customer, error) { return s.ListCustomers(ctx) })
}

func (m *Memory) GetBranch(ctx context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	return locked(m, func(s *state) (*loyalty.Branch, error) { return s.GetBranch(ctx, id) })
}

func (m *Memory) CreateBranch(ctx context.Context, b loyalty.Branch) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.CreateBranch(ctx, b) })
	return err
}

func (m *Memory) ListBranches(ctx context.Context) ([]loyalty.Branch, error) {
	return locked(m, func(s *state) ([]loyalty.Branch, error) { return s.ListBranches(ctx) })
}

func (m *Memory) InsertPurchase(ctx context.Context, p loyalty.Purchase) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.InsertPurchase(ctx, p) })
	return err
}

func (m *Memory) CountPurchases(ctx context.Context, id loyalty.CustomerID) (int, error) {
	return locked(m, func(s *state) (int, error) { return s.CountPurchases(ctx, id) })
}

func (m *Memory) PurchasesByCustomer(ctx context.Context, id loyalty.CustomerID) ([]loyalty.Purchase, error) {
	return locked(m, func(s *state) ([]loyalty.Purchase, error) { return s.PurchasesByCustomer(ctx, id) })
}

func (m *Memory) InsertReferralReward(ctx context.Context, r loyalty.ReferralReward) error {
	_, err := locked(m, func(s *state) (struct{}, error) { return struct{}{}, s.InsertReferralReward(ctx, r) })
	return err
}

func (m *Memory) PendingReferralFor(ctx context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	return locked(m, func(s *state) (*loyalty.ReferralReward, error) { return s.PendingReferralFor(ctx, id) })
}

func (m *Memory) ReferralFor(ctx context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	return locked(m, func(s *state) (*loyalty.ReferralReward, error) { return s.ReferralFor(ctx, id) })
}

func (m *Memory) MarkReferralPaid(ctx context.Context, id loyalty.RewardID, purchase loyalty.PurchaseID, at time.Time) (bool, error) {
	return locked(m, func(s *state) (bool, error) { return s.MarkReferralPaid(ctx, id, purchase, at) })
}

func (m *Memory) LoadSettings(ctx context.Context) (map[string]string, error) {
	return locked(m, func(s *state) (map[string]string, error) { return maps.Clone(s.settings), nil })
}

func (m *Memory) SaveSettings(ctx context.Context, values map[string]string) error {
	_, err := locked(m, func(s *state) (struct{}, error) {
		maps.Copy(s.settings, values)
		return struct{}{}, nil
	})
	return err
}

// =============================================================================
// STATE - Unlocked operations, shared by Memory and WithTx
// =============================================================================

// AppendWallet checks every idempotency key (against the store and within
// the batch) before writing anything.
func (s *state) AppendWallet(_ context.Context, txs ...loyalty.WalletTransaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if s.idempotency[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if _, ok := s.customers[tx.CustomerID]; !ok {
			return loyalty.ErrCustomerNotFound
		}
	}
	for _, tx := range txs {
		s.wallet = append(s.wallet, tx)
		if tx.IdempotencyKey != "" {
			s.idempotency[tx.IdempotencyKey] = true
		}
	}
	return nil
}

func (s *state) WalletByCustomer(_ context.Context, id loyalty.CustomerID) ([]loyalty.WalletTransaction, error) {
	var out []loyalty.WalletTransaction
	for _, tx := range s.wallet {
		if tx.CustomerID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *state) WalletByBranch(_ context.Context, id loyalty.BranchID) ([]loyalty.WalletTransaction, error) {
	var out []loyalty.WalletTransaction
	for _, tx := range s.wallet {
		if tx.BranchID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *state) AppendBranchCoins(_ context.Context, tx loyalty.BranchCoinTransaction) error {
	if _, ok := s.branches[tx.BranchID]; !ok {
		return loyalty.ErrBranchNotFound
	}
	if tx.IdempotencyKey != "" {
		key := "branch:" + tx.IdempotencyKey
		if s.idempotency[key] {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		s.idempotency[key] = true
	}
	s.branchCoins = append(s.branchCoins, tx)
	return nil
}

func (s *state) BranchCoins(_ context.Context, id loyalty.BranchID) ([]loyalty.BranchCoinTransaction, error) {
	var out []loyalty.BranchCoinTransaction
	for _, tx := range s.branchCoins {
		if tx.BranchID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *state) GetCustomer(_ context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return nil, loyalty.ErrCustomerNotFound
	}
	return &c, nil
}

func (s *state) GetCustomerByReferralCode(ctx context.Context, code string) (*loyalty.Customer, error) {
	id, ok := s.byCode[code]
	if !ok {
		return nil, loyalty.ErrCustomerNotFound
	}
	return s.GetCustomer(ctx, id)
}

func (s *state) CreateCustomer(_ context.Context, c loyalty.Customer) error {
	if _, ok := s.customers[c.ID]; ok {
		return loyalty.ErrCustomerExists
	}
	if _, ok := s.byCode[c.ReferralCode]; ok {
		return loyalty.ErrCustomerExists
	}
	s.customers[c.ID] = c
	s.byCode[c.ReferralCode] = c.ID
	return nil
}

func (s *state) SetCustomerBlocked(_ context.Context, id loyalty.CustomerID, blocked bool) error {
	c, ok := s.customers[id]
	if !ok {
		return loyalty.ErrCustomerNotFound
	}
	c.IsBlocked = blocked
	s.customers[id] = c
	return nil
}

func (s *state) ListCustomers(_ context.Context) ([]loyalty.Customer, error) {
	out := slices.Collect(maps.Values(s.customers))
	slices.SortFunc(out, func(a, b loyalty.Customer) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *state) GetBranch(_ context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	b, ok := s.branches[id]
	if !ok {
		return nil, loyalty.ErrBranchNotFound
	}
	return &b, nil
}

func (s *state) CreateBranch(_ context.Context, b loyalty.Branch) error {
	if _, ok := s.branches[b.ID]; ok {
		return loyalty.ErrBranchExists
	}
	s.branches[b.ID] = b
	return nil
}

func (s *state) ListBranches(_ context.Context) ([]loyalty.Branch, error) {
	out := slices.Collect(maps.Values(s.branches))
	slices.SortFunc(out, func(a, b loyalty.Branch) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *state) InsertPurchase(_ context.Context, p loyalty.Purchase) error {
	k := invoiceKey{branch: p.BranchID, invoice: p.InvoiceNo}
	if s.invoices[k] {
		return loyalty.ErrDuplicateInvoice
	}
	s.invoices[k] = true
	s.purchases = append(s.purchases, p)
	return nil
}

func (s *state) CountPurchases(_ context.Context, id loyalty.CustomerID) (int, error) {
	n := 0
	for _, p := range s.purchases {
		if p.CustomerID == id {
			n++
		}
	}
	return n, nil
}

func (s *state) PurchasesByCustomer(_ context.Context, id loyalty.CustomerID) ([]loyalty.Purchase, error) {
	var out []loyalty.Purchase
	for _, p := range s.purchases {
		if p.CustomerID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) InsertReferralReward(_ context.Context, r loyalty.ReferralReward) error {
	for _, existing := range s.rewards {
		if existing.NewCustomerID == r.NewCustomerID {
			return loyalty.ErrDuplicateIdempotencyKey
		}
	}
	s.rewards[r.ID] = r
	return nil
}

func (s *state) PendingReferralFor(ctx context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	r, err := s.ReferralFor(ctx, id)
	if err != nil || r == nil || r.Status != loyalty.ReferralPending {
		return nil, err
	}
	return r, nil
}

func (s *state) ReferralFor(_ context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	for _, r := range s.rewards {
		if r.NewCustomerID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *state) MarkReferralPaid(_ context.Context, id loyalty.RewardID, purchase loyalty.PurchaseID, at time.Time) (bool, error) {
	r, ok := s.rewards[id]
	if !ok || r.Status != loyalty.ReferralPending {
		return false, nil
	}
	r.Status = loyalty.ReferralPaid
	r.FirstPurchaseID = purchase
	r.PaidAt = &at
	s.rewards[id] = r
	return true, nil
}

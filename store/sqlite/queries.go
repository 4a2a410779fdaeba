package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Store over a querier. The Store uses it on
// the database handle; WithTx uses a fresh one on the transaction.
type queries struct {
	db querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// WALLET LEDGER
// =============================================================================

const walletColumns = `id, customer_id, coins, tx_type, branch_id, purchase_id,
	expires_at, reason, idempotency_key, created_at`

func (q *queries) AppendWallet(ctx context.Context, txs ...loyalty.WalletTransaction) error {
	// Check for duplicate idempotency keys within the batch first
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}

	for _, tx := range txs {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO wallet_transactions (`+walletColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID,
			tx.CustomerID,
			int64(tx.Coins),
			tx.Type,
			nullString(string(tx.BranchID)),
			nullString(string(tx.PurchaseID)),
			nullTime(tx.ExpiresAt),
			tx.Reason,
			nullString(tx.IdempotencyKey),
			formatTime(tx.CreatedAt),
		)
		switch {
		case err == nil:
		case isUniqueConstraintError(err):
			return loyalty.ErrDuplicateIdempotencyKey
		case isForeignKeyError(err):
			return loyalty.ErrCustomerNotFound
		default:
			return storeErr("append wallet transaction", err)
		}
	}
	return nil
}

func (q *queries) WalletByCustomer(ctx context.Context, id loyalty.CustomerID) ([]loyalty.WalletTransaction, error) {
	return q.queryWallet(ctx, `SELECT `+walletColumns+` FROM wallet_transactions
		WHERE customer_id = ? ORDER BY rowid`, id)
}

func (q *queries) WalletByBranch(ctx context.Context, id loyalty.BranchID) ([]loyalty.WalletTransaction, error) {
	return q.queryWallet(ctx, `SELECT `+walletColumns+` FROM wallet_transactions
		WHERE branch_id = ? ORDER BY rowid`, id)
}

func (q *queries) queryWallet(ctx context.Context, query string, args ...any) ([]loyalty.WalletTransaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query wallet transactions", err)
	}
	defer rows.Close()

	var out []loyalty.WalletTransaction
	for rows.Next() {
		tx, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanWallet(row scanner) (loyalty.WalletTransaction, error) {
	var (
		tx             loyalty.WalletTransaction
		coins          int64
		branchID       sql.NullString
		purchaseID     sql.NullString
		expiresAt      sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := row.Scan(&tx.ID, &tx.CustomerID, &coins, &tx.Type, &branchID, &purchaseID,
		&expiresAt, &reason, &idempotencyKey, &createdAt)
	if err != nil {
		return tx, storeErr("scan wallet transaction", err)
	}
	tx.Coins = loyalty.Coins(coins)
	tx.BranchID = loyalty.BranchID(branchID.String)
	tx.PurchaseID = loyalty.PurchaseID(purchaseID.String)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		tx.ExpiresAt = &t
	}
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// BRANCH LEDGER
// =============================================================================

func (q *queries) AppendBranchCoins(ctx context.Context, tx loyalty.BranchCoinTransaction) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO branch_coin_transactions (id, branch_id, coins, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.BranchID, int64(tx.Coins), tx.Reason, nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return loyalty.ErrDuplicateIdempotencyKey
	case isForeignKeyError(err):
		return loyalty.ErrBranchNotFound
	default:
		return storeErr("append branch coins", err)
	}
}

func (q *queries) BranchCoins(ctx context.Context, id loyalty.BranchID) ([]loyalty.BranchCoinTransaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, branch_id, coins, reason, idempotency_key, created_at
		FROM branch_coin_transactions WHERE branch_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, storeErr("query branch coins", err)
	}
	defer rows.Close()

	var out []loyalty.BranchCoinTransaction
	for rows.Next() {
		var (
			tx        loyalty.BranchCoinTransaction
			coins     int64
			reason    sql.NullString
			key       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.BranchID, &coins, &reason, &key, &createdAt); err != nil {
			return nil, storeErr("scan branch coins", err)
		}
		tx.Coins = loyalty.Coins(coins)
		tx.Reason = reason.String
		tx.IdempotencyKey = key.String
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, phone, referral_code, is_blocked, referred_by, created_at`

func (q *queries) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

func (q *queries) GetCustomerByReferralCode(ctx context.Context, code string) (*loyalty.Customer, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE referral_code = ?`, code)
	return scanCustomer(row)
}

func scanCustomer(row scanner) (*loyalty.Customer, error) {
	var (
		c          loyalty.Customer
		phone      sql.NullString
		blocked    bool
		referredBy sql.NullString
		createdAt  string
	)
	err := row.Scan(&c.ID, &c.Name, &phone, &c.ReferralCode, &blocked, &referredBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrCustomerNotFound
	}
	if err != nil {
		return nil, storeErr("scan customer", err)
	}
	c.Phone = phone.String
	c.IsBlocked = blocked
	c.ReferredBy = loyalty.CustomerID(referredBy.String)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (q *queries) CreateCustomer(ctx context.Context, c loyalty.Customer) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullString(c.Phone), c.ReferralCode, c.IsBlocked,
		nullString(string(c.ReferredBy)), formatTime(c.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return loyalty.ErrCustomerExists
	case isForeignKeyError(err):
		return &loyalty.ValidationError{Field: "referred_by", Err: loyalty.ErrInvalidReferralCode}
	default:
		return storeErr("create customer", err)
	}
}

func (q *queries) SetCustomerBlocked(ctx context.Context, id loyalty.CustomerID, blocked bool) error {
	res, err := q.db.ExecContext(ctx, `UPDATE customers SET is_blocked = ? WHERE id = ?`, blocked, id)
	if err != nil {
		return storeErr("set customer blocked", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("set customer blocked", err)
	}
	if n == 0 {
		return loyalty.ErrCustomerNotFound
	}
	return nil
}

func (q *queries) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY created_at, rowid`)
	if err != nil {
		return nil, storeErr("list customers", err)
	}
	defer rows.Close()

	var out []loyalty.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// =============================================================================
// BRANCHES
// =============================================================================

const branchColumns = `id, name, custom_coin_percent, custom_max_coins_per_bill,
	custom_max_redeem_percent, created_at`

func (q *queries) GetBranch(ctx context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	return scanBranch(row)
}

func scanBranch(row scanner) (*loyalty.Branch, error) {
	var (
		b         loyalty.Branch
		coinPct   sql.NullString
		maxCoins  sql.NullInt64
		redeemPct sql.NullString
		createdAt string
	)
	err := row.Scan(&b.ID, &b.Name, &coinPct, &maxCoins, &redeemPct, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.ErrBranchNotFound
	}
	if err != nil {
		return nil, storeErr("scan branch", err)
	}
	if coinPct.Valid {
		d, err := parseDecimal(coinPct.String)
		if err != nil {
			return nil, storeErr("scan branch", err)
		}
		b.CustomCoinPercent = &d
	}
	if maxCoins.Valid {
		c := loyalty.Coins(maxCoins.Int64)
		b.CustomMaxCoinsPerBill = &c
	}
	if redeemPct.Valid {
		d, err := parseDecimal(redeemPct.String)
		if err != nil {
			return nil, storeErr("scan branch", err)
		}
		b.CustomMaxRedeemPercent = &d
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func (q *queries) CreateBranch(ctx context.Context, b loyalty.Branch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO branches (`+branchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, nullDecimal(b.CustomCoinPercent), nullCoins(b.CustomMaxCoinsPerBill),
		nullDecimal(b.CustomMaxRedeemPercent), formatTime(b.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return loyalty.ErrBranchExists
	default:
		return storeErr("create branch", err)
	}
}

func (q *queries) ListBranches(ctx context.Context) ([]loyalty.Branch, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY created_at, rowid`)
	if err != nil {
		return nil, storeErr("list branches", err)
	}
	defer rows.Close()

	var out []loyalty.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, branch_id, customer_id, bill_amount, invoice_no, category,
	payment_method, earned_coins, redeemed_coins, welcome_bonus_coins, final_payable, created_at`

func (q *queries) InsertPurchase(ctx context.Context, p loyalty.Purchase) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BranchID, p.CustomerID, p.BillAmount.String(), p.InvoiceNo,
		nullString(p.Category), nullString(p.PaymentMethod),
		int64(p.EarnedCoins), int64(p.RedeemedCoins), int64(p.WelcomeBonusCoins),
		p.FinalPayable.String(), formatTime(p.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err) && uniqueOn(err, "invoice_no"):
		return loyalty.ErrDuplicateInvoice
	case isUniqueConstraintError(err):
		return loyalty.ErrDuplicateIdempotencyKey
	default:
		return storeErr("insert purchase", err)
	}
}

func (q *queries) CountPurchases(ctx context.Context, id loyalty.CustomerID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE customer_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, storeErr("count purchases", err)
	}
	return n, nil
}

func (q *queries) PurchasesByCustomer(ctx context.Context, id loyalty.CustomerID) ([]loyalty.Purchase, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchases
		WHERE customer_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, storeErr("query purchases", err)
	}
	defer rows.Close()

	var out []loyalty.Purchase
	for rows.Next() {
		var (
			p             loyalty.Purchase
			bill, payable string
			category      sql.NullString
			method        sql.NullString
			earned        int64
			redeemed      int64
			welcome       int64
			createdAt     string
		)
		err := rows.Scan(&p.ID, &p.BranchID, &p.CustomerID, &bill, &p.InvoiceNo, &category,
			&method, &earned, &redeemed, &welcome, &payable, &createdAt)
		if err != nil {
			return nil, storeErr("scan purchase", err)
		}
		if p.BillAmount, err = parseDecimal(bill); err != nil {
			return nil, storeErr("scan purchase", err)
		}
		if p.FinalPayable, err = parseDecimal(payable); err != nil {
			return nil, storeErr("scan purchase", err)
		}
		p.Category = category.String
		p.PaymentMethod = method.String
		p.EarnedCoins = loyalty.Coins(earned)
		p.RedeemedCoins = loyalty.Coins(redeemed)
		p.WelcomeBonusCoins = loyalty.Coins(welcome)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// REFERRALS
// =============================================================================

const referralColumns = `id, referrer_id, new_customer_id, referrer_coins, new_customer_coins,
	status, first_purchase_id, created_at, paid_at`

func (q *queries) InsertReferralReward(ctx context.Context, r loyalty.ReferralReward) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO referral_rewards (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReferrerID, r.NewCustomerID, int64(r.ReferrerCoins), int64(r.NewCustomerCoins),
		string(r.Status), nullString(string(r.FirstPurchaseID)), formatTime(r.CreatedAt), nullTime(r.PaidAt))
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return loyalty.ErrDuplicateIdempotencyKey
	case isForeignKeyError(err):
		return loyalty.ErrCustomerNotFound
	default:
		return storeErr("insert referral reward", err)
	}
}

func (q *queries) PendingReferralFor(ctx context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referral_rewards
		WHERE new_customer_id = ? AND status = ?`, id, string(loyalty.ReferralPending))
	return scanReferral(row)
}

func (q *queries) ReferralFor(ctx context.Context, id loyalty.CustomerID) (*loyalty.ReferralReward, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referral_rewards
		WHERE new_customer_id = ?`, id)
	return scanReferral(row)
}

// scanReferral returns nil, nil when there is no row.
func scanReferral(row scanner) (*loyalty.ReferralReward, error) {
	var (
		r             loyalty.ReferralReward
		referrerCoins int64
		newCoins      int64
		status        string
		firstPurchase sql.NullString
		createdAt     string
		paidAt        sql.NullString
	)
	err := row.Scan(&r.ID, &r.ReferrerID, &r.NewCustomerID, &referrerCoins, &newCoins,
		&status, &firstPurchase, &createdAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan referral reward", err)
	}
	r.ReferrerCoins = loyalty.Coins(referrerCoins)
	r.NewCustomerCoins = loyalty.Coins(newCoins)
	r.Status = loyalty.ReferralStatus(status)
	r.FirstPurchaseID = loyalty.PurchaseID(firstPurchase.String)
	r.CreatedAt = parseTime(createdAt)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		r.PaidAt = &t
	}
	return &r, nil
}

func (q *queries) MarkReferralPaid(ctx context.Context, id loyalty.RewardID, purchase loyalty.PurchaseID, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE referral_rewards
		SET status = ?, first_purchase_id = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		string(loyalty.ReferralPaid), nullString(string(purchase)), formatTime(at),
		id, string(loyalty.ReferralPending))
	if err != nil {
		return false, storeErr("mark referral paid", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark referral paid", err)
	}
	return n == 1, nil
}

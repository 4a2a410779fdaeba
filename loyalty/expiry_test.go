package loyalty_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func at(days int) *time.Time {
	t := testNow.AddDate(0, 0, days)
	return &t
}

func TestExpiredRemainder(t *testing.T) {
	tests := []struct {
		name string
		txs  []loyalty.WalletTransaction
		want loyalty.Coins
	}{
		{
			name: "nothing expired yet",
			txs:  []loyalty.WalletTransaction{{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(1)}},
			want: 0,
		},
		{
			name: "expired credit lapses",
			txs:  []loyalty.WalletTransaction{{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(-1)}},
			want: 50,
		},
		{
			name: "debits consume expired coins first",
			txs: []loyalty.WalletTransaction{
				{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(-1)},
				{Coins: 80, Type: loyalty.TxEarn, ExpiresAt: at(20)},
				{Coins: -30, Type: loyalty.TxRedeem},
			},
			want: 20,
		},
		{
			name: "debits paid from non-expiring credits still shield expired ones",
			txs: []loyalty.WalletTransaction{
				{Coins: 100, Type: loyalty.TxReferral},
				{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(-1)},
				{Coins: -40, Type: loyalty.TxRedeem},
			},
			want: 10,
		},
		{
			name: "prior expiry is not repeated",
			txs: []loyalty.WalletTransaction{
				{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(-1)},
				{Coins: -50, Type: loyalty.TxExpiry},
			},
			want: 0,
		},
		{
			name: "credits without expiry never lapse",
			txs:  []loyalty.WalletTransaction{{Coins: 500, Type: loyalty.TxAdminCredit}},
			want: 0,
		},
		{
			name: "capped at balance",
			txs: []loyalty.WalletTransaction{
				{Coins: 50, Type: loyalty.TxEarn, ExpiresAt: at(-1)},
				{Coins: -10, Type: loyalty.TxAdminDebit},
			},
			want: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, loyalty.ExpiredRemainder(tt.txs, testNow))
		})
	}
}

func TestExpireCoins(t *testing.T) {
	// GIVEN: Coins earned with a 30-day expiry
	// WHEN: The sweep runs 31 days later
	// THEN: One EXPIRY row removes them; a second sweep does nothing

	s := scenarioSettings()
	s.CoinExpiryDays = 30
	f := newFixture(t, s)
	b := f.branch("b1", 1000)
	c := f.customer("c1")
	f.credit(c.ID, 10)
	f.settle(b, c, "1000", "INV-1", 0)

	later := loyalty.NewEngine(f.store, loyalty.StaticSettings{Snapshot: s},
		loyalty.WithClock(func() time.Time { return testNow.AddDate(0, 0, 31) }))

	expired, err := later.ExpireAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[loyalty.CustomerID]loyalty.Coins{c.ID: 50}, expired)
	assert.Equal(t, loyalty.Coins(10), f.balance(c.ID))

	rows := f.rows(c.ID, loyalty.TxExpiry)
	require.Len(t, rows, 1)
	assert.Equal(t, loyalty.Coins(-50), rows[0].Coins)

	n, err := later.ExpireCoins(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

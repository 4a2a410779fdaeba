package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func TestAppendBranchCoins_UnknownBranchKeepsKeyFree(t *testing.T) {
	// GIVEN: A credit addressed to a branch that does not exist yet
	// WHEN: The append fails and the branch is then created
	// THEN: The same idempotency key is still accepted

	ctx := context.Background()
	m := store.NewMemory()
	tx := loyalty.BranchCoinTransaction{ID: "t1", BranchID: "b1", Coins: 100, IdempotencyKey: "allowance:b1"}

	err := m.AppendBranchCoins(ctx, tx)
	assert.ErrorIs(t, err, loyalty.ErrBranchNotFound)

	require.NoError(t, m.CreateBranch(ctx, loyalty.Branch{ID: "b1", Name: "Main Street"}))
	require.NoError(t, m.AppendBranchCoins(ctx, tx))

	coins, err := m.BranchCoins(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, coins, 1)
	assert.Equal(t, loyalty.Coins(100), coins[0].Coins)

	err = m.AppendBranchCoins(ctx, tx)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)
}

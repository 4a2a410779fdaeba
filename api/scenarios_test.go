/*
scenarios_test.go - Tests for the embedded demo scenarios

Each scenario is replayed through the engine and checked against the
outcome its description promises. They double as end-to-end tests of the
settlement rules on SQLite.
*/
package api

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestScenarios_Parse(t *testing.T) {
	all, err := Scenarios()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	seen := make(map[string]bool)
	for _, s := range all {
		assert.NotEmpty(t, s.Name, s.ID)
		assert.False(t, seen[s.ID], "duplicate scenario %s", s.ID)
		seen[s.ID] = true
	}
}

func TestScenario_FundedEarn(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	resp, err := h.RunScenario(ctx, "funded-earn")
	require.NoError(t, err)
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, loyalty.Coins(50), resp.Receipts[0].EarnedCoins)

	available, err := h.Engine.Ledger().BranchAvailable(ctx, "andheri")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(950), available)
}

func TestScenario_UnderfundedBranch(t *testing.T) {
	// GIVEN: A branch with 30 coins of allowance
	// WHEN: A purchase needs 50
	// THEN: The purchase is recorded with 0 coins and a note

	h := setupTestHandler(t)
	ctx := context.Background()

	resp, err := h.RunScenario(ctx, "underfunded-branch")
	require.NoError(t, err)
	require.Len(t, resp.Receipts, 1)

	r := resp.Receipts[0]
	assert.NotEmpty(t, r.PurchaseID)
	assert.Equal(t, loyalty.Coins(50), r.RequiredEarnCoins)
	assert.Zero(t, r.EarnedCoins)
	assert.NotEmpty(t, r.Notes)

	n, err := h.Store.CountPurchases(ctx, "ravi")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScenario_OneTimeRedemption(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	resp, err := h.RunScenario(ctx, "one-time-redemption")
	require.NoError(t, err)
	require.Len(t, resp.Receipts, 2)

	first := resp.Receipts[0]
	assert.Equal(t, loyalty.Coins(100), first.RedeemedCoins)
	assert.Equal(t, "1900", first.FinalPayable.String())

	second := resp.Receipts[1]
	assert.Zero(t, second.RedeemedCoins)
	assert.True(t, second.FinalPayable.Equal(second.BillAmount))
	require.NotEmpty(t, second.Notes)
	assert.Contains(t, second.Notes[0], "one-time")
}

func TestScenario_ReferralUnlock(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	resp, err := h.RunScenario(ctx, "referral-unlock")
	require.NoError(t, err)
	require.Len(t, resp.Receipts, 2)
	assert.Equal(t, loyalty.Coins(50), resp.Receipts[0].ReferralCoins)
	assert.Zero(t, resp.Receipts[1].ReferralCoins, "paid on the first purchase only")

	alice, err := h.Engine.Ledger().CustomerBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(100), alice)

	reward, err := h.Store.ReferralFor(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, reward)
	assert.Equal(t, loyalty.ReferralPaid, reward.Status)
}

func TestRunScenario_ReloadResets(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	_, err := h.RunScenario(ctx, "referral-unlock")
	require.NoError(t, err)
	_, err = h.RunScenario(ctx, "referral-unlock")
	require.NoError(t, err, "loading twice must not collide with the previous run")

	_, err = h.RunScenario(ctx, "funded-earn")
	require.NoError(t, err)
	customers, err := h.Store.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, loyalty.CustomerID("asha"), customers[0].ID)

	_, err = h.RunScenario(ctx, "no-such-scenario")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t)

	list := decodeAs[[]ScenarioDTO](t, s.must(200, "GET", "/api/scenarios", nil))
	assert.NotEmpty(t, list)

	resp := decodeAs[LoadScenarioResponse](t, s.must(200, "POST", "/api/scenarios/load",
		map[string]string{"scenario_id": "funded-earn"}))
	assert.Equal(t, "funded-earn", resp.Scenario.ID)

	current := decodeAs[ScenarioDTO](t, s.must(200, "GET", "/api/scenarios/current", nil))
	assert.Equal(t, "funded-earn", current.ID)

	s.must(404, "POST", "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	s.must(200, "POST", "/api/reset", nil)
	rec := s.must(200, "GET", "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

package cache_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := cache.NewMemory(30 * time.Second)
	c.Now = func() time.Time { return now }

	_, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty cache misses")

	require.NoError(t, c.Set(ctx, map[string]string{"coin_value_inr": "2"}))
	rows, ok, err := c.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", rows["coin_value_inr"])

	// Callers cannot mutate the cached copy.
	rows["coin_value_inr"] = "9"
	again, _, _ := c.Get(ctx)
	assert.Equal(t, "2", again["coin_value_inr"])

	now = now.Add(31 * time.Second)
	_, ok, _ = c.Get(ctx)
	assert.False(t, ok, "expired entry misses")

	require.NoError(t, c.Set(ctx, nil))
	_, ok, _ = c.Get(ctx)
	assert.True(t, ok, "an empty settings table is still cacheable")

	require.NoError(t, c.Invalidate(ctx))
	_, ok, _ = c.Get(ctx)
	assert.False(t, ok)
}

// countingStore counts settings loads.
type countingStore struct {
	*store.Memory
	loads int
}

func (s *countingStore) LoadSettings(ctx context.Context) (map[string]string, error) {
	s.loads++
	return s.Memory.LoadSettings(ctx)
}

func TestProvider_CachesUntilUpdate(t *testing.T) {
	// GIVEN: A provider over a store with one custom key
	// WHEN: Settings are read repeatedly, then updated
	// THEN: The store is read once per cache fill and updates are visible at once

	ctx := context.Background()
	src := &countingStore{Memory: store.NewMemory()}
	require.NoError(t, src.SaveSettings(ctx, map[string]string{"purchase_coin_percent": "8"}))
	p := cache.NewProvider(src, cache.NewMemory(time.Minute), nil)

	for range 3 {
		s, err := p.Settings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "8", s.PurchaseCoinPercent.String())
	}
	assert.Equal(t, 1, src.loads)

	s, err := p.Update(ctx, map[string]string{"welcome_bonus_coins": "30"})
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(30), s.WelcomeBonusCoins)
	assert.Equal(t, "8", s.PurchaseCoinPercent.String(), "untouched keys survive")

	s, err = p.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(30), s.WelcomeBonusCoins)
}

func TestProvider_UpdateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	src := store.NewMemory()
	p := cache.NewProvider(src, nil, nil)

	_, err := p.Update(ctx, map[string]string{"coin_value_inr": "0"})
	assert.ErrorIs(t, err, loyalty.ErrInvalidSettings)

	_, err = p.Update(ctx, map[string]string{"not_a_key": "1"})
	assert.ErrorIs(t, err, loyalty.ErrInvalidSettings)

	rows, err := src.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows, "nothing saved")
}

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) Get(context.Context) (map[string]string, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenCache) Set(context.Context, map[string]string) error { return errors.New("connection refused") }
func (brokenCache) Invalidate(context.Context) error             { return errors.New("connection refused") }

func TestProvider_FallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	src := store.NewMemory()
	require.NoError(t, src.SaveSettings(ctx, map[string]string{"checkin_coins": "7"}))
	p := cache.NewProvider(src, brokenCache{}, nil)

	s, err := p.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Coins(7), s.CheckinCoins)

	_, err = p.Update(ctx, map[string]string{"checkin_coins": "9"})
	require.NoError(t, err)
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("LOYALTY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOYALTY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := cache.NewRedis(cache.NewRedisClient(addr, "", 0), time.Minute)
	require.NoError(t, r.HealthCheck(ctx))
	require.NoError(t, r.Invalidate(ctx))

	_, ok, err := r.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, map[string]string{"coin_value_inr": "2"}))
	rows, ok, err := r.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"coin_value_inr": "2"}, rows)

	require.NoError(t, r.Invalidate(ctx))
}

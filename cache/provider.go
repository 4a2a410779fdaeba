package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// Provider is the loyalty.SettingsSource used by the server. It reads
// rows through the cache, parses them into a snapshot and owns updates.
type Provider struct {
	Source loyalty.SettingsStore
	Cache  SettingsCache // nil disables caching
	Logger *slog.Logger
}

var _ loyalty.SettingsSource = (*Provider)(nil)

func NewProvider(source loyalty.SettingsStore, cache SettingsCache, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{Source: source, Cache: cache, Logger: logger}
}

// Settings returns the current snapshot. Cache failures are logged and
// bypassed; the store is always the fallback.
func (p *Provider) Settings(ctx context.Context) (loyalty.Settings, error) {
	rows, err := p.rows(ctx)
	if err != nil {
		return loyalty.Settings{}, err
	}
	return factory.ParseSettings(rows)
}

func (p *Provider) rows(ctx context.Context) (map[string]string, error) {
	if p.Cache != nil {
		rows, ok, err := p.Cache.Get(ctx)
		if err != nil {
			p.Logger.Warn("settings cache read failed", "error", err)
		} else if ok {
			return rows, nil
		}
	}

	rows, err := p.Source.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if p.Cache != nil {
		if err := p.Cache.Set(ctx, rows); err != nil {
			p.Logger.Warn("settings cache write failed", "error", err)
		}
	}
	return rows, nil
}

// Update merges values over the stored rows, validates the result and
// saves it. Nothing is written when the merged settings are invalid.
func (p *Provider) Update(ctx context.Context, values map[string]string) (loyalty.Settings, error) {
	if err := factory.CheckKeys(values); err != nil {
		return loyalty.Settings{}, err
	}
	current, err := p.Source.LoadSettings(ctx)
	if err != nil {
		return loyalty.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]string, len(values))
	}
	maps.Copy(merged, values)

	s, err := factory.ParseSettings(merged)
	if err != nil {
		return loyalty.Settings{}, err
	}
	if err := p.Source.SaveSettings(ctx, values); err != nil {
		return loyalty.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	p.Invalidate(ctx)
	p.Logger.Info("settings updated", "keys", len(values))
	return s, nil
}

// Invalidate drops the cached rows, e.g. after the settings table was
// rewritten behind the provider's back.
func (p *Provider) Invalidate(ctx context.Context) {
	if p.Cache == nil {
		return
	}
	if err := p.Cache.Invalidate(ctx); err != nil {
		p.Logger.Warn("settings cache invalidation failed", "error", err)
	}
}

/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for demos. Scenarios are declared in scenarios.yaml (embedded at
  build time) and replayed through the engine, so every row they create
  went through the same rules as live traffic.

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save scenario settings
 3. Create branches and fund their allowance
 4. Register customers (referrals in declaration order) and seed coins
 5. Settle purchases in order

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "referral-unlock"}

USAGE VIA CLI:
  server scenario load referral-unlock

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - scenarios.yaml: Scenario definitions
  - cmd/server/main.go: scenario command
*/
package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"gopkg.in/yaml.v3"
)

// ErrUnknownScenario is returned for a scenario ID not in scenarios.yaml.
var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios.yaml
var scenariosYAML []byte

type Scenario struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Settings    map[string]string  `yaml:"settings"`
	Branches    []ScenarioBranch   `yaml:"branches"`
	Customers   []ScenarioCustomer `yaml:"customers"`
	Purchases   []ScenarioPurchase `yaml:"purchases"`
}

type ScenarioBranch struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Allowance loyalty.Coins `yaml:"allowance"`
}

type ScenarioCustomer struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Phone      string        `yaml:"phone"`
	Coins      loyalty.Coins `yaml:"coins"`
	ReferredBy string        `yaml:"referred_by"`
}

type ScenarioPurchase struct {
	Branch        string        `yaml:"branch"`
	Customer      string        `yaml:"customer"`
	Bill          string        `yaml:"bill"`
	Invoice       string        `yaml:"invoice"`
	Category      string        `yaml:"category"`
	PaymentMethod string        `yaml:"payment_method"`
	Redeem        loyalty.Coins `yaml:"redeem"`
}

func (s Scenario) DTO() ScenarioDTO {
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
}

var loadScenarios = sync.OnceValues(func() ([]Scenario, error) {
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(scenariosYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse scenarios.yaml: %w", err)
	}
	return doc.Scenarios, nil
})

// Scenarios returns the embedded scenario definitions.
func Scenarios() ([]Scenario, error) {
	return loadScenarios()
}

func findScenario(id string) (Scenario, error) {
	all, err := Scenarios()
	if err != nil {
		return Scenario{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		h.fail(w, "Failed to load scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = s.DTO()
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, err := findScenario(current)
	if err != nil {
		h.fail(w, "Failed to load scenarios", err)
		return
	}
	writeJSON(w, http.StatusOK, s.DTO())
}

// LoadScenario resets the database and replays a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.RunScenario(r.Context(), req.ScenarioID)
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusNotFound, "Scenario not found", err)
		return
	}
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADER
// =============================================================================

// RunScenario resets the database and replays the scenario through the
// engine, returning one receipt per purchase.
func (h *Handler) RunScenario(ctx context.Context, id string) (*LoadScenarioResponse, error) {
	s, err := findScenario(id)
	if err != nil {
		return nil, err
	}
	if err := h.reset(ctx); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	if len(s.Settings) > 0 {
		if _, err := h.Settings.Update(ctx, s.Settings); err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
	}

	for _, b := range s.Branches {
		if _, err := h.Engine.CreateBranch(ctx, loyalty.NewBranch{ID: loyalty.BranchID(b.ID), Name: b.Name}); err != nil {
			return nil, fmt.Errorf("branch %s: %w", b.ID, err)
		}
		if b.Allowance > 0 {
			if _, err := h.Engine.CreditBranch(ctx, loyalty.BranchID(b.ID), b.Allowance, "scenario allowance"); err != nil {
				return nil, fmt.Errorf("branch %s allowance: %w", b.ID, err)
			}
		}
	}

	codes := make(map[string]string, len(s.Customers))
	for _, c := range s.Customers {
		req := loyalty.NewCustomer{ID: loyalty.CustomerID(c.ID), Name: c.Name, Phone: c.Phone}
		if c.ReferredBy != "" {
			code, ok := codes[c.ReferredBy]
			if !ok {
				return nil, fmt.Errorf("customer %s: referrer %s must be declared first", c.ID, c.ReferredBy)
			}
			req.ReferralCode = code
		}
		created, err := h.Engine.RegisterCustomer(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("customer %s: %w", c.ID, err)
		}
		codes[c.ID] = created.ReferralCode

		if c.Coins > 0 {
			_, err := h.Engine.AdminCredit(ctx, loyalty.Adjustment{
				CustomerID: created.ID, Coins: c.Coins, Reason: "scenario seed",
			})
			if err != nil {
				return nil, fmt.Errorf("customer %s coins: %w", c.ID, err)
			}
		}
	}

	resp := &LoadScenarioResponse{Scenario: s.DTO(), Receipts: make([]ReceiptDTO, 0, len(s.Purchases))}
	for _, p := range s.Purchases {
		bill, err := decimal.NewFromString(p.Bill)
		if err != nil {
			return nil, fmt.Errorf("purchase %s: bill %q: %w", p.Invoice, p.Bill, err)
		}
		receipt, err := h.Engine.Settle(ctx, loyalty.PurchaseRequest{
			BranchID:      loyalty.BranchID(p.Branch),
			CustomerID:    loyalty.CustomerID(p.Customer),
			BillAmount:    bill,
			InvoiceNo:     p.Invoice,
			Category:      p.Category,
			PaymentMethod: p.PaymentMethod,
			Redeem:        p.Redeem > 0,
			RedeemCoins:   p.Redeem,
		})
		if err != nil {
			return nil, fmt.Errorf("purchase %s: %w", p.Invoice, err)
		}
		resp.Receipts = append(resp.Receipts, toReceiptDTO(receipt))
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", "scenario", s.ID, "purchases", len(resp.Receipts))
	return resp, nil
}

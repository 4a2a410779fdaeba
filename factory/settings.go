/*
Package factory converts between stored key/value settings and typed
loyalty.Settings.

PURPOSE:
  Admins configure the program economics as key/value rows (the settings
  table, the PUT /api/settings body). The engine only ever sees a typed,
  validated loyalty.Settings snapshot. This package is the one place that
  crosses between the two.

KEYS:
  purchase_coin_percent        decimal   earn percent of bill
  min_bill_to_earn             decimal   INR
  max_coins_per_bill           integer   empty or absent = unlimited
  max_redeem_percent           decimal   percent of bill
  min_bill_to_redeem           decimal   INR
  min_coins_to_redeem          integer
  coin_value_inr               decimal   INR per coin
  referral_referrer_coins      integer
  referral_new_customer_coins  integer
  coin_expiry_days             integer   0 = never
  welcome_bonus_coins          integer
  branch_funding_policy        string    degrade | reject | partial
  checkin_coins                integer
  review_bonus_coins           integer
  spin_prizes                  JSON      [{"coins":5,"weight":30}, ...]

  Missing keys fall back to loyalty.DefaultSettings. Unknown keys are
  ignored when parsing and refused by CheckKeys.

USAGE:
  rows, _ := store.LoadSettings(ctx)
  settings, err := factory.ParseSettings(rows)

  // Round trip for the API
  rows = factory.EncodeSettings(settings)

SEE ALSO:
  - loyalty/settings.go: Settings type and validation
  - cache/provider.go: Cached settings snapshots
*/
package factory

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

const (
	KeyPurchaseCoinPercent      = "purchase_coin_percent"
	KeyMinBillToEarn            = "min_bill_to_earn"
	KeyMaxCoinsPerBill          = "max_coins_per_bill"
	KeyMaxRedeemPercent         = "max_redeem_percent"
	KeyMinBillToRedeem          = "min_bill_to_redeem"
	KeyMinCoinsToRedeem         = "min_coins_to_redeem"
	KeyCoinValueINR             = "coin_value_inr"
	KeyReferralReferrerCoins    = "referral_referrer_coins"
	KeyReferralNewCustomerCoins = "referral_new_customer_coins"
	KeyCoinExpiryDays           = "coin_expiry_days"
	KeyWelcomeBonusCoins        = "welcome_bonus_coins"
	KeyBranchFundingPolicy      = "branch_funding_policy"
	KeyCheckinCoins             = "checkin_coins"
	KeyReviewBonusCoins         = "review_bonus_coins"
	KeySpinPrizes               = "spin_prizes"
)

// Keys lists every recognised settings key.
var Keys = []string{
	KeyPurchaseCoinPercent,
	KeyMinBillToEarn,
	KeyMaxCoinsPerBill,
	KeyMaxRedeemPercent,
	KeyMinBillToRedeem,
	KeyMinCoinsToRedeem,
	KeyCoinValueINR,
	KeyReferralReferrerCoins,
	KeyReferralNewCustomerCoins,
	KeyCoinExpiryDays,
	KeyWelcomeBonusCoins,
	KeyBranchFundingPolicy,
	KeyCheckinCoins,
	KeyReviewBonusCoins,
	KeySpinPrizes,
}

// =============================================================================
// PARSING
// =============================================================================

// ParseSettings builds a validated snapshot from key/value rows.
func ParseSettings(values map[string]string) (loyalty.Settings, error) {
	p := parser{values: values, s: loyalty.DefaultSettings()}

	p.decimal(KeyPurchaseCoinPercent, &p.s.PurchaseCoinPercent)
	p.decimal(KeyMinBillToEarn, &p.s.MinBillToEarn)
	p.optionalCoins(KeyMaxCoinsPerBill, &p.s.MaxCoinsPerBill)
	p.decimal(KeyMaxRedeemPercent, &p.s.MaxRedeemPercent)
	p.decimal(KeyMinBillToRedeem, &p.s.MinBillToRedeem)
	p.coins(KeyMinCoinsToRedeem, &p.s.MinCoinsToRedeem)
	p.decimal(KeyCoinValueINR, &p.s.CoinValueINR)
	p.coins(KeyReferralReferrerCoins, &p.s.ReferralReferrerCoins)
	p.coins(KeyReferralNewCustomerCoins, &p.s.ReferralNewCustomerCoins)
	p.integer(KeyCoinExpiryDays, &p.s.CoinExpiryDays)
	p.coins(KeyWelcomeBonusCoins, &p.s.WelcomeBonusCoins)
	p.funding(KeyBranchFundingPolicy, &p.s.FundingPolicy)
	p.coins(KeyCheckinCoins, &p.s.CheckinCoins)
	p.coins(KeyReviewBonusCoins, &p.s.ReviewBonusCoins)
	p.spinPrizes(KeySpinPrizes, &p.s.SpinPrizes)

	if p.err != nil {
		return loyalty.Settings{}, p.err
	}
	if err := p.s.Validate(); err != nil {
		return loyalty.Settings{}, err
	}
	return p.s, nil
}

// ParseSpinPrizes decodes the wheel table.
func ParseSpinPrizes(raw string) ([]loyalty.SpinPrize, error) {
	var prizes []loyalty.SpinPrize
	if err := json.Unmarshal([]byte(raw), &prizes); err != nil {
		return nil, fmt.Errorf("failed to parse spin prizes JSON: %w", err)
	}
	return prizes, nil
}

// CheckKeys refuses keys this package does not know.
func CheckKeys(values map[string]string) error {
	for k := range values {
		if !slices.Contains(Keys, k) {
			return &loyalty.ValidationError{Field: k, Err: fmt.Errorf("%w: unknown key", loyalty.ErrInvalidSettings)}
		}
	}
	return nil
}

// parser records the first failure and skips the rest.
type parser struct {
	values map[string]string
	s      loyalty.Settings
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.values[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key string, err error) {
	p.err = &loyalty.ValidationError{Field: key, Err: fmt.Errorf("%w: %v", loyalty.ErrInvalidSettings, err)}
}

func (p *parser) decimal(key string, dst *decimal.Decimal) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = d
}

func (p *parser) coins(key string, dst *loyalty.Coins) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = loyalty.Coins(n)
}

func (p *parser) optionalCoins(key string, dst **loyalty.Coins) {
	v, ok := p.raw(key)
	if !ok {
		*dst = nil
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, err)
		return
	}
	c := loyalty.Coins(n)
	*dst = &c
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = n
}

func (p *parser) funding(key string, dst *loyalty.FundingPolicy) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	*dst = loyalty.FundingPolicy(strings.ToLower(v))
}

func (p *parser) spinPrizes(key string, dst *[]loyalty.SpinPrize) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	prizes, err := ParseSpinPrizes(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = prizes
}

// =============================================================================
// ENCODING
// =============================================================================

// EncodeSettings flattens a snapshot into key/value rows. An unlimited
// max_coins_per_bill is encoded as an empty value.
func EncodeSettings(s loyalty.Settings) map[string]string {
	prizes, _ := json.Marshal(s.SpinPrizes)
	maxCoins := ""
	if s.MaxCoinsPerBill != nil {
		maxCoins = strconv.FormatInt(int64(*s.MaxCoinsPerBill), 10)
	}
	itoa := func(c loyalty.Coins) string { return strconv.FormatInt(int64(c), 10) }

	return map[string]string{
		KeyPurchaseCoinPercent:      s.PurchaseCoinPercent.String(),
		KeyMinBillToEarn:            s.MinBillToEarn.String(),
		KeyMaxCoinsPerBill:          maxCoins,
		KeyMaxRedeemPercent:         s.MaxRedeemPercent.String(),
		KeyMinBillToRedeem:          s.MinBillToRedeem.String(),
		KeyMinCoinsToRedeem:         itoa(s.MinCoinsToRedeem),
		KeyCoinValueINR:             s.CoinValueINR.String(),
		KeyReferralReferrerCoins:    itoa(s.ReferralReferrerCoins),
		KeyReferralNewCustomerCoins: itoa(s.ReferralNewCustomerCoins),
		KeyCoinExpiryDays:           strconv.Itoa(s.CoinExpiryDays),
		KeyWelcomeBonusCoins:        itoa(s.WelcomeBonusCoins),
		KeyBranchFundingPolicy:      string(s.FundingPolicy),
		KeyCheckinCoins:             itoa(s.CheckinCoins),
		KeyReviewBonusCoins:         itoa(s.ReviewBonusCoins),
		KeySpinPrizes:               string(prizes),
	}
}

/**
 * @description
 * Currency reference data. Every amount in the ledger is denominated in one of
 * these currencies and rounded to its minor unit. Exchange rates are fixed
 * lookups against the base currency; rate changes are new versions rather
 * than edits.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal arithmetic for money.
 */
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BaseCurrency is the currency every exchange rate is quoted against.
const BaseCurrency = "USD"

// DefaultMinorUnits is the rounding exponent used when a currency does not declare one.
const DefaultMinorUnits = 2

// Currency is one version of a currency's reference data.
type Currency struct {
	Code               string          `json:"code"`
	Symbol             string          `json:"symbol"`
	ExchangeRateToBase decimal.Decimal `json:"exchange_rate_to_base"`
	MinorUnits         int32           `json:"minor_units"`
	Active             bool            `json:"active"`
	EffectiveFrom      time.Time       `json:"effective_from"`
}

// Round rounds amount to the currency's minor unit with banker's rounding.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(c.MinorUnits)
}

// ToBase converts an amount in this currency into the base currency.
func (c Currency) ToBase(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.ExchangeRateToBase).RoundBank(DefaultMinorUnits)
}

// Validate checks the fields that must hold for a currency row to be stored.
func (c Currency) Validate() error {
	if len(c.Code) != 3 || strings.ToUpper(c.Code) != c.Code {
		return fmt.Errorf("%w: currency code %q must be three upper-case letters", ErrUnsupportedCurrency, c.Code)
	}
	if !c.ExchangeRateToBase.IsPositive() {
		return fmt.Errorf("%w: exchange rate for %s must be positive", ErrInvalidAmount, c.Code)
	}
	if c.MinorUnits < 0 || c.MinorUnits > 8 {
		return fmt.Errorf("%w: minor units for %s out of range", ErrInvalidAmount, c.Code)
	}
	return nil
}

// NormalizeCurrencyCode upper-cases and trims a user supplied code.
func NormalizeCurrencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CurrencyTable resolves the effective version of each currency at a point in time.
type CurrencyTable struct {
	versions map[string][]Currency
}

// NewCurrencyTable builds a table from any number of currency versions.
func NewCurrencyTable(currencies []Currency) *CurrencyTable {
	t := &CurrencyTable{versions: make(map[string][]Currency)}
	for _, c := range currencies {
		t.Add(c)
	}
	return t
}

// Add registers a new version of a currency.
func (t *CurrencyTable) Add(c Currency) {
	c.Code = NormalizeCurrencyCode(c.Code)
	list := append(t.versions[c.Code], c)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].EffectiveFrom.Before(list[j].EffectiveFrom)
	})
	t.versions[c.Code] = list
}

// Lookup returns the newest version of code effective at the given time.
func (t *CurrencyTable) Lookup(code string, at time.Time) (Currency, error) {
	list := t.versions[NormalizeCurrencyCode(code)]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].EffectiveFrom.After(at) {
			return list[i], nil
		}
	}
	return Currency{}, fmt.Errorf("%w: %s", ErrCurrencyNotFound, code)
}

// LookupActive is Lookup that also rejects deactivated currencies.
func (t *CurrencyTable) LookupActive(code string, at time.Time) (Currency, error) {
	c, err := t.Lookup(code, at)
	if err != nil {
		return Currency{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, code)
	}
	if !c.Active {
		return Currency{}, fmt.Errorf("%w: %s is not active", ErrUnsupportedCurrency, c.Code)
	}
	return c, nil
}

// Convert moves an amount between currencies through the base rate and rounds
// into the target's minor unit.
func (t *CurrencyTable) Convert(amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	if NormalizeCurrencyCode(from) == NormalizeCurrencyCode(to) {
		return amount, nil
	}
	src, err := t.Lookup(from, at)
	if err != nil {
		return decimal.Zero, err
	}
	dst, err := t.Lookup(to, at)
	if err != nil {
		return decimal.Zero, err
	}
	base := amount.Mul(src.ExchangeRateToBase)
	return dst.Round(base.Div(dst.ExchangeRateToBase)), nil
}

// ConvertToBase converts an amount into the base currency.
func (t *CurrencyTable) ConvertToBase(amount decimal.Decimal, code string, at time.Time) (decimal.Decimal, error) {
	return t.Convert(amount, code, BaseCurrency, at)
}

// Currencies returns the latest effective version of every known currency.
func (t *CurrencyTable) Currencies(at time.Time) []Currency {
	out := make([]Currency, 0, len(t.versions))
	for code := range t.versions {
		if c, err := t.Lookup(code, at); err == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// DefaultCurrencies seeds a fresh store.
func DefaultCurrencies() []Currency {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Currency{
		{Code: "USD", Symbol: "$", ExchangeRateToBase: decimal.NewFromInt(1), MinorUnits: 2, Active: true, EffectiveFrom: epoch},
		{Code: "EUR", Symbol: "€", ExchangeRateToBase: decimal.RequireFromString("1.08"), MinorUnits: 2, Active: true, EffectiveFrom: epoch},
		{Code: "GBP", Symbol: "£", ExchangeRateToBase: decimal.RequireFromString("1.27"), MinorUnits: 2, Active: true, EffectiveFrom: epoch},
		{Code: "CAD", Symbol: "C$", ExchangeRateToBase: decimal.RequireFromString("0.74"), MinorUnits: 2, Active: true, EffectiveFrom: epoch},
		{Code: "NGN", Symbol: "₦", ExchangeRateToBase: decimal.RequireFromString("0.00065"), MinorUnits: 2, Active: true, EffectiveFrom: epoch},
		{Code: "JPY", Symbol: "¥", ExchangeRateToBase: decimal.RequireFromString("0.0067"), MinorUnits: 0, Active: true, EffectiveFrom: epoch},
	}
}

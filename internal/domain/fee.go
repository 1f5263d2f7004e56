package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FeeRates is the part of a fee policy the calculator needs.
type FeeRates struct {
	PlatformFeeRate    decimal.Decimal `json:"platform_fee_rate"`
	ProcessingFeeRate  decimal.Decimal `json:"processing_fee_rate"`
	ProcessingFeeFixed decimal.Decimal `json:"processing_fee_fixed"`
}

// Validate rejects rates outside [0, 1] and negative fixed fees.
func (r FeeRates) Validate() error {
	one := decimal.NewFromInt(1)
	if r.PlatformFeeRate.IsNegative() || r.PlatformFeeRate.GreaterThan(one) {
		return fmt.Errorf("%w: platform fee rate %s outside [0,1]", ErrInvalidAmount, r.PlatformFeeRate)
	}
	if r.ProcessingFeeRate.IsNegative() || r.ProcessingFeeRate.GreaterThan(one) {
		return fmt.Errorf("%w: processing fee rate %s outside [0,1]", ErrInvalidAmount, r.ProcessingFeeRate)
	}
	if r.ProcessingFeeFixed.IsNegative() {
		return fmt.Errorf("%w: fixed processing fee %s is negative", ErrInvalidAmount, r.ProcessingFeeFixed)
	}
	return nil
}

// FeePolicy is a versioned set of fee and timing parameters. Escrows copy the
// active policy by value when they are created, so later versions never
// change the economics of an escrow already in flight.
type FeePolicy struct {
	Version           int             `json:"version"`
	Rates             FeeRates        `json:"rates"`
	MinimumPayment    decimal.Decimal `json:"minimum_payment"`
	MinimumWithdrawal decimal.Decimal `json:"minimum_withdrawal"`
	AutoReleaseDays   int             `json:"auto_release_days"`
	MaxDisputeDays    int             `json:"max_dispute_days"`
	EffectiveFrom     time.Time       `json:"effective_from"`
}

// Validate checks a policy before it is stored.
func (p FeePolicy) Validate() error {
	if err := p.Rates.Validate(); err != nil {
		return err
	}
	if p.MinimumPayment.IsNegative() || p.MinimumWithdrawal.IsNegative() {
		return fmt.Errorf("%w: minimums must not be negative", ErrInvalidAmount)
	}
	if p.AutoReleaseDays <= 0 {
		return fmt.Errorf("%w: auto release days must be positive", ErrInvalidAmount)
	}
	if p.MaxDisputeDays <= 0 {
		return fmt.Errorf("%w: max dispute days must be positive", ErrInvalidAmount)
	}
	return nil
}

// FeeBreakdown is the result of splitting a gross amount.
type FeeBreakdown struct {
	Gross         decimal.Decimal `json:"gross_amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	ProcessingFee decimal.Decimal `json:"processing_fee"`
	Net           decimal.Decimal `json:"net_amount"`
}

// CalculateFees splits gross into platform fee, processing fee and net.
//
// Fees are rounded to the currency's minor unit with banker's rounding and the
// net is derived by subtraction, so the three parts always add back to gross.
// minimum is expressed in the same currency as gross; pass decimal.Zero to skip
// the floor check.
func CalculateFees(gross decimal.Decimal, rates FeeRates, minimum decimal.Decimal, minorUnits int32) (FeeBreakdown, error) {
	if !gross.IsPositive() {
		return FeeBreakdown{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if !gross.Equal(gross.Round(minorUnits)) {
		return FeeBreakdown{}, fmt.Errorf("%w: amount %s has more precision than the currency allows", ErrInvalidAmount, gross)
	}
	if gross.LessThan(minimum) {
		return FeeBreakdown{}, fmt.Errorf("%w: amount %s is below the minimum payment %s", ErrInvalidAmount, gross, minimum)
	}
	if err := rates.Validate(); err != nil {
		return FeeBreakdown{}, err
	}

	platform := gross.Mul(rates.PlatformFeeRate).RoundBank(minorUnits)
	processing := gross.Mul(rates.ProcessingFeeRate).Add(rates.ProcessingFeeFixed).RoundBank(minorUnits)
	net := gross.Sub(platform).Sub(processing)
	if net.IsNegative() {
		return FeeBreakdown{}, fmt.Errorf("%w: fees %s exceed amount %s", ErrInvalidAmount, platform.Add(processing), gross)
	}

	return FeeBreakdown{
		Gross:         gross,
		PlatformFee:   platform,
		ProcessingFee: processing,
		Net:           net,
	}, nil
}

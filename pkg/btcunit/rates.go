// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides strongly typed units for fee rates and transaction
// sizes. Fee rates are canonically stored as satoshis per kilo-weight-unit
// (sat/kwu) backed by a big.Rat, which keeps conversions between the
// user-facing units (sat/vb, sat/kvb) exact until a fee is materialized.
package btcunit

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

// kilo is the scaling factor between a unit and its kilo variant.
const kilo = 1000

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)

	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = NewSatPerKVByte(0)
)

// baseFeeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-weight-unit (sat/kwu).
type baseFeeRate struct {
	// satsPerKWU is the fee rate in satoshis per kilo-weight-unit, chosen
	// for its direct alignment with Bitcoin's weight unit and to minimize
	// rounding errors.
	satsPerKWU *big.Rat
}

// newBaseFeeRate creates a new baseFeeRate with the given numerator and
// denominator. A zero denominator yields a zero fee rate.
func newBaseFeeRate(numerator btcutil.Amount, denominator uint64) baseFeeRate {
	if denominator == 0 {
		return baseFeeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return baseFeeRate{satsPerKWU: big.NewRat(
		int64(numerator), safeUint64ToInt64(denominator),
	)}
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu). The result is rounded down (truncated).
func (f baseFeeRate) FeeForWeight(weightUnit WeightUnit) btcutil.Amount {
	feeRational := big.NewRat(0, 1)
	feeRational.Mul(
		f.satsPerKWU,
		big.NewRat(safeUint64ToInt64(weightUnit.wu), kilo),
	)

	quotient := big.NewInt(0)
	quotient.Div(feeRational.Num(), feeRational.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForVByte calculates the fee resulting from this fee rate and the given
// size in vbytes (vb).
func (f baseFeeRate) FeeForVByte(vb VByte) btcutil.Amount {
	return f.FeeForWeight(vb.ToWU())
}

// equal returns true if the fee rate is equal to the other fee rate.
func (f baseFeeRate) equal(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) == 0
}

// greaterThan returns true if the fee rate is greater than the other fee
// rate.
func (f baseFeeRate) greaterThan(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) > 0
}

// lessThan returns true if the fee rate is less than the other fee rate.
func (f baseFeeRate) lessThan(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) < 0
}

// SatPerVByte represents a fee rate in sat/vbyte. Internally the rate is
// stored and operated on as sat/kwu; only String presents it in sat/vb.
type SatPerVByte struct {
	baseFeeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte calculates the fee rate in sat/vb for a given fee and size.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	return SatPerVByte{newBaseFeeRate(fee*kilo, vb.ToWU().wu)}
}

// String returns the fee rate expressed in sat/vb.
func (s SatPerVByte) String() string {
	satPerVB := big.NewRat(0, 1)
	satPerVB.Mul(s.satsPerKWU, big.NewRat(witnessScaleFactor, kilo))

	return fmt.Sprintf("%s sat/vb", satPerVB.FloatString(3))
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (s SatPerVByte) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{s.baseFeeRate}
}

// Equal returns true if the fee rates are the same.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.equal(other.baseFeeRate)
}

// GreaterThan returns true if this fee rate is greater than the other.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.greaterThan(other.baseFeeRate)
}

// LessThan returns true if this fee rate is less than the other.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.lessThan(other.baseFeeRate)
}

// SatPerKVByte represents a fee rate in sat/kvb.
type SatPerKVByte struct {
	baseFeeRate
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return CalcSatPerKVByte(rate, NewKVByte(1))
}

// CalcSatPerKVByte calculates the fee rate in sat/kvb for a given fee and
// vsize.
func CalcSatPerKVByte(fee btcutil.Amount, kvb KVByte) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(fee*kilo, kvb.ToWU().wu)}
}

// String returns the fee rate expressed in sat/kvb.
func (s SatPerKVByte) String() string {
	satPerKVB := big.NewRat(0, 1)
	satPerKVB.Mul(s.satsPerKWU, big.NewRat(witnessScaleFactor, 1))

	return fmt.Sprintf("%s sat/kvb", satPerKVB.FloatString(3))
}

// ToSatPerVByte converts the fee rate to sat/vb.
func (s SatPerKVByte) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{s.baseFeeRate}
}

// Equal returns true if the fee rates are the same.
func (s SatPerKVByte) Equal(other SatPerKVByte) bool {
	return s.equal(other.baseFeeRate)
}

// GreaterThan returns true if this fee rate is greater than the other.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s.greaterThan(other.baseFeeRate)
}

// LessThan returns true if this fee rate is less than the other.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s.lessThan(other.baseFeeRate)
}

// safeUint64ToInt64 converts a uint64 to an int64, clamping at the maximum
// int64 value to avoid overflow on adversarial sizes.
func safeUint64ToInt64(v uint64) int64 {
	const maxInt64 = uint64(1<<63 - 1)
	if v > maxInt64 {
		return int64(maxInt64)
	}

	return int64(v)
}

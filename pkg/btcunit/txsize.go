// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// witnessScaleFactor is the multiplier between virtual bytes and weight
// units, per BIP141.
const witnessScaleFactor = 4

// baseUnit stores the canonical representation of a transaction size, which
// is weight units (wu). All other size units are derived from this.
type baseUnit struct {
	wu uint64
}

// ToWU converts the unit to a WeightUnit.
func (b baseUnit) ToWU() WeightUnit {
	return WeightUnit{b}
}

// ToVB converts the unit to a VByte.
func (b baseUnit) ToVB() VByte {
	return VByte{b}
}

// WeightUnit expresses a transaction size in weight units. One weight unit is
// 1/4_000_000 of the max block size.
type WeightUnit struct {
	baseUnit
}

// NewWeightUnit creates a new WeightUnit from a uint64 value.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{baseUnit{wu: val}}
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte expresses a transaction size in virtual bytes. One virtual byte is
// four weight units.
type VByte struct {
	baseUnit
}

// NewVByte creates a new VByte from a uint64 value.
func NewVByte(val uint64) VByte {
	return VByte{baseUnit{wu: val * witnessScaleFactor}}
}

// Add returns the sum of the two sizes.
func (v VByte) Add(other VByte) VByte {
	return VByte{baseUnit{wu: v.wu + other.wu}}
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	vbytes := (v.wu + witnessScaleFactor - 1) / witnessScaleFactor

	return fmt.Sprintf("%d vb", vbytes)
}

// KVByte expresses a transaction size in kilo-virtual-bytes.
type KVByte struct {
	baseUnit
}

// NewKVByte creates a new KVByte from a uint64.
func NewKVByte(val uint64) KVByte {
	return KVByte{baseUnit{wu: val * kilo * witnessScaleFactor}}
}

// String returns the string representation of the kilo-virtual-byte.
func (k KVByte) String() string {
	vbytes := (k.wu + witnessScaleFactor - 1) / witnessScaleFactor

	return fmt.Sprintf("%d kvb", vbytes/kilo)
}

// Worst-case input virtual sizes per script class, including the outpoint,
// sequence, script sig and the input's share of witness data.
const (
	// redeemP2PKHInputVByte is the vsize of a P2PKH input: outpoint (36),
	// script sig len (1), sig (~72), pubkey (34), sequence (4).
	redeemP2PKHInputVByte = 148

	// redeemP2WPKHInputVByte is the vsize of a native segwit v0 key spend
	// input, witness discounted.
	redeemP2WPKHInputVByte = 68

	// redeemNestedP2WPKHInputVByte is the vsize of a P2SH-nested segwit
	// key spend input.
	redeemNestedP2WPKHInputVByte = 91

	// redeemP2TRInputVByte is the vsize of a taproot key spend input with
	// a 64-byte signature.
	redeemP2TRInputVByte = 58
)

// Output virtual sizes per script class: value (8), script length (1) and the
// output script itself.
const (
	p2pkhOutputVByte  = 34
	p2shOutputVByte   = 32
	p2wpkhOutputVByte = 31
	p2wshOutputVByte  = 43
	p2trOutputVByte   = 43
)

// InputVByte returns the worst-case virtual size contributed by spending an
// output of the given script class. Spending paths that cannot be sized
// without the redeem script (bare multisig, non-standard) are rejected.
func InputVByte(class txscript.ScriptClass) (VByte, error) {
	switch class {
	case txscript.PubKeyHashTy:
		return NewVByte(redeemP2PKHInputVByte), nil

	case txscript.ScriptHashTy:
		return NewVByte(redeemNestedP2WPKHInputVByte), nil

	case txscript.WitnessV0PubKeyHashTy:
		return NewVByte(redeemP2WPKHInputVByte), nil

	case txscript.WitnessV1TaprootTy:
		return NewVByte(redeemP2TRInputVByte), nil

	default:
		return VByte{}, fmt.Errorf("no input size for script "+
			"class %v", class)
	}
}

// OutputVByte returns the virtual size contributed by an output of the given
// script class.
func OutputVByte(class txscript.ScriptClass) (VByte, error) {
	switch class {
	case txscript.PubKeyHashTy:
		return NewVByte(p2pkhOutputVByte), nil

	case txscript.ScriptHashTy:
		return NewVByte(p2shOutputVByte), nil

	case txscript.WitnessV0PubKeyHashTy:
		return NewVByte(p2wpkhOutputVByte), nil

	case txscript.WitnessV0ScriptHashTy:
		return NewVByte(p2wshOutputVByte), nil

	case txscript.WitnessV1TaprootTy:
		return NewVByte(p2trOutputVByte), nil

	default:
		return VByte{}, fmt.Errorf("no output size for script "+
			"class %v", class)
	}
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcmixer/pkg/btcunit"
)

// RoundParameters are announced by the round coordinator and are read-only
// selection constraints for this engine.
type RoundParameters struct {
	// MinInputAmount is the smallest input amount the round accepts.
	MinInputAmount btcutil.Amount

	// MaxInputAmount is the largest input amount the round accepts.
	MaxInputAmount btcutil.Amount

	// AllowedInputTypes are the script classes the round accepts as
	// inputs.
	AllowedInputTypes []txscript.ScriptClass

	// AllowedOutputTypes are the script classes the round accepts as
	// outputs.
	AllowedOutputTypes []txscript.ScriptClass

	// MiningFeeRate is the fee rate of the round's transaction.
	MiningFeeRate btcunit.SatPerKVByte

	// MinInputCount is the minimum number of inputs required for the
	// round to proceed.
	MinInputCount int

	// CoordinationFeeRate is the coordinator's fee as a fraction of each
	// input amount.
	CoordinationFeeRate float64
}

// AllowsInputType reports whether the round accepts inputs of the given
// script class. An empty allow-list accepts every class.
func (p *RoundParameters) AllowsInputType(class txscript.ScriptClass) bool {
	if len(p.AllowedInputTypes) == 0 {
		return true
	}

	for _, allowed := range p.AllowedInputTypes {
		if class == allowed {
			return true
		}
	}

	return false
}

// AllowsInput reports whether the coin's script class and amount are both
// acceptable to the round.
func (p *RoundParameters) AllowsInput(c *Coin) bool {
	if !p.AllowsInputType(c.ScriptClass()) {
		return false
	}
	if c.Amount < p.MinInputAmount {
		return false
	}
	if p.MaxInputAmount != 0 && c.Amount > p.MaxInputAmount {
		return false
	}

	return true
}

// InputFee returns the coin's share of the round's fees when spent as an
// input: its mining fee at the round's rate plus the coordination fee on its
// amount.
func (p *RoundParameters) InputFee(c *Coin) (btcutil.Amount, error) {
	vb, err := btcunit.InputVByte(c.ScriptClass())
	if err != nil {
		return 0, err
	}

	miningFee := p.MiningFeeRate.FeeForVByte(vb)
	coordFee := btcutil.Amount(float64(c.Amount) * p.CoordinationFeeRate)

	return miningFee + coordFee, nil
}

// EffectiveValue returns the coin's amount minus its share of the round's
// fees. The result may be negative for uneconomical coins.
func (p *RoundParameters) EffectiveValue(c *Coin) (btcutil.Amount, error) {
	fee, err := p.InputFee(c)
	if err != nil {
		return 0, err
	}

	return c.Amount - fee, nil
}

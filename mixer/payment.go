// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcmixer/pkg/btcunit"
)

// PaymentSink receives lifecycle notifications for a pending payment. The
// engine invokes exactly one of Succeeded or Failed for every payment whose
// Started call returned nil. Implementations may perform I/O.
type PaymentSink interface {
	// Started is invoked when the payment is committed to a round attempt.
	// After a nil return the payment must not be offered to a concurrent
	// selection until Failed is invoked.
	Started(ctx context.Context) error

	// Succeeded is invoked when the round settled the payment, carrying
	// the round identifier and the realized transaction id.
	Succeeded(ctx context.Context, roundID string,
		txid chainhash.Hash) error

	// Failed is invoked when the attempt concluded without settling the
	// payment, returning it to the pending pool.
	Failed(ctx context.Context) error
}

// PendingPayment is an outgoing payment awaiting settlement through a round.
type PendingPayment struct {
	// ID identifies the payment to external systems.
	ID string

	// PkScript is the destination output script.
	PkScript []byte

	// Amount is the value to deliver to the destination.
	Amount btcutil.Amount

	// Sink receives the payment's lifecycle notifications.
	Sink PaymentSink
}

// Cost returns the effective cost of settling the payment at the given fee
// rate: the payment amount plus the destination output's share of the mining
// fee. An unsupported destination script class is an error.
func (p *PendingPayment) Cost(
	feeRate btcunit.SatPerKVByte) (btcutil.Amount, error) {

	vb, err := btcunit.OutputVByte(txscript.GetScriptClass(p.PkScript))
	if err != nil {
		return 0, fmt.Errorf("payment %s: %w", p.ID, err)
	}

	return p.Amount + feeRate.FeeForVByte(vb), nil
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ConsumedCoin is an input to a completed round, recorded with its pre-round
// anonymity score.
type ConsumedCoin struct {
	// OutPoint identifies the consumed output.
	OutPoint wire.OutPoint

	// Amount is the pre-round value of the coin.
	Amount btcutil.Amount

	// AnonScore is the coin's anonymity score going into the round.
	AnonScore float64
}

// ProducedCoin is an output of a completed round, recorded with its
// post-round anonymity score and, for batched payments, the settled payment.
type ProducedCoin struct {
	// OutPoint identifies the produced output on the realized
	// transaction.
	OutPoint wire.OutPoint

	// Amount is the value of the output.
	Amount btcutil.Amount

	// AnonScore is the output's anonymity score coming out of the round.
	AnonScore float64

	// PaymentID links the output to the pending payment it settled, if
	// this output is a batched payment rather than a kept coin.
	PaymentID fn.Option[string]
}

// CoinjoinRecord is the durable outcome of a successfully completed round.
// It is created once by the completion handler and immutable thereafter.
type CoinjoinRecord struct {
	// RoundID identifies the round.
	RoundID string

	// Coordinator names the coordinator that ran the round.
	Coordinator string

	// TxID is the hash of the realized transaction.
	TxID chainhash.Hash

	// CoinsIn are the wallet's inputs to the round.
	CoinsIn []ConsumedCoin

	// CoinsOut are the wallet's outputs from the round, kept coins and
	// payment outputs alike.
	CoinsOut []ProducedCoin

	// CreatedAt is when the record was built.
	CreatedAt time.Time
}

// Fee returns the round's realized fee contribution: total value consumed
// minus total value produced.
func (r *CoinjoinRecord) Fee() btcutil.Amount {
	var in, out btcutil.Amount
	for _, c := range r.CoinsIn {
		in += c.Amount
	}
	for _, c := range r.CoinsOut {
		out += c.Amount
	}

	return in - out
}

// OutPoints returns every outpoint the record touches, consumed and produced.
func (r *CoinjoinRecord) OutPoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(r.CoinsIn)+len(r.CoinsOut))
	for _, c := range r.CoinsIn {
		ops = append(ops, c.OutPoint)
	}
	for _, c := range r.CoinsOut {
		ops = append(ops, c.OutPoint)
	}

	return ops
}

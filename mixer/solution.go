// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Solution is the output of one selection attempt: the coins to bring to the
// round and the payments that fit within their leftover value. A Solution is
// built fresh per attempt and discarded once the round concludes; only the
// realized outcome is persisted.
type Solution struct {
	// Coins are the selected coins, in selection order.
	Coins []*ResolvedCoin

	// HandledPayments are the payments that fit within the selected
	// coins' leftover value at the time they were added.
	HandledPayments []*PendingPayment

	// Consolidating marks a solution built in consolidation mode.
	Consolidating bool

	// EffectiveSum is the total effective value of the selected coins.
	EffectiveSum btcutil.Amount

	// PaymentCost is the total effective cost of the handled payments.
	PaymentCost btcutil.Amount
}

// Leftover returns the portion of the selected coins' effective value not
// consumed by handled payments. It is never negative for a selector-built
// solution.
func (s *Solution) Leftover() btcutil.Amount {
	return s.EffectiveSum - s.PaymentCost
}

// IsEmpty reports whether the solution selects no coins.
func (s *Solution) IsEmpty() bool {
	return len(s.Coins) == 0
}

// OutPoints returns the outpoints of the selected coins.
func (s *Solution) OutPoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, len(s.Coins))
	for i, c := range s.Coins {
		ops[i] = c.OutPoint
	}

	return ops
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mixer implements the wallet side decision logic of a collaborative
// transaction (coinjoin) round: resolving the privacy posture of the wallet's
// coins, deciding whether a round is worth joining, selecting the coins and
// payments to bring, re-validating the attempt as the round progresses, and
// recording the realized outcome.
package mixer

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MinAnonScore is the anonymity score of a fully traceable output. Scores
// below this value are never produced by the resolver.
const MinAnonScore = 1.0

// Coin identifies a spendable unspent transaction output together with the
// ledger facts needed for selection.
type Coin struct {
	// OutPoint is the transaction output identifier.
	OutPoint wire.OutPoint

	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the public key script of the output.
	PkScript []byte

	// Confirmations is the number of confirmations the output has.
	Confirmations int32
}

// ScriptClass returns the script class of the coin's output script.
func (c *Coin) ScriptClass() txscript.ScriptClass {
	return txscript.GetScriptClass(c.PkScript)
}

// Confirmed reports whether the coin is mined.
func (c *Coin) Confirmed() bool {
	return c.Confirmations > 0
}

// PrivacyTier classifies a coin's anonymity score against the wallet's
// target score.
type PrivacyTier uint8

const (
	// TierNotPrivate marks a fully traceable coin (score exactly 1).
	TierNotPrivate PrivacyTier = iota

	// TierSemiPrivate marks a coin with some anonymity but below the
	// wallet's target.
	TierSemiPrivate

	// TierPrivate marks a coin at or above the wallet's target score.
	TierPrivate
)

// numPrivacyTiers is the number of distinct privacy tiers.
const numPrivacyTiers = 3

// String returns the string representation of a privacy tier.
func (t PrivacyTier) String() string {
	switch t {
	case TierNotPrivate:
		return "not private"

	case TierSemiPrivate:
		return "semi private"

	case TierPrivate:
		return "private"

	default:
		return "unknown privacy tier"
	}
}

// ClassifyScore maps an anonymity score to a privacy tier given the wallet's
// target score. A score at or above the target is private, a score above the
// traceable minimum but below the target is semi private, and the minimum is
// not private.
func ClassifyScore(score, target float64) PrivacyTier {
	switch {
	case score >= target:
		return TierPrivate

	case score > MinAnonScore:
		return TierSemiPrivate

	default:
		return TierNotPrivate
	}
}

// ResolvedCoin is an immutable snapshot of a coin's privacy metadata as
// derived by the Resolver at one point in time. Callers that need current
// data re-resolve instead of mutating a shared coin.
type ResolvedCoin struct {
	Coin

	// AnonScore is the coin's anonymity score, always >= MinAnonScore.
	AnonScore float64

	// Labels is the sorted, de-duplicated set of labels attached to the
	// coin's transaction, address and outpoint, including labels inherited
	// from wallet ancestors within the resolver's depth bound.
	Labels []string

	// Coordinator names the coordinator of the round that produced this
	// coin, or is empty if the coin did not come out of a coinjoin.
	Coordinator string
}

// Tier classifies the snapshot against the given target score.
func (rc *ResolvedCoin) Tier(target float64) PrivacyTier {
	return ClassifyScore(rc.AnonScore, target)
}

// PrivacyShare returns the value weighted fraction of the given coins that is
// strictly private under the target score, in [0, 1]. An empty set counts as
// fully private.
func PrivacyShare(coins []*ResolvedCoin, target float64) float64 {
	var total, private btcutil.Amount
	for _, c := range coins {
		total += c.Amount
		if c.Tier(target) == TierPrivate {
			private += c.Amount
		}
	}

	if total == 0 {
		return 1
	}

	return float64(private) / float64(total)
}

// weightedAnonScore returns the amount weighted average anonymity score of
// the given (amount, score) pairs. Zero total value yields a zero average.
func weightedAnonScore(amounts []btcutil.Amount, scores []float64) float64 {
	var total btcutil.Amount
	var weighted float64
	for i, amt := range amounts {
		total += amt
		weighted += float64(amt) * scores[i]
	}

	if total == 0 {
		return 0
	}

	return weighted / float64(total)
}

// mergeLabels folds the src labels into the dst set.
func mergeLabels(dst map[string]struct{}, src []string) {
	for _, l := range src {
		if l == "" {
			continue
		}
		dst[l] = struct{}{}
	}
}

// sortedLabels flattens a label set into a sorted slice.
func sortedLabels(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}

	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	return labels
}

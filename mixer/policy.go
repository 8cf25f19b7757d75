// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// MixingReason is a justification for participating in a round. A round
// attempt carries a non-empty set of reasons; the gatekeepers narrow the set
// as more information becomes available and withdraw once it is empty.
type MixingReason uint8

const (
	// ReasonPayment: the round settles pending payments.
	ReasonPayment MixingReason = iota

	// ReasonConsolidation: the round merges many small coins.
	ReasonConsolidation

	// ReasonNotPrivate: the wallet holds value below its privacy target.
	ReasonNotPrivate

	// ReasonExtraJoin: a periodic re-mix of an already private wallet to
	// defeat timing analysis.
	ReasonExtraJoin

	// ReasonWalletForward: coins are being moved to a configured
	// secondary wallet.
	ReasonWalletForward

	// ReasonPreliminary: a decision cannot be made until fee environment
	// information is available. The caller must re-query.
	ReasonPreliminary
)

// String returns the string representation of a mixing reason.
func (m MixingReason) String() string {
	switch m {
	case ReasonPayment:
		return "payment"

	case ReasonConsolidation:
		return "consolidation"

	case ReasonNotPrivate:
		return "not private"

	case ReasonExtraJoin:
		return "extra join"

	case ReasonWalletForward:
		return "wallet forward"

	case ReasonPreliminary:
		return "preliminary conclusion"

	default:
		return "unknown reason"
	}
}

// ReasonSet is a set of mixing reasons.
type ReasonSet = fn.Set[MixingReason]

// ConsolidationMode selects when the wallet prefers joining rounds to merge
// many small coins into fewer, larger ones.
type ConsolidationMode uint8

const (
	// ConsolidationNever disables consolidation driven participation.
	ConsolidationNever ConsolidationMode = iota

	// ConsolidationAlways joins for consolidation regardless of fee
	// conditions.
	ConsolidationAlways

	// ConsolidationLowFeeManyUnspent joins for consolidation only when
	// fees are low and the wallet holds many confirmed coins.
	ConsolidationLowFeeManyUnspent
)

// String returns the string representation of a consolidation mode.
func (c ConsolidationMode) String() string {
	switch c {
	case ConsolidationNever:
		return "never"

	case ConsolidationAlways:
		return "always"

	case ConsolidationLowFeeManyUnspent:
		return "when low fee and many unspent"

	default:
		return "unknown consolidation mode"
	}
}

const (
	// DefaultHighCountThreshold is the confirmed coin count above which
	// ConsolidationLowFeeManyUnspent considers the wallet crowded.
	DefaultHighCountThreshold = 30

	// DefaultExtraJoinProbability is the chance of re-mixing a fully
	// private wallet per policy query.
	DefaultExtraJoinProbability = 0.1

	// DefaultAnonScoreTarget is the wallet's default privacy target.
	DefaultAnonScoreTarget = 5.0
)

// PolicyConfig tunes the participation policy.
type PolicyConfig struct {
	// BatchPayments enables settling pending payments through rounds.
	BatchPayments bool

	// Consolidation selects the consolidation mode.
	Consolidation ConsolidationMode

	// HighCountThreshold is the confirmed coin count above which the
	// wallet counts as holding "many" coins.
	HighCountThreshold int

	// ExtraJoinProbability is the chance of adding ReasonExtraJoin when
	// the wallet is already fully private.
	ExtraJoinProbability float64

	// ForwardWallet names a secondary wallet that mixed coins are
	// forwarded to. Empty disables forwarding.
	ForwardWallet string

	// AnonScoreTarget is the anonymity score at which a coin counts as
	// private.
	AnonScoreTarget float64
}

// DefaultPolicyConfig returns the policy defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		BatchPayments:        true,
		Consolidation:        ConsolidationNever,
		HighCountThreshold:   DefaultHighCountThreshold,
		ExtraJoinProbability: DefaultExtraJoinProbability,
		AnonScoreTarget:      DefaultAnonScoreTarget,
	}
}

// Policy decides whether the wallet should attempt to join a round at all,
// and why.
type Policy struct {
	cfg      PolicyConfig
	ledger   Ledger
	resolver *Resolver
	rng      *rand.Rand
}

// NewPolicy creates a participation policy.
func NewPolicy(cfg PolicyConfig, ledger Ledger, resolver *Resolver,
	rng *rand.Rand) *Policy {

	return &Policy{
		cfg:      cfg,
		ledger:   ledger,
		resolver: resolver,
		rng:      rng,
	}
}

// Candidates resolves the wallet's current confirmed unspent outputs.
func (p *Policy) Candidates(ctx context.Context) ([]*ResolvedCoin, error) {
	utxos, err := p.ledger.ListUnspent(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	confirmed := make([]*Coin, 0, len(utxos))
	for _, c := range utxos {
		if c.Confirmed() {
			confirmed = append(confirmed, c)
		}
	}

	return p.resolver.Resolve(ctx, confirmed)
}

// ShouldMix evaluates the participation clauses in order and returns the
// accumulated reason set. An empty set is a hard stop: the caller must not
// run coin selection and should surface a no-eligible-coins condition.
//
// lowFee carries the fee environment when it is known; fn.None means the
// caller has not learned it yet, in which case clauses that depend on it
// short-circuit to ReasonPreliminary.
func (p *Policy) ShouldMix(ctx context.Context, coordinator string,
	lowFee fn.Option[bool], havePayments bool) (ReasonSet, error) {

	reasons := fn.NewSet[MixingReason]()

	if p.cfg.BatchPayments {
		// Without fee information we cannot commit to a participation
		// decision that would drag payments along.
		if lowFee.IsNone() {
			return fn.NewSet(ReasonPreliminary), nil
		}

		if havePayments {
			reasons.Add(ReasonPayment)
		}
	}

	candidates, err := p.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		log.Debugf("No confirmed coins, not mixing with %s",
			coordinator)
		return fn.NewSet[MixingReason](), nil
	}

	if p.cfg.Consolidation == ConsolidationAlways {
		reasons.Add(ReasonConsolidation)
	}

	if p.cfg.Consolidation == ConsolidationLowFeeManyUnspent &&
		len(candidates) > p.cfg.HighCountThreshold {

		if lowFee.IsNone() {
			return fn.NewSet(ReasonPreliminary), nil
		}
		if lowFee.UnwrapOr(false) {
			reasons.Add(ReasonConsolidation)
		}
	}

	share := PrivacyShare(candidates, p.cfg.AnonScoreTarget)
	switch {
	case share < 1:
		reasons.Add(ReasonNotPrivate)

	default:
		if p.rng.Float64() < p.cfg.ExtraJoinProbability {
			reasons.Add(ReasonExtraJoin)
		}
		if p.cfg.ForwardWallet != "" {
			reasons.Add(ReasonWalletForward)
		}
	}

	log.Debugf("Participation decision for %s: %d coins, privacy "+
		"share %.2f, reasons %v", coordinator, len(candidates), share,
		reasons.ToSlice())

	return reasons, nil
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// DefaultMaxCoinCount caps how many coins one attempt registers.
	DefaultMaxCoinCount = 10

	// DefaultSwapProbability is the chance of swapping each adjacent
	// candidate pair during the light shuffle pass.
	DefaultSwapProbability = 0.1

	// DefaultSameTxAllowance is the chance of letting two coins from the
	// same transaction stay adjacent during de-clustering.
	DefaultSameTxAllowance = 0.5

	// DefaultMinFeeEfficiency drops coins that keep less than this share
	// of their amount after the round's input fees.
	DefaultMinFeeEfficiency = 0.5

	// DefaultMinOutputTarget is the output registration count below which
	// the continuation probability decays faster.
	DefaultMinOutputTarget = 2

	// DefaultNonTargetPenaltyFactor scales the continuation penalty while
	// below the output target.
	DefaultNonTargetPenaltyFactor = 2.0

	// DefaultConsolidationDivisorMin and DefaultConsolidationDivisorMax
	// bound the random divisor that softens the continuation penalty in
	// consolidation mode.
	DefaultConsolidationDivisorMin = 2
	DefaultConsolidationDivisorMax = 8

	// leftoverScriptSize is the output script size used for the dust
	// check on leftover value (a P2WPKH program).
	leftoverScriptSize = 22
)

// dustCheckScript is the script shape the leftover dust check prices: a
// witness v0 keyhash program.
var dustCheckScript = func() []byte {
	script := make([]byte, leftoverScriptSize)
	script[0] = txscript.OP_0
	script[1] = txscript.OP_DATA_20

	return script
}()

// SelectorConfig tunes the subset selector. The numeric defaults are
// hand-tuned values carried over as-is; override rather than re-derive them.
type SelectorConfig struct {
	// AnonScoreTarget is the anonymity score at which a coin counts as
	// private.
	AnonScoreTarget float64

	// MaxCoinCount caps the coins registered per attempt.
	MaxCoinCount int

	// SwapProbability is the per-pair chance of the adjacent swap pass.
	SwapProbability float64

	// SameTxAllowance is the chance of allowing same-transaction
	// adjacency during de-clustering.
	SameTxAllowance float64

	// MinFeeEfficiency drops coins keeping less than this share of their
	// amount after input fees.
	MinFeeEfficiency float64

	// IdealTierMinimums is the per-tier count the selector tries to reach
	// first. A zero minimum actively deprioritizes the tier.
	IdealTierMinimums [numPrivacyTiers]int

	// TierMaximums caps per-tier counts for one attempt. A zero entry
	// means the tier is only bounded by MaxCoinCount.
	TierMaximums [numPrivacyTiers]int

	// PaymentParanoid excludes non-private coins from attempts that carry
	// payments.
	PaymentParanoid bool

	// RedCoinIsolation caps the not-private tier at a single coin per
	// attempt.
	RedCoinIsolation bool

	// ForwardConfigured excludes non-private coins because the attempt
	// forwards to another wallet.
	ForwardConfigured bool

	// AllowCrossCoordinator permits re-mixing coins produced by a
	// different coordinator than the current round's.
	AllowCrossCoordinator bool

	// MinOutputTarget is the minimum output registration target count.
	MinOutputTarget int

	// NonTargetPenaltyFactor scales the continuation penalty below the
	// output target.
	NonTargetPenaltyFactor float64

	// ConsolidationDivisorMin/Max bound the random continuation divisor
	// in consolidation mode.
	ConsolidationDivisorMin int
	ConsolidationDivisorMax int

	// RelayFeeRate is the relay fee used for the leftover dust check.
	RelayFeeRate btcutil.Amount
}

// DefaultSelectorConfig returns the selector defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		AnonScoreTarget:         DefaultAnonScoreTarget,
		MaxCoinCount:            DefaultMaxCoinCount,
		SwapProbability:         DefaultSwapProbability,
		SameTxAllowance:         DefaultSameTxAllowance,
		MinFeeEfficiency:        DefaultMinFeeEfficiency,
		IdealTierMinimums:       [numPrivacyTiers]int{1, 1, 1},
		MinOutputTarget:         DefaultMinOutputTarget,
		NonTargetPenaltyFactor:  DefaultNonTargetPenaltyFactor,
		ConsolidationDivisorMin: DefaultConsolidationDivisorMin,
		ConsolidationDivisorMax: DefaultConsolidationDivisorMax,
		RelayFeeRate:            txrules.DefaultRelayFeePerKb,
	}
}

// candidate is a pre-filtered coin with its derived selection facts.
type candidate struct {
	coin      *ResolvedCoin
	tier      PrivacyTier
	effective btcutil.Amount
}

// Selector builds one candidate solution from eligible coins and pending
// payments, subject to the round's constraints.
type Selector struct {
	cfg    SelectorConfig
	locker UtxoLocker
	rng    *rand.Rand
}

// NewSelector creates a subset selector. The random source is threaded
// explicitly so callers can pin outcomes.
func NewSelector(cfg SelectorConfig, locker UtxoLocker,
	rng *rand.Rand) *Selector {

	return &Selector{
		cfg:    cfg,
		locker: locker,
		rng:    rng,
	}
}

// Select builds a solution for the given round. A run with no eligible
// candidates yields an empty solution, which callers must treat the same as
// having no reasons to mix.
func (s *Selector) Select(ctx context.Context, coins []*ResolvedCoin,
	payments []*PendingPayment, params *RoundParameters,
	coordinator string, consolidating bool,
	liquidityHint btcutil.Amount) (*Solution, error) {

	cands, err := s.prefilter(ctx, coins, params, coordinator)
	if err != nil {
		return nil, err
	}

	sol := &Solution{Consolidating: consolidating}
	if len(cands) == 0 {
		return sol, nil
	}

	s.order(cands)
	cands = s.decluster(cands, liquidityHint)
	s.adjacentSwaps(cands)

	s.build(sol, cands, payments, params, consolidating)

	log.Debugf("Selected %d coins and %d payments, leftover %v, "+
		"consolidating=%v", len(sol.Coins), len(sol.HandledPayments),
		sol.Leftover(), consolidating)

	return sol, nil
}

// prefilter drops coins the round disallows, coins that are too
// fee-inefficient to spend now, coins locked by another attempt, and coins
// the wallet's cross-coordinator policy excludes.
func (s *Selector) prefilter(ctx context.Context, coins []*ResolvedCoin,
	params *RoundParameters,
	coordinator string) ([]*candidate, error) {

	ops := make([]wire.OutPoint, len(coins))
	for i, c := range coins {
		ops[i] = c.OutPoint
	}

	locked, err := s.locker.FindLocks(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("find locks: %w", err)
	}

	cands := make([]*candidate, 0, len(coins))
	for _, c := range coins {
		if _, inProgress := locked[c.OutPoint]; inProgress {
			continue
		}

		if !params.AllowsInput(&c.Coin) {
			continue
		}

		eff, err := params.EffectiveValue(&c.Coin)
		if err != nil {
			// Script classes the size tables cannot price are
			// skipped, not fatal.
			log.Debugf("Skipping coin %v: %v", c.OutPoint, err)
			continue
		}
		if float64(eff) < s.cfg.MinFeeEfficiency*float64(c.Amount) {
			continue
		}

		if !s.cfg.AllowCrossCoordinator && c.Coordinator != "" &&
			c.Coordinator != coordinator {

			continue
		}

		cands = append(cands, &candidate{
			coin:      c,
			tier:      c.Tier(s.cfg.AnonScoreTarget),
			effective: eff,
		})
	}

	return cands, nil
}

// order sorts candidates least private first, then by descending effective
// value, with the outpoint as a deterministic tiebreak.
func (s *Selector) order(cands []*candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].tier != cands[j].tier {
			return cands[i].tier < cands[j].tier
		}
		if cands[i].effective != cands[j].effective {
			return cands[i].effective > cands[j].effective
		}

		return cands[i].coin.OutPoint.String() <
			cands[j].coin.OutPoint.String()
	})
}

// decluster separates coins sharing an originating transaction. Scanning
// left to right, a candidate that shares its transaction with the previously
// emitted one is deferred behind the next candidate, unless it was already
// deferred once, it is the last remaining item, the liquidity hint is below
// its amount, or a coin flip allows the adjacency anyway.
func (s *Selector) decluster(cands []*candidate,
	liquidityHint btcutil.Amount) []*candidate {

	out := make([]*candidate, 0, len(cands))
	queue := append([]*candidate(nil), cands...)

	// Each candidate is deferred at most once so the pass terminates even
	// when the whole queue shares one transaction.
	deferred := make(map[*candidate]struct{})

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		sharesTx := len(out) > 0 &&
			out[len(out)-1].coin.OutPoint.Hash == c.coin.OutPoint.Hash

		_, wasDeferred := deferred[c]
		if sharesTx && !wasDeferred && len(queue) > 0 &&
			liquidityHint >= c.coin.Amount &&
			s.rng.Float64() >= s.cfg.SameTxAllowance {

			// Defer behind the next candidate.
			deferred[c] = struct{}{}
			next := queue[0]
			queue[0] = c
			queue = append([]*candidate{next}, queue...)
			continue
		}

		out = append(out, c)
	}

	return out
}

// adjacentSwaps applies the light randomization pass: each adjacent pair is
// swapped with a small probability.
func (s *Selector) adjacentSwaps(cands []*candidate) {
	for i := 0; i+1 < len(cands); i++ {
		if s.rng.Float64() < s.cfg.SwapProbability {
			cands[i], cands[i+1] = cands[i+1], cands[i]
		}
	}
}

// tierMaximum returns the effective per-attempt cap for a tier, applying the
// paranoia, forwarding and red-coin-isolation overrides.
func (s *Selector) tierMaximum(tier PrivacyTier,
	paymentSensitive bool) int {

	max := s.cfg.TierMaximums[tier]
	if max <= 0 {
		max = s.cfg.MaxCoinCount
	}

	risky := tier != TierPrivate
	if risky && ((paymentSensitive && s.cfg.PaymentParanoid) ||
		s.cfg.ForwardConfigured) {

		return 0
	}

	if s.cfg.RedCoinIsolation && tier == TierNotPrivate && max > 1 {
		max = 1
	}

	return max
}

// build runs the greedy construction loop over the arranged candidates.
func (s *Selector) build(sol *Solution, cands []*candidate,
	payments []*PendingPayment, params *RoundParameters,
	consolidating bool) {

	var (
		tierCounts       [numPrivacyTiers]int
		selected         = make(map[wire.OutPoint]struct{})
		remaining        = append([]*PendingPayment(nil), payments...)
		paymentSensitive = len(payments) > 0
	)

	// add selects a candidate and sweeps every other candidate sharing
	// its exact output script, so reused addresses always travel
	// together.
	add := func(c *candidate) {
		if _, done := selected[c.coin.OutPoint]; done {
			return
		}
		selected[c.coin.OutPoint] = struct{}{}
		tierCounts[c.tier]++
		sol.Coins = append(sol.Coins, c.coin)
		sol.EffectiveSum += c.effective

		for _, other := range cands {
			if _, done := selected[other.coin.OutPoint]; done {
				continue
			}
			if bytes.Equal(other.coin.PkScript, c.coin.PkScript) {
				selected[other.coin.OutPoint] = struct{}{}
				tierCounts[other.tier]++
				sol.Coins = append(sol.Coins, other.coin)
				sol.EffectiveSum += other.effective
			}
		}
	}

	for {
		if len(sol.Coins) >= s.cfg.MaxCoinCount {
			break
		}

		next := s.pickNext(cands, selected, tierCounts,
			paymentSensitive)
		if next == nil {
			break
		}

		add(next)
		remaining = s.packPayments(sol, remaining, params)

		if len(remaining) == 0 &&
			!s.continueSelecting(len(sol.Coins), consolidating,
				sol.Leftover()) {

			break
		}
	}

	// A single-coin consolidation defeats its purpose; top it up from the
	// leftovers even past tier caps.
	if consolidating && len(sol.Coins) == 1 {
		for _, c := range cands {
			if _, done := selected[c.coin.OutPoint]; done {
				continue
			}
			add(c)
			remaining = s.packPayments(sol, remaining, params)
			break
		}
	}
}

// pickNext returns the next candidate to select, preferring the tier that is
// furthest below its ideal minimum in a randomized priority order. Tiers
// with an ideal minimum of zero are deprioritized, and tiers at their
// per-attempt maximum are skipped.
func (s *Selector) pickNext(cands []*candidate,
	selected map[wire.OutPoint]struct{}, tierCounts [numPrivacyTiers]int,
	paymentSensitive bool) *candidate {

	order := []PrivacyTier{TierNotPrivate, TierSemiPrivate, TierPrivate}
	s.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	// Stable-sort the shuffled order by descending deficit so the
	// randomization only breaks ties between equally needy tiers.
	sort.SliceStable(order, func(i, j int) bool {
		return s.tierDeficit(order[i], tierCounts) >
			s.tierDeficit(order[j], tierCounts)
	})

	for _, tier := range order {
		if tierCounts[tier] >= s.tierMaximum(tier, paymentSensitive) {
			continue
		}

		for _, c := range cands {
			if c.tier != tier {
				continue
			}
			if _, done := selected[c.coin.OutPoint]; done {
				continue
			}

			return c
		}
	}

	return nil
}

// tierDeficit is how far a tier is below its ideal minimum. Tiers with an
// ideal minimum of zero sort behind everything else.
func (s *Selector) tierDeficit(tier PrivacyTier,
	tierCounts [numPrivacyTiers]int) int {

	ideal := s.cfg.IdealTierMinimums[tier]
	if ideal == 0 {
		return -1 << 16
	}

	return ideal - tierCounts[tier]
}

// packPayments fits as many remaining payments as possible within the
// solution's current leftover value, shuffling the fitting candidates for
// fairness and repeating until none fit. It returns the still unhandled
// payments.
func (s *Selector) packPayments(sol *Solution, remaining []*PendingPayment,
	params *RoundParameters) []*PendingPayment {

	for {
		type pricedPayment struct {
			payment *PendingPayment
			cost    btcutil.Amount
		}

		fits := make([]pricedPayment, 0, len(remaining))
		unpriced := make([]*PendingPayment, 0, len(remaining))
		for _, p := range remaining {
			cost, err := p.Cost(params.MiningFeeRate)
			if err != nil {
				log.Warnf("Dropping unpriceable payment %s: "+
					"%v", p.ID, err)
				continue
			}
			if cost <= sol.Leftover() {
				fits = append(fits, pricedPayment{p, cost})
			} else {
				unpriced = append(unpriced, p)
			}
		}

		if len(fits) == 0 {
			return unpriced
		}

		s.rng.Shuffle(len(fits), func(i, j int) {
			fits[i], fits[j] = fits[j], fits[i]
		})

		for _, pp := range fits {
			if pp.cost <= sol.Leftover() {
				sol.HandledPayments = append(
					sol.HandledPayments, pp.payment,
				)
				sol.PaymentCost += pp.cost
			} else {
				unpriced = append(unpriced, pp.payment)
			}
		}

		remaining = unpriced
		if len(remaining) == 0 {
			return nil
		}
	}
}

// continueSelecting is the randomized continuation check evaluated once all
// payments are handled. The probability of continuing starts at 100% and is
// reduced proportionally to how much of the coin budget is spent, more
// aggressively below the output registration target and much less
// aggressively in consolidation mode.
func (s *Selector) continueSelecting(selectedCount int, consolidating bool,
	leftover btcutil.Amount) bool {

	// Never submit a single-coin consolidation.
	if consolidating && selectedCount == 1 {
		return true
	}

	// Never strand a dust leftover.
	leftoverOut := wire.TxOut{
		Value:    int64(leftover),
		PkScript: dustCheckScript,
	}
	if txrules.IsDustOutput(&leftoverOut, s.cfg.RelayFeeRate) {
		return true
	}

	used := float64(selectedCount) / float64(s.cfg.MaxCoinCount)
	penalty := used * 100

	if selectedCount < s.cfg.MinOutputTarget {
		penalty *= s.cfg.NonTargetPenaltyFactor
	}

	if consolidating {
		span := s.cfg.ConsolidationDivisorMax -
			s.cfg.ConsolidationDivisorMin
		divisor := s.cfg.ConsolidationDivisorMin
		if span > 0 {
			divisor += s.rng.Intn(span + 1)
		}
		penalty /= float64(divisor)
	}

	prob := 100 - penalty
	draw := s.rng.Float64() * 100

	return draw < prob
}

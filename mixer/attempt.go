// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrStageViolation is returned when a round checkpoint is invoked
	// out of order for an attempt.
	ErrStageViolation = errors.New("round attempt checkpoint out of order")

	// ErrCoinLocked is returned by Begin when one of the solution's coins
	// is already locked by another process.
	ErrCoinLocked = errors.New("coin already locked")
)

// stage tracks an attempt's progress through the round protocol's
// checkpoints.
type stage uint32

const (
	// stagePlanned: the solution is built but nothing is committed.
	stagePlanned stage = iota

	// stageBegun: coins are locked and payments marked started.
	stageBegun

	// stageRegistered: the post-registration gate passed.
	stageRegistered

	// stageOutputsAccepted: the post-output gate passed.
	stageOutputsAccepted

	// stageDone: the outcome is persisted.
	stageDone

	// stageAborted: the attempt was withdrawn or failed.
	stageAborted
)

// String returns the string representation of a stage.
func (s stage) String() string {
	switch s {
	case stagePlanned:
		return "planned"

	case stageBegun:
		return "begun"

	case stageRegistered:
		return "registered"

	case stageOutputsAccepted:
		return "outputs accepted"

	case stageDone:
		return "done"

	case stageAborted:
		return "aborted"

	default:
		return "unknown stage"
	}
}

const (
	// DefaultConsolidationFloor is the registered coin count below which
	// a consolidation attempt stops counting as consolidation.
	DefaultConsolidationFloor = 10
)

// GateConfig tunes the round gatekeepers.
type GateConfig struct {
	// ConsolidationFloor is the minimum registered coin count for the
	// consolidation reason to survive the post-registration gate.
	ConsolidationFloor int

	// AnonScoreTarget is the anonymity score at which a coin counts as
	// private.
	AnonScoreTarget float64
}

// DefaultGateConfig returns the gatekeeper defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ConsolidationFloor: DefaultConsolidationFloor,
		AnonScoreTarget:    DefaultAnonScoreTarget,
	}
}

// ScoredOutput is one of this wallet's non-payment outputs in the round's
// final output set, with its post-round anonymity score.
type ScoredOutput struct {
	// Output is the transaction output.
	Output wire.TxOut

	// AnonScore is the output's anonymity score.
	AnonScore float64
}

// PaymentOutput is a batched payment in the round's final output set.
type PaymentOutput struct {
	// Output is the transaction output.
	Output wire.TxOut

	// PaymentID links the output to the settled pending payment.
	PaymentID string
}

// Attempt is one wallet-side pass through a round: a built solution, the
// reasons justifying it, and the state needed to re-validate or roll it back
// as the round protocol advances. The three checkpoints (Begin,
// AcceptRegistered, AcceptOutputs) must be invoked in order; the stage
// machine enforces this.
type Attempt struct {
	// Coordinator is the round coordinator's name.
	Coordinator string

	// Params are the round's announced parameters.
	Params *RoundParameters

	// Solution is the selector's output for this attempt.
	Solution *Solution

	cfg    GateConfig
	locker UtxoLocker

	// reasons is narrowed by the gatekeepers as information arrives.
	// Guarded by mu: gate checkpoints may run on round-protocol tasks.
	reasons ReasonSet

	stage atomic.Uint32

	mu sync.Mutex

	// startedPayments are the payments whose Started hook returned nil
	// and which therefore need a terminal Succeeded or Failed call.
	startedPayments []*PendingPayment

	// lockedOps are the outpoints this attempt holds locks on.
	lockedOps []wire.OutPoint
}

// newAttempt wires up an attempt in the planned stage.
func newAttempt(coordinator string, params *RoundParameters, sol *Solution,
	reasons ReasonSet, cfg GateConfig, locker UtxoLocker) *Attempt {

	return &Attempt{
		Coordinator: coordinator,
		Params:      params,
		Solution:    sol,
		cfg:         cfg,
		locker:      locker,
		reasons:     reasons.Copy(),
	}
}

// Reasons returns a copy of the attempt's current reason set.
func (a *Attempt) Reasons() ReasonSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.reasons.Copy()
}

// Stage returns the attempt's current stage.
func (a *Attempt) Stage() string {
	return stage(a.stage.Load()).String()
}

// advance transitions the stage from one value to another, reporting whether
// the transition happened.
func (a *Attempt) advance(from, to stage) bool {
	return a.stage.CompareAndSwap(uint32(from), uint32(to))
}

// abort forces the attempt into the aborted stage.
func (a *Attempt) abort() {
	a.stage.Store(uint32(stageAborted))
}

// Begin commits the attempt: it acquires a UTXO lock for every selected coin
// and marks every handled payment as started. On any partial failure it
// rolls back everything it already committed and aborts the attempt, so no
// lock or payment is left dangling.
func (a *Attempt) Begin(ctx context.Context) error {
	if !a.advance(stagePlanned, stageBegun) {
		return fmt.Errorf("%w: begin in stage %v", ErrStageViolation,
			a.Stage())
	}

	for _, c := range a.Solution.Coins {
		ok, err := a.locker.TryLock(ctx, c.OutPoint)
		if err == nil && !ok {
			err = fmt.Errorf("%w: %v", ErrCoinLocked, c.OutPoint)
		}
		if err != nil {
			a.rollback(ctx)
			return fmt.Errorf("lock %v: %w", c.OutPoint, err)
		}

		a.lockedOps = append(a.lockedOps, c.OutPoint)
	}

	for _, p := range a.Solution.HandledPayments {
		if err := p.Sink.Started(ctx); err != nil {
			a.rollback(ctx)
			return fmt.Errorf("start payment %s: %w", p.ID, err)
		}

		a.startedPayments = append(a.startedPayments, p)
	}

	log.Debugf("Attempt begun with %s: %d coins locked, %d payments "+
		"started", a.Coordinator, len(a.lockedOps),
		len(a.startedPayments))

	return nil
}

// rollback releases everything Begin committed so far and aborts.
func (a *Attempt) rollback(ctx context.Context) {
	for _, p := range a.startedPayments {
		if err := p.Sink.Failed(ctx); err != nil {
			log.Errorf("Failed to roll back payment %s: %v",
				p.ID, err)
		}
	}
	a.startedPayments = nil

	if len(a.lockedOps) > 0 {
		if err := a.locker.Unlock(ctx, a.lockedOps); err != nil {
			log.Errorf("Failed to release %d locks: %v",
				len(a.lockedOps), err)
		}
		a.lockedOps = nil
	}

	a.abort()
}

// AcceptRegistered is the post-registration gate: given the coins the round
// actually accepted, it narrows the attempt's reasons and reports whether
// the wallet should proceed. A false return aborts the attempt; the caller
// must then run the failure path to release locks.
func (a *Attempt) AcceptRegistered(ctx context.Context,
	registered []*ResolvedCoin) (bool, error) {

	if stage(a.stage.Load()) != stageBegun {
		return false, fmt.Errorf("%w: registration gate in stage %v",
			ErrStageViolation, a.Stage())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reasons.Contains(ReasonConsolidation) &&
		len(registered) < a.cfg.ConsolidationFloor {

		a.reasons.Remove(ReasonConsolidation)
	}

	if a.reasons.Contains(ReasonPayment) &&
		!a.anyPaymentCoverable(registered) {

		a.reasons.Remove(ReasonPayment)
	}

	if a.reasons.Contains(ReasonNotPrivate) &&
		a.allPrivate(registered) {

		a.reasons.Remove(ReasonNotPrivate)
	}

	if a.reasons.Contains(ReasonExtraJoin) &&
		len(registered) != len(a.Solution.Coins) {

		a.reasons.Remove(ReasonExtraJoin)
	}

	if len(a.reasons) == 0 {
		log.Infof("Withdrawing from round with %s: no reasons "+
			"survive registration of %d/%d coins", a.Coordinator,
			len(registered), len(a.Solution.Coins))
		a.abort()

		return false, nil
	}

	if !a.advance(stageBegun, stageRegistered) {
		return false, fmt.Errorf("%w: registration gate raced",
			ErrStageViolation)
	}

	return true, nil
}

// anyPaymentCoverable reports whether at least one handled payment's output
// cost fits within the effective value the registered coins actually carry.
func (a *Attempt) anyPaymentCoverable(registered []*ResolvedCoin) bool {
	var sum btcutil.Amount
	for _, c := range registered {
		eff, err := a.Params.EffectiveValue(&c.Coin)
		if err != nil {
			continue
		}
		sum += eff
	}

	for _, p := range a.Solution.HandledPayments {
		cost, err := p.Cost(a.Params.MiningFeeRate)
		if err != nil {
			continue
		}
		if cost <= sum {
			return true
		}
	}

	return false
}

// allPrivate reports whether every registered coin is already classified
// private.
func (a *Attempt) allPrivate(registered []*ResolvedCoin) bool {
	for _, c := range registered {
		if c.Tier(a.cfg.AnonScoreTarget) != TierPrivate {
			return false
		}
	}

	return true
}

// AcceptOutputs is the post-output gate: given the round's final output set,
// it checks that the realized privacy and payment outcome still justifies
// signing, narrowing the reason set once more. It must only be invoked after
// AcceptRegistered returned true for the same attempt.
func (a *Attempt) AcceptOutputs(ctx context.Context,
	registered []*ResolvedCoin, ourOutputs []ScoredOutput,
	paymentOutputs []PaymentOutput, unsignedTx *wire.MsgTx) (bool, error) {

	if stage(a.stage.Load()) != stageRegistered {
		return false, fmt.Errorf("%w: output gate in stage %v",
			ErrStageViolation, a.Stage())
	}

	if unsignedTx != nil {
		log.Tracef("Evaluating final round tx: %v",
			newLogClosure(func() string {
				return spew.Sdump(unsignedTx)
			}))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reasons.Contains(ReasonPayment) && len(paymentOutputs) == 0 {
		a.reasons.Remove(ReasonPayment)
	}

	inAvg := inputWeightedScore(registered)
	outAvg := outputWeightedScore(ourOutputs)

	// The realized outputs must improve on the inputs' average anonymity,
	// or at least hold steady when the round also settled payments.
	improved := outAvg > inAvg
	held := outAvg >= inAvg
	if !improved && !(len(paymentOutputs) > 0 && held) {
		a.reasons.Remove(ReasonNotPrivate)
		a.reasons.Remove(ReasonExtraJoin)
	}

	// A consolidation that produced more outputs than it consumed inputs
	// failed its purpose.
	if len(ourOutputs) > len(registered) {
		a.reasons.Remove(ReasonConsolidation)
	}

	if len(a.reasons) == 0 {
		log.Infof("Withdrawing from round with %s: realized outcome "+
			"(in avg %.2f, out avg %.2f, %d payments) satisfies "+
			"no goal", a.Coordinator, inAvg, outAvg,
			len(paymentOutputs))
		a.abort()

		return false, nil
	}

	if !a.advance(stageRegistered, stageOutputsAccepted) {
		return false, fmt.Errorf("%w: output gate raced",
			ErrStageViolation)
	}

	return true, nil
}

// inputWeightedScore is the value weighted average anonymity score of the
// registered input coins.
func inputWeightedScore(coins []*ResolvedCoin) float64 {
	amounts := make([]btcutil.Amount, len(coins))
	scores := make([]float64, len(coins))
	for i, c := range coins {
		amounts[i] = c.Amount
		scores[i] = c.AnonScore
	}

	return weightedAnonScore(amounts, scores)
}

// outputWeightedScore is the value weighted average anonymity score of the
// wallet's non-payment outputs.
func outputWeightedScore(outputs []ScoredOutput) float64 {
	amounts := make([]btcutil.Amount, len(outputs))
	scores := make([]float64, len(outputs))
	for i, o := range outputs {
		amounts[i] = btcutil.Amount(o.Output.Value)
		scores[i] = o.AnonScore
	}

	return weightedAnonScore(amounts, scores)
}

// settledPaymentIDs collects the payment ids a round result reports as
// settled.
func settledPaymentIDs(outputs []ProducedCoin) fn.Set[string] {
	ids := fn.NewSet[string]()
	for _, o := range outputs {
		o.PaymentID.WhenSome(func(id string) {
			ids.Add(id)
		})
	}

	return ids
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoReasons is returned by PlanAttempt when the participation policy
	// produced no actionable reason to join the round.
	ErrNoReasons = errors.New("no reason to participate")

	// ErrNoEligibleCoins is returned when reasons exist but no coin
	// survives selection for the round.
	ErrNoEligibleCoins = errors.New("no eligible coins")

	// ErrSolutionInfeasible is returned when the only solution the selector
	// could build defeats its own purpose.
	ErrSolutionInfeasible = errors.New("solution defeats its purpose")
)

// Config bundles the mixer's collaborators and tuning knobs. All collaborator
// fields are required.
type Config struct {
	// Ledger is the wallet's chain view.
	Ledger Ledger

	// Labels serves externally attached output metadata.
	Labels LabelStore

	// Locker is the wallet's UTXO lock manager.
	Locker UtxoLocker

	// Payments supplies payments eligible for batching. Optional; nil
	// disables payment batching regardless of policy.
	Payments PaymentSource

	// Store persists completed round records.
	Store RecordStore

	// Resolver tunes the coin resolver.
	Resolver ResolverConfig

	// Policy tunes the participation policy.
	Policy PolicyConfig

	// Selector tunes the subset selector.
	Selector SelectorConfig

	// Gates tunes the round gatekeepers.
	Gates GateConfig

	// Completion tunes the completion handler.
	Completion CompletionConfig

	// Rand is the random source for all probabilistic decisions. Optional;
	// defaults to a time-seeded source.
	Rand *rand.Rand
}

// validate checks the required collaborators.
func (c *Config) validate() error {
	switch {
	case c.Ledger == nil:
		return errors.New("a ledger is required")

	case c.Labels == nil:
		return errors.New("a label store is required")

	case c.Locker == nil:
		return errors.New("a utxo locker is required")

	case c.Store == nil:
		return errors.New("a record store is required")
	}

	return nil
}

// DefaultConfig returns a config with every tuning section at its defaults.
// Collaborators must still be filled in.
func DefaultConfig() Config {
	return Config{
		Resolver:   DefaultResolverConfig(),
		Policy:     DefaultPolicyConfig(),
		Selector:   DefaultSelectorConfig(),
		Gates:      DefaultGateConfig(),
		Completion: DefaultCompletionConfig(),
	}
}

// Mixer is the wallet-side coinjoin engine: it decides whether to join a
// round, builds the coin and payment selection, gates the round's checkpoints
// and records the outcome.
type Mixer struct {
	cfg Config

	resolver  *Resolver
	policy    *Policy
	selector  *Selector
	completer *Completer
}

// New creates a mixer from the given config.
func New(cfg Config) (*Mixer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("mixer config: %w", err)
	}

	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	resolver, err := NewResolver(cfg.Resolver, cfg.Ledger, cfg.Labels)
	if err != nil {
		return nil, err
	}

	m := &Mixer{
		cfg:      cfg,
		resolver: resolver,
		policy: NewPolicy(
			cfg.Policy, cfg.Ledger, resolver, cfg.Rand,
		),
		selector: NewSelector(cfg.Selector, cfg.Locker, cfg.Rand),
		completer: NewCompleter(
			cfg.Completion, cfg.Store, resolver,
		),
	}

	return m, nil
}

// Close releases the mixer's resources.
func (m *Mixer) Close() error {
	return m.resolver.Close()
}

// ShouldMix evaluates the participation policy against the given round. The
// fee environment is optional; when absent, fee-dependent clauses resolve to
// ReasonPreliminary and the caller should re-query once fees are known.
func (m *Mixer) ShouldMix(ctx context.Context, coordinator string,
	lowFee fn.Option[bool], params *RoundParameters) (ReasonSet, error) {

	havePayments := false
	if m.cfg.Payments != nil && m.cfg.Policy.BatchPayments {
		payments, err := m.cfg.Payments.PendingPayments(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("pending payments: %w", err)
		}
		havePayments = len(payments) > 0
	}

	return m.policy.ShouldMix(ctx, coordinator, lowFee, havePayments)
}

// PlanAttempt builds a full round attempt: it resolves candidates, selects
// coins and payments for the given reasons, and returns an attempt in the
// planned stage. The caller drives it through Begin, the gates and finally
// Succeed or Fail.
func (m *Mixer) PlanAttempt(ctx context.Context, coordinator string,
	params *RoundParameters, reasons ReasonSet,
	liquidityHint btcutil.Amount) (*Attempt, error) {

	actionable := reasons.Copy()
	actionable.Remove(ReasonPreliminary)
	if len(actionable) == 0 {
		return nil, ErrNoReasons
	}

	candidates, err := m.policy.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	var payments []*PendingPayment
	if actionable.Contains(ReasonPayment) && m.cfg.Payments != nil {
		payments, err = m.cfg.Payments.PendingPayments(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("pending payments: %w", err)
		}
	}

	consolidating := actionable.Contains(ReasonConsolidation)
	sol, err := m.selector.Select(
		ctx, candidates, payments, params, coordinator, consolidating,
		liquidityHint,
	)
	if err != nil {
		return nil, err
	}

	if sol.IsEmpty() {
		return nil, ErrNoEligibleCoins
	}

	// A consolidation-only attempt that could merge just one coin has
	// nothing to consolidate.
	onlyConsolidation := consolidating && len(actionable) == 1
	if onlyConsolidation && len(sol.Coins) == 1 {
		return nil, fmt.Errorf("%w: single coin consolidation",
			ErrSolutionInfeasible)
	}

	log.Infof("Planned attempt with %s: %d coins, %d payments, "+
		"reasons %v", coordinator, len(sol.Coins),
		len(sol.HandledPayments), actionable.ToSlice())

	return newAttempt(
		coordinator, params, sol, actionable, m.cfg.Gates,
		m.cfg.Locker,
	), nil
}

// Succeed finalizes a successful round attempt.
func (m *Mixer) Succeed(ctx context.Context, a *Attempt,
	result *RoundResult) error {

	return m.completer.Succeed(ctx, a, result)
}

// Fail winds down an attempt whose round did not complete.
func (m *Mixer) Fail(ctx context.Context, a *Attempt) error {
	return m.completer.Fail(ctx, a)
}

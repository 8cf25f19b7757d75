// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrPersistFailed is returned when the round record could not be
	// appended to the store after exhausting all retries. The attempt stays
	// in its current stage so the success path can be re-driven.
	ErrPersistFailed = errors.New("coinjoin record not persisted")
)

const (
	// DefaultPersistMaxRetries is how many times the completion handler
	// re-attempts a failed record append.
	DefaultPersistMaxRetries = 5

	// DefaultPersistRetryInterval is the pacing between record append
	// retries.
	DefaultPersistRetryInterval = 2 * time.Second
)

// CompletionConfig tunes the completion handler.
type CompletionConfig struct {
	// MaxRetries is how many times a failed record append is retried.
	MaxRetries int

	// RetryTicker paces the retries. Tests inject a force ticker here.
	RetryTicker ticker.Ticker
}

// DefaultCompletionConfig returns the completion defaults.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		MaxRetries:  DefaultPersistMaxRetries,
		RetryTicker: ticker.New(DefaultPersistRetryInterval),
	}
}

// RoundResult is the realized outcome of a round delivered to the completion
// handler after the final transaction confirmed on the wallet's ledger.
type RoundResult struct {
	// RoundID identifies the round.
	RoundID string

	// TxID is the hash of the realized transaction.
	TxID chainhash.Hash

	// Outputs are the wallet's outputs on the realized transaction with
	// their post-round anonymity scores and payment links.
	Outputs []ProducedCoin
}

// Completer drives an attempt to its terminal state: a durable record plus
// released resources on success, released resources alone on failure.
type Completer struct {
	cfg      CompletionConfig
	store    RecordStore
	resolver *Resolver
}

// NewCompleter creates a completion handler.
func NewCompleter(cfg CompletionConfig, store RecordStore,
	resolver *Resolver) *Completer {

	return &Completer{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
	}
}

// Succeed finalizes a successful round. It persists the round record, then
// settles payment lifecycles, invalidates stale resolutions and releases the
// attempt's locks. Persistence failure leaves the attempt re-drivable and
// returns ErrPersistFailed; everything after the persist is best effort and
// logged rather than returned, since the durable outcome already exists.
func (c *Completer) Succeed(ctx context.Context, a *Attempt,
	result *RoundResult) error {

	if stage(a.stage.Load()) != stageOutputsAccepted {
		return fmt.Errorf("%w: success in stage %v", ErrStageViolation,
			a.Stage())
	}

	rec := buildRecord(a, result)
	if err := c.persistWithRetry(ctx, rec); err != nil {
		return err
	}

	if !a.advance(stageOutputsAccepted, stageDone) {
		return fmt.Errorf("%w: success raced", ErrStageViolation)
	}

	settled := settledPaymentIDs(result.Outputs)
	for _, p := range a.startedPayments {
		var err error
		if settled.Contains(p.ID) {
			err = p.Sink.Succeeded(ctx, result.RoundID, result.TxID)
		} else {
			err = p.Sink.Failed(ctx)
		}
		if err != nil {
			log.Errorf("Payment %s lifecycle update failed: %v",
				p.ID, err)
		}
	}

	// Consumed coins are gone and produced coins carry fresh round
	// metadata, so both must be re-resolved on next sight.
	c.resolver.Invalidate(rec.OutPoints())

	if err := a.locker.Unlock(ctx, a.lockedOps); err != nil {
		log.Errorf("Failed to release %d locks after round %s: %v",
			len(a.lockedOps), result.RoundID, err)
	}

	log.Infof("Round %s with %s completed: tx %v, %d in, %d out, fee %v",
		result.RoundID, a.Coordinator, result.TxID, len(rec.CoinsIn),
		len(rec.CoinsOut), rec.Fee())

	return nil
}

// Fail winds down an attempt whose round did not complete. Every started
// payment is failed back to its source and every lock released, regardless of
// individual errors; the first error encountered is returned.
func (c *Completer) Fail(ctx context.Context, a *Attempt) error {
	s := stage(a.stage.Load())
	if s == stagePlanned || s == stageDone {
		return fmt.Errorf("%w: failure in stage %v", ErrStageViolation,
			a.Stage())
	}

	var firstErr error
	for _, p := range a.startedPayments {
		if err := p.Sink.Failed(ctx); err != nil {
			log.Errorf("Payment %s failure notice failed: %v",
				p.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(a.lockedOps) > 0 {
		if err := a.locker.Unlock(ctx, a.lockedOps); err != nil {
			log.Errorf("Failed to release %d locks: %v",
				len(a.lockedOps), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	a.abort()

	log.Debugf("Attempt with %s wound down in stage %v", a.Coordinator, s)

	return firstErr
}

// persistWithRetry appends the record, retrying on the configured ticker
// until it sticks or the retry budget runs out.
func (c *Completer) persistWithRetry(ctx context.Context,
	rec *CoinjoinRecord) error {

	err := c.store.AppendCoinjoinRecord(ctx, rec)
	if err == nil {
		return nil
	}

	log.Warnf("Record append for round %s failed, retrying: %v",
		rec.RoundID, err)

	c.cfg.RetryTicker.Resume()
	defer c.cfg.RetryTicker.Stop()

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistFailed,
				ctx.Err())

		case <-c.cfg.RetryTicker.Ticks():
		}

		err = c.store.AppendCoinjoinRecord(ctx, rec)
		if err == nil {
			return nil
		}

		log.Warnf("Record append retry %d/%d for round %s failed: %v",
			attempt, c.cfg.MaxRetries, rec.RoundID, err)
	}

	return fmt.Errorf("%w: %v", ErrPersistFailed, err)
}

// buildRecord assembles the durable record from the attempt's consumed coins
// and the round's realized outputs.
func buildRecord(a *Attempt, result *RoundResult) *CoinjoinRecord {
	coinsIn := make([]ConsumedCoin, len(a.Solution.Coins))
	for i, c := range a.Solution.Coins {
		coinsIn[i] = ConsumedCoin{
			OutPoint:  c.OutPoint,
			Amount:    c.Amount,
			AnonScore: c.AnonScore,
		}
	}

	coinsOut := make([]ProducedCoin, len(result.Outputs))
	copy(coinsOut, result.Outputs)

	return &CoinjoinRecord{
		RoundID:     result.RoundID,
		Coordinator: a.Coordinator,
		TxID:        result.TxID,
		CoinsIn:     coinsIn,
		CoinsOut:    coinsOut,
		CreatedAt:   time.Now().UTC(),
	}
}

// producedOutPoint is a helper for callers assembling a RoundResult from a
// realized transaction.
func producedOutPoint(txid chainhash.Hash, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: txid, Index: index}
}

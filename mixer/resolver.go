// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultResolveDepth is how many levels of wallet ancestry the
	// resolver walks before treating deeper chains as already resolved.
	DefaultResolveDepth = 3

	// DefaultResolveCacheTTL is how long a resolution stays cached.
	// External labels can change between rounds, so the expiry is kept on
	// a minutes scale.
	DefaultResolveCacheTTL = 2 * time.Minute

	// DefaultFetchConcurrency bounds the number of coins resolved in
	// parallel within one batch.
	DefaultFetchConcurrency = 8
)

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	// MaxDepth bounds the ancestry walk.
	MaxDepth int

	// CacheTTL is the expiry of cached resolutions.
	CacheTTL time.Duration

	// FetchConcurrency bounds concurrent per-coin resolutions.
	FetchConcurrency int
}

// DefaultResolverConfig returns the resolver defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxDepth:         DefaultResolveDepth,
		CacheTTL:         DefaultResolveCacheTTL,
		FetchConcurrency: DefaultFetchConcurrency,
	}
}

// Resolver derives a privacy snapshot for each of the wallet's unspent
// outputs by walking its ancestry in the ledger and merging externally
// attached labels, round metadata and score overrides.
type Resolver struct {
	cfg    ResolverConfig
	ledger Ledger
	labels LabelStore

	// cache holds *ResolvedCoin entries keyed by outpoint string.
	cache *ttlcache.Cache
}

// NewResolver creates a resolver on top of the given ledger and label store.
func NewResolver(cfg ResolverConfig, ledger Ledger,
	labels LabelStore) (*Resolver, error) {

	if ledger == nil || labels == nil {
		return nil, errors.New("resolver requires a ledger and a " +
			"label store")
	}

	cache := ttlcache.NewCache()
	if err := cache.SetTTL(cfg.CacheTTL); err != nil {
		return nil, fmt.Errorf("set cache ttl: %w", err)
	}

	return &Resolver{
		cfg:    cfg,
		ledger: ledger,
		labels: labels,
		cache:  cache,
	}, nil
}

// Close releases the resolver's cache resources.
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// Resolve produces a snapshot for every coin in the batch. A coin whose
// owning transaction cannot be fetched is skipped with a warning; any other
// ledger or label store failure aborts the batch. The result is sorted by
// outpoint for deterministic downstream processing.
func (r *Resolver) Resolve(ctx context.Context,
	coins []*Coin) ([]*ResolvedCoin, error) {

	var (
		mu       sync.Mutex
		resolved []*ResolvedCoin
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)

	for _, coin := range coins {
		g.Go(func() error {
			rc, err := r.resolveOne(gctx, coin)
			if errors.Is(err, ErrTxNotFound) {
				log.Warnf("Skipping coin %v: owning tx not "+
					"found", coin.OutPoint)
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			resolved = append(resolved, rc)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve batch: %w", err)
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].OutPoint.String() <
			resolved[j].OutPoint.String()
	})

	log.Debugf("Resolved %d of %d coins", len(resolved), len(coins))

	return resolved, nil
}

// Invalidate drops the cached resolutions for the given outpoints, forcing
// the next Resolve to re-derive them.
func (r *Resolver) Invalidate(ops []wire.OutPoint) {
	for _, op := range ops {
		_ = r.cache.Remove(op.String())
	}
}

// workItem is one entry of the ancestry worklist.
type workItem struct {
	op       wire.OutPoint
	pkScript []byte
	depth    int
}

// resolveOne derives the snapshot for a single coin, serving it from the
// cache when a fresh entry exists.
func (r *Resolver) resolveOne(ctx context.Context,
	coin *Coin) (*ResolvedCoin, error) {

	key := coin.OutPoint.String()
	if cached, err := r.cache.Get(key); err == nil {
		return cached.(*ResolvedCoin), nil
	}

	labelSet := make(map[string]struct{})
	score := MinAnonScore
	coordinator := ""

	// The walk is an explicit worklist rather than recursion so the depth
	// bound applies per ancestor, not per call stack.
	visited := make(map[wire.OutPoint]struct{})
	queue := []workItem{{
		op:       coin.OutPoint,
		pkScript: coin.PkScript,
		depth:    0,
	}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if _, seen := visited[item.op]; seen {
			continue
		}
		visited[item.op] = struct{}{}

		tx, err := r.ledger.GetTransaction(ctx, item.op.Hash)
		if err != nil {
			if item.depth == 0 {
				return nil, err
			}

			// Ancestors that cannot be fetched are treated as
			// already resolved.
			log.Debugf("Ancestor tx %v not resolvable: %v",
				item.op.Hash, err)
			continue
		}

		// Ancestors discovered through tx inputs carry no script yet;
		// recover it from the owning transaction's outputs.
		if item.pkScript == nil &&
			int(item.op.Index) < len(tx.Outputs) {

			item.pkScript = tx.Outputs[item.op.Index].PkScript
		}

		att, err := r.labels.GetAttachments(ctx, AttachmentKeys{
			TxID:     item.op.Hash,
			PkScript: item.pkScript,
			OutPoint: item.op,
		})
		if err != nil {
			return nil, fmt.Errorf("attachments for %v: %w",
				item.op, err)
		}

		mergeLabels(labelSet, att.Labels)

		// Only the output under resolution takes a score; ancestors
		// contribute labels alone.
		if item.depth == 0 {
			score, coordinator = resolveScore(item.op, att)
		}

		if item.depth >= r.cfg.MaxDepth || len(tx.Inputs) == 0 {
			continue
		}

		ours, err := r.ledger.FilterOurOutputs(ctx, tx.Inputs)
		if err != nil {
			return nil, fmt.Errorf("filter wallet outputs: %w",
				err)
		}

		for _, op := range ours {
			queue = append(queue, workItem{
				op:    op,
				depth: item.depth + 1,
			})
		}
	}

	rc := &ResolvedCoin{
		Coin:        *coin,
		AnonScore:   score,
		Labels:      sortedLabels(labelSet),
		Coordinator: coordinator,
	}

	_ = r.cache.Set(key, rc)

	return rc, nil
}

// resolveScore derives an output's anonymity score from its attachments: an
// explicit override wins, then the score round metadata recorded for this
// exact outpoint, then the fully traceable default. The coordinator name is
// taken from round metadata whenever it names the outpoint, regardless of
// overrides.
func resolveScore(op wire.OutPoint, att *Attachments) (float64, string) {
	score := MinAnonScore
	coordinator := ""

	for _, meta := range att.Coinjoins {
		if s, ok := meta.OutputScores[op]; ok {
			score = s
			coordinator = meta.Coordinator
			break
		}
	}

	if att.AnonScore.IsSome() {
		score = att.AnonScore.UnwrapOr(MinAnonScore)
	}

	if score < MinAnonScore {
		score = MinAnonScore
	}

	return score, coordinator
}

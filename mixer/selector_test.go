package mixer

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// selectorWith builds a selector over a fresh in-memory locker.
func selectorWith(cfg SelectorConfig, rng *rand.Rand) (*Selector,
	*memLocker) {

	locker := newMemLocker()

	return NewSelector(cfg, locker, rng), locker
}

// resolvedCoins builds n confirmed candidates with the given score, each on
// its own transaction and address.
func resolvedCoins(n int, amt btcutil.Amount, score float64) []*ResolvedCoin {
	coins := make([]*ResolvedCoin, n)
	for i := range coins {
		b := byte(i + 1)
		coins[i] = resolved(testOutPoint(b), amt, score,
			p2wpkhScript(b))
	}

	return coins
}

// payment builds a pending payment without a lifecycle sink; selection never
// touches the sink.
func payment(id string, amt btcutil.Amount) *PendingPayment {
	return &PendingPayment{
		ID:       id,
		PkScript: p2wpkhScript(200),
		Amount:   amt,
	}
}

// TestSelectLeftoverNeverNegative runs selection across many seeds and
// payment loads and checks the core solvency invariant: handled payments
// never cost more than the selected coins' effective value.
func TestSelectLeftoverNeverNegative(t *testing.T) {
	t.Parallel()

	coins := resolvedCoins(8, 10_000, 3)
	params := testParams()

	for seed := int64(0); seed < 25; seed++ {
		s, _ := selectorWith(
			DefaultSelectorConfig(),
			rand.New(rand.NewSource(seed)),
		)

		payments := []*PendingPayment{
			payment("p1", 4_000),
			payment("p2", 9_000),
			payment("p3", 60_000),
		}

		sol, err := s.Select(
			t.Context(), coins, payments, params, "coord-a",
			false, 0,
		)
		require.NoError(t, err)

		require.GreaterOrEqual(t, sol.Leftover(), btcutil.Amount(0),
			"seed %d", seed)
		require.LessOrEqual(t, len(sol.Coins),
			DefaultMaxCoinCount, "seed %d", seed)
	}
}

// TestSelectSweepsReusedAddresses checks that when one coin of a reused
// address is selected, every other coin paying the same script travels with
// it.
func TestSelectSweepsReusedAddresses(t *testing.T) {
	t.Parallel()

	sharedScript := p2wpkhScript(9)
	coins := []*ResolvedCoin{
		resolved(testOutPoint(1), 50_000, 1, sharedScript),
		resolved(testOutPoint(2), 20_000, 1, sharedScript),
		resolved(testOutPoint(3), 30_000, 1, p2wpkhScript(3)),
	}

	s, _ := selectorWith(DefaultSelectorConfig(), testRand())

	sol, err := s.Select(
		t.Context(), coins, nil, testParams(), "coord-a", false, 0,
	)
	require.NoError(t, err)
	require.NotEmpty(t, sol.Coins)

	var reused int
	for _, c := range sol.Coins {
		if string(c.PkScript) == string(sharedScript) {
			reused++
		}
	}

	// Either both reused coins are in, or neither is.
	require.Contains(t, []int{0, 2}, reused)
}

// TestSelectConsolidationNeverSingleCoin checks that a consolidation run
// tops itself up rather than producing a pointless single-coin merge when
// more coins are available.
func TestSelectConsolidationNeverSingleCoin(t *testing.T) {
	t.Parallel()

	coins := resolvedCoins(5, 15_000, 1)

	for seed := int64(0); seed < 25; seed++ {
		s, _ := selectorWith(
			DefaultSelectorConfig(),
			rand.New(rand.NewSource(seed)),
		)

		sol, err := s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			true, 0,
		)
		require.NoError(t, err)

		if !sol.IsEmpty() {
			require.Greater(t, len(sol.Coins), 1, "seed %d", seed)
		}
	}
}

// TestSelectUnpayablePaymentLeftBehind checks that a payment larger than the
// wallet can cover is left unhandled while coin selection still proceeds.
func TestSelectUnpayablePaymentLeftBehind(t *testing.T) {
	t.Parallel()

	coins := resolvedCoins(3, 10_000, 3)
	s, _ := selectorWith(DefaultSelectorConfig(), testRand())

	sol, err := s.Select(
		t.Context(), coins, []*PendingPayment{
			payment("too-big", 1_000_000),
		},
		testParams(), "coord-a", false, 0,
	)
	require.NoError(t, err)

	require.NotEmpty(t, sol.Coins)
	require.Empty(t, sol.HandledPayments)
	require.Equal(t, sol.EffectiveSum, sol.Leftover())
}

// TestSelectPacksAffordablePayment checks payment cost accounting: amount
// plus the destination output's share of the mining fee.
func TestSelectPacksAffordablePayment(t *testing.T) {
	t.Parallel()

	coins := resolvedCoins(4, 10_000, 3)
	s, _ := selectorWith(DefaultSelectorConfig(), testRand())

	sol, err := s.Select(
		t.Context(), coins, []*PendingPayment{payment("p1", 5_000)},
		testParams(), "coord-a", false, 0,
	)
	require.NoError(t, err)

	require.Len(t, sol.HandledPayments, 1)

	// 5000 sats plus a 31 vb P2WPKH output at 1 sat/vb.
	require.Equal(t, btcutil.Amount(5_031), sol.PaymentCost)
	require.GreaterOrEqual(t, sol.Leftover(), btcutil.Amount(0))
}

// TestSelectPrefilter covers the pre-filtering rules: locked coins, round
// amount limits, fee-inefficient coins and cross-coordinator exclusion.
func TestSelectPrefilter(t *testing.T) {
	t.Parallel()

	t.Run("locked coins are skipped", func(t *testing.T) {
		t.Parallel()

		coins := resolvedCoins(2, 10_000, 3)
		s, locker := selectorWith(DefaultSelectorConfig(), testRand())

		ok, err := locker.TryLock(t.Context(), coins[0].OutPoint)
		require.NoError(t, err)
		require.True(t, ok)

		sol, err := s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			false, 0,
		)
		require.NoError(t, err)

		require.NotContains(t, sol.OutPoints(), coins[0].OutPoint)
	})

	t.Run("amount limits", func(t *testing.T) {
		t.Parallel()

		coins := []*ResolvedCoin{
			resolved(testOutPoint(1), 500, 3, p2wpkhScript(1)),
			resolved(testOutPoint(2), 10_000, 3, p2wpkhScript(2)),
			resolved(testOutPoint(3), 90_000, 3, p2wpkhScript(3)),
		}

		params := testParams()
		params.MinInputAmount = 1_000
		params.MaxInputAmount = 50_000

		s, _ := selectorWith(DefaultSelectorConfig(), testRand())
		sol, err := s.Select(
			t.Context(), coins, nil, params, "coord-a", false, 0,
		)
		require.NoError(t, err)

		require.Equal(t, []wire.OutPoint{coins[1].OutPoint},
			sol.OutPoints())
	})

	t.Run("fee inefficient coins are skipped", func(t *testing.T) {
		t.Parallel()

		// A 100 sat coin keeps 32 sats after a 68 sat input fee,
		// below the 50% efficiency floor.
		coins := []*ResolvedCoin{
			resolved(testOutPoint(1), 100, 3, p2wpkhScript(1)),
			resolved(testOutPoint(2), 10_000, 3, p2wpkhScript(2)),
		}

		s, _ := selectorWith(DefaultSelectorConfig(), testRand())
		sol, err := s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			false, 0,
		)
		require.NoError(t, err)

		require.NotContains(t, sol.OutPoints(), coins[0].OutPoint)
	})

	t.Run("cross coordinator exclusion", func(t *testing.T) {
		t.Parallel()

		foreign := resolved(testOutPoint(1), 10_000, 3,
			p2wpkhScript(1))
		foreign.Coordinator = "coord-b"
		native := resolved(testOutPoint(2), 10_000, 3,
			p2wpkhScript(2))
		native.Coordinator = "coord-a"
		coins := []*ResolvedCoin{foreign, native}

		s, _ := selectorWith(DefaultSelectorConfig(), testRand())
		sol, err := s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			false, 0,
		)
		require.NoError(t, err)
		require.NotContains(t, sol.OutPoints(), foreign.OutPoint)

		cfg := DefaultSelectorConfig()
		cfg.AllowCrossCoordinator = true
		s, _ = selectorWith(cfg, testRand())
		sol, err = s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			false, 0,
		)
		require.NoError(t, err)
		require.Contains(t, sol.OutPoints(), foreign.OutPoint)
	})
}

// TestSelectTierCaps covers the privacy driven tier overrides.
func TestSelectTierCaps(t *testing.T) {
	t.Parallel()

	t.Run("payment paranoia keeps risky coins out", func(t *testing.T) {
		t.Parallel()

		red := resolvedCoins(2, 10_000, 1)
		private := []*ResolvedCoin{
			resolved(testOutPoint(11), 10_000, 9,
				p2wpkhScript(11)),
			resolved(testOutPoint(12), 10_000, 9,
				p2wpkhScript(12)),
		}

		cfg := DefaultSelectorConfig()
		cfg.PaymentParanoid = true

		s, _ := selectorWith(cfg, testRand())
		sol, err := s.Select(
			t.Context(), append(red, private...),
			[]*PendingPayment{payment("p1", 2_000)},
			testParams(), "coord-a", false, 0,
		)
		require.NoError(t, err)
		require.NotEmpty(t, sol.Coins)

		for _, c := range sol.Coins {
			require.Equal(t, TierPrivate,
				c.Tier(cfg.AnonScoreTarget))
		}
	})

	t.Run("red coin isolation", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultSelectorConfig()
		cfg.RedCoinIsolation = true

		for seed := int64(0); seed < 10; seed++ {
			s, _ := selectorWith(cfg,
				rand.New(rand.NewSource(seed)))

			sol, err := s.Select(
				t.Context(), resolvedCoins(4, 10_000, 1),
				nil, testParams(), "coord-a", false, 0,
			)
			require.NoError(t, err)

			require.LessOrEqual(t, len(sol.Coins), 1,
				"seed %d", seed)
		}
	})

	t.Run("forwarding excludes risky coins", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultSelectorConfig()
		cfg.ForwardConfigured = true

		s, _ := selectorWith(cfg, testRand())
		sol, err := s.Select(
			t.Context(), resolvedCoins(3, 10_000, 2), nil,
			testParams(), "coord-a", false, 0,
		)
		require.NoError(t, err)
		require.Empty(t, sol.Coins)
	})
}

// TestSelectDeterministicUnderSeed checks that the whole pipeline, including
// de-clustering of same-transaction coins, is reproducible for a fixed random
// seed.
func TestSelectDeterministicUnderSeed(t *testing.T) {
	t.Parallel()

	// Three coins on one transaction plus two standalone ones.
	coins := []*ResolvedCoin{
		resolved(outPointAt(1, 0), 10_000, 3, p2wpkhScript(10)),
		resolved(outPointAt(1, 1), 11_000, 3, p2wpkhScript(11)),
		resolved(outPointAt(1, 2), 12_000, 3, p2wpkhScript(12)),
		resolved(testOutPoint(20), 13_000, 3, p2wpkhScript(20)),
		resolved(testOutPoint(21), 14_000, 3, p2wpkhScript(21)),
	}

	run := func() []wire.OutPoint {
		s, _ := selectorWith(
			DefaultSelectorConfig(),
			rand.New(rand.NewSource(7)),
		)
		sol, err := s.Select(
			t.Context(), coins, nil, testParams(), "coord-a",
			false, 20_000,
		)
		require.NoError(t, err)

		return sol.OutPoints()
	}

	first := run()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, run(), "run %d diverged", i)
	}
}

// TestDeclusterSameTxClusterTerminates checks that de-clustering always
// finishes, even when every candidate shares one transaction, the liquidity
// hint covers all of them and same-transaction adjacency is never allowed.
func TestDeclusterSameTxClusterTerminates(t *testing.T) {
	t.Parallel()

	cfg := DefaultSelectorConfig()
	cfg.SameTxAllowance = 0

	cands := make([]*candidate, 3)
	for i := range cands {
		c := resolved(
			outPointAt(1, uint32(i)), 10_000, 1,
			p2wpkhScript(byte(i+1)),
		)
		cands[i] = &candidate{
			coin:      c,
			tier:      c.Tier(cfg.AnonScoreTarget),
			effective: 9_000,
		}
	}

	for seed := int64(0); seed < 25; seed++ {
		s, _ := selectorWith(cfg, rand.New(rand.NewSource(seed)))

		out := s.decluster(
			append([]*candidate(nil), cands...), 1_000_000,
		)
		require.Len(t, out, len(cands), "seed %d", seed)
	}

	// The full pipeline returns too.
	s, _ := selectorWith(cfg, testRand())
	coins := []*ResolvedCoin{
		cands[0].coin, cands[1].coin, cands[2].coin,
	}

	sol, err := s.Select(
		t.Context(), coins, nil, testParams(), "coord-a", false,
		1_000_000,
	)
	require.NoError(t, err)
	require.NotEmpty(t, sol.Coins)
}

// TestContinueSelectingDustLeftover checks that a dust leftover forces the
// loop to continue even when the coin count alone would stop it, while a
// spendable leftover at a full attempt always stops.
func TestContinueSelectingDustLeftover(t *testing.T) {
	t.Parallel()

	cfg := DefaultSelectorConfig()
	s, _ := selectorWith(cfg, testRand())

	// 100 sats is below the dust threshold of a P2WPKH output at the
	// default relay fee, so continuation is unconditional.
	require.True(t, s.continueSelecting(cfg.MaxCoinCount, false, 100))

	// A clearly spendable leftover at a full attempt leaves a zero
	// continuation probability.
	require.False(t, s.continueSelecting(
		cfg.MaxCoinCount, false, 100_000,
	))
}

// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeForVByte checks that fees derived from sat/vb rates scale linearly
// with the size and truncate fractional satoshis.
func TestFeeForVByte(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		rate SatPerVByte
		size VByte
		fee  btcutil.Amount
	}{
		{
			name: "zero rate",
			rate: ZeroSatPerVByte,
			size: NewVByte(100),
			fee:  0,
		},
		{
			name: "one sat per vb",
			rate: NewSatPerVByte(1),
			size: NewVByte(250),
			fee:  250,
		},
		{
			name: "ten sat per vb",
			rate: NewSatPerVByte(10),
			size: NewVByte(68),
			fee:  680,
		},
		{
			name: "fractional rate truncates",
			rate: CalcSatPerVByte(3, NewVByte(2)),
			size: NewVByte(31),
			fee:  46,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.fee, tc.rate.FeeForVByte(tc.size))
		})
	}
}

// TestRateConversions checks the round trip between sat/vb and sat/kvb.
func TestRateConversions(t *testing.T) {
	t.Parallel()

	rate := NewSatPerVByte(5)
	kvb := rate.ToSatPerKVByte()

	require.True(t, kvb.Equal(NewSatPerKVByte(5000)))
	require.True(t, kvb.ToSatPerVByte().Equal(rate))

	// Fees computed from either unit must agree.
	require.Equal(t,
		rate.FeeForVByte(NewVByte(148)),
		kvb.FeeForVByte(NewVByte(148)),
	)
}

// TestRateComparisons checks the ordering helpers.
func TestRateComparisons(t *testing.T) {
	t.Parallel()

	low := NewSatPerVByte(1)
	high := NewSatPerVByte(2)

	require.True(t, low.LessThan(high))
	require.True(t, high.GreaterThan(low))
	require.False(t, low.Equal(high))
	require.True(t, low.Equal(NewSatPerVByte(1)))
}

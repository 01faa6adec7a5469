package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForkResolverCompare(t *testing.T) {
	r := NewForkResolver(0, ReorgReject, nil)

	low := ChainTip{Hash: [32]byte{0x01}, Work: 10}
	high := ChainTip{Hash: [32]byte{0x02}, Work: 10}
	heavy := ChainTip{Hash: [32]byte{0xff}, Work: 11}

	require.Positive(t, r.Compare(heavy, low))
	require.Negative(t, r.Compare(low, heavy))
	require.Positive(t, r.Compare(low, high), "equal work goes to the smaller hash")
	require.Negative(t, r.Compare(high, low))
	require.Zero(t, r.Compare(low, low))

	require.Equal(t, heavy, r.SelectBest([]ChainTip{low, heavy, high}))
	require.Equal(t, low, r.SelectBest([]ChainTip{high, low}))
}

func TestForkResolverCheckReorg(t *testing.T) {
	cps := NewCheckpoints(map[uint64][32]byte{50: {0xaa}})

	tests := []struct {
		name       string
		maxDepth   uint64
		policy     ReorgPolicy
		depth      uint64
		forkHeight uint64
		reason     ReasonCode
	}{
		{name: "extension", maxDepth: 3, depth: 0, forkHeight: 10},
		{name: "within limit", maxDepth: 3, depth: 3, forkHeight: 60},
		{name: "too deep", maxDepth: 3, depth: 4, forkHeight: 60, reason: ReasonReorgTooDeep},
		{name: "too deep but warn", maxDepth: 3, policy: ReorgWarn, depth: 40, forkHeight: 60},
		{name: "unlimited", maxDepth: 0, depth: 1000, forkHeight: 60},
		{name: "below checkpoint", maxDepth: 0, depth: 2, forkHeight: 49, reason: ReasonCheckpoint},
		{name: "below checkpoint with warn", maxDepth: 1, policy: ReorgWarn, depth: 2, forkHeight: 10, reason: ReasonCheckpoint},
		{name: "at checkpoint", maxDepth: 0, depth: 2, forkHeight: 50},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewForkResolver(test.maxDepth, test.policy, cps)
			err := r.CheckReorg(test.depth, test.forkHeight)
			if test.reason == "" {
				require.NoError(t, err)
				return
			}
			require.Equal(t, test.reason, ReasonOf(err))
		})
	}

	err := NewForkResolver(1, ReorgReject, nil).CheckReorg(2, 0)
	require.ErrorIs(t, err, ErrReorgDepthExceeded)
	require.Equal(t, KindReorgDepthExceeded, KindOf(err))
}

func TestParseReorgPolicy(t *testing.T) {
	for in, want := range map[string]ReorgPolicy{"": ReorgReject, "reject": ReorgReject, " WARN ": ReorgWarn} {
		got, err := ParseReorgPolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseReorgPolicy("ignore")
	require.Error(t, err)
}

package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChainGenesis(t *testing.T) {
	tc := newTestChain(t)

	require.Equal(t, uint64(0), tc.chain.Height())
	require.Equal(t, tc.genesis.Hash(), tc.chain.BestHash())
	require.Equal(t, tc.params.MinDifficulty, tc.chain.TotalWork())

	g, err := tc.chain.GetBlockByHeight(0)
	require.NoError(t, err)
	require.Equal(t, tc.genesis.Hash(), g.Hash())
	require.Len(t, tc.chain.Tips(), 1)
}

func TestChainExtendAndSpend(t *testing.T) {
	tc := newTestChain(t)
	alice, bob, carol := testKey(1), testKey(2), testKey(3)

	b1 := tc.extend(tc.genesis, alice)
	reward := BlockReward(tc.params, 1)
	require.Equal(t, reward, tc.balance(alice.Address))
	require.Equal(t, uint64(1), tc.nextNonce(alice.Address))

	tx := transfer(t, alice, bob.Address, 10_0000_0000, 1000, 1, coinbaseOut(b1))
	b2 := tc.extend(b1, carol, tx)

	require.Equal(t, uint64(2), tc.chain.Height())
	require.Equal(t, b2.Hash(), tc.chain.BestHash())
	require.Equal(t, reward-10_0000_0000-1000, tc.balance(alice.Address))
	require.Equal(t, uint64(10_0000_0000), tc.balance(bob.Address))
	require.Equal(t, BlockReward(tc.params, 2)+1000, tc.balance(carol.Address))
	require.Equal(t, uint64(2), tc.nextNonce(alice.Address))

	spent, err := tc.chain.Storage().GetUTXO(coinbaseOut(b1).OutPoint())
	require.NoError(t, err)
	require.Nil(t, spent)

	byHash, err := tc.chain.GetBlockByHash(b2.Hash())
	require.NoError(t, err)
	require.Equal(t, tx.TxID(), byHash.Transactions[1].TxID())
}

func TestChainDuplicateBlock(t *testing.T) {
	tc := newTestChain(t)
	b1 := tc.extend(tc.genesis, testKey(1))

	res, err := tc.chain.ProcessBlock(b1)
	require.NoError(t, err)
	require.Equal(t, TipDuplicate, res.Status)
	require.Empty(t, res.Connected)
}

func TestChainRejectsDoubleSpendInBlock(t *testing.T) {
	tc := newTestChain(t)
	alice, bob := testKey(1), testKey(2)

	b1 := tc.extend(tc.genesis, alice)
	tx1 := transfer(t, alice, bob.Address, 1000, 10, 1, coinbaseOut(b1))
	tx2 := transfer(t, alice, bob.Address, 2000, 10, 2, coinbaseOut(b1))
	bad := tc.next(b1, bob, 0, tx1, tx2)

	_, err := tc.chain.ProcessBlock(bad)
	require.ErrorIs(t, err, ErrDoubleSpend)
	require.Equal(t, KindConsensus, KindOf(err))

	require.Equal(t, b1.Hash(), tc.chain.BestHash())
	require.True(t, tc.chain.IsInvalid(bad.Hash()))
	require.Equal(t, BlockReward(tc.params, 1), tc.balance(alice.Address))
	require.Zero(t, tc.balance(bob.Address))

	// Anything built on the rejected block is rejected without validation.
	child := tc.next(bad, bob, 0)
	_, err = tc.chain.ProcessBlock(child)
	require.Equal(t, ReasonInvalidAncestor, ReasonOf(err))
}

func TestChainRejectsBadProofOfWork(t *testing.T) {
	tc := newTestChain(t)

	b1 := tc.next(tc.genesis, testKey(1), 2)
	unsolve(b1)

	_, err := tc.chain.ProcessBlock(b1)
	require.Equal(t, ReasonBadPoW, ReasonOf(err))
	require.Equal(t, KindConsensus, KindOf(err))
	require.True(t, IsConsensusError(err))
	require.Equal(t, uint64(0), tc.chain.Height())
	require.False(t, tc.chain.IsInvalid(b1.Hash()))
}

func TestChainProcessResultVerdict(t *testing.T) {
	tc := newTestChain(t)

	b1 := tc.next(tc.genesis, testKey(1), 0)
	res := tc.process(b1)
	require.Equal(t, TipActive, res.Status)
	require.NotNil(t, res.Verdict)
	require.True(t, res.Verdict.Valid)
	require.NoError(t, res.Verdict.Err)
	tc.extend(b1, testKey(1))

	// A side branch is only checked against the ledger when it connects.
	side1 := tc.next(tc.genesis, testKey(2), 1)
	res = tc.process(side1)
	require.Equal(t, TipCompeting, res.Status)
	require.Nil(t, res.Verdict)

	side2 := tc.next(side1, testKey(2), 3)
	res = tc.process(side2)
	require.Equal(t, TipActive, res.Status)
	require.True(t, res.Reorged())
	require.True(t, res.Verdict.Valid)

	res = tc.process(side2)
	require.Equal(t, TipDuplicate, res.Status)
	require.Nil(t, res.Verdict)
}

func TestChainHeaderContextRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tc *testChain, b *Block)
		reason ReasonCode
	}{
		{
			name: "height skips",
			mutate: func(_ *testChain, b *Block) {
				b.Header.Height++
				b.Transactions[0].Nonce++
				reseal(b)
			},
			reason: ReasonBadHeight,
		},
		{
			name: "timestamp before parent",
			mutate: func(_ *testChain, b *Block) {
				b.Header.Timestamp -= 1000
				solve(b)
			},
			reason: ReasonTimeTooOld,
		},
		{
			name: "merkle root mismatch",
			mutate: func(_ *testChain, b *Block) {
				b.Header.MerkleRoot[0] ^= 0xff
				solve(b)
			},
			reason: ReasonBadMerkle,
		},
		{
			name: "coinbase above reward",
			mutate: func(_ *testChain, b *Block) {
				b.Transactions[0].Amount++
				reseal(b)
			},
			reason: ReasonCoinbaseTooLarge,
		},
		{
			name: "coinbase height mismatch",
			mutate: func(_ *testChain, b *Block) {
				b.Transactions[0].Nonce = 7
				reseal(b)
			},
			reason: ReasonBadCoinbase,
		},
		{
			name: "coinbase not first",
			mutate: func(tc *testChain, b *Block) {
				b.Transactions = append(b.Transactions, NewCoinbase(testKey(9).Address, 1, 1, b.Header.Timestamp))
				reseal(b)
			},
			reason: ReasonBadCoinbasePos,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tc := newTestChain(t)
			b := tc.next(tc.genesis, testKey(1), 0)
			test.mutate(tc, b)

			_, err := tc.chain.ProcessBlock(b)
			require.Error(t, err)
			require.Equal(t, test.reason, ReasonOf(err))
			require.Equal(t, uint64(0), tc.chain.Height())
		})
	}
}

func TestChainFutureBlockIsRetryable(t *testing.T) {
	tc := newTestChain(t)

	b1 := tc.next(tc.genesis, testKey(1), 0)
	b1.Header.Timestamp = tc.clock.Now().Add(tc.params.MaxFutureDrift).Unix() + 60
	b1.Transactions[0].Timestamp = b1.Header.Timestamp
	reseal(b1)

	_, err := tc.chain.ProcessBlock(b1)
	require.Equal(t, ReasonTimeTooNew, ReasonOf(err))
	require.False(t, tc.chain.IsInvalid(b1.Hash()))

	tc.clock.SetTime(tc.clock.Now().Add(time.Hour))
	res, err := tc.chain.ProcessBlock(b1)
	require.NoError(t, err)
	require.Equal(t, TipActive, res.Status)
}

// Branch A carries a transfer and three blocks of work past the common
// block; branch B is two blocks of difficulty 2 without it. B wins and the
// transfer's effects are undone.
func TestChainReorgToHeavierBranch(t *testing.T) {
	tc := newTestChain(t)
	alice, bob := testKey(1), testKey(2)
	minerA, minerB := testKey(3), testKey(4)

	c1 := tc.extend(tc.genesis, alice)
	tx := transfer(t, alice, bob.Address, 5_0000_0000, 500, 1, coinbaseOut(c1))

	a2 := tc.next(c1, minerA, 1, tx)
	a3 := tc.next(a2, minerA, 1)
	a4 := tc.next(a3, minerA, 1)
	tc.process(a2, a3, a4)
	require.Equal(t, a4.Hash(), tc.chain.BestHash())
	require.Equal(t, uint64(5_0000_0000), tc.balance(bob.Address))

	b2 := tc.next(c1, minerB, 2)
	b3 := tc.next(b2, minerB, 2)

	res := tc.process(b2)
	require.Equal(t, TipCompeting, res.Status)
	require.Equal(t, a4.Hash(), tc.chain.BestHash())

	res = tc.process(b3)
	require.Equal(t, TipActive, res.Status)
	require.True(t, res.Reorged())
	require.ElementsMatch(t, hashes([]*Block{a2, a3, a4}), hashes(res.Disconnected))
	require.Equal(t, hashes([]*Block{b2, b3}), hashes(res.Connected))

	require.Equal(t, b3.Hash(), tc.chain.BestHash())
	require.Equal(t, uint64(3), tc.chain.Height())
	require.Equal(t, uint64(1+1+2+2), tc.chain.TotalWork())

	// The ledger matches a chain that never saw branch A.
	require.Equal(t, BlockReward(tc.params, 1), tc.balance(alice.Address))
	require.Zero(t, tc.balance(bob.Address))
	require.Zero(t, tc.balance(minerA.Address))
	require.Equal(t, BlockReward(tc.params, 2)+BlockReward(tc.params, 3), tc.balance(minerB.Address))
	require.Equal(t, uint64(1), tc.nextNonce(alice.Address))

	u, err := tc.chain.Storage().GetUTXO(coinbaseOut(c1).OutPoint())
	require.NoError(t, err)
	require.NotNil(t, u)

	hash, ok := tc.chain.BlockHashAt(2)
	require.True(t, ok)
	require.Equal(t, b2.Hash(), hash)

	tips := tc.chain.Tips()
	require.Len(t, tips, 2)
	for _, tip := range tips {
		switch tip.Hash {
		case b3.Hash():
			require.Equal(t, TipActive, tip.Status)
		case a4.Hash():
			require.Equal(t, TipCompeting, tip.Status)
		default:
			t.Fatalf("unexpected tip %x", tip.Hash[:8])
		}
	}

	// The transfer is valid again on the new branch.
	tc.extend(b3, minerB, tx)
	require.Equal(t, uint64(5_0000_0000), tc.balance(bob.Address))
}

func TestChainEqualWorkPrefersSmallerHash(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		tc := newTestChain(t)

		x := tc.next(tc.genesis, testKey(1), 0)
		y := tc.next(tc.genesis, testKey(2), 0)
		want := x.Hash()
		if yh := y.Hash(); bytes.Compare(yh[:], want[:]) < 0 {
			want = yh
		}

		first, second := x, y
		if reversed {
			first, second = y, x
		}
		tc.process(first, second)

		require.Equal(t, want, tc.chain.BestHash(), "reversed=%v", reversed)
		require.Equal(t, uint64(2), tc.chain.TotalWork())
	}
}

func TestChainOrphansAttachWhenParentArrives(t *testing.T) {
	tc := newTestChain(t)
	miner := testKey(1)

	b1 := tc.next(tc.genesis, miner, 0)
	b2 := tc.next(b1, miner, 0)
	b3 := tc.next(b2, miner, 0)

	res := tc.process(b3)
	require.Equal(t, TipOrphaned, res.Status)
	res = tc.process(b2)
	require.Equal(t, TipOrphaned, res.Status)
	require.Equal(t, 2, tc.chain.Orphans().Len())
	require.Equal(t, uint64(0), tc.chain.Height())

	// Resubmitting a parked orphan is a no-op.
	res = tc.process(b3)
	require.Equal(t, TipDuplicate, res.Status)

	res = tc.process(b1)
	require.Equal(t, TipActive, res.Status)
	require.Equal(t, 2, res.OrphansAttached)
	require.Equal(t, hashes([]*Block{b1, b2, b3}), hashes(res.Connected))
	require.Equal(t, b3.Hash(), tc.chain.BestHash())
	require.Zero(t, tc.chain.Orphans().Len())
}

func TestChainReorgDepthPolicy(t *testing.T) {
	build := func(t *testing.T, policy ReorgPolicy) (*testChain, *Block, *Block, *Block) {
		tc := newTestChain(t, func(cfg *ChainConfig) {
			cfg.ReorgMaxDepth = 1
			cfg.ReorgPolicy = policy
		})
		main1 := tc.extend(tc.genesis, testKey(1))
		main2 := tc.extend(main1, testKey(1))

		side1 := tc.next(tc.genesis, testKey(2), 1)
		side2 := tc.next(side1, testKey(2), 3)
		res := tc.process(side1)
		require.Equal(t, TipCompeting, res.Status)
		return tc, main1, main2, side2
	}

	t.Run("reject", func(t *testing.T) {
		tc, main1, main2, side2 := build(t, ReorgReject)

		_, err := tc.chain.ProcessBlock(side2)
		require.ErrorIs(t, err, ErrReorgDepthExceeded)
		require.Equal(t, KindReorgDepthExceeded, KindOf(err))
		require.Equal(t, main2.Hash(), tc.chain.BestHash())
		require.Equal(t, BlockReward(tc.params, 1)+BlockReward(tc.params, 2), tc.balance(testKey(1).Address))

		// The refused branch no longer drives fork choice for other blocks.
		_, err = tc.chain.ProcessBlock(tc.next(main1, testKey(3), 0))
		require.NoError(t, err)
		main3 := tc.next(main2, testKey(1), 0)
		tc.process(main3)
		require.Equal(t, main3.Hash(), tc.chain.BestHash())

		// Extending it is still refused, and the error is about the new block.
		side3 := tc.next(side2, testKey(2), 0)
		_, err = tc.chain.ProcessBlock(side3)
		require.ErrorIs(t, err, ErrReorgDepthExceeded)
		require.Equal(t, main3.Hash(), tc.chain.BestHash())
	})

	t.Run("warn", func(t *testing.T) {
		tc, _, _, side2 := build(t, ReorgWarn)

		res := tc.process(side2)
		require.Equal(t, TipActive, res.Status)
		require.Len(t, res.Disconnected, 2)
		require.Equal(t, side2.Hash(), tc.chain.BestHash())
		require.Zero(t, tc.balance(testKey(1).Address))
	})
}

func TestChainCheckpoints(t *testing.T) {
	p := testParams()
	miner := testKey(1)
	g := GenesisBlock(p)
	b1 := buildBlock(t, p, g, miner.Address, 0)
	b2 := buildBlock(t, p, b1, miner.Address, 0)
	b3 := buildBlock(t, p, b2, miner.Address, 0)

	t.Run("mismatch", func(t *testing.T) {
		tc := newTestChain(t, func(cfg *ChainConfig) {
			cfg.Checkpoints = NewCheckpoints(map[uint64][32]byte{1: b1.Hash()})
		})

		other := tc.next(tc.genesis, testKey(2), 0)
		_, err := tc.chain.ProcessBlock(other)
		require.Equal(t, ReasonCheckpoint, ReasonOf(err))

		tc.process(b1)
		require.Equal(t, b1.Hash(), tc.chain.BestHash())
	})

	t.Run("reorg below checkpoint", func(t *testing.T) {
		tc := newTestChain(t, func(cfg *ChainConfig) {
			cfg.Checkpoints = NewCheckpoints(map[uint64][32]byte{3: b3.Hash()})
		})
		tc.process(b1, b2, b3)

		side1 := tc.next(tc.genesis, testKey(2), 1)
		side2 := tc.next(side1, testKey(2), 5)
		tc.process(side1)

		_, err := tc.chain.ProcessBlock(side2)
		require.Equal(t, ReasonCheckpoint, ReasonOf(err))
		require.Equal(t, b3.Hash(), tc.chain.BestHash())

		fresh1 := tc.next(tc.genesis, testKey(3), 1)
		fresh2 := tc.next(fresh1, testKey(3), 5)
		_, err = tc.chain.AdoptBranch([]*Block{fresh1, fresh2})
		require.Equal(t, ReasonCheckpoint, ReasonOf(err))
		require.Equal(t, b3.Hash(), tc.chain.BestHash())
	})
}

func TestChainAdoptBranch(t *testing.T) {
	t.Run("already known", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))
		b2 := tc.extend(b1, testKey(1))

		_, err := tc.chain.AdoptBranch([]*Block{b1, b2})
		require.ErrorIs(t, err, ErrBranchNotHeavier)
	})

	t.Run("not heavier", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))
		tc.extend(b1, testKey(1))

		side := tc.next(tc.genesis, testKey(2), 1)
		_, err := tc.chain.AdoptBranch([]*Block{side})
		require.ErrorIs(t, err, ErrBranchNotHeavier)
		require.False(t, tc.chain.HasBlock(side.Hash()))
		require.False(t, IsConsensusError(err))
	})

	t.Run("unknown parent", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.next(tc.genesis, testKey(1), 0)
		b2 := tc.next(b1, testKey(1), 0)

		_, err := tc.chain.AdoptBranch([]*Block{b2})
		require.ErrorIs(t, err, ErrOrphanBlock)
	})

	t.Run("not contiguous", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.next(tc.genesis, testKey(1), 0)
		other := tc.next(tc.genesis, testKey(2), 0)
		b2 := tc.next(other, testKey(1), 0)

		_, err := tc.chain.AdoptBranch([]*Block{b1, b2})
		require.Equal(t, ReasonBadPrevHash, ReasonOf(err))
		require.Equal(t, uint64(0), tc.chain.Height())
	})

	t.Run("heavier branch replaces tip", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))
		b2 := tc.extend(b1, testKey(1))

		s1 := tc.next(tc.genesis, testKey(2), 2)
		s2 := tc.next(s1, testKey(2), 2)
		res, err := tc.chain.AdoptBranch([]*Block{s1, s2})
		require.NoError(t, err)
		require.Equal(t, TipActive, res.Status)
		require.ElementsMatch(t, hashes([]*Block{b1, b2}), hashes(res.Disconnected))
		require.Equal(t, hashes([]*Block{s1, s2}), hashes(res.Connected))
		require.Equal(t, s2.Hash(), tc.chain.BestHash())
		require.Zero(t, tc.balance(testKey(1).Address))
	})

	t.Run("known prefix is skipped", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))
		tc.extend(b1, testKey(1))

		s2 := tc.next(b1, testKey(2), 3)
		res, err := tc.chain.AdoptBranch([]*Block{b1, s2})
		require.NoError(t, err)
		require.Len(t, res.Connected, 1)
		require.Equal(t, s2.Hash(), tc.chain.BestHash())
	})

	t.Run("one bad block rejects the range", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))
		b2 := tc.extend(b1, testKey(1))

		s1 := tc.next(tc.genesis, testKey(2), 2)
		s2 := tc.next(s1, testKey(2), 2)
		s2.Transactions[0].Amount++
		reseal(s2)

		_, err := tc.chain.AdoptBranch([]*Block{s1, s2})
		require.Equal(t, ReasonCoinbaseTooLarge, ReasonOf(err))
		require.Equal(t, b2.Hash(), tc.chain.BestHash())
		require.False(t, tc.chain.HasBlock(s1.Hash()))
		require.Equal(t, BlockReward(tc.params, 1)+BlockReward(tc.params, 2), tc.balance(testKey(1).Address))
		require.Zero(t, tc.balance(testKey(2).Address))
	})

	t.Run("bad proof of work rejects the range", func(t *testing.T) {
		tc := newTestChain(t)
		b1 := tc.extend(tc.genesis, testKey(1))

		s1 := tc.next(tc.genesis, testKey(2), 2)
		s2 := tc.next(s1, testKey(2), 2)
		unsolve(s2)

		_, err := tc.chain.AdoptBranch([]*Block{s1, s2})
		require.Equal(t, ReasonBadPoW, ReasonOf(err))
		require.Equal(t, b1.Hash(), tc.chain.BestHash())
		require.False(t, tc.chain.HasBlock(s1.Hash()))
	})
}

func TestChainReopen(t *testing.T) {
	tc := newTestChain(t)
	alice, bob := testKey(1), testKey(2)

	b1 := tc.extend(tc.genesis, alice)
	b2 := tc.extend(b1, bob, transfer(t, alice, bob.Address, 1234, 0, 1, coinbaseOut(b1)))
	side := tc.next(tc.genesis, testKey(3), 1)
	res := tc.process(side)
	require.Equal(t, TipCompeting, res.Status)

	bad := tc.next(b2, bob, 2)
	bad.Transactions[0].Amount++
	reseal(bad)
	_, err := tc.chain.ProcessBlock(bad)
	require.Error(t, err)

	require.NoError(t, tc.chain.Close())

	reopened, err := NewChain(ChainConfig{
		Params:        tc.params,
		DataDir:       tc.dataDir,
		Clock:         tc.clock,
		ReorgMaxDepth: DefaultReorgMaxDepth,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	tc.chain = reopened

	require.Equal(t, uint64(2), reopened.Height())
	require.Equal(t, b2.Hash(), reopened.BestHash())
	require.True(t, reopened.HasBlock(side.Hash()))
	require.True(t, reopened.IsInvalid(bad.Hash()))
	require.Len(t, reopened.Tips(), 2)
	require.Equal(t, uint64(2), tc.nextNonce(alice.Address))
	require.Equal(t, BlockReward(tc.params, 2)+1234, tc.balance(bob.Address))
}

func TestChainLocatorAndForkPoint(t *testing.T) {
	tc := newTestChain(t)

	parent := tc.genesis
	var blocks []*Block
	for i := 0; i < 20; i++ {
		parent = tc.extend(parent, testKey(1))
		blocks = append(blocks, parent)
	}

	locator := tc.chain.Locator()
	require.Equal(t, tc.chain.BestHash(), locator[0])
	require.Equal(t, tc.genesis.Hash(), locator[len(locator)-1])

	height, hash := tc.chain.FindForkPoint([][32]byte{{0xde, 0xad}, blocks[9].Hash()})
	require.Equal(t, uint64(10), height)
	require.Equal(t, blocks[9].Hash(), hash)

	got, err := tc.chain.GetBlocksByHeight(5, 3)
	require.NoError(t, err)
	require.Equal(t, hashes(blocks[4:7]), hashes(got))
}

func TestChainHaltsOnStorageFailure(t *testing.T) {
	tc := newTestChain(t)
	b1 := tc.next(tc.genesis, testKey(1), 0)

	// Closing the database underneath the chain makes every write fail.
	require.NoError(t, tc.chain.Storage().Close())

	_, err := tc.chain.ProcessBlock(b1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrChainHalted))
	require.True(t, tc.chain.IsHalted())

	_, err = tc.chain.ProcessBlock(b1)
	require.ErrorIs(t, err, ErrChainHalted)

	err = tc.chain.TemplateView(func(BlockHeader, uint64, UTXOView) error {
		t.Fatal("halted chain served a template view")
		return nil
	})
	require.ErrorIs(t, err, ErrChainHalted)
}

func TestChainTemplateViewIsOneSnapshot(t *testing.T) {
	tc := newTestChain(t)
	alice := testKey(1)
	b1 := tc.extend(tc.genesis, alice)
	b2 := tc.next(b1, alice, 0)
	want := tc.chain.NextDifficulty()

	connected := make(chan error, 1)
	err := tc.chain.TemplateView(func(parent BlockHeader, difficulty uint64, view UTXOView) error {
		go func() {
			_, err := tc.chain.ProcessBlock(b2)
			connected <- err
		}()
		select {
		case err := <-connected:
			t.Fatalf("block connected during a template view: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		require.Equal(t, b1.Hash(), parent.Hash())
		require.Equal(t, want, difficulty)
		utxo, err := view.FetchUTXO(coinbaseOut(b1).OutPoint())
		require.NoError(t, err)
		require.NotNil(t, utxo)
		nonce, err := view.NextNonce(alice.Address)
		require.NoError(t, err)
		require.Equal(t, uint64(1), nonce)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, <-connected)
	require.Equal(t, b2.Hash(), tc.chain.BestHash())
}

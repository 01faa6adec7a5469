package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testPool is a mempool over a chain in which every sender owns the
// coinbase of one block.
type testPool struct {
	*testChain
	pool  *Mempool
	tip   *Block
	funds map[Address]*UTXO
}

func newTestPool(t *testing.T, cfg MempoolConfig, senders ...*KeyPair) *testPool {
	t.Helper()

	tc := newTestChain(t)
	tip := tc.genesis
	funds := make(map[Address]*UTXO, len(senders))
	for _, kp := range senders {
		tip = tc.extend(tip, kp)
		funds[kp.Address] = coinbaseOut(tip)
	}

	return &testPool{
		testChain: tc,
		pool:      NewMempool(cfg, tc.params, tc.chain.Storage(), tc.chain.Height, tc.clock),
		tip:       tip,
		funds:     funds,
	}
}

// pay builds the first transfer of from, spending its funded coinbase.
func (tp *testPool) pay(from *KeyPair, amount, fee uint64) *Transaction {
	tp.t.Helper()
	return transfer(tp.t, from, testKey(99).Address, amount, fee, 1, tp.funds[from.Address])
}

func (tp *testPool) admit(txs ...*Transaction) {
	tp.t.Helper()
	for _, tx := range txs {
		_, err := tp.pool.Admit(tx)
		require.NoError(tp.t, err)
	}
}

func txIDs(txs []*Transaction) [][32]byte {
	out := make([][32]byte, len(txs))
	for i, tx := range txs {
		out[i] = tx.TxID()
	}
	return out
}

func TestMempoolSelectsHighestFeeRate(t *testing.T) {
	a, b, c := testKey(1), testKey(2), testKey(3)
	tp := newTestPool(t, DefaultMempoolConfig(), a, b, c)

	low := tp.pay(a, 1000, 10_000)
	high := tp.pay(b, 1000, 50_000)
	lowest := tp.pay(c, 1000, 5_000)
	tp.admit(low, high, lowest)

	picked := tp.pool.SelectForBlock(2, 1<<20)
	require.Equal(t, txIDs([]*Transaction{high, low}), txIDs(picked))

	pending := tp.pool.Pending()
	require.Len(t, pending, 3)
	require.Equal(t, high.TxID(), pending[0].TxID)
	require.Equal(t, lowest.TxID(), pending[2].TxID)

	stats := tp.pool.Stats()
	require.Equal(t, 3, stats.Count)
	require.Equal(t, 3, stats.Senders)
	require.Equal(t, uint64(65_000), stats.TotalFees)
	require.Equal(t, lowest.FeeRate(), stats.MinFeeRate)
	require.Equal(t, high.FeeRate(), stats.MaxFeeRate)
}

func TestMempoolSelectRespectsByteBudget(t *testing.T) {
	a, b := testKey(1), testKey(2)
	tp := newTestPool(t, DefaultMempoolConfig(), a, b)

	first := tp.pay(a, 1000, 50_000)
	second := tp.pay(b, 1000, 10_000)
	tp.admit(first, second)

	picked := tp.pool.SelectForBlock(10, first.Size())
	require.Equal(t, txIDs([]*Transaction{first}), txIDs(picked))
	require.Empty(t, tp.pool.SelectForBlock(10, min(first.Size(), second.Size())-1))
}

func TestMempoolAdmissionRules(t *testing.T) {
	a, b := testKey(1), testKey(2)

	t.Run("duplicate", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)
		tx := tp.pay(a, 1000, 100)
		tp.admit(tx)

		_, err := tp.pool.Admit(tx)
		require.ErrorIs(t, err, ErrAlreadyInMempool)
		require.False(t, IsConsensusError(err))
	})

	t.Run("coinbase", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)

		_, err := tp.pool.Admit(NewCoinbase(a.Address, 1, 5, 0))
		require.ErrorIs(t, err, ErrInvalidTransaction)
		require.Equal(t, ReasonCoinbaseInPool, ReasonOf(err))
	})

	t.Run("duplicate nonce", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)
		tp.admit(tp.pay(a, 1000, 100))

		_, err := tp.pool.Admit(tp.pay(a, 2000, 100))
		require.ErrorIs(t, err, ErrDuplicateNonce)
		require.Equal(t, 1, tp.pool.Size())
	})

	t.Run("double spend within pool", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)
		tp.admit(tp.pay(a, 1000, 100))

		conflict := transfer(t, a, b.Address, 2000, 100, 2, tp.funds[a.Address])
		_, err := tp.pool.Admit(conflict)
		require.ErrorIs(t, err, ErrDoubleSpend)
	})

	t.Run("nonce gap", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)

		first := tp.pay(a, 1000, 100)
		second := transfer(t, a, b.Address, 500, 100, 2, changeOut(first))
		_, err := tp.pool.Admit(second)
		require.ErrorIs(t, err, ErrInvalidTransaction)
		require.Equal(t, ReasonNonceGap, ReasonOf(err))
		require.False(t, IsConsensusError(err))

		// Once the missing nonce arrives the later one is accepted.
		tp.admit(first, second)
		require.Equal(t, 2, tp.pool.Size())
	})

	t.Run("input not owned", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a, b)

		stolen := *tp.funds[b.Address]
		stolen.Address = a.Address
		tx := transfer(t, a, b.Address, 1000, 100, 1, &stolen)
		_, err := tp.pool.Admit(tx)
		require.ErrorIs(t, err, ErrInvalidTransaction)
		require.Equal(t, ReasonInputNotOwned, ReasonOf(err))
	})

	t.Run("bad signature", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)

		tx := tp.pay(a, 1000, 100)
		tx.Amount++
		tx.Change--
		_, err := tp.pool.Admit(tx)
		require.ErrorIs(t, err, ErrInvalidTransaction)
		require.Equal(t, ReasonBadSignature, ReasonOf(err))
	})

	t.Run("fee rate floor", func(t *testing.T) {
		cfg := DefaultMempoolConfig()
		cfg.MinFeeRate = 10
		tp := newTestPool(t, cfg, a)

		_, err := tp.pool.Admit(tp.pay(a, 1000, 100))
		require.Equal(t, ReasonFeeTooLow, ReasonOf(err))
		require.Zero(t, tp.pool.Size())
	})

	t.Run("chained spends", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)

		tx1 := tp.pay(a, 1000, 100)
		tx2 := transfer(t, a, b.Address, 2000, 100, 2, changeOut(tx1))
		tp.admit(tx1, tx2)

		next, err := tp.pool.PendingNonce(a.Address)
		require.NoError(t, err)
		require.Equal(t, uint64(3), next)
		require.Equal(t, txIDs([]*Transaction{tx1, tx2}), txIDs(tp.pool.SelectForBlock(10, 1<<20)))
	})
}

func TestMempoolEvictsLowestFeeRate(t *testing.T) {
	a, b, c, d := testKey(1), testKey(2), testKey(3), testKey(4)
	cfg := DefaultMempoolConfig()
	cfg.MaxSize = 3
	tp := newTestPool(t, cfg, a, b, c, d)

	parent := tp.pay(a, 1000, 1000)
	child := transfer(t, a, d.Address, 1000, 3000, 2, changeOut(parent))
	rich := tp.pay(b, 1000, 50_000)
	tp.admit(parent, child, rich)

	// Evicting the cheapest entry takes its descendant with it.
	better := tp.pay(c, 1000, 20_000)
	tp.admit(better)
	require.False(t, tp.pool.Has(parent.TxID()))
	require.False(t, tp.pool.Has(child.TxID()))
	require.True(t, tp.pool.Has(rich.TxID()))
	require.True(t, tp.pool.Has(better.TxID()))

	tp.admit(tp.pay(a, 1000, 30_000))
	require.Equal(t, 3, tp.pool.Size())

	// A full pool refuses anything not paying more than its cheapest entry.
	_, err := tp.pool.Admit(tp.pay(d, 1000, 5_000))
	require.ErrorIs(t, err, ErrMempoolFull)
	require.False(t, IsConsensusError(err))
	require.Equal(t, 3, tp.pool.Size())
}

func TestMempoolRefusedEvictionKeepsPool(t *testing.T) {
	a, b, c := testKey(1), testKey(2), testKey(3)
	sizing := newTestPool(t, DefaultMempoolConfig(), a, b)
	cheap, rich := sizing.pay(a, 1000, 1), sizing.pay(b, 1000, 100_000)

	cfg := DefaultMempoolConfig()
	cfg.MaxSizeBytes = len(cheap.Serialize()) + len(rich.Serialize())
	tp := newTestPool(t, cfg, a, b, c)
	cheap, rich = tp.pay(a, 1000, 1), tp.pay(b, 1000, 100_000)
	tp.admit(cheap, rich)
	before := tp.pool.Stats()

	// Outbids the cheap entry but would also need the rich one gone.
	big, err := NewTransfer(TransferRequest{
		From: c, To: a.Address, Amount: 1000, Fee: 1000, Nonce: 1,
		Inputs:   []*UTXO{tp.funds[c.Address]},
		Metadata: map[string][]byte{"blob": make([]byte, 2000)},
	})
	require.NoError(t, err)
	require.Greater(t, big.FeeRate(), cheap.FeeRate())

	_, err = tp.pool.Admit(big)
	require.ErrorIs(t, err, ErrMempoolFull)
	require.Equal(t, before, tp.pool.Stats())
	require.True(t, tp.pool.Has(cheap.TxID()))
	require.True(t, tp.pool.Has(rich.TxID()))
}

func TestMempoolReconcile(t *testing.T) {
	a, b := testKey(1), testKey(2)

	t.Run("confirmed", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a, b)
		txA, txB := tp.pay(a, 1000, 100), tp.pay(b, 1000, 100)
		tp.admit(txA, txB)

		block := tp.next(tp.tip, b, 0, txA)
		res := tp.process(block)

		rec, err := tp.pool.Reconcile(res.Connected, res.Disconnected)
		require.NoError(t, err)
		require.Equal(t, ReconcileResult{Confirmed: 1}, rec)
		require.False(t, tp.pool.Has(txA.TxID()))
		require.True(t, tp.pool.Has(txB.TxID()))
	})

	t.Run("conflict dropped", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)
		pooled := tp.pay(a, 1000, 100)
		child := transfer(t, a, b.Address, 500, 100, 2, changeOut(pooled))
		tp.admit(pooled, child)

		mined := tp.pay(a, 7777, 100)
		res := tp.process(tp.next(tp.tip, b, 0, mined))

		rec, err := tp.pool.Reconcile(res.Connected, res.Disconnected)
		require.NoError(t, err)
		require.Equal(t, ReconcileResult{Dropped: 2}, rec)
		require.Zero(t, tp.pool.Size())
	})

	t.Run("readmitted after reorg", func(t *testing.T) {
		tp := newTestPool(t, DefaultMempoolConfig(), a)
		tx := tp.pay(a, 1000, 100)

		a2 := tp.next(tp.tip, b, 1, tx)
		tp.process(a2)

		b2 := tp.next(tp.tip, testKey(5), 2)
		res := tp.process(b2)
		require.True(t, res.Reorged())

		rec, err := tp.pool.Reconcile(res.Connected, res.Disconnected)
		require.NoError(t, err)
		require.Equal(t, ReconcileResult{Readmitted: 1}, rec)
		require.True(t, tp.pool.Has(tx.TxID()))
	})
}

func TestMempoolRemoveExpired(t *testing.T) {
	a, b := testKey(1), testKey(2)
	cfg := DefaultMempoolConfig()
	cfg.ExpirationTime = time.Hour
	tp := newTestPool(t, cfg, a, b)

	old1 := tp.pay(a, 1000, 100)
	old2 := transfer(t, a, b.Address, 1000, 100, 2, changeOut(old1))
	tp.admit(old1, old2)

	tp.clock.SetTime(tp.clock.Now().Add(45 * time.Minute))
	fresh := tp.pay(b, 1000, 100)
	tp.admit(fresh)

	tp.clock.SetTime(tp.clock.Now().Add(30 * time.Minute))
	require.Equal(t, 2, tp.pool.RemoveExpired(tp.clock.Now()))
	require.True(t, tp.pool.Has(fresh.TxID()))
	require.Equal(t, 1, tp.pool.Size())

	next, err := tp.pool.PendingNonce(a.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

// Whatever the fees, a selected set must apply in order on top of the tip.
func TestMempoolSelectionIsApplicable(t *testing.T) {
	senders := []*KeyPair{testKey(1), testKey(2), testKey(3)}
	tp := newTestPool(t, DefaultMempoolConfig(), senders...)
	sink := testKey(99).Address

	rapid.Check(t, func(rt *rapid.T) {
		pool := NewMempool(DefaultMempoolConfig(), tp.params, tp.chain.Storage(), tp.chain.Height, tp.clock)

		total := 0
		for i, kp := range senders {
			n := rapid.IntRange(0, 4).Draw(rt, "chain"+string(rune('a'+i)))
			input := tp.funds[kp.Address]
			for nonce := uint64(1); nonce <= uint64(n); nonce++ {
				fee := rapid.Uint64Range(0, 100_000).Draw(rt, "fee")
				tx, err := NewTransfer(TransferRequest{
					From:      kp,
					To:        sink,
					Amount:    1000,
					Fee:       fee,
					Nonce:     nonce,
					Timestamp: tp.genesis.Header.Timestamp,
					Inputs:    []*UTXO{input},
				})
				require.NoError(rt, err)
				_, err = pool.Admit(tx)
				require.NoError(rt, err)
				input = changeOut(tx)
				total++
			}
		}

		maxCount := rapid.IntRange(1, total+1).Draw(rt, "maxCount")
		picked := pool.SelectForBlock(maxCount, 1<<20)
		require.Len(rt, picked, min(maxCount, total))

		err := tp.chain.Storage().View(func(view UTXOView) error {
			overlay := newOverlayView(view)
			height := tp.chain.Height() + 1
			for _, tx := range picked {
				if _, err := CheckTransactionInputs(tx, overlay, height, tp.params); err != nil {
					return err
				}
				overlay.apply(tx, height)
			}
			return nil
		})
		require.NoError(rt, err)
	})
}

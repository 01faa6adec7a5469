package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"corechain/p2p"
	"corechain/protocol/params"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// newTestDaemon starts an offline regtest daemon on a frozen clock.
func newTestDaemon(t *testing.T, miner Address) (*Daemon, *params.ChainParams) {
	t.Helper()

	p := testParams()
	d, err := NewDaemon(DaemonConfig{
		Params:        p,
		DataDir:       t.TempDir(),
		ReorgMaxDepth: DefaultReorgMaxDepth,
		ReorgPolicy:   ReorgReject,
		Miner:         MinerConfig{Address: miner},
		Clock:         clock.NewTestClock(testNow(p)),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		require.NoError(t, d.Stop())
	})
	return d, p
}

func encodeJSON(t *testing.T, blocks ...*Block) [][]byte {
	t.Helper()
	out := make([][]byte, len(blocks))
	for i, b := range blocks {
		data, err := json.Marshal(b)
		require.NoError(t, err)
		out[i] = data
	}
	return out
}

func TestDaemonMinesSubmittedTransaction(t *testing.T) {
	alice, bob, carol := testKey(1), testKey(2), testKey(3)
	d, p := newTestDaemon(t, carol.Address)
	ctx := context.Background()

	blocks, unsubscribe := d.SubscribeBlocks()
	defer unsubscribe()

	b1 := buildBlock(t, p, GenesisBlock(p), alice.Address, 0)
	res, err := d.SubmitBlock(b1)
	require.NoError(t, err)
	require.Equal(t, TipActive, res.Status)
	require.Equal(t, b1.Hash(), (<-blocks).Hash())

	tx := transfer(t, alice, bob.Address, 1000, 50, 1, coinbaseOut(b1))
	id, err := d.SubmitTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxID(), id)
	_, err = d.SubmitTransaction(tx)
	require.ErrorIs(t, err, ErrAlreadyInMempool)
	require.Len(t, d.GetPendingTransactions(), 1)

	tmpl, err := d.GetBlockTemplate(ctx, 0, carol.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(2), tmpl.Height)
	require.Equal(t, b1.Hash(), tmpl.PrevHash)
	require.Equal(t, uint64(50), tmpl.Fees)
	require.Len(t, tmpl.Transactions, 2)
	require.Equal(t, tmpl.Reward+tmpl.Fees, tmpl.Transactions[0].Amount)

	solved := tmpl.Block()
	solve(solved)
	res, err = d.SubmitMinedBlock(solved)
	require.NoError(t, err)
	require.Equal(t, TipActive, res.Status)
	require.Equal(t, uint64(2), res.Height)
	require.Equal(t, solved.Hash(), (<-blocks).Hash())

	require.Zero(t, d.Mempool().Size())
	bal, err := d.GetBalance(bob.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), bal)
	bal, err = d.GetBalance(carol.Address)
	require.NoError(t, err)
	require.Equal(t, BlockReward(p, 2)+50, bal)
	_, err = d.GetBalance("not-an-address")
	require.Error(t, err)

	byHeight, err := d.GetBlock("2")
	require.NoError(t, err)
	require.Equal(t, solved.Hash(), byHeight.Hash())
	hash := b1.Hash()
	byHash, err := d.GetBlock(hex.EncodeToString(hash[:]))
	require.NoError(t, err)
	require.Equal(t, b1.Hash(), byHash.Hash())
	missing, err := d.GetBlock("99")
	require.NoError(t, err)
	require.Nil(t, missing)
	_, err = d.GetBlock("zz")
	require.Error(t, err)

	stats := d.GetChainStats()
	require.Equal(t, "regtest", stats.Network)
	require.Equal(t, uint64(2), stats.Height)
	require.Equal(t, solved.Hash(), stats.BestHash)
	require.Equal(t, uint64(3), stats.TotalWork)
	require.Equal(t, 1, stats.Tips)
	require.Zero(t, stats.MempoolSize)
	require.False(t, stats.Halted)
}

func TestDaemonBlockTemplateArguments(t *testing.T) {
	alice, bob := testKey(1), testKey(2)
	d, p := newTestDaemon(t, alice.Address)

	b1 := buildBlock(t, p, GenesisBlock(p), alice.Address, 0)
	_, err := d.SubmitBlock(b1)
	require.NoError(t, err)

	tx := transfer(t, alice, bob.Address, 1000, 10, 1, coinbaseOut(b1))
	_, err = d.SubmitTransaction(tx)
	require.NoError(t, err)

	_, err = d.GetBlockTemplate(context.Background(), 0, "bogus")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.GetBlockTemplate(ctx, 0, alice.Address)
	require.ErrorIs(t, err, context.Canceled)

	tmpl, err := d.GetBlockTemplate(context.Background(), 1, alice.Address)
	require.NoError(t, err)
	require.Len(t, tmpl.Transactions, 2)
}

func TestDaemonReorgReturnsTransactionsToMempool(t *testing.T) {
	alice, bob := testKey(1), testKey(2)
	d, p := newTestDaemon(t, alice.Address)

	b1 := buildBlock(t, p, GenesisBlock(p), alice.Address, 0)
	tx := transfer(t, alice, bob.Address, 1000, 10, 1, coinbaseOut(b1))
	a2 := buildBlock(t, p, b1, alice.Address, 0, tx)
	for _, b := range []*Block{b1, a2} {
		res, err := d.SubmitBlock(b)
		require.NoError(t, err)
		require.Equal(t, TipActive, res.Status)
	}
	require.False(t, d.Mempool().Has(tx.TxID()))

	b2 := buildBlock(t, p, b1, testKey(3).Address, 2)
	res, err := d.SubmitBlock(b2)
	require.NoError(t, err)
	require.True(t, res.Reorged())
	require.Equal(t, b2.Hash(), d.Chain().BestHash())

	require.True(t, d.Mempool().Has(tx.TxID()))
	bal, err := d.GetBalance(bob.Address)
	require.NoError(t, err)
	require.Zero(t, bal)
	require.Equal(t, 2, d.GetChainStats().Tips)
}

func TestDaemonAdoptRangeIsAllOrNothing(t *testing.T) {
	miner := testKey(1)
	d, p := newTestDaemon(t, miner.Address)
	sc := d.syncConfig(p2p.SyncConfig{})

	b1 := buildBlock(t, p, GenesisBlock(p), miner.Address, 0)
	b2 := buildBlock(t, p, b1, miner.Address, 0)
	bad := buildBlock(t, p, b1, miner.Address, 4)
	unsolve(bad)

	meta, err := sc.CheckBlock(encodeJSON(t, b1)[0])
	require.NoError(t, err)
	require.Equal(t, b1.Hash(), meta.Hash)
	require.Equal(t, uint64(1), meta.Height)

	_, err = sc.CheckBlock(encodeJSON(t, bad)[0])
	require.True(t, sc.IsPeerFault(err))

	err = sc.AdoptRange(encodeJSON(t, b1, bad))
	require.Error(t, err)
	require.True(t, sc.IsPeerFault(err))
	require.Zero(t, d.Chain().Height())

	err = sc.AdoptRange([][]byte{[]byte("{")})
	require.Equal(t, ReasonMalformedBlock, ReasonOf(err))

	require.NoError(t, sc.AdoptRange(encodeJSON(t, b1, b2)))
	require.Equal(t, uint64(2), sc.GetStatus().Height)
	require.Equal(t, b2.Hash(), sc.GetStatus().BestHash)
	require.Equal(t, params.NetworkID, sc.GetStatus().NetworkID)

	raw, err := sc.GetBlocksByHeight(0, 10)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	raw, err = sc.GetBlocks([][32]byte{b1.Hash(), {0xee}, b2.Hash()})
	require.NoError(t, err)
	require.Len(t, raw, 2, "unknown hashes are skipped")

	fork := sc.FindForkPoint([][32]byte{{0xee}, b1.Hash()})
	require.Equal(t, uint64(1), fork.Height)
	require.Equal(t, b1.Hash(), fork.Hash)
}

func TestDaemonProcessTxFromPeer(t *testing.T) {
	alice, bob := testKey(1), testKey(2)
	d, p := newTestDaemon(t, alice.Address)
	sc := d.syncConfig(p2p.SyncConfig{})

	b1 := buildBlock(t, p, GenesisBlock(p), alice.Address, 0)
	_, err := d.SubmitBlock(b1)
	require.NoError(t, err)

	tx := transfer(t, alice, bob.Address, 1000, 10, 1, coinbaseOut(b1))
	data, err := json.Marshal(tx)
	require.NoError(t, err)

	require.NoError(t, sc.ProcessTx(data))
	require.NoError(t, sc.ProcessTx(data), "re-announced transactions are not a fault")
	require.Len(t, sc.GetMempool(), 1)

	err = sc.ProcessTx([]byte("not json"))
	require.Equal(t, ReasonMalformedTx, ReasonOf(err))
}

func TestDaemonOutOfOrderRelayIsNotPeerFault(t *testing.T) {
	alice, bob := testKey(1), testKey(2)
	d, p := newTestDaemon(t, alice.Address)
	sc := d.syncConfig(p2p.SyncConfig{})

	b1 := buildBlock(t, p, GenesisBlock(p), alice.Address, 0)
	_, err := d.SubmitBlock(b1)
	require.NoError(t, err)

	first := transfer(t, alice, bob.Address, 1000, 10, 1, coinbaseOut(b1))
	second := transfer(t, alice, bob.Address, 500, 10, 2, changeOut(first))
	raw := func(tx *Transaction) []byte {
		data, err := json.Marshal(tx)
		require.NoError(t, err)
		return data
	}

	err = sc.ProcessTx(raw(second))
	require.Equal(t, ReasonNonceGap, ReasonOf(err))
	require.False(t, sc.IsPeerFault(err))

	require.NoError(t, sc.ProcessTx(raw(first)))
	require.NoError(t, sc.ProcessTx(raw(second)))
	require.Len(t, d.GetPendingTransactions(), 2)

	// A nonce that was already used is still the peer's fault.
	replay := transfer(t, alice, bob.Address, 1, 10, 1, coinbaseOut(b1))
	_, err = d.SubmitBlock(buildBlock(t, p, b1, alice.Address, 0, first, second))
	require.NoError(t, err)
	err = sc.ProcessTx(raw(replay))
	require.Equal(t, ReasonBadNonce, ReasonOf(err))
	require.True(t, sc.IsPeerFault(err))
}

func TestDaemonMining(t *testing.T) {
	miner := testKey(1)
	d, p := newTestDaemon(t, miner.Address)

	require.NoError(t, d.StartMining(context.Background()))
	require.True(t, d.Miner().IsRunning())

	require.Eventually(t, func() bool {
		return d.Chain().Height() >= 2
	}, 10*time.Second, 10*time.Millisecond)

	d.Miner().Stop()
	require.Eventually(t, func() bool {
		return !d.Miner().IsRunning()
	}, time.Second, 10*time.Millisecond)

	height := d.Chain().Height()
	bal, err := d.GetBalance(miner.Address)
	require.NoError(t, err)
	require.Equal(t, height*BlockReward(p, 1), bal)
	require.GreaterOrEqual(t, d.Miner().Stats().BlocksFound, uint64(2))
}

func TestDaemonStopRejectsRequests(t *testing.T) {
	miner := testKey(1)
	d, p := newTestDaemon(t, miner.Address)
	require.NoError(t, d.Stop())

	_, err := d.SubmitBlock(buildBlock(t, p, GenesisBlock(p), miner.Address, 0))
	require.ErrorIs(t, err, ErrDaemonShuttingDown)
}

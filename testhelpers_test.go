package main

import (
	"testing"
	"time"

	"corechain/protocol/params"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixtures shared by the package tests
// ============================================================================

func testParams() *params.ChainParams {
	p := params.RegTestParams
	return &p
}

// testNow is the frozen wall clock of every test chain: a day after genesis,
// which leaves room for several hundred blocks spaced one target interval
// apart before headers run into the future drift limit.
func testNow(p *params.ChainParams) time.Time {
	return time.Unix(p.GenesisTimestamp, 0).Add(24 * time.Hour)
}

func testKey(seed byte) *KeyPair {
	var s [32]byte
	s[0] = seed
	s[31] = 0x5a
	return KeyPairFromSeed(s)
}

type testChain struct {
	t       *testing.T
	params  *params.ChainParams
	clock   *clock.TestClock
	dataDir string
	chain   *Chain
	genesis *Block
}

// newTestChain opens a fresh regtest chain in a temporary directory. opts
// may adjust the chain config before it is opened.
func newTestChain(t *testing.T, opts ...func(*ChainConfig)) *testChain {
	t.Helper()

	p := testParams()
	clk := clock.NewTestClock(testNow(p))
	dir := t.TempDir()

	cfg := ChainConfig{
		Params:        p,
		DataDir:       dir,
		Clock:         clk,
		ReorgMaxDepth: DefaultReorgMaxDepth,
		ReorgPolicy:   ReorgReject,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := NewChain(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &testChain{
		t:       t,
		params:  p,
		clock:   clk,
		dataDir: dir,
		chain:   c,
		genesis: GenesisBlock(p),
	}
}

// next builds a solved child of parent paying the reward and fees of txs
// to miner. difficulty 0 means the network minimum.
func (tc *testChain) next(parent *Block, miner *KeyPair, difficulty uint64, txs ...*Transaction) *Block {
	tc.t.Helper()
	return buildBlock(tc.t, tc.params, parent, miner.Address, difficulty, txs...)
}

// extend builds a child of parent and requires it to become the tip.
func (tc *testChain) extend(parent *Block, miner *KeyPair, txs ...*Transaction) *Block {
	tc.t.Helper()

	b := tc.next(parent, miner, 0, txs...)
	res, err := tc.chain.ProcessBlock(b)
	require.NoError(tc.t, err)
	require.Equal(tc.t, TipActive, res.Status)
	return b
}

// process submits blocks in order and requires every one to be accepted.
func (tc *testChain) process(blocks ...*Block) *ProcessResult {
	tc.t.Helper()

	var res *ProcessResult
	for _, b := range blocks {
		var err error
		res, err = tc.chain.ProcessBlock(b)
		require.NoError(tc.t, err, "block at height %d", b.Header.Height)
	}
	return res
}

func (tc *testChain) balance(addr Address) uint64 {
	tc.t.Helper()

	bal, err := tc.chain.Storage().GetBalance(addr)
	require.NoError(tc.t, err)
	return bal
}

func (tc *testChain) nextNonce(addr Address) uint64 {
	tc.t.Helper()

	n, err := tc.chain.Storage().NextNonce(addr)
	require.NoError(tc.t, err)
	return n
}

// ============================================================================
// Block and transaction builders
// ============================================================================

func buildBlock(t testing.TB, p *params.ChainParams, parent *Block, miner Address, difficulty uint64, txs ...*Transaction) *Block {
	t.Helper()

	if difficulty == 0 {
		difficulty = p.MinDifficulty
	}
	height := parent.Header.Height + 1
	ts := parent.Header.Timestamp + int64(p.TargetBlockInterval.Seconds())

	var fees uint64
	for _, tx := range txs {
		fees += tx.Fee
	}
	coinbase := NewCoinbase(miner, BlockReward(p, height)+fees, height, ts)

	b := &Block{
		Header: BlockHeader{
			Version:    BlockVersion,
			Height:     height,
			PrevHash:   parent.Hash(),
			Timestamp:  ts,
			Difficulty: difficulty,
			Miner:      miner,
		},
		Transactions: append([]*Transaction{coinbase}, txs...),
	}
	b.Header.MerkleRoot = b.ComputeMerkleRoot()
	solve(b)
	return b
}

// solve searches nonces until the header meets its own difficulty.
func solve(b *Block) {
	for !CheckProofOfWork(b.Hash(), b.Header.Difficulty) {
		b.Header.Nonce++
	}
}

// reseal recomputes the merkle root after b's transactions were edited and
// solves the header again.
func reseal(b *Block) {
	b.Header.MerkleRoot = b.ComputeMerkleRoot()
	solve(b)
}

// unsolve moves the nonce to a hash above target. Difficulty must be at
// least 2 or every hash qualifies.
func unsolve(b *Block) {
	for CheckProofOfWork(b.Hash(), b.Header.Difficulty) {
		b.Header.Nonce++
	}
}

func transfer(t testing.TB, from *KeyPair, to Address, amount, fee, nonce uint64, inputs ...*UTXO) *Transaction {
	t.Helper()

	tx, err := NewTransfer(TransferRequest{
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Timestamp: params.RegTestParams.GenesisTimestamp + 3600,
		Inputs:    inputs,
	})
	require.NoError(t, err)
	return tx
}

// coinbaseOut is output 0 of b's coinbase.
func coinbaseOut(b *Block) *UTXO {
	cb := b.Coinbase()
	return &UTXO{
		TxID:     cb.TxID(),
		Index:    0,
		Address:  cb.Recipient,
		Amount:   cb.Amount,
		Height:   b.Header.Height,
		Coinbase: true,
	}
}

// changeOut is the change output of tx. tx must carry change.
func changeOut(tx *Transaction) *UTXO {
	return &UTXO{
		TxID:    tx.TxID(),
		Index:   1,
		Address: tx.Sender,
		Amount:  tx.Change,
	}
}

func hashes(blocks []*Block) [][32]byte {
	out := make([][32]byte, len(blocks))
	for i, b := range blocks {
		out[i] = b.Hash()
	}
	return out
}

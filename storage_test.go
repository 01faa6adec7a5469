package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ledgerState is everything a rollback must restore.
type ledgerState struct {
	balances map[Address]uint64
	nonces   map[Address]uint64
	utxos    map[Address]int
}

func snapshotLedger(t require.TestingT, s *Storage, addrs []Address) ledgerState {
	st := ledgerState{
		balances: make(map[Address]uint64),
		nonces:   make(map[Address]uint64),
		utxos:    make(map[Address]int),
	}
	for _, a := range addrs {
		bal, err := s.GetBalance(a)
		require.NoError(t, err)
		next, err := s.NextNonce(a)
		require.NoError(t, err)
		utxos, err := s.GetUTXOs(a)
		require.NoError(t, err)

		st.balances[a] = bal
		st.nonces[a] = next
		st.utxos[a] = len(utxos)
	}
	return st
}

// Applying any sequence of valid transactions and rolling them back in
// reverse restores the ledger exactly, step by step.
func TestStorageApplyRollbackRoundTrip(t *testing.T) {
	keys := []*KeyPair{testKey(1), testKey(2), testKey(3)}
	addrs := make([]Address, len(keys))
	for i, k := range keys {
		addrs[i] = k.Address
	}
	root := t.TempDir()

	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(root, "ledger")
		require.NoError(rt, err)
		s, err := NewStorage(dir)
		require.NoError(rt, err)
		defer s.Close()

		// Each key starts with one coinbase output.
		var applied []*Transaction
		var before []ledgerState
		owned := make(map[Address][]*UTXO)
		nonces := make(map[Address]uint64)
		for i, k := range keys {
			cb := NewCoinbase(k.Address, 1_000_000, uint64(i+1), int64(i))
			before = append(before, snapshotLedger(rt, s, addrs))
			require.NoError(rt, s.ApplyTransaction(cb, uint64(i+1)))
			applied = append(applied, cb)
			owned[k.Address] = []*UTXO{{TxID: cb.TxID(), Address: k.Address, Amount: cb.Amount}}
		}

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			from := keys[rapid.IntRange(0, len(keys)-1).Draw(rt, "from")]
			to := keys[rapid.IntRange(0, len(keys)-1).Draw(rt, "to")]
			inputs := owned[from.Address]
			if len(inputs) == 0 {
				continue
			}
			var have uint64
			for _, u := range inputs {
				have += u.Amount
			}
			amount := rapid.Uint64Range(1, have).Draw(rt, "amount")
			fee := rapid.Uint64Range(0, have-amount).Draw(rt, "fee")

			tx, err := NewTransfer(TransferRequest{
				From:   from,
				To:     to.Address,
				Amount: amount,
				Fee:    fee,
				Nonce:  nonces[from.Address] + 1,
				Inputs: inputs,
			})
			require.NoError(rt, err)

			before = append(before, snapshotLedger(rt, s, addrs))
			require.NoError(rt, s.ApplyTransaction(tx, uint64(10+i)))
			applied = append(applied, tx)
			nonces[from.Address]++

			owned[from.Address] = nil
			if tx.Change > 0 {
				owned[from.Address] = append(owned[from.Address], changeOut(tx))
			}
			owned[to.Address] = append(owned[to.Address], &UTXO{TxID: tx.TxID(), Index: 0, Address: to.Address, Amount: amount})
		}

		for i := len(applied) - 1; i >= 0; i-- {
			require.NoError(rt, s.RollbackTransaction(applied[i]))
			require.Equal(rt, before[i], snapshotLedger(rt, s, addrs))
		}
	})
}

func TestStorageRejectsDoubleApply(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	alice, bob := testKey(1), testKey(2)
	cb := NewCoinbase(alice.Address, 5000, 1, 0)
	require.NoError(t, s.ApplyTransaction(cb, 1))

	input := &UTXO{TxID: cb.TxID(), Address: alice.Address, Amount: 5000}
	tx1 := transfer(t, alice, bob.Address, 1000, 0, 1, input)
	require.NoError(t, s.ApplyTransaction(tx1, 2))

	tx2 := transfer(t, alice, bob.Address, 2000, 0, 2, input)
	err = s.ApplyTransaction(tx2, 2)
	require.ErrorIs(t, err, ErrDoubleSpend)

	// Rolling back out of order is refused.
	require.Error(t, s.RollbackTransaction(cb))
	require.NoError(t, s.RollbackTransaction(tx1))
	require.NoError(t, s.RollbackTransaction(cb))

	bal, err := s.GetBalance(alice.Address)
	require.NoError(t, err)
	require.Zero(t, bal)
}

func TestStorageCommitIsAtomic(t *testing.T) {
	tc := newTestChain(t)
	s := tc.chain.Storage()
	miner := testKey(1)

	b1 := tc.next(tc.genesis, miner, 0)
	err := s.CommitBlock(&BlockCommit{
		Block: b1,
		Work:  2,
		Validate: func(*Block, UTXOView) error {
			return consensusError(ReasonBadAmounts, "refused")
		},
	})
	var connectErr *BlockConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, b1.Hash(), connectErr.Hash)

	hash, height, work, found, err := s.GetTip()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tc.genesis.Hash(), hash)
	require.Equal(t, uint64(0), height)
	require.Equal(t, uint64(1), work)

	stored, err := s.GetBlock(b1.Hash())
	require.NoError(t, err)
	require.Nil(t, stored)
	bal, err := s.GetBalance(miner.Address)
	require.NoError(t, err)
	require.Zero(t, bal)

	// A reorg whose second block fails leaves the first one unapplied too.
	tc.extend(tc.genesis, miner)
	s1 := tc.next(tc.genesis, testKey(2), 0)
	s2 := tc.next(s1, testKey(2), 0)
	err = s.CommitReorg(&ReorgCommit{
		Disconnect: []*Block{b1},
		Connect:    []*Block{s1, s2},
		NewWork:    3,
		Validate: func(b *Block, _ UTXOView) error {
			if b.Hash() == s2.Hash() {
				return consensusError(ReasonBadAmounts, "refused")
			}
			return nil
		},
	})
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, s2.Hash(), connectErr.Hash)

	hash, height, _, _, err = s.GetTip()
	require.NoError(t, err)
	require.Equal(t, b1.Hash(), hash)
	require.Equal(t, uint64(1), height)
	bal, err = s.GetBalance(testKey(2).Address)
	require.NoError(t, err)
	require.Zero(t, bal)
	bal, err = s.GetBalance(miner.Address)
	require.NoError(t, err)
	require.Equal(t, BlockReward(tc.params, 1), bal)
}

func TestStorageInvalidBlocks(t *testing.T) {
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	h := [32]byte{1, 2, 3}
	require.NoError(t, s.MarkInvalid(h, ReasonBadPoW))

	invalid, err := s.InvalidBlocks()
	require.NoError(t, err)
	require.Equal(t, map[[32]byte]ReasonCode{h: ReasonBadPoW}, invalid)
}

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// UTXO is an output record. Spent outputs stay in the primary bucket with
// Spent set so a rollback can restore them, but every query treats them as
// non-existent.
type UTXO struct {
	TxID     [32]byte `json:"txid"`
	Index    uint32   `json:"index"`
	Address  Address  `json:"address"`
	Amount   uint64   `json:"amount"`
	Height   uint64   `json:"height"`
	Coinbase bool     `json:"coinbase,omitempty"`
	Spent    bool     `json:"spent,omitempty"`
	SpentBy  [32]byte `json:"spent_by,omitempty"`
}

// OutPoint returns the key of u.
func (u *UTXO) OutPoint() OutPoint {
	return OutPoint{TxID: u.TxID, Index: u.Index}
}

// UTXOView is read access to the ledger as of some block.
type UTXOView interface {
	// FetchUTXO returns the output at op, spent or not, or nil if it was
	// never created on this chain.
	FetchUTXO(op OutPoint) (*UTXO, error)

	// NextNonce returns the nonce the next confirmed transaction from
	// sender must carry.
	NextNonce(sender Address) (uint64, error)
}

// outpointKey creates a key from txid and output index
func outpointKey(txid [32]byte, index uint32) []byte {
	key := make([]byte, 36)
	copy(key[:32], txid[:])
	binary.BigEndian.PutUint32(key[32:], index)
	return key
}

// addrPrefix is the address index prefix: len(address) || address. The
// length byte keeps one address from prefix-matching a longer one.
func addrPrefix(addr Address) []byte {
	key := make([]byte, 0, 1+len(addr))
	key = append(key, byte(len(addr)))
	return append(key, addr...)
}

func addrIndexKey(addr Address, txid [32]byte, index uint32) []byte {
	return append(addrPrefix(addr), outpointKey(txid, index)...)
}

// ============================================================================
// utxoBatch: ledger mutations bound to one bbolt transaction
// ============================================================================

// utxoBatch applies and rolls back transactions inside a single bbolt
// transaction. Nothing it does is visible to readers until the enclosing
// db.Update commits.
type utxoBatch struct {
	tx *bolt.Tx
}

func newUTXOBatch(tx *bolt.Tx) *utxoBatch {
	return &utxoBatch{tx: tx}
}

// FetchUTXO implements UTXOView.
func (b *utxoBatch) FetchUTXO(op OutPoint) (*UTXO, error) {
	data := b.tx.Bucket(bucketUTXOs).Get(outpointKey(op.TxID, op.Index))
	if data == nil {
		return nil, nil
	}
	u := &UTXO{}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, fmt.Errorf("corrupt utxo %s: %w", op, err)
	}
	return u, nil
}

// NextNonce implements UTXOView.
func (b *utxoBatch) NextNonce(sender Address) (uint64, error) {
	data := b.tx.Bucket(bucketNonces).Get([]byte(sender))
	if data == nil {
		return 1, nil
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt nonce record for %s", sender)
	}
	return binary.BigEndian.Uint64(data) + 1, nil
}

func (b *utxoBatch) putUTXO(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucketUTXOs).Put(outpointKey(u.TxID, u.Index), data)
}

func (b *utxoBatch) indexUTXO(u *UTXO) error {
	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], u.Amount)
	return b.tx.Bucket(bucketAddrIndex).Put(addrIndexKey(u.Address, u.TxID, u.Index), amount[:])
}

func (b *utxoBatch) unindexUTXO(u *UTXO) error {
	return b.tx.Bucket(bucketAddrIndex).Delete(addrIndexKey(u.Address, u.TxID, u.Index))
}

func (b *utxoBatch) setLastNonce(sender Address, nonce uint64) error {
	bucket := b.tx.Bucket(bucketNonces)
	if nonce == 0 {
		return bucket.Delete([]byte(sender))
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], nonce)
	return bucket.Put([]byte(sender), v[:])
}

// applyTx consumes the inputs of tx and creates its outputs.
func (b *utxoBatch) applyTx(tx *Transaction, height uint64) error {
	txid := tx.TxID()

	if !tx.IsCoinbase() {
		next, err := b.NextNonce(tx.Sender)
		if err != nil {
			return err
		}
		if tx.Nonce != next {
			return consensusError(ReasonBadNonce, "tx %s nonce %d, expected %d", shortHash(txid), tx.Nonce, next)
		}

		for _, in := range tx.Inputs {
			u, err := b.FetchUTXO(in)
			if err != nil {
				return err
			}
			if u == nil {
				return consensusError(ReasonDoubleSpend, "tx %s spends unknown output %s", shortHash(txid), in)
			}
			if u.Spent {
				return consensusError(ReasonDoubleSpend, "tx %s spends %s already spent by %s",
					shortHash(txid), in, shortHash(u.SpentBy))
			}
			u.Spent = true
			u.SpentBy = txid
			if err := b.putUTXO(u); err != nil {
				return err
			}
			if err := b.unindexUTXO(u); err != nil {
				return err
			}
		}

		if err := b.setLastNonce(tx.Sender, tx.Nonce); err != nil {
			return err
		}
	}

	for i, out := range tx.Outputs() {
		key := outpointKey(txid, uint32(i))
		if b.tx.Bucket(bucketUTXOs).Get(key) != nil {
			return consensusError(ReasonDuplicateTx, "output %s:%d already exists", shortHash(txid), i)
		}
		u := &UTXO{
			TxID:     txid,
			Index:    uint32(i),
			Address:  out.Address,
			Amount:   out.Amount,
			Height:   height,
			Coinbase: tx.IsCoinbase(),
		}
		if err := b.putUTXO(u); err != nil {
			return err
		}
		if err := b.indexUTXO(u); err != nil {
			return err
		}
	}

	return nil
}

// rollbackTx reverses applyTx. It must be called in exact reverse order of
// application; anything else is reported as an inconsistency.
func (b *utxoBatch) rollbackTx(tx *Transaction) error {
	txid := tx.TxID()

	for i := range tx.Outputs() {
		op := OutPoint{TxID: txid, Index: uint32(i)}
		u, err := b.FetchUTXO(op)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("rollback %s: created output %s missing", shortHash(txid), op)
		}
		if u.Spent {
			return fmt.Errorf("rollback %s: output %s still spent by %s", shortHash(txid), op, shortHash(u.SpentBy))
		}
		if err := b.unindexUTXO(u); err != nil {
			return err
		}
		if err := b.tx.Bucket(bucketUTXOs).Delete(outpointKey(op.TxID, op.Index)); err != nil {
			return err
		}
	}

	if tx.IsCoinbase() {
		return nil
	}

	for _, in := range tx.Inputs {
		u, err := b.FetchUTXO(in)
		if err != nil {
			return err
		}
		if u == nil || !u.Spent || u.SpentBy != txid {
			return fmt.Errorf("rollback %s: input %s not spent by this tx", shortHash(txid), in)
		}
		u.Spent = false
		u.SpentBy = [32]byte{}
		if err := b.putUTXO(u); err != nil {
			return err
		}
		if err := b.indexUTXO(u); err != nil {
			return err
		}
	}

	next, err := b.NextNonce(tx.Sender)
	if err != nil {
		return err
	}
	if next != tx.Nonce+1 {
		return fmt.Errorf("rollback %s: sender nonce is %d, expected %d", shortHash(txid), next-1, tx.Nonce)
	}
	return b.setLastNonce(tx.Sender, tx.Nonce-1)
}

func (b *utxoBatch) applyBlock(block *Block) error {
	for i, tx := range block.Transactions {
		if err := b.applyTx(tx, block.Header.Height); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

func (b *utxoBatch) rollbackBlock(block *Block) error {
	for i := len(block.Transactions) - 1; i >= 0; i-- {
		if err := b.rollbackTx(block.Transactions[i]); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

// unspentByAddress scans the address index for addr.
func (b *utxoBatch) unspentByAddress(addr Address, fn func(op OutPoint, amount uint64) error) error {
	prefix := addrPrefix(addr)
	c := b.tx.Bucket(bucketAddrIndex).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rest := k[len(prefix):]
		if len(rest) != 36 || len(v) != 8 {
			return fmt.Errorf("corrupt address index entry for %s", addr)
		}
		var op OutPoint
		copy(op.TxID[:], rest[:32])
		op.Index = binary.BigEndian.Uint32(rest[32:])
		if err := fn(op, binary.BigEndian.Uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

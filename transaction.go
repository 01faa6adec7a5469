package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/sha3"
)

// TxKind tags the closed set of transaction variants.
type TxKind uint8

const (
	// TxTransfer moves value from Sender to Recipient.
	TxTransfer TxKind = iota + 1

	// TxCoinbase mints the block reward plus fees to the miner.
	TxCoinbase

	// TxMetadata is a transfer that also carries opaque metadata for
	// features outside the core (time locks, votes).
	TxMetadata
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "transfer"
	case TxCoinbase:
		return "coinbase"
	case TxMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// OutPoint references one output of a previous transaction.
type OutPoint struct {
	TxID  [32]byte `json:"txid"`
	Index uint32   `json:"index"`
}

func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(op.TxID[:8]), op.Index)
}

// TxOutput is a derived output: who gets paid and how much.
type TxOutput struct {
	Address Address
	Amount  uint64
}

// Transaction is a value transfer record.
//
// Outputs are not stored explicitly: index 0 pays Amount to Recipient and
// index 1, present only when Change > 0, returns Change to Sender. For
// coinbase transactions Nonce carries the block height.
type Transaction struct {
	Kind      TxKind            `json:"kind"`
	Sender    Address           `json:"sender"`
	Recipient Address           `json:"recipient"`
	Amount    uint64            `json:"amount"`
	Fee       uint64            `json:"fee"`
	Change    uint64            `json:"change,omitempty"`
	Nonce     uint64            `json:"nonce"`
	Timestamp int64             `json:"timestamp"`
	Inputs    []OutPoint        `json:"inputs,omitempty"`
	PubKey    []byte            `json:"pubkey,omitempty"`
	Signature []byte            `json:"signature,omitempty"`
	Metadata  map[string][]byte `json:"metadata,omitempty"`
}

// IsCoinbase reports whether tx mints new value.
func (tx *Transaction) IsCoinbase() bool {
	return tx.Kind == TxCoinbase
}

// TxID returns the content hash of every field except the signature.
func (tx *Transaction) TxID() [32]byte {
	return sha3.Sum256(tx.encode(false))
}

// SigningHash is the digest the sender signs. It equals the TxID.
func (tx *Transaction) SigningHash() [32]byte {
	return tx.TxID()
}

// Serialize returns the canonical encoding including the signature.
func (tx *Transaction) Serialize() []byte {
	return tx.encode(true)
}

// Size returns the canonical serialized size in bytes.
func (tx *Transaction) Size() int {
	return len(tx.encode(true))
}

// FeeRate returns fee per serialized byte.
func (tx *Transaction) FeeRate() float64 {
	size := tx.Size()
	if size == 0 {
		return 0
	}
	return float64(tx.Fee) / float64(size)
}

// Outputs returns the outputs created by tx, in index order.
func (tx *Transaction) Outputs() []TxOutput {
	outs := []TxOutput{{Address: tx.Recipient, Amount: tx.Amount}}
	if tx.Change > 0 {
		outs = append(outs, TxOutput{Address: tx.Sender, Amount: tx.Change})
	}
	return outs
}

// OutPoint returns the outpoint of output index i of tx.
func (tx *Transaction) OutPoint(i uint32) OutPoint {
	return OutPoint{TxID: tx.TxID(), Index: i}
}

// Sign fills PubKey and Signature using kp. Sender must already be kp's
// address.
func (tx *Transaction) Sign(kp *KeyPair) error {
	if tx.Sender != kp.Address {
		return fmt.Errorf("sender %s does not match signing key %s", tx.Sender, kp.Address)
	}
	tx.PubKey = kp.PubKey
	tx.Signature = kp.Sign(tx.SigningHash())
	return nil
}

// encode writes the canonical little-endian field encoding. Metadata keys
// are written in sorted order so the encoding is independent of map order.
func (tx *Transaction) encode(withSig bool) []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, byte(tx.Kind))
	buf = appendBytes16(buf, []byte(tx.Sender))
	buf = appendBytes16(buf, []byte(tx.Recipient))
	buf = binary.LittleEndian.AppendUint64(buf, tx.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Change)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(tx.Timestamp))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.Index)
	}

	buf = appendBytes16(buf, tx.PubKey)

	keys := make([]string, 0, len(tx.Metadata))
	for k := range tx.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendBytes16(buf, []byte(k))
		v := tx.Metadata[k]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}

	if withSig {
		buf = appendBytes16(buf, tx.Signature)
	}
	return buf
}

func appendBytes16(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

// ============================================================================
// Construction helpers
// ============================================================================

// ErrInsufficientFunds is returned when inputs cannot cover amount plus fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// TransferRequest describes a payment to build and sign.
type TransferRequest struct {
	From      *KeyPair
	To        Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Timestamp int64
	Inputs    []*UTXO
	Metadata  map[string][]byte
}

// NewTransfer builds and signs a transfer spending req.Inputs. Any surplus
// over Amount+Fee is returned to the sender as change.
func NewTransfer(req TransferRequest) (*Transaction, error) {
	var total uint64
	inputs := make([]OutPoint, 0, len(req.Inputs))
	for _, u := range req.Inputs {
		if u.Address != req.From.Address {
			return nil, fmt.Errorf("input %s not owned by %s", u.OutPoint(), req.From.Address)
		}
		total += u.Amount
		inputs = append(inputs, u.OutPoint())
	}

	need := req.Amount + req.Fee
	if need < req.Amount || total < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, need)
	}

	kind := TxTransfer
	if len(req.Metadata) > 0 {
		kind = TxMetadata
	}

	tx := &Transaction{
		Kind:      kind,
		Sender:    req.From.Address,
		Recipient: req.To,
		Amount:    req.Amount,
		Fee:       req.Fee,
		Change:    total - need,
		Nonce:     req.Nonce,
		Timestamp: req.Timestamp,
		Inputs:    inputs,
		Metadata:  req.Metadata,
	}
	if err := tx.Sign(req.From); err != nil {
		return nil, err
	}
	return tx, nil
}

// NewCoinbase builds the minting transaction for a block at height.
func NewCoinbase(miner Address, amount uint64, height uint64, timestamp int64) *Transaction {
	return &Transaction{
		Kind:      TxCoinbase,
		Sender:    CoinbaseSender,
		Recipient: miner,
		Amount:    amount,
		Nonce:     height,
		Timestamp: timestamp,
	}
}

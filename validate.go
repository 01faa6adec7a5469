package main

import (
	"errors"
	"fmt"
	"time"

	"corechain/protocol/params"
)

// ValidationStage identifies the check a block failed. Stages run in order
// and the first failure wins.
type ValidationStage int

const (
	StageStructure ValidationStage = iota + 1
	StageProofOfWork
	StageLinkage
	StageTimestamp
	StageDifficulty
	StageMerkle
	StageTransactions
	StageCoinbase
)

func (s ValidationStage) String() string {
	switch s {
	case StageStructure:
		return "structure"
	case StageProofOfWork:
		return "proof-of-work"
	case StageLinkage:
		return "linkage"
	case StageTimestamp:
		return "timestamp"
	case StageDifficulty:
		return "difficulty"
	case StageMerkle:
		return "merkle"
	case StageTransactions:
		return "transactions"
	case StageCoinbase:
		return "coinbase"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Verdict is the outcome of full block validation. There is no partial
// success: Valid is true only if every stage passed.
type Verdict struct {
	Valid bool
	Stage ValidationStage
	Code  ReasonCode
	Err   error
}

func accept() *Verdict {
	return &Verdict{Valid: true}
}

func reject(stage ValidationStage, err error) *Verdict {
	return &Verdict{Stage: stage, Code: ReasonOf(err), Err: err}
}

// stageError carries the stage alongside a rule error so callers of the
// individual check functions get both.
type stageError struct {
	stage ValidationStage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage ValidationStage, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

// ============================================================================
// Transaction checks
// ============================================================================

// CheckTransactionSanity performs every check that needs no ledger state:
// kind, field shape, amounts overflow, metadata bounds and signature.
func CheckTransactionSanity(tx *Transaction) error {
	if tx == nil {
		return structuralError(ReasonMalformedTx, "nil transaction")
	}

	switch tx.Kind {
	case TxCoinbase:
		return checkCoinbaseSanity(tx)

	case TxTransfer:
		if len(tx.Metadata) != 0 {
			return structuralError(ReasonBadTxFields, "transfer carries metadata")
		}
		return checkTransferSanity(tx)

	case TxMetadata:
		if len(tx.Metadata) == 0 {
			return structuralError(ReasonBadTxFields, "metadata transaction without metadata")
		}
		if err := checkMetadata(tx.Metadata); err != nil {
			return err
		}
		return checkTransferSanity(tx)

	default:
		return structuralError(ReasonBadTxKind, "unknown transaction kind %d", uint8(tx.Kind))
	}
}

func checkCoinbaseSanity(tx *Transaction) error {
	if tx.Sender != CoinbaseSender {
		return structuralError(ReasonBadCoinbase, "coinbase sender %q", tx.Sender)
	}
	if len(tx.Inputs) != 0 {
		return structuralError(ReasonBadCoinbase, "coinbase has %d inputs", len(tx.Inputs))
	}
	if len(tx.PubKey) != 0 || len(tx.Signature) != 0 {
		return structuralError(ReasonBadCoinbase, "coinbase is signed")
	}
	if tx.Fee != 0 || tx.Change != 0 {
		return structuralError(ReasonBadCoinbase, "coinbase fee=%d change=%d", tx.Fee, tx.Change)
	}
	if len(tx.Metadata) != 0 {
		return structuralError(ReasonBadCoinbase, "coinbase carries metadata")
	}
	if err := tx.Recipient.Validate(); err != nil || tx.Recipient == CoinbaseSender {
		return structuralError(ReasonBadCoinbase, "coinbase recipient %q invalid", tx.Recipient)
	}
	return nil
}

func checkTransferSanity(tx *Transaction) error {
	if tx.Sender == CoinbaseSender {
		return structuralError(ReasonBadSender, "non-coinbase uses coinbase sender")
	}
	if err := tx.Sender.Validate(); err != nil {
		return structuralError(ReasonBadSender, "sender: %v", err)
	}
	if err := tx.Recipient.Validate(); err != nil || tx.Recipient == CoinbaseSender {
		return structuralError(ReasonBadTxFields, "recipient %q invalid", tx.Recipient)
	}
	if tx.Amount == 0 {
		return structuralError(ReasonBadAmounts, "zero amount")
	}
	if _, ok := spendTotal(tx); !ok {
		return structuralError(ReasonBadAmounts, "amount+fee+change overflows")
	}
	if tx.Nonce == 0 {
		return structuralError(ReasonBadNonce, "nonce must start at 1")
	}
	if len(tx.Inputs) == 0 {
		return structuralError(ReasonBadTxFields, "no inputs")
	}

	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in]; dup {
			return consensusError(ReasonDoubleSpend, "input %s spent twice in one transaction", in)
		}
		seen[in] = struct{}{}
	}

	if AddressFromPubKey(tx.PubKey) != tx.Sender {
		return consensusError(ReasonBadSender, "pubkey does not hash to sender %s", tx.Sender)
	}
	if !VerifySignature(tx.PubKey, tx.Signature, tx.SigningHash()) {
		return consensusError(ReasonBadSignature, "signature verification failed")
	}
	return nil
}

func checkMetadata(md map[string][]byte) error {
	if len(md) > params.MaxMetadataEntries {
		return structuralError(ReasonMetadataTooBig, "%d metadata entries (max %d)", len(md), params.MaxMetadataEntries)
	}
	total := 0
	for k, v := range md {
		if k == "" || len(k) > params.MaxMetadataKeyLen {
			return structuralError(ReasonMetadataTooBig, "metadata key length %d", len(k))
		}
		total += len(k) + len(v)
	}
	if total > params.MaxMetadataBytes {
		return structuralError(ReasonMetadataTooBig, "metadata is %d bytes (max %d)", total, params.MaxMetadataBytes)
	}
	return nil
}

// spendTotal returns Amount+Fee+Change, reporting false on overflow.
func spendTotal(tx *Transaction) (uint64, bool) {
	total := tx.Amount + tx.Fee
	if total < tx.Amount {
		return 0, false
	}
	sum := total + tx.Change
	if sum < total {
		return 0, false
	}
	return sum, true
}

// CheckTransactionInputs checks tx against the ledger in view as of a block
// at height: nonce sequence, input existence, ownership, maturity and value
// balance. It returns the fee.
func CheckTransactionInputs(tx *Transaction, view UTXOView, height uint64, p *params.ChainParams) (uint64, error) {
	if tx.IsCoinbase() {
		return 0, structuralError(ReasonBadCoinbasePos, "coinbase checked as a spend")
	}

	next, err := view.NextNonce(tx.Sender)
	if err != nil {
		return 0, storageError(err, "nonce lookup for %s", tx.Sender)
	}
	if tx.Nonce != next {
		return 0, consensusError(ReasonBadNonce, "nonce %d, expected %d", tx.Nonce, next)
	}

	var inputSum uint64
	for _, in := range tx.Inputs {
		u, err := view.FetchUTXO(in)
		if err != nil {
			return 0, storageError(err, "fetch input %s", in)
		}
		if u == nil {
			return 0, consensusError(ReasonMissingInput, "input %s does not exist", in)
		}
		if u.Spent {
			return 0, consensusError(ReasonDoubleSpend, "input %s already spent", in)
		}
		if u.Address != tx.Sender {
			return 0, consensusError(ReasonInputNotOwned, "input %s owned by %s", in, u.Address)
		}
		if u.Coinbase && height < u.Height+p.CoinbaseMaturity {
			return 0, consensusError(ReasonImmatureSpend, "input %s matures at height %d", in, u.Height+p.CoinbaseMaturity)
		}
		sum := inputSum + u.Amount
		if sum < inputSum {
			return 0, consensusError(ReasonBadAmounts, "input sum overflows")
		}
		inputSum = sum
	}

	want, _ := spendTotal(tx)
	if inputSum != want {
		return 0, consensusError(ReasonBadAmounts, "inputs %d != amount+fee+change %d", inputSum, want)
	}
	return tx.Fee, nil
}

// ============================================================================
// Block checks
// ============================================================================

// CheckBlockSanity runs the contextless stages: structure and proof of work.
// It is safe to call on blocks from untrusted peers before anything else.
func CheckBlockSanity(block *Block, p *params.ChainParams) error {
	if block == nil {
		return atStage(StageStructure, structuralError(ReasonMalformedBlock, "nil block"))
	}
	if err := checkBlockStructure(block, p); err != nil {
		return atStage(StageStructure, err)
	}
	if !CheckProofOfWork(block.Hash(), block.Header.Difficulty) {
		return atStage(StageProofOfWork, consensusError(ReasonBadPoW,
			"hash %x above target for difficulty %d", block.Hash(), block.Header.Difficulty))
	}
	return nil
}

func checkBlockStructure(block *Block, p *params.ChainParams) error {
	h := &block.Header
	if h.Version != BlockVersion {
		return structuralError(ReasonBadVersion, "version %d", h.Version)
	}
	if h.Miner != "" {
		if err := h.Miner.Validate(); err != nil {
			return structuralError(ReasonMalformedBlock, "miner: %v", err)
		}
	}
	if len(block.Transactions) > p.MaxBlockTxs {
		return structuralError(ReasonBlockTooLarge, "%d transactions (max %d)", len(block.Transactions), p.MaxBlockTxs)
	}
	if size := block.Size(); size > p.MaxBlockSize {
		return structuralError(ReasonBlockTooLarge, "%d bytes (max %d)", size, p.MaxBlockSize)
	}
	if h.Height == 0 && len(block.Transactions) != 0 {
		return structuralError(ReasonBadHeight, "genesis carries transactions")
	}

	seen := make(map[[32]byte]struct{}, len(block.Transactions))
	for i, tx := range block.Transactions {
		if tx == nil {
			return structuralError(ReasonMalformedTx, "tx %d is nil", i)
		}
		if tx.IsCoinbase() != (i == 0) {
			return structuralError(ReasonBadCoinbasePos, "tx %d coinbase=%v", i, tx.IsCoinbase())
		}
		if err := CheckTransactionSanity(tx); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		txid := tx.TxID()
		if _, dup := seen[txid]; dup {
			return structuralError(ReasonDuplicateTx, "tx %s appears twice", shortHash(txid))
		}
		seen[txid] = struct{}{}
	}
	return nil
}

// CheckBlockHeaderContext runs the stages that need only the parent header
// and its ancestry: linkage, timestamp bounds, difficulty and merkle root.
// ancestors ends with parent and is used for the difficulty retarget.
func CheckBlockHeaderContext(block *Block, ancestors []BlockHeader, p *params.ChainParams, now time.Time) error {
	if len(ancestors) == 0 {
		return atStage(StageLinkage, structuralError(ReasonBadPrevHash, "no parent header"))
	}
	parent := &ancestors[len(ancestors)-1]
	h := &block.Header

	if h.PrevHash != parent.Hash() {
		return atStage(StageLinkage, consensusError(ReasonBadPrevHash, "prev %x is not parent %s", h.PrevHash[:8], shortHash(parent.Hash())))
	}
	if h.Height != parent.Height+1 {
		return atStage(StageLinkage, consensusError(ReasonBadHeight, "height %d, parent at %d", h.Height, parent.Height))
	}

	if h.Timestamp < parent.Timestamp {
		return atStage(StageTimestamp, consensusError(ReasonTimeTooOld, "timestamp %d before parent %d", h.Timestamp, parent.Timestamp))
	}
	if limit := now.Add(p.MaxFutureDrift).Unix(); h.Timestamp > limit {
		return atStage(StageTimestamp, consensusError(ReasonTimeTooNew, "timestamp %d beyond %d", h.Timestamp, limit))
	}

	if want := CalcNextDifficulty(p, ancestors); h.Difficulty < want {
		return atStage(StageDifficulty, consensusError(ReasonBadDifficulty, "difficulty %d below required %d", h.Difficulty, want))
	}

	if root := block.ComputeMerkleRoot(); root != h.MerkleRoot {
		return atStage(StageMerkle, consensusError(ReasonBadMerkle, "merkle root %x, computed %x", h.MerkleRoot[:8], root[:8]))
	}
	return nil
}

// CheckBlockTransactions validates every transaction against view, which
// must reflect the ledger as of the parent. Later transactions may spend
// outputs of earlier ones in the same block.
func CheckBlockTransactions(block *Block, view UTXOView, p *params.ChainParams) error {
	height := block.Header.Height
	overlay := newOverlayView(view)

	cb := block.Coinbase()
	if cb != nil {
		overlay.apply(cb, height)
	}

	var fees uint64
	for i, tx := range block.Transactions {
		if tx.IsCoinbase() {
			continue
		}
		fee, err := CheckTransactionInputs(tx, overlay, height, p)
		if err != nil {
			return atStage(StageTransactions, fmt.Errorf("tx %d: %w", i, err))
		}
		if fees+fee < fees {
			return atStage(StageTransactions, consensusError(ReasonBadAmounts, "block fees overflow"))
		}
		fees += fee
		overlay.apply(tx, height)
	}

	if cb == nil {
		return nil
	}
	if cb.Nonce != height {
		return atStage(StageCoinbase, consensusError(ReasonBadCoinbase, "coinbase height %d in block %d", cb.Nonce, height))
	}
	limit := BlockReward(p, height) + fees
	if cb.Amount > limit {
		return atStage(StageCoinbase, consensusError(ReasonCoinbaseTooLarge, "coinbase %d exceeds reward+fees %d", cb.Amount, limit))
	}
	return nil
}

// ValidateBlock runs every stage in order and reports the first failure.
func ValidateBlock(block *Block, ancestors []BlockHeader, view UTXOView, p *params.ChainParams, now time.Time) *Verdict {
	checks := []func() error{
		func() error { return CheckBlockSanity(block, p) },
		func() error { return CheckBlockHeaderContext(block, ancestors, p, now) },
		func() error { return CheckBlockTransactions(block, view, p) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return verdictFor(err)
		}
	}
	return accept()
}

func verdictFor(err error) *Verdict {
	var se *stageError
	if errors.As(err, &se) {
		return reject(se.stage, se.err)
	}
	return reject(StageStructure, err)
}

// ============================================================================
// Overlay view
// ============================================================================

// overlayView layers in-block effects over a base view so a block may chain
// transactions without touching storage.
type overlayView struct {
	base    UTXOView
	created map[OutPoint]*UTXO
	spent   map[OutPoint][32]byte
	nonces  map[Address]uint64 // next nonce
}

func newOverlayView(base UTXOView) *overlayView {
	return &overlayView{
		base:    base,
		created: make(map[OutPoint]*UTXO),
		spent:   make(map[OutPoint][32]byte),
		nonces:  make(map[Address]uint64),
	}
}

func (o *overlayView) FetchUTXO(op OutPoint) (*UTXO, error) {
	var u *UTXO
	if c, ok := o.created[op]; ok {
		cp := *c
		u = &cp
	} else {
		var err error
		if u, err = o.base.FetchUTXO(op); err != nil || u == nil {
			return u, err
		}
	}
	if by, ok := o.spent[op]; ok {
		u.Spent = true
		u.SpentBy = by
	}
	return u, nil
}

func (o *overlayView) NextNonce(sender Address) (uint64, error) {
	if n, ok := o.nonces[sender]; ok {
		return n, nil
	}
	return o.base.NextNonce(sender)
}

func (o *overlayView) apply(tx *Transaction, height uint64) {
	txid := tx.TxID()
	if !tx.IsCoinbase() {
		for _, in := range tx.Inputs {
			o.spent[in] = txid
		}
		o.nonces[tx.Sender] = tx.Nonce + 1
	}
	for i, out := range tx.Outputs() {
		op := OutPoint{TxID: txid, Index: uint32(i)}
		o.created[op] = &UTXO{
			TxID:     txid,
			Index:    uint32(i),
			Address:  out.Address,
			Amount:   out.Amount,
			Height:   height,
			Coinbase: tx.IsCoinbase(),
		}
	}
}

package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejection so callers know whether to retry, penalize
// the sender or stop mutating the chain.
type ErrorKind int

const (
	// KindStructural marks malformed blocks or transactions. Never retried.
	KindStructural ErrorKind = iota

	// KindConsensus marks rule violations (bad PoW, bad linkage,
	// double-spend). The originating peer is penalized.
	KindConsensus

	// KindTransientNetwork marks timeouts and refused connections.
	KindTransientNetwork

	// KindStorage marks persistence failures. Fatal to chain mutation.
	KindStorage

	// KindReorgDepthExceeded marks a reorg rejected by the depth policy.
	KindReorgDepthExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindConsensus:
		return "consensus"
	case KindTransientNetwork:
		return "transient-network"
	case KindStorage:
		return "storage"
	case KindReorgDepthExceeded:
		return "reorg-depth-exceeded"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ReasonCode is the machine-readable reason attached to every rejection.
type ReasonCode string

// Block reason codes
const (
	ReasonBadVersion       ReasonCode = "bad-version"
	ReasonBadHeight        ReasonCode = "bad-height"
	ReasonBlockTooLarge    ReasonCode = "block-too-large"
	ReasonBadCoinbasePos   ReasonCode = "bad-coinbase-position"
	ReasonDuplicateTx      ReasonCode = "duplicate-tx"
	ReasonBadPoW           ReasonCode = "bad-pow"
	ReasonBadDifficulty    ReasonCode = "bad-difficulty"
	ReasonBadPrevHash      ReasonCode = "bad-prev-hash"
	ReasonTimeTooOld       ReasonCode = "time-too-old"
	ReasonTimeTooNew       ReasonCode = "time-too-new"
	ReasonBadMerkle        ReasonCode = "bad-merkle-root"
	ReasonBadCoinbase      ReasonCode = "bad-coinbase"
	ReasonCoinbaseTooLarge ReasonCode = "coinbase-too-large"
	ReasonInvalidAncestor  ReasonCode = "invalid-ancestor"
	ReasonCheckpoint       ReasonCode = "checkpoint-mismatch"
	ReasonDuplicateBlock   ReasonCode = "duplicate-block"
	ReasonOrphan           ReasonCode = "orphan"
	ReasonNotHeavier       ReasonCode = "branch-not-heavier"
	ReasonReorgTooDeep     ReasonCode = "reorg-too-deep"
)

// Transaction reason codes
const (
	ReasonBadTxKind       ReasonCode = "bad-tx-kind"
	ReasonBadTxFields     ReasonCode = "bad-tx-fields"
	ReasonBadSignature    ReasonCode = "bad-signature"
	ReasonBadSender       ReasonCode = "bad-sender"
	ReasonBadAmounts      ReasonCode = "bad-amounts"
	ReasonMissingInput    ReasonCode = "missing-input"
	ReasonDoubleSpend     ReasonCode = "double-spend"
	ReasonInputNotOwned   ReasonCode = "input-not-owned"
	ReasonBadNonce        ReasonCode = "bad-nonce"
	ReasonNonceGap        ReasonCode = "nonce-gap"
	ReasonDuplicateNonce  ReasonCode = "duplicate-nonce"
	ReasonMempoolFull     ReasonCode = "mempool-full"
	ReasonFeeTooLow       ReasonCode = "fee-too-low"
	ReasonCoinbaseInPool  ReasonCode = "coinbase-in-mempool"
	ReasonAlreadyInPool   ReasonCode = "already-in-mempool"
	ReasonImmatureSpend   ReasonCode = "immature-coinbase-spend"
	ReasonStorageFailure  ReasonCode = "storage-failure"
	ReasonChainHalted     ReasonCode = "chain-halted"
	ReasonMalformedBlock  ReasonCode = "malformed-block"
	ReasonMalformedTx     ReasonCode = "malformed-tx"
	ReasonMetadataTooBig  ReasonCode = "metadata-too-large"
	ReasonUnexpectedInput ReasonCode = "unexpected-input"
)

// RuleError is a rejection carrying its taxonomy kind and reason code.
type RuleError struct {
	Kind ErrorKind
	Code ReasonCode
	Msg  string
	Err  error
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match sentinels by reason code.
func (e *RuleError) Is(target error) bool {
	t, ok := target.(*RuleError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Msg == ""
}

func ruleError(kind ErrorKind, code ReasonCode, format string, args ...any) *RuleError {
	return &RuleError{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func structuralError(code ReasonCode, format string, args ...any) *RuleError {
	return ruleError(KindStructural, code, format, args...)
}

func consensusError(code ReasonCode, format string, args ...any) *RuleError {
	return ruleError(KindConsensus, code, format, args...)
}

func storageError(err error, format string, args ...any) *RuleError {
	return &RuleError{
		Kind: KindStorage,
		Code: ReasonStorageFailure,
		Msg:  fmt.Sprintf(format, args...),
		Err:  err,
	}
}

// Sentinel errors usable with errors.Is. They match any RuleError carrying
// the same reason code.
var (
	ErrOrphanBlock        = &RuleError{Kind: KindConsensus, Code: ReasonOrphan}
	ErrDuplicateBlock     = &RuleError{Kind: KindStructural, Code: ReasonDuplicateBlock}
	ErrDoubleSpend        = &RuleError{Kind: KindConsensus, Code: ReasonDoubleSpend}
	ErrDuplicateNonce     = &RuleError{Kind: KindConsensus, Code: ReasonDuplicateNonce}
	ErrMempoolFull        = &RuleError{Kind: KindConsensus, Code: ReasonMempoolFull}
	ErrReorgDepthExceeded = &RuleError{Kind: KindReorgDepthExceeded, Code: ReasonReorgTooDeep}
	ErrChainHalted        = &RuleError{Kind: KindStorage, Code: ReasonChainHalted}
	ErrBranchNotHeavier   = &RuleError{Kind: KindConsensus, Code: ReasonNotHeavier}
	ErrAlreadyInMempool   = &RuleError{Kind: KindStructural, Code: ReasonAlreadyInPool}
)

// ErrInvalidTransaction is the umbrella for admission failures caused by the
// transaction itself (signature, inputs, nonce).
var ErrInvalidTransaction = errors.New("invalid transaction")

// invalidTx wraps a rule error so both errors.Is(err, ErrInvalidTransaction)
// and errors.As(err, *RuleError) hold.
func invalidTx(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
}

// KindOf returns the taxonomy kind of err, defaulting to structural for
// errors that carry no classification.
func KindOf(err error) ErrorKind {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindStructural
}

// ReasonOf returns the reason code of err, or "" if it has none.
func ReasonOf(err error) ReasonCode {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsConsensusError reports whether err should count against the peer that
// sent the offending data.
func IsConsensusError(err error) bool {
	var re *RuleError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case ReasonOrphan, ReasonDuplicateBlock, ReasonNotHeavier, ReasonAlreadyInPool, ReasonMempoolFull,
		ReasonTimeTooNew, ReasonNonceGap:
		return false
	}
	return re.Kind == KindConsensus || re.Kind == KindStructural
}

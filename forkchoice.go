package main

import (
	"bytes"
	"fmt"
	"strings"
)

// TipStatus describes where a chain tip stands relative to the best chain.
type TipStatus int

const (
	// TipActive is the tip of the best chain.
	TipActive TipStatus = iota + 1

	// TipCompeting is a valid side-branch tip with less work (or a lost
	// tie) than the active tip.
	TipCompeting

	// TipOrphaned is a block whose parent is unknown, parked in the orphan
	// pool.
	TipOrphaned

	// TipDuplicate is reported when an already-known block is resubmitted.
	TipDuplicate
)

func (s TipStatus) String() string {
	switch s {
	case TipActive:
		return "active"
	case TipCompeting:
		return "competing"
	case TipOrphaned:
		return "orphaned"
	case TipDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ChainTip is a leaf of the block tree.
type ChainTip struct {
	Hash   [32]byte  `json:"hash"`
	Height uint64    `json:"height"`
	Work   uint64    `json:"work"`
	Status TipStatus `json:"status"`
}

// ReorgPolicy decides what happens to reorgs deeper than the configured
// maximum.
type ReorgPolicy int

const (
	// ReorgReject refuses the reorg with ErrReorgDepthExceeded.
	ReorgReject ReorgPolicy = iota

	// ReorgWarn logs and applies the reorg anyway.
	ReorgWarn
)

func (p ReorgPolicy) String() string {
	if p == ReorgWarn {
		return "warn"
	}
	return "reject"
}

// ParseReorgPolicy parses the --reorg.policy value.
func ParseReorgPolicy(s string) (ReorgPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject", "":
		return ReorgReject, nil
	case "warn":
		return ReorgWarn, nil
	default:
		return 0, fmt.Errorf("unknown reorg policy %q (want reject or warn)", s)
	}
}

// ForkResolver implements fork choice and the reorg safety policy. It holds
// no chain state of its own.
type ForkResolver struct {
	maxDepth    uint64
	policy      ReorgPolicy
	checkpoints *Checkpoints
}

// NewForkResolver creates a resolver. maxDepth 0 disables the depth limit.
func NewForkResolver(maxDepth uint64, policy ReorgPolicy, checkpoints *Checkpoints) *ForkResolver {
	return &ForkResolver{
		maxDepth:    maxDepth,
		policy:      policy,
		checkpoints: checkpoints,
	}
}

// Compare orders two tips by preference: positive if a is better, negative
// if b is better, zero only for the same hash. More cumulative work wins;
// equal work goes to the lexicographically smaller hash so every node picks
// the same tip regardless of arrival order.
func (r *ForkResolver) Compare(a, b ChainTip) int {
	switch {
	case a.Work > b.Work:
		return 1
	case a.Work < b.Work:
		return -1
	}
	return -bytes.Compare(a.Hash[:], b.Hash[:])
}

// SelectBest returns the preferred tip. It panics on an empty slice.
func (r *ForkResolver) SelectBest(tips []ChainTip) ChainTip {
	best := tips[0]
	for _, t := range tips[1:] {
		if r.Compare(t, best) > 0 {
			best = t
		}
	}
	return best
}

// CheckReorg applies the safety policy to a reorg that would disconnect
// depth blocks above the common ancestor at forkHeight.
func (r *ForkResolver) CheckReorg(depth, forkHeight uint64) error {
	if depth == 0 {
		return nil
	}

	if last, ok := r.checkpoints.LastHeight(); ok && forkHeight < last {
		return consensusError(ReasonCheckpoint, "reorg from height %d crosses checkpoint at %d", forkHeight, last)
	}

	if r.maxDepth == 0 || depth <= r.maxDepth {
		return nil
	}
	if r.policy == ReorgWarn {
		chainLog.Warnf("Applying reorg of depth %d (limit %d) from fork height %d", depth, r.maxDepth, forkHeight)
		return nil
	}
	return ruleError(KindReorgDepthExceeded, ReasonReorgTooDeep, "reorg depth %d exceeds limit %d", depth, r.maxDepth)
}

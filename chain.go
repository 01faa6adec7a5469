package main

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"corechain/debug"
	"corechain/protocol/params"

	"github.com/lightningnetwork/lnd/clock"
)

// ============================================================================
// Block Index
// ============================================================================

// blockNode is the in-memory index entry for a stored, header-valid block.
type blockNode struct {
	hash     [32]byte
	header   BlockHeader
	parent   *blockNode
	children []*blockNode
	work     uint64 // cumulative, including this block
}

func (n *blockNode) height() uint64 {
	return n.header.Height
}

func (n *blockNode) tip(status TipStatus) ChainTip {
	return ChainTip{Hash: n.hash, Height: n.height(), Work: n.work, Status: status}
}

// ProcessResult reports what a block submission did to the chain.
//
// Connected and Disconnected are net effects in application order: a block
// connected and then disconnected while attaching orphans appears in
// neither list.
//
// Verdict is the full validation outcome of the submitted block once it
// has been checked against the ledger, which happens when it connects. A
// block stored on a side branch, parked as an orphan or already known has
// no verdict yet.
type ProcessResult struct {
	Hash            [32]byte
	Height          uint64
	Status          TipStatus
	Verdict         *Verdict
	Connected       []*Block
	Disconnected    []*Block
	OrphansAttached int
}

// Reorged reports whether any block left the main chain.
func (r *ProcessResult) Reorged() bool {
	return len(r.Disconnected) > 0
}

func (r *ProcessResult) connect(blocks ...*Block) {
	for _, b := range blocks {
		hash := b.Hash()
		if i := slices.IndexFunc(r.Disconnected, func(d *Block) bool { return d.Hash() == hash }); i >= 0 {
			r.Disconnected = slices.Delete(r.Disconnected, i, i+1)
			continue
		}
		r.Connected = append(r.Connected, b)
	}
}

func (r *ProcessResult) disconnect(blocks ...*Block) {
	for _, b := range blocks {
		hash := b.Hash()
		if i := slices.IndexFunc(r.Connected, func(c *Block) bool { return c.Hash() == hash }); i >= 0 {
			r.Connected = slices.Delete(r.Connected, i, i+1)
			continue
		}
		r.Disconnected = append(r.Disconnected, b)
	}
}

// ChainConfig configures a Chain.
type ChainConfig struct {
	Params  *params.ChainParams
	DataDir string

	// Storage overrides DataDir when set.
	Storage *Storage

	Clock         clock.Clock
	ReorgMaxDepth uint64
	ReorgPolicy   ReorgPolicy
	Checkpoints   *Checkpoints
	MaxOrphans    int
	OrphanTTL     time.Duration
}

// ============================================================================
// Chain State
// ============================================================================

// Chain owns the block tree, the main chain and, through Storage, the
// ledger. One writer lock serializes block application, rollback and
// reorganization.
type Chain struct {
	mu *debug.RWMutex

	params      *params.ChainParams
	storage     *Storage
	clock       clock.Clock
	resolver    *ForkResolver
	checkpoints *Checkpoints
	orphans     *OrphanPool

	index   map[[32]byte]*blockNode
	tips    map[[32]byte]*blockNode
	invalid map[[32]byte]ReasonCode
	// refused holds heavier tips the reorg policy would not switch to.
	// Fork choice skips them until they are extended.
	refused map[[32]byte]struct{}
	main    []*blockNode // height -> node (main chain only)
	best    *blockNode

	// halted is set after a storage failure on the write path. Every
	// later mutation is refused until restart.
	halted error
}

// NewChain opens the chain database and rebuilds the block index. An empty
// database is initialized with the genesis block.
func NewChain(cfg ChainConfig) (*Chain, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("chain params required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	storage := cfg.Storage
	if storage == nil {
		var err error
		storage, err = NewStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	c := &Chain{
		mu:          debug.NewRWMutex("chain"),
		params:      cfg.Params,
		storage:     storage,
		clock:       clk,
		resolver:    NewForkResolver(cfg.ReorgMaxDepth, cfg.ReorgPolicy, cfg.Checkpoints),
		checkpoints: cfg.Checkpoints,
		orphans:     NewOrphanPool(clk, cfg.MaxOrphans, cfg.OrphanTTL),
		index:       make(map[[32]byte]*blockNode),
		tips:        make(map[[32]byte]*blockNode),
		invalid:     make(map[[32]byte]ReasonCode),
		refused:     make(map[[32]byte]struct{}),
	}

	if err := c.loadFromStorage(); err != nil {
		if cfg.Storage == nil {
			storage.Close()
		}
		return nil, fmt.Errorf("failed to load chain state: %w", err)
	}

	return c, nil
}

// loadFromStorage rebuilds the in-memory index from every stored block.
func (c *Chain) loadFromStorage() error {
	_, _, _, found, err := c.storage.GetTip()
	if err != nil {
		return err
	}
	if !found {
		genesis := GenesisBlock(c.params)
		err := c.storage.CommitBlock(&BlockCommit{
			Block: genesis,
			Work:  genesis.Header.Difficulty,
		})
		if err != nil {
			return fmt.Errorf("failed to write genesis: %w", err)
		}
		chainLog.Infof("Initialized new chain with genesis %x", genesis.Hash())
	}

	invalid, err := c.storage.InvalidBlocks()
	if err != nil {
		return err
	}
	c.invalid = invalid

	var headers []BlockHeader
	if err := c.storage.ForEachBlock(func(b *Block) error {
		headers = append(headers, b.Header)
		return nil
	}); err != nil {
		return err
	}
	slices.SortFunc(headers, func(a, b BlockHeader) int {
		switch {
		case a.Height < b.Height:
			return -1
		case a.Height > b.Height:
			return 1
		}
		return 0
	})

	genesisHash := GenesisBlock(c.params).Hash()
	for _, h := range headers {
		hash := h.Hash()
		if _, bad := c.invalid[hash]; bad {
			continue
		}
		if h.Height == 0 {
			if hash != genesisHash {
				return fmt.Errorf("database genesis %x does not match %s network", hash[:8], c.params.Name)
			}
			c.addNodeLocked(h, nil)
			continue
		}
		parent, ok := c.index[h.PrevHash]
		if !ok {
			// Descendant of an invalid block.
			c.invalid[hash] = ReasonInvalidAncestor
			continue
		}
		c.addNodeLocked(h, parent)
	}

	tipHash, tipHeight, _, _, err := c.storage.GetTip()
	if err != nil {
		return err
	}
	best, ok := c.index[tipHash]
	if !ok {
		return fmt.Errorf("tip %x missing from block index", tipHash[:8])
	}
	c.best = best
	c.main = make([]*blockNode, tipHeight+1)
	for n := best; n != nil; n = n.parent {
		c.main[n.height()] = n
	}
	if c.main[0] == nil || c.main[0].hash != genesisHash {
		return fmt.Errorf("main chain does not descend from genesis")
	}

	chainLog.Infof("Loaded chain: height=%d tip=%x work=%d tips=%d invalid=%d",
		best.height(), best.hash[:8], best.work, len(c.tips), len(c.invalid))
	return nil
}

// Close closes the chain storage
func (c *Chain) Close() error {
	if c.storage != nil {
		return c.storage.Close()
	}
	return nil
}

// Storage returns the ledger store for read-only queries.
func (c *Chain) Storage() *Storage {
	return c.storage
}

// Params returns the consensus parameters.
func (c *Chain) Params() *params.ChainParams {
	return c.params
}

// Orphans returns the orphan pool.
func (c *Chain) Orphans() *OrphanPool {
	return c.orphans
}

// addNodeLocked inserts a header into the index. Caller holds c.mu.
func (c *Chain) addNodeLocked(h BlockHeader, parent *blockNode) *blockNode {
	n := &blockNode{
		hash:   h.Hash(),
		header: h,
		parent: parent,
		work:   h.Difficulty,
	}
	if parent != nil {
		n.work += parent.work
		parent.children = append(parent.children, n)
		delete(c.tips, parent.hash)
	}
	c.index[n.hash] = n
	c.tips[n.hash] = n
	return n
}

// removeSubtreeLocked drops n and every descendant from the index.
func (c *Chain) removeSubtreeLocked(n *blockNode) {
	stack := []*blockNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(c.index, cur.hash)
		delete(c.tips, cur.hash)
		delete(c.refused, cur.hash)
		if _, ok := c.invalid[cur.hash]; !ok {
			c.invalid[cur.hash] = ReasonInvalidAncestor
		}
		stack = append(stack, cur.children...)
	}

	if p := n.parent; p != nil {
		p.children = slices.DeleteFunc(p.children, func(ch *blockNode) bool { return ch == n })
		if len(p.children) == 0 {
			c.tips[p.hash] = p
		}
	}
}

// markInvalidLocked records hash as invalid, removes it (and descendants)
// from the index and persists the verdict.
func (c *Chain) markInvalidLocked(hash [32]byte, cause error) error {
	code := ReasonOf(cause)
	if code == "" {
		code = ReasonInvalidAncestor
	}
	c.invalid[hash] = code
	if n, ok := c.index[hash]; ok {
		c.removeSubtreeLocked(n)
	}
	if err := c.storage.MarkInvalid(hash, code); err != nil {
		return c.haltLocked(err)
	}
	chainLog.Debugf("Marked block %x invalid: %v", hash[:8], cause)
	return nil
}

func (c *Chain) haltLocked(err error) error {
	if c.halted == nil {
		c.halted = err
		chainLog.Criticalf("Chain halted after storage failure: %v", err)
	}
	return &RuleError{Kind: KindStorage, Code: ReasonChainHalted, Msg: "storage failure", Err: err}
}

func (c *Chain) checkHaltedLocked() error {
	if c.halted != nil {
		return &RuleError{Kind: KindStorage, Code: ReasonChainHalted, Msg: "refusing mutation", Err: c.halted}
	}
	return nil
}

// isRuleFailure reports whether err is a validation failure rather than a
// persistence failure.
func isRuleFailure(err error) bool {
	var re *RuleError
	return errors.As(err, &re) && re.Kind != KindStorage
}

// handleCommitErrLocked classifies a failed storage commit: validation
// failures invalidate the offending block, anything else halts the chain.
func (c *Chain) handleCommitErrLocked(err error) error {
	if hash, ok := failedConnect(err); ok && isRuleFailure(err) {
		if markErr := c.markInvalidLocked(hash, err); markErr != nil {
			return markErr
		}
		return err
	}
	return c.haltLocked(err)
}

func (c *Chain) validateTransactions(block *Block, view UTXOView) error {
	return CheckBlockTransactions(block, view, c.params)
}

// ancestorHeaders returns up to n headers ending at node, oldest first.
func (c *Chain) ancestorHeaders(node *blockNode, n int) []BlockHeader {
	headers := make([]BlockHeader, 0, n)
	for cur := node; cur != nil && len(headers) < n; cur = cur.parent {
		headers = append(headers, cur.header)
	}
	slices.Reverse(headers)
	return headers
}

func (c *Chain) difficultyWindow() int {
	return c.params.LWMAWindow + 1
}

func (c *Chain) findForkLocked(a, b *blockNode) *blockNode {
	for a.height() > b.height() {
		a = a.parent
	}
	for b.height() > a.height() {
		b = b.parent
	}
	for a != b {
		a = a.parent
		b = b.parent
	}
	return a
}

func (c *Chain) isMainLocked(n *blockNode) bool {
	h := n.height()
	return h < uint64(len(c.main)) && c.main[h] == n
}

func (c *Chain) loadBlockLocked(hash [32]byte) (*Block, error) {
	block, err := c.storage.GetBlock(hash)
	if err != nil {
		return nil, c.haltLocked(err)
	}
	if block == nil {
		return nil, c.haltLocked(fmt.Errorf("indexed block %x missing from storage", hash[:8]))
	}
	return block, nil
}

// setMainLocked makes target the best tip, replacing main chain entries
// above fork.
func (c *Chain) setMainLocked(fork, target *blockNode) {
	c.main = c.main[:fork.height()+1]
	var path []*blockNode
	for n := target; n != fork; n = n.parent {
		path = append(path, n)
	}
	slices.Reverse(path)
	c.main = append(c.main, path...)
	c.best = target
}

// ============================================================================
// Block Processing
// ============================================================================

// ProcessBlock is the single entry point for network and locally mined
// blocks. It validates, stores, runs fork choice, reorganizes if needed and
// re-attempts any orphans waiting on the block.
func (c *Chain) ProcessBlock(block *Block) (*ProcessResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHaltedLocked(); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, structuralError(ReasonMalformedBlock, "nil block")
	}

	hash := block.Hash()
	res := &ProcessResult{Hash: hash, Height: block.Header.Height}

	status, err := c.processBlockLocked(block, res)
	if err != nil {
		return nil, err
	}
	res.Status = status

	if status == TipActive || status == TipCompeting {
		c.attachOrphansLocked([][32]byte{hash}, res)
		if n, ok := c.index[hash]; ok && c.isMainLocked(n) {
			res.Status = TipActive
		}
	}
	return res, nil
}

func (c *Chain) processBlockLocked(block *Block, res *ProcessResult) (TipStatus, error) {
	hash := block.Hash()
	h := &block.Header

	if _, ok := c.index[hash]; ok {
		return TipDuplicate, nil
	}
	if reason, bad := c.invalid[hash]; bad {
		return 0, consensusError(ReasonInvalidAncestor, "block %x previously rejected: %s", hash[:8], reason)
	}
	if c.orphans.Has(hash) {
		return TipDuplicate, nil
	}

	if err := c.checkpoints.Check(h.Height, hash); err != nil {
		return 0, err
	}

	parent, ok := c.index[h.PrevHash]
	if !ok {
		if err := CheckBlockSanity(block, c.params); err != nil {
			return 0, err
		}
		if _, bad := c.invalid[h.PrevHash]; bad {
			err := consensusError(ReasonInvalidAncestor, "block %x builds on invalid %x", hash[:8], h.PrevHash[:8])
			c.invalid[hash] = ReasonInvalidAncestor
			return 0, err
		}
		if h.Height == 0 {
			return 0, consensusError(ReasonBadPrevHash, "foreign genesis %x", hash[:8])
		}
		if c.orphans.Add(block) {
			chainLog.Debugf("Orphan block %x at height %d, waiting on parent %x",
				hash[:8], h.Height, h.PrevHash[:8])
		}
		return TipOrphaned, nil
	}

	now := c.clock.Now()
	ancestors := c.ancestorHeaders(parent, c.difficultyWindow())

	// Extends the main chain: validate and apply in one write.
	if parent == c.best && h.Height == parent.height()+1 {
		return c.connectBestLocked(block, ancestors, now, res)
	}

	if err := CheckBlockSanity(block, c.params); err != nil {
		return 0, err
	}
	if err := c.checkHeaderLocked(block, ancestors, now); err != nil {
		return 0, err
	}
	node := c.addNodeLocked(block.Header, parent)

	// Side branch: keep it, then see whether it now carries the most work.
	if err := c.storage.SaveBlock(block); err != nil {
		c.removeSubtreeLocked(node)
		delete(c.invalid, hash)
		return 0, c.haltLocked(err)
	}

	best := c.resolver.SelectBest(c.tipListLocked())
	if best.Hash == c.best.hash {
		chainLog.Debugf("Side-branch block %x at height %d (work %d, best %d)",
			hash[:8], h.Height, node.work, c.best.work)
		return TipCompeting, nil
	}

	if err := c.reorganizeLocked(c.index[best.Hash], res); err != nil {
		return 0, err
	}
	if n, ok := c.index[hash]; ok && c.isMainLocked(n) {
		if res.Hash == hash {
			res.Verdict = accept()
		}
		return TipActive, nil
	}
	if _, ok := c.index[hash]; !ok {
		return 0, consensusError(ReasonInvalidAncestor, "block %x invalidated during reorg", hash[:8])
	}
	return TipCompeting, nil
}

// checkHeaderLocked runs the parent-context stages. A failure other than a
// timestamp from the future invalidates the block for good.
func (c *Chain) checkHeaderLocked(block *Block, ancestors []BlockHeader, now time.Time) error {
	err := CheckBlockHeaderContext(block, ancestors, c.params, now)
	if err == nil || ReasonOf(err) == ReasonTimeTooNew {
		return err
	}
	if markErr := c.markInvalidLocked(block.Hash(), err); markErr != nil {
		return markErr
	}
	return err
}

// connectBestLocked runs ValidateBlock against the ledger as of the current
// tip inside the write that applies block.
func (c *Chain) connectBestLocked(block *Block, ancestors []BlockHeader, now time.Time, res *ProcessResult) (TipStatus, error) {
	hash := block.Hash()
	parent := c.best

	var verdict *Verdict
	err := c.storage.CommitBlock(&BlockCommit{
		Block: block,
		Work:  parent.work + block.Header.Difficulty,
		Validate: func(b *Block, view UTXOView) error {
			verdict = ValidateBlock(b, ancestors, view, c.params, now)
			return verdict.Err
		},
	})
	if err != nil {
		// Structure and proof of work say nothing about the block the
		// header names, so those failures are not remembered.
		if verdict != nil && !verdict.Valid &&
			(verdict.Stage == StageStructure || verdict.Stage == StageProofOfWork || verdict.Code == ReasonTimeTooNew) {
			return 0, verdict.Err
		}
		return 0, c.handleCommitErrLocked(err)
	}

	node := c.addNodeLocked(block.Header, parent)
	c.setMainLocked(parent, node)
	res.connect(block)
	if res.Hash == hash {
		res.Verdict = verdict
	}
	chainLog.Debugf("Connected block %x at height %d (%d txs)", hash[:8], block.Header.Height, len(block.Transactions))
	return TipActive, nil
}

func (c *Chain) tipListLocked() []ChainTip {
	tips := make([]ChainTip, 0, len(c.tips))
	for _, n := range c.tips {
		if _, skip := c.refused[n.hash]; skip {
			continue
		}
		tips = append(tips, n.tip(TipCompeting))
	}
	return tips
}

// reorganizeLocked switches the main chain to target. If a block on the new
// branch fails validation, that block is invalidated and the next best tip
// is tried until fork choice settles.
func (c *Chain) reorganizeLocked(target *blockNode, res *ProcessResult) error {
	for {
		err := c.reorgToLocked(target, res)
		if err == nil || c.halted != nil {
			return err
		}
		// Only a block that failed to connect was removed from the tree;
		// any other failure leaves fork choice where it was.
		if _, ok := failedConnect(err); !ok || !isRuleFailure(err) {
			return err
		}

		next := c.resolver.SelectBest(c.tipListLocked())
		if next.Hash == c.best.hash {
			return err
		}
		chainLog.Warnf("Reorg to %x failed (%v), trying tip %x", target.hash[:8], err, next.Hash[:8])
		target = c.index[next.Hash]
	}
}

func (c *Chain) reorgToLocked(target *blockNode, res *ProcessResult) error {
	fork := c.findForkLocked(c.best, target)
	depth := c.best.height() - fork.height()

	if err := c.resolver.CheckReorg(depth, fork.height()); err != nil {
		c.refused[target.hash] = struct{}{}
		return err
	}

	var disconnect []*Block
	for n := c.best; n != fork; n = n.parent {
		b, err := c.loadBlockLocked(n.hash)
		if err != nil {
			return err
		}
		disconnect = append(disconnect, b)
	}

	var path []*blockNode
	for n := target; n != fork; n = n.parent {
		path = append(path, n)
	}
	slices.Reverse(path)
	connect := make([]*Block, 0, len(path))
	for _, n := range path {
		b, err := c.loadBlockLocked(n.hash)
		if err != nil {
			return err
		}
		connect = append(connect, b)
	}

	err := c.storage.CommitReorg(&ReorgCommit{
		Disconnect: disconnect,
		Connect:    connect,
		NewWork:    target.work,
		Validate:   c.validateTransactions,
	})
	if err != nil {
		return c.handleCommitErrLocked(err)
	}

	oldTip := c.best
	c.setMainLocked(fork, target)
	res.disconnect(disconnect...)
	res.connect(connect...)

	if depth > 0 {
		chainLog.Infof("Reorganized: fork=%d depth=%d old=%x new=%x height=%d work=%d",
			fork.height(), depth, oldTip.hash[:8], target.hash[:8], target.height(), target.work)
	}
	return nil
}

// attachOrphansLocked re-attempts orphans waiting on any of parents,
// recursively.
func (c *Chain) attachOrphansLocked(parents [][32]byte, res *ProcessResult) {
	queue := slices.Clone(parents)
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		for _, child := range c.orphans.TakeChildren(parent) {
			status, err := c.processBlockLocked(child, res)
			if err != nil {
				childHash := child.Hash()
				chainLog.Debugf("Orphan %x rejected on attach: %v", childHash[:8], err)
				continue
			}
			if status == TipActive || status == TipCompeting {
				res.OrphansAttached++
				queue = append(queue, child.Hash())
			}
		}
	}
}

// AdoptBranch applies a contiguous range of blocks fetched from one peer as
// a unit. Either every block is validated and the range becomes the main
// chain, or nothing changes. The range must start on a known block and must
// end with more work than the current tip (ErrBranchNotHeavier otherwise).
func (c *Chain) AdoptBranch(blocks []*Block) (*ProcessResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHaltedLocked(); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, structuralError(ReasonMalformedBlock, "empty branch")
	}

	for _, b := range blocks {
		if b == nil {
			return nil, structuralError(ReasonMalformedBlock, "nil block in branch")
		}
		hash := b.Hash()
		if reason, bad := c.invalid[hash]; bad {
			return nil, consensusError(ReasonInvalidAncestor, "branch contains rejected block %x: %s", hash[:8], reason)
		}
	}

	// Skip a prefix we already have.
	start := 0
	for start < len(blocks) {
		if _, ok := c.index[blocks[start].Hash()]; !ok {
			break
		}
		start++
	}
	if start == len(blocks) {
		return nil, ruleError(KindConsensus, ReasonNotHeavier, "branch already known")
	}

	fresh := blocks[start:]
	parent, ok := c.index[fresh[0].Header.PrevHash]
	if !ok {
		return nil, ruleError(KindConsensus, ReasonOrphan, "branch parent %x unknown", fresh[0].Header.PrevHash[:8])
	}
	if start > 0 && fresh[0].Header.PrevHash != blocks[start-1].Hash() {
		return nil, consensusError(ReasonBadPrevHash, "branch is not contiguous at %d", start)
	}

	now := c.clock.Now()
	window := c.difficultyWindow()
	headers := c.ancestorHeaders(parent, window)
	work := parent.work
	for i, b := range fresh {
		if i > 0 && b.Header.PrevHash != fresh[i-1].Hash() {
			return nil, consensusError(ReasonBadPrevHash, "branch is not contiguous at height %d", b.Header.Height)
		}
		if err := CheckBlockSanity(b, c.params); err != nil {
			return nil, fmt.Errorf("block %d: %w", b.Header.Height, err)
		}
		if err := c.checkpoints.Check(b.Header.Height, b.Hash()); err != nil {
			return nil, err
		}
		if err := CheckBlockHeaderContext(b, headers, c.params, now); err != nil {
			return nil, fmt.Errorf("block %d: %w", b.Header.Height, err)
		}
		headers = append(headers, b.Header)
		if len(headers) > window {
			headers = headers[len(headers)-window:]
		}
		work += b.Header.Difficulty
	}

	last := fresh[len(fresh)-1]
	candidate := ChainTip{Hash: last.Hash(), Height: last.Header.Height, Work: work}
	if c.resolver.Compare(candidate, c.best.tip(TipActive)) <= 0 {
		return nil, ruleError(KindConsensus, ReasonNotHeavier, "branch work %d does not beat tip work %d", work, c.best.work)
	}

	fork := c.findForkLocked(c.best, parent)
	depth := c.best.height() - fork.height()
	if err := c.resolver.CheckReorg(depth, fork.height()); err != nil {
		return nil, err
	}

	var disconnect []*Block
	for n := c.best; n != fork; n = n.parent {
		b, err := c.loadBlockLocked(n.hash)
		if err != nil {
			return nil, err
		}
		disconnect = append(disconnect, b)
	}
	var sidePath []*blockNode
	for n := parent; n != fork; n = n.parent {
		sidePath = append(sidePath, n)
	}
	slices.Reverse(sidePath)
	connect := make([]*Block, 0, len(sidePath)+len(fresh))
	for _, n := range sidePath {
		b, err := c.loadBlockLocked(n.hash)
		if err != nil {
			return nil, err
		}
		connect = append(connect, b)
	}
	connect = append(connect, fresh...)

	err := c.storage.CommitReorg(&ReorgCommit{
		Disconnect: disconnect,
		Connect:    connect,
		NewWork:    work,
		Validate:   c.validateTransactions,
	})
	if err != nil {
		return nil, c.handleCommitErrLocked(err)
	}

	node := parent
	newHashes := make([][32]byte, 0, len(fresh))
	for _, b := range fresh {
		node = c.addNodeLocked(b.Header, node)
		newHashes = append(newHashes, node.hash)
	}
	c.setMainLocked(fork, node)

	res := &ProcessResult{Hash: node.hash, Height: node.height(), Status: TipActive}
	res.disconnect(disconnect...)
	res.connect(connect...)
	chainLog.Infof("Adopted branch of %d blocks: fork=%d depth=%d tip=%x height=%d",
		len(fresh), fork.height(), depth, node.hash[:8], node.height())

	c.attachOrphansLocked(newHashes, res)
	return res, nil
}

// ============================================================================
// Queries
// ============================================================================

// CheckBlock runs the contextless checks on a block.
func (c *Chain) CheckBlock(block *Block) error {
	return CheckBlockSanity(block, c.params)
}

// Height returns current chain height
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.height()
}

// BestHash returns the hash of the best block
func (c *Chain) BestHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.hash
}

// TotalWork returns the cumulative work of the main chain
func (c *Chain) TotalWork() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.work
}

// BestTip returns the active tip.
func (c *Chain) BestTip() ChainTip {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.tip(TipActive)
}

// BestHeader returns the header of the active tip.
func (c *Chain) BestHeader() BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best.header
}

// IsHalted reports whether a storage failure stopped the chain.
func (c *Chain) IsHalted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted != nil
}

// Tips returns every leaf of the block tree plus parked orphans, best first.
func (c *Chain) Tips() []ChainTip {
	c.mu.RLock()
	tips := make([]ChainTip, 0, len(c.tips))
	for _, n := range c.tips {
		status := TipCompeting
		if n == c.best {
			status = TipActive
		}
		tips = append(tips, n.tip(status))
	}
	c.mu.RUnlock()

	slices.SortFunc(tips, func(a, b ChainTip) int { return -c.resolver.Compare(a, b) })

	for _, h := range c.orphans.Headers() {
		tips = append(tips, ChainTip{Hash: h.Hash(), Height: h.Height, Status: TipOrphaned})
	}
	return tips
}

// HasBlock reports whether hash is indexed or parked as an orphan.
func (c *Chain) HasBlock(hash [32]byte) bool {
	c.mu.RLock()
	_, ok := c.index[hash]
	c.mu.RUnlock()
	return ok || c.orphans.Has(hash)
}

// IsInvalid reports whether hash was rejected.
func (c *Chain) IsInvalid(hash [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, bad := c.invalid[hash]
	return bad
}

// BlockHashAt returns the main chain hash at height.
func (c *Chain) BlockHashAt(height uint64) ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.main)) {
		return [32]byte{}, false
	}
	return c.main[height].hash, true
}

// GetBlockByHash retrieves a stored block on any branch. A missing block
// returns (nil, nil).
func (c *Chain) GetBlockByHash(hash [32]byte) (*Block, error) {
	return c.storage.GetBlock(hash)
}

// GetBlockByHeight retrieves a main chain block by height
func (c *Chain) GetBlockByHeight(height uint64) (*Block, error) {
	hash, ok := c.BlockHashAt(height)
	if !ok {
		return nil, nil
	}
	return c.storage.GetBlock(hash)
}

// GetBlocksByHeight returns up to count consecutive main chain blocks
// starting at start.
func (c *Chain) GetBlocksByHeight(start uint64, count int) ([]*Block, error) {
	c.mu.RLock()
	var hashes [][32]byte
	for h := start; h < uint64(len(c.main)) && len(hashes) < count; h++ {
		hashes = append(hashes, c.main[h].hash)
	}
	c.mu.RUnlock()

	blocks := make([]*Block, 0, len(hashes))
	for _, hash := range hashes {
		b, err := c.storage.GetBlock(hash)
		if err != nil {
			return nil, err
		}
		if b == nil {
			// Reorged away between the index read and the load.
			break
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Locator returns main chain hashes from the tip back to genesis, dense
// near the tip and exponentially sparser below.
func (c *Chain) Locator() [][32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var locator [][32]byte
	step := uint64(1)
	h := c.best.height()
	for {
		locator = append(locator, c.main[h].hash)
		if h == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		if step > h {
			h = 0
		} else {
			h -= step
		}
	}
	return locator
}

// FindForkPoint returns the highest main chain block named in locator. It
// falls back to genesis.
func (c *Chain) FindForkPoint(locator [][32]byte) (uint64, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, hash := range locator {
		if n, ok := c.index[hash]; ok && c.isMainLocked(n) {
			return n.height(), n.hash
		}
	}
	return 0, c.main[0].hash
}

// NextDifficulty returns the difficulty required of the next block on the
// active tip.
func (c *Chain) NextDifficulty() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CalcNextDifficulty(c.params, c.ancestorHeaders(c.best, c.difficultyWindow()))
}

// TemplateView runs fn against one snapshot of the best header, the
// difficulty its child must meet and the ledger as of that header. No
// block connects while fn runs.
func (c *Chain) TemplateView(fn func(parent BlockHeader, difficulty uint64, view UTXOView) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.halted != nil {
		return ErrChainHalted
	}
	parent := c.best.header
	difficulty := CalcNextDifficulty(c.params, c.ancestorHeaders(c.best, c.difficultyWindow()))
	return c.storage.View(func(view UTXOView) error {
		return fn(parent, difficulty, view)
	})
}

// ExpireOrphans drops stale orphans.
func (c *Chain) ExpireOrphans() int {
	return c.orphans.Expire()
}

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"corechain/p2p"
	"corechain/protocol/params"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrDaemonShuttingDown is returned to callers whose request raced with
// Stop.
var ErrDaemonShuttingDown = errors.New("daemon shutting down")

// DaemonConfig configures the daemon
type DaemonConfig struct {
	Params  *params.ChainParams
	DataDir string

	ReorgMaxDepth uint64
	ReorgPolicy   ReorgPolicy

	// Checkpoints overrides the checkpoints file in DataDir when set.
	Checkpoints *Checkpoints

	Mempool MempoolConfig

	// Miner sets the reward address and thread count of the built-in
	// miner. Mining is started separately with StartMining.
	Miner MinerConfig

	// EnableNetwork starts the libp2p node. Without it the daemon only
	// accepts blocks and transactions through its local API.
	EnableNetwork bool
	Node          p2p.NodeConfig

	// ExpireInterval is how often stale mempool entries and orphans are
	// dropped.
	ExpireInterval time.Duration

	// MetricsListen is the address of the Prometheus exporter. Empty
	// disables it.
	MetricsListen string

	Clock clock.Clock
}

// DefaultDaemonConfig returns sensible defaults
func DefaultDaemonConfig() DaemonConfig {
	nodeCfg := p2p.DefaultNodeConfig()
	nodeCfg.ListenAddrs = []string{DefaultListenAddr}

	return DaemonConfig{
		Params:         &params.MainNetParams,
		DataDir:        DefaultDataDirname,
		ReorgMaxDepth:  DefaultReorgMaxDepth,
		ReorgPolicy:    ReorgReject,
		Mempool:        DefaultMempoolConfig(),
		EnableNetwork:  true,
		Node:           nodeCfg,
		ExpireInterval: time.Minute,
	}
}

// Daemon wires the chain, mempool, miner and P2P node together. Every
// mutation of chain or mempool state goes through a single handler
// goroutine so block application and the mempool reconcile that follows it
// are never interleaved with another update.
type Daemon struct {
	cfg    DaemonConfig
	params *params.ChainParams
	clock  clock.Clock

	chain      *Chain
	mempool    *Mempool
	miner      *Miner
	node       *p2p.Node // nil when networking is disabled
	metrics    *daemonMetrics
	metricsSrv *http.Server

	msgs chan interface{}

	blockSubs   map[uint64]chan *Block
	nextSubID   uint64
	blockSubsMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// ============================================================================
// Handler messages
// ============================================================================

type blockMsg struct {
	block *Block
	data  []byte  // wire encoding, relayed as received
	from  peer.ID // empty for local submissions
	reply chan blockReply
}

type blockReply struct {
	res *ProcessResult
	err error
}

type adoptMsg struct {
	blocks []*Block
	reply  chan blockReply
}

type txMsg struct {
	tx    *Transaction
	data  []byte
	from  peer.ID
	reply chan txReply
}

type txReply struct {
	entry *MempoolEntry
	err   error
}

type expireMsg struct {
	now time.Time
}

// ============================================================================
// Lifecycle
// ============================================================================

// NewDaemon opens the chain in cfg.DataDir and builds every component. The
// P2P node is created but not started.
func NewDaemon(cfg DaemonConfig) (*Daemon, error) {
	def := DefaultDaemonConfig()
	if cfg.Params == nil {
		cfg.Params = def.Params
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = def.ExpireInterval
	}
	if cfg.Mempool.MaxSize == 0 {
		cfg.Mempool = def.Mempool
	}

	checkpoints := cfg.Checkpoints
	if checkpoints == nil && cfg.DataDir != "" {
		var err error
		checkpoints, err = LoadCheckpointsFile(checkpointsPath(cfg.DataDir))
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoints: %w", err)
		}
	}

	chain, err := NewChain(ChainConfig{
		Params:        cfg.Params,
		DataDir:       cfg.DataDir,
		Clock:         cfg.Clock,
		ReorgMaxDepth: cfg.ReorgMaxDepth,
		ReorgPolicy:   cfg.ReorgPolicy,
		Checkpoints:   checkpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chain: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		params:    cfg.Params,
		clock:     cfg.Clock,
		chain:     chain,
		msgs:      make(chan interface{}),
		blockSubs: make(map[uint64]chan *Block),
		quit:      make(chan struct{}),
	}
	d.mempool = NewMempool(cfg.Mempool, cfg.Params, chain.Storage(), chain.Height, cfg.Clock)

	if cfg.EnableNetwork {
		nodeCfg := cfg.Node
		nodeCfg.Clock = cfg.Clock
		nodeCfg.Sync = d.syncConfig(nodeCfg.Sync)
		if nodeCfg.IdentityPath == "" && cfg.DataDir != "" {
			nodeCfg.IdentityPath = filepath.Join(cfg.DataDir, DefaultIdentityFilename)
		}

		node, err := p2p.NewNode(nodeCfg)
		if err != nil {
			chain.Close()
			return nil, fmt.Errorf("failed to create P2P node: %w", err)
		}
		node.SetBlockHandler(d.handleBlockAnnouncement)
		node.SetTxHandler(d.handleTxAnnouncement)
		d.node = node
	}

	minerCfg := cfg.Miner
	minerCfg.Clock = cfg.Clock
	if d.node != nil && minerCfg.PeerCount == nil {
		minerCfg.PeerCount = func() int { return len(d.node.Peers()) }
	}
	d.miner = NewMiner(d, minerCfg)

	d.metrics = newDaemonMetrics(d)

	d.wg.Add(1)
	go d.chainHandler()

	return d, nil
}

// Start brings up the network and the maintenance ticker.
func (d *Daemon) Start() error {
	var err error
	d.startOnce.Do(func() {
		if d.node != nil {
			if err = d.node.Start(); err != nil {
				err = fmt.Errorf("failed to start P2P node: %w", err)
				return
			}
		}

		if d.cfg.MetricsListen != "" {
			d.metricsSrv = d.metrics.serveMetrics(d.cfg.MetricsListen)
		}

		d.wg.Add(1)
		go d.maintenanceLoop()

		best := d.chain.BestTip()
		dmonLog.Infof("Daemon started on %s at height %d (%s)",
			d.params.Name, best.Height, shortHash(best.Hash))
	})
	return err
}

// Stop shuts down every component. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		dmonLog.Info("Daemon shutting down")

		d.miner.Stop()
		if d.metricsSrv != nil {
			d.metricsSrv.Close()
		}
		if d.node != nil {
			if nerr := d.node.Stop(); nerr != nil {
				dmonLog.Warnf("Failed to stop P2P node: %v", nerr)
			}
		}

		close(d.quit)
		d.wg.Wait()

		d.blockSubsMu.Lock()
		for id, ch := range d.blockSubs {
			close(ch)
			delete(d.blockSubs, id)
		}
		d.blockSubsMu.Unlock()

		err = d.chain.Close()
	})
	return err
}

// maintenanceLoop periodically asks the handler to expire mempool entries
// and orphans.
func (d *Daemon) maintenanceLoop() {
	defer d.wg.Done()

	t := ticker.New(d.cfg.ExpireInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			select {
			case d.msgs <- expireMsg{now: d.clock.Now()}:
			case <-d.quit:
				return
			}
		case <-d.quit:
			return
		}
	}
}

// ============================================================================
// Chain handler
// ============================================================================

// chainHandler is the only goroutine that mutates chain or mempool state.
func (d *Daemon) chainHandler() {
	defer d.wg.Done()

	for {
		select {
		case m := <-d.msgs:
			switch msg := m.(type) {
			case blockMsg:
				res, err := d.handleBlock(msg)
				msg.reply <- blockReply{res: res, err: err}

			case adoptMsg:
				res, err := d.chain.AdoptBranch(msg.blocks)
				if err == nil {
					d.afterChainUpdate(res, "")
				}
				msg.reply <- blockReply{res: res, err: err}

			case txMsg:
				entry, err := d.handleTx(msg)
				msg.reply <- txReply{entry: entry, err: err}

			case expireMsg:
				txs := d.mempool.RemoveExpired(msg.now)
				orphans := d.chain.ExpireOrphans()
				if txs > 0 || orphans > 0 {
					dmonLog.Debugf("Expired %d mempool txs and %d orphans", txs, orphans)
				}

			default:
				dmonLog.Errorf("Unknown handler message %T", m)
			}

		case <-d.quit:
			return
		}
	}
}

func (d *Daemon) handleBlock(msg blockMsg) (*ProcessResult, error) {
	res, err := d.chain.ProcessBlock(msg.block)
	if err != nil {
		d.metrics.blockRejected()
		return nil, err
	}

	switch res.Status {
	case TipOrphaned:
		dmonLog.Debugf("Block %s at height %d is an orphan", shortHash(res.Hash), res.Height)
		if d.node != nil {
			// Ask the announcing peer for what the orphans are missing; a
			// full sync covers gaps it cannot fill.
			if msg.from != "" {
				d.node.Sync().RequestBlocks(msg.from, d.chain.Orphans().MissingParents())
			}
			d.node.Sync().RequestSync()
		}
		return res, nil

	case TipDuplicate:
		return res, nil
	}

	d.afterChainUpdate(res, msg.from)

	if d.node != nil {
		data := msg.data
		if data == nil {
			data, err = json.Marshal(msg.block)
			if err != nil {
				return res, fmt.Errorf("failed to encode block: %w", err)
			}
		}
		d.node.BroadcastBlock(data, msg.from)
	}
	return res, nil
}

// afterChainUpdate propagates a chain change to the mempool, the miner and
// block subscribers.
func (d *Daemon) afterChainUpdate(res *ProcessResult, from peer.ID) {
	if len(res.Connected) == 0 && len(res.Disconnected) == 0 {
		return
	}

	rec, err := d.mempool.Reconcile(res.Connected, res.Disconnected)
	if err != nil {
		dmonLog.Errorf("Mempool reconcile after %s failed: %v", shortHash(res.Hash), err)
	} else if rec.Readmitted > 0 || rec.Dropped > 0 {
		dmonLog.Infof("Mempool reconciled: %d confirmed, %d readmitted, %d dropped",
			rec.Confirmed, rec.Readmitted, rec.Dropped)
	}

	if res.Reorged() {
		d.metrics.reorg()
		dmonLog.Infof("Reorganized: %d blocks disconnected, %d connected, new tip %s at %d",
			len(res.Disconnected), len(res.Connected), shortHash(d.chain.BestHash()), d.chain.Height())
	}
	if from != "" {
		dmonLog.Debugf("Connected %d blocks from %s", len(res.Connected), from)
	}

	d.miner.NotifyNewBlock()
	for _, b := range res.Connected {
		d.notifyBlock(b)
	}
}

func (d *Daemon) handleTx(msg txMsg) (*MempoolEntry, error) {
	entry, err := d.mempool.Admit(msg.tx)
	if err != nil {
		return nil, err
	}

	if d.node != nil {
		data := msg.data
		if data == nil {
			if data, err = json.Marshal(msg.tx); err != nil {
				return entry, fmt.Errorf("failed to encode transaction: %w", err)
			}
		}
		d.node.BroadcastTx(data, msg.from)
	}
	return entry, nil
}

// submitBlock hands a block to the handler and waits for the result.
func (d *Daemon) submitBlock(block *Block, data []byte, from peer.ID) (*ProcessResult, error) {
	reply := make(chan blockReply, 1)
	select {
	case d.msgs <- blockMsg{block: block, data: data, from: from, reply: reply}:
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}

	select {
	case r := <-reply:
		return r.res, r.err
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}
}

func (d *Daemon) adoptBranch(blocks []*Block) (*ProcessResult, error) {
	reply := make(chan blockReply, 1)
	select {
	case d.msgs <- adoptMsg{blocks: blocks, reply: reply}:
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}

	select {
	case r := <-reply:
		return r.res, r.err
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}
}

func (d *Daemon) submitTx(tx *Transaction, data []byte, from peer.ID) (*MempoolEntry, error) {
	reply := make(chan txReply, 1)
	select {
	case d.msgs <- txMsg{tx: tx, data: data, from: from, reply: reply}:
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}

	select {
	case r := <-reply:
		return r.entry, r.err
	case <-d.quit:
		return nil, ErrDaemonShuttingDown
	}
}

// ============================================================================
// Network handlers
// ============================================================================

func decodeBlock(data []byte) (*Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, structuralError(ReasonMalformedBlock, "decode block: %v", err)
	}
	return &block, nil
}

func decodeTx(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, structuralError(ReasonMalformedTx, "decode transaction: %v", err)
	}
	return &tx, nil
}

func (d *Daemon) handleBlockAnnouncement(from peer.ID, data []byte) error {
	block, err := decodeBlock(data)
	if err != nil {
		return err
	}
	_, err = d.submitBlock(block, data, from)
	if err != nil && IsConsensusError(err) {
		dmonLog.Infof("Rejected block %s from %s: %v", shortHash(block.Hash()), from, err)
	}
	return err
}

func (d *Daemon) handleTxAnnouncement(from peer.ID, data []byte) error {
	tx, err := decodeTx(data)
	if err != nil {
		return err
	}
	_, err = d.submitTx(tx, data, from)
	return err
}

// syncConfig fills the chain callbacks of the sync manager, keeping the
// tuning fields of base.
func (d *Daemon) syncConfig(base p2p.SyncConfig) p2p.SyncConfig {
	cfg := base

	cfg.GetStatus = func() p2p.ChainStatus {
		best := d.chain.BestTip()
		return p2p.ChainStatus{
			BestHash:  best.Hash,
			Height:    best.Height,
			TotalWork: best.Work,
			Version:   BlockVersion,
			NetworkID: params.NetworkID,
			ChainID:   params.ChainID,
		}
	}
	cfg.GetLocator = d.chain.Locator
	cfg.FindForkPoint = func(locator [][32]byte) p2p.ForkPoint {
		height, hash := d.chain.FindForkPoint(locator)
		return p2p.ForkPoint{Height: height, Hash: hash}
	}
	cfg.GetBlocksByHeight = func(start uint64, max int) ([][]byte, error) {
		blocks, err := d.chain.GetBlocksByHeight(start, max)
		if err != nil {
			return nil, err
		}
		return encodeBlocks(blocks)
	}
	cfg.GetBlocks = func(hashes [][32]byte) ([][]byte, error) {
		blocks := make([]*Block, 0, len(hashes))
		for _, h := range hashes {
			b, err := d.chain.GetBlockByHash(h)
			if err != nil {
				return nil, err
			}
			if b != nil {
				blocks = append(blocks, b)
			}
		}
		return encodeBlocks(blocks)
	}
	cfg.GetMempool = func() [][]byte {
		// Parents before children, so the receiver can admit in order.
		pending := d.mempool.SelectForBlock(p2p.MaxSyncMempoolTxCount, p2p.SyncMempoolResponseByteBudget)
		out := make([][]byte, 0, len(pending))
		for _, tx := range pending {
			data, err := json.Marshal(tx)
			if err != nil {
				continue
			}
			out = append(out, data)
		}
		return out
	}
	cfg.CheckBlock = func(data []byte) (p2p.BlockMeta, error) {
		block, err := decodeBlock(data)
		if err != nil {
			return p2p.BlockMeta{}, err
		}
		if err := CheckBlockSanity(block, d.params); err != nil {
			return p2p.BlockMeta{}, err
		}
		return p2p.BlockMeta{
			Hash:     block.Hash(),
			PrevHash: block.Header.PrevHash,
			Height:   block.Header.Height,
		}, nil
	}
	cfg.AdoptRange = func(raw [][]byte) error {
		blocks := make([]*Block, 0, len(raw))
		for _, data := range raw {
			block, err := decodeBlock(data)
			if err != nil {
				return err
			}
			blocks = append(blocks, block)
		}
		_, err := d.adoptBranch(blocks)
		return err
	}
	cfg.ProcessBlock = func(from peer.ID, data []byte) error {
		block, err := decodeBlock(data)
		if err != nil {
			return err
		}
		_, err = d.submitBlock(block, data, from)
		return err
	}
	cfg.ProcessTx = func(data []byte) error {
		tx, err := decodeTx(data)
		if err != nil {
			return err
		}
		_, err = d.submitTx(tx, data, "")
		if errors.Is(err, ErrAlreadyInMempool) {
			return nil
		}
		return err
	}
	cfg.IsPeerFault = IsConsensusError

	return cfg
}

func encodeBlocks(blocks []*Block) ([][]byte, error) {
	out := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode block %d: %w", b.Header.Height, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// ============================================================================
// Block subscriptions
// ============================================================================

// SubscribeBlocks returns a channel receiving every block connected to the
// main chain, and a function that ends the subscription. Slow subscribers
// miss blocks rather than stall the chain.
func (d *Daemon) SubscribeBlocks() (<-chan *Block, func()) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()

	id := d.nextSubID
	d.nextSubID++
	ch := make(chan *Block, 16)
	d.blockSubs[id] = ch

	return ch, func() {
		d.blockSubsMu.Lock()
		defer d.blockSubsMu.Unlock()
		if c, ok := d.blockSubs[id]; ok {
			close(c)
			delete(d.blockSubs, id)
		}
	}
}

func (d *Daemon) notifyBlock(b *Block) {
	d.blockSubsMu.Lock()
	defer d.blockSubsMu.Unlock()
	for _, ch := range d.blockSubs {
		select {
		case ch <- b:
		default:
		}
	}
}

// ============================================================================
// Query surface
// ============================================================================

// Chain returns the underlying chain.
func (d *Daemon) Chain() *Chain { return d.chain }

// Mempool returns the transaction pool.
func (d *Daemon) Mempool() *Mempool { return d.mempool }

// Miner returns the block miner.
func (d *Daemon) Miner() *Miner { return d.miner }

// Node returns the P2P node, or nil when networking is disabled.
func (d *Daemon) Node() *p2p.Node { return d.node }

// GetBalance returns the confirmed spendable balance of addr.
func (d *Daemon) GetBalance(addr Address) (uint64, error) {
	if err := addr.Validate(); err != nil {
		return 0, err
	}
	return d.chain.Storage().GetBalance(addr)
}

// GetPendingTransactions returns the pool contents, highest fee rate first.
func (d *Daemon) GetPendingTransactions() []*Transaction {
	pending := d.mempool.Pending()
	txs := make([]*Transaction, 0, len(pending))
	for _, e := range pending {
		txs = append(txs, e.Tx)
	}
	return txs
}

// GetBlock looks a block up by decimal height or hex hash. It returns nil
// if no such block is stored.
func (d *Daemon) GetBlock(ref string) (*Block, error) {
	if height, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return d.chain.GetBlockByHeight(height)
	}

	raw, err := hex.DecodeString(ref)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid block reference %q", ref)
	}
	var hash [32]byte
	copy(hash[:], raw)
	return d.chain.GetBlockByHash(hash)
}

// SubmitTransaction admits tx to the mempool and relays it.
func (d *Daemon) SubmitTransaction(tx *Transaction) ([32]byte, error) {
	if _, err := d.submitTx(tx, nil, ""); err != nil {
		return [32]byte{}, err
	}
	return tx.TxID(), nil
}

// SubmitBlock runs a locally produced block through the same path as a
// network block.
func (d *Daemon) SubmitBlock(block *Block) (*ProcessResult, error) {
	return d.submitBlock(block, nil, "")
}

// ChainStats is a snapshot of node state.
type ChainStats struct {
	Network      string
	Height       uint64
	BestHash     [32]byte
	TotalWork    uint64
	Difficulty   uint64
	Tips         int
	Orphans      int
	MempoolSize  int
	MempoolBytes int
	Peers        int
	Syncing      bool
	Halted       bool
}

// GetChainStats returns a snapshot of chain, pool and network state.
func (d *Daemon) GetChainStats() ChainStats {
	best := d.chain.BestTip()
	mstats := d.mempool.Stats()

	stats := ChainStats{
		Network:      d.params.Name,
		Height:       best.Height,
		BestHash:     best.Hash,
		TotalWork:    best.Work,
		Difficulty:   d.chain.NextDifficulty(),
		Tips:         len(d.chain.Tips()),
		Orphans:      d.chain.Orphans().Len(),
		MempoolSize:  mstats.Count,
		MempoolBytes: mstats.SizeBytes,
		Halted:       d.chain.IsHalted(),
	}
	if d.node != nil {
		stats.Peers = len(d.node.Peers())
		stats.Syncing, _ = d.node.Sync().IsSyncing()
	}
	return stats
}

// ============================================================================
// Mining surface
// ============================================================================

// BlockTemplate is the content of the next block on top of the current
// tip. Transactions starts with the coinbase.
type BlockTemplate struct {
	PrevHash     [32]byte
	Height       uint64
	Difficulty   uint64
	Timestamp    int64
	Miner        Address
	Transactions []*Transaction
	Reward       uint64 // subsidy only
	Fees         uint64
}

// Block returns an unsolved block for the template.
func (t *BlockTemplate) Block() *Block {
	block := &Block{
		Header: BlockHeader{
			Version:    BlockVersion,
			Height:     t.Height,
			PrevHash:   t.PrevHash,
			Timestamp:  t.Timestamp,
			Difficulty: t.Difficulty,
			Miner:      t.Miner,
		},
		Transactions: t.Transactions,
	}
	block.Header.MerkleRoot = block.ComputeMerkleRoot()
	return block
}

// GetBlockTemplate assembles a block paying minerAddr with at most maxTxs
// mempool transactions (0 means as many as a block holds). Transactions
// are taken in fee order and re-checked in sequence against the current
// ledger; any that no longer apply are left out.
func (d *Daemon) GetBlockTemplate(ctx context.Context, maxTxs int, minerAddr Address) (*BlockTemplate, error) {
	if err := minerAddr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid miner address: %w", err)
	}

	if limit := d.params.MaxBlockTxs - 1; maxTxs <= 0 || maxTxs > limit {
		maxTxs = limit
	}
	// Leave room for the header and coinbase.
	maxBytes := d.params.MaxBlockSize - 1024
	candidates := d.mempool.SelectForBlock(maxTxs, maxBytes)

	var tmpl *BlockTemplate
	err := d.chain.TemplateView(func(parent BlockHeader, difficulty uint64, view UTXOView) error {
		height := parent.Height + 1
		timestamp := max(d.clock.Now().Unix(), parent.Timestamp)

		var (
			txs  []*Transaction
			fees uint64
		)
		overlay := newOverlayView(view)
		for _, tx := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			fee, err := CheckTransactionInputs(tx, overlay, height, d.params)
			if err != nil {
				minrLog.Debugf("Leaving %x out of template: %v", tx.TxID(), err)
				continue
			}
			if fees+fee < fees {
				break
			}
			fees += fee
			overlay.apply(tx, height)
			txs = append(txs, tx)
		}

		reward := BlockReward(d.params, height)
		coinbase := NewCoinbase(minerAddr, reward+fees, height, timestamp)
		tmpl = &BlockTemplate{
			PrevHash:     parent.Hash(),
			Height:       height,
			Difficulty:   difficulty,
			Timestamp:    timestamp,
			Miner:        minerAddr,
			Transactions: append([]*Transaction{coinbase}, txs...),
			Reward:       reward,
			Fees:         fees,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// StartMining runs the built-in miner until Stop.
func (d *Daemon) StartMining(ctx context.Context) error {
	return d.miner.Start(ctx)
}

// SubmitMinedBlock submits a solved template.
func (d *Daemon) SubmitMinedBlock(block *Block) (*ProcessResult, error) {
	res, err := d.SubmitBlock(block)
	if err != nil {
		return nil, err
	}
	if res.Status == TipActive {
		dmonLog.Infof("Mined block %s at height %d", shortHash(res.Hash), res.Height)
	}
	return res, nil
}

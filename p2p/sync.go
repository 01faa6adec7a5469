package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"corechain/protocol/params"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Sync message types
const (
	SyncMsgStatus            byte = 0x01 // Exchange chain status
	SyncMsgGetForkPoint      byte = 0x02 // Locator -> highest common block
	SyncMsgForkPoint         byte = 0x03
	SyncMsgGetBlocksByHeight byte = 0x04 // Request blocks by height range
	SyncMsgGetBlocks         byte = 0x05 // Request full blocks by hash
	SyncMsgBlocks            byte = 0x06 // Response with blocks
	SyncMsgGetMempool        byte = 0x07 // Request mempool transactions
	SyncMsgMempool           byte = 0x08 // Response with mempool txs
)

const (
	// MaxBlocksPerRequest is the largest range a peer will serve at once.
	MaxBlocksPerRequest = 100

	// MaxLocatorHashes bounds an inbound fork point request.
	MaxLocatorHashes = 64

	// DefaultMaxSyncRange is how many blocks one adoption round buffers.
	DefaultMaxSyncRange = 2000

	DefaultRequestTimeout = 30 * time.Second

	// Keep responses bounded even when the request count is large.
	SyncBlocksResponseByteBudget  = 8 * 1024 * 1024
	SyncMempoolResponseByteBudget = 4 * 1024 * 1024

	// statusPollLimit bounds concurrent status requests in CheckSync.
	statusPollLimit = 8

	// peerRequestBacklog bounds queued mempool and block-by-hash requests.
	peerRequestBacklog = 32
)

var (
	// ErrPeerChainInvalid means the peer served data that failed
	// validation. The peer has been penalized.
	ErrPeerChainInvalid = errors.New("peer chain invalid")

	// ErrPeerUnreachable means a request timed out or the connection
	// failed. The peer has been marked degraded.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrRangeUnavailable means the peer no longer has the blocks it
	// advertised, typically because it reorganized mid-sync.
	ErrRangeUnavailable = errors.New("peer could not serve range")

	// ErrMalformedResponse is returned by a Transport when the reply does
	// not follow the protocol.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSyncInProgress is returned when another sync session is running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ChainStatus represents a peer's chain status
type ChainStatus struct {
	BestHash  [32]byte `json:"best_hash"`
	Height    uint64   `json:"height"`
	TotalWork uint64   `json:"total_work"`
	Version   uint32   `json:"version"`
	NetworkID string   `json:"network_id"`
	ChainID   uint32   `json:"chain_id"`
}

// RangeCode distinguishes the outcomes of a block range request.
type RangeCode string

const (
	RangeOK       RangeCode = "ok"
	RangeNotFound RangeCode = "not-found"
	RangePeerErr  RangeCode = "peer-error"
	RangeTooLarge RangeCode = "range-too-large"
)

// BlocksByHeightRequest requests blocks by height range
type BlocksByHeightRequest struct {
	StartHeight uint64 `json:"start_height"`
	MaxBlocks   int    `json:"max_blocks"`
}

// BlocksRequest requests specific blocks by hash
type BlocksRequest struct {
	Hashes [][32]byte `json:"hashes"`
}

// BlocksResponse carries blocks or the reason none were sent. Allowed is
// set with RangeTooLarge and tells the caller how many to ask for.
type BlocksResponse struct {
	Code    RangeCode `json:"code"`
	Allowed int       `json:"allowed,omitempty"`
	Blocks  [][]byte  `json:"blocks,omitempty"`
}

// ForkPointRequest carries a block locator.
type ForkPointRequest struct {
	Locator [][32]byte `json:"locator"`
}

// ForkPoint is the highest block both sides share.
type ForkPoint struct {
	Height uint64   `json:"height"`
	Hash   [32]byte `json:"hash"`
}

// BlockMeta is the linkage of one block, as reported by SyncConfig.CheckBlock.
type BlockMeta struct {
	Hash     [32]byte
	PrevHash [32]byte
	Height   uint64
}

// Transport performs the client side of the sync protocol.
type Transport interface {
	Peers() []peer.ID
	Status(ctx context.Context, pid peer.ID, ours ChainStatus) (ChainStatus, error)
	ForkPoint(ctx context.Context, pid peer.ID, locator [][32]byte) (ForkPoint, error)
	BlocksByHeight(ctx context.Context, pid peer.ID, start uint64, max int) (*BlocksResponse, error)
	BlocksByHash(ctx context.Context, pid peer.ID, hashes [][32]byte) (*BlocksResponse, error)
	Mempool(ctx context.Context, pid peer.ID) ([][]byte, error)
}

// SyncConfig wires the sync manager to the chain.
type SyncConfig struct {
	GetStatus         func() ChainStatus
	GetLocator        func() [][32]byte
	FindForkPoint     func(locator [][32]byte) ForkPoint
	GetBlocksByHeight func(start uint64, max int) ([][]byte, error)
	GetBlocks         func(hashes [][32]byte) ([][]byte, error)
	GetMempool        func() [][]byte

	// CheckBlock decodes a block and runs every check that needs no chain
	// state (structure, proof of work).
	CheckBlock func(data []byte) (BlockMeta, error)

	// AdoptRange applies a contiguous range as one unit: all blocks or
	// none.
	AdoptRange func(blocks [][]byte) error

	ProcessTx func(data []byte) error

	// ProcessBlock submits a single block fetched by hash from a peer,
	// such as the missing parent of an orphan.
	ProcessBlock func(from peer.ID, data []byte) error

	// IsPeerFault reports whether an AdoptRange, ProcessBlock or ProcessTx
	// error means the peer sent bad data.
	IsPeerFault func(error) bool

	RequestTimeout time.Duration
	MaxSyncRange   int

	// TriggerInterval debounces sync checks requested by inbound status
	// messages.
	TriggerInterval time.Duration

	Clock clock.Clock
}

// SyncResult is what a sync session did.
type SyncResult int

const (
	SyncNoOp SyncResult = iota
	SyncAdopted
)

func (r SyncResult) String() string {
	if r == SyncAdopted {
		return "adopted"
	}
	return "no-op"
}

// SyncOutcome reports a finished session.
type SyncOutcome struct {
	Peer       peer.ID
	Result     SyncResult
	PeerStatus ChainStatus
	ForkHeight uint64
	Fetched    int
	Rounds     int
}

// SyncManager keeps the local chain caught up with the heaviest peer.
type SyncManager struct {
	mu sync.Mutex

	cfg       SyncConfig
	transport Transport
	disc      *DiscoveryManager
	clock     clock.Clock

	syncing  bool
	syncPeer peer.ID

	trigger  chan struct{}
	requests chan peerRequest
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncManager creates a new sync manager
func NewSyncManager(transport Transport, disc *DiscoveryManager, cfg SyncConfig) *SyncManager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxSyncRange <= 0 {
		cfg.MaxSyncRange = DefaultMaxSyncRange
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = 2 * time.Second
	}
	if cfg.IsPeerFault == nil {
		cfg.IsPeerFault = func(error) bool { return true }
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &SyncManager{
		cfg:       cfg,
		transport: transport,
		disc:      disc,
		clock:     clk,
		trigger:   make(chan struct{}, 1),
		requests:  make(chan peerRequest, peerRequestBacklog),
		limiter:   rate.NewLimiter(rate.Every(cfg.TriggerInterval), 1),
	}
}

// Start runs the trigger loop until Stop.
func (sm *SyncManager) Start(ctx context.Context) {
	sm.ctx, sm.cancel = context.WithCancel(ctx)

	sm.wg.Add(2)
	go sm.triggerLoop()
	go sm.requestLoop()
}

// Stop halts sync operations
func (sm *SyncManager) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// RequestSync asks for a sync check. Requests coalesce.
func (sm *SyncManager) RequestSync() {
	select {
	case sm.trigger <- struct{}{}:
	default:
	}
}

func (sm *SyncManager) triggerLoop() {
	defer sm.wg.Done()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-sm.trigger:
			if err := sm.limiter.Wait(sm.ctx); err != nil {
				return
			}
			if err := sm.CheckSync(sm.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				syncLog.Debugf("Sync check failed: %v", err)
			}
		}
	}
}

// peerRequest is a queued fetch from one peer: its mempool, or the blocks
// named by hashes.
type peerRequest struct {
	pid     peer.ID
	mempool bool
	hashes  [][32]byte
}

// RequestMempool queues a pull of pid's mempool. It never blocks; the
// request is dropped when the backlog is full.
func (sm *SyncManager) RequestMempool(pid peer.ID) {
	sm.queueRequest(peerRequest{pid: pid, mempool: true})
}

// RequestBlocks queues a fetch of the blocks named by hashes from pid.
func (sm *SyncManager) RequestBlocks(pid peer.ID, hashes [][32]byte) {
	if len(hashes) == 0 {
		return
	}
	sm.queueRequest(peerRequest{pid: pid, hashes: slices.Clone(hashes)})
}

func (sm *SyncManager) queueRequest(req peerRequest) {
	select {
	case sm.requests <- req:
	default:
		syncLog.Debugf("Dropping request to %s: backlog full", req.pid)
	}
}

func (sm *SyncManager) requestLoop() {
	defer sm.wg.Done()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case req := <-sm.requests:
			if req.mempool {
				if err := sm.SyncMempool(sm.ctx, req.pid); err != nil {
					syncLog.Debugf("Mempool sync from %s failed: %v", req.pid, err)
				}
				continue
			}
			n, err := sm.FetchBlocks(sm.ctx, req.pid, req.hashes)
			if err != nil {
				syncLog.Debugf("Fetching %d blocks from %s failed: %v", len(req.hashes), req.pid, err)
			} else if n > 0 {
				syncLog.Debugf("Fetched %d blocks by hash from %s", n, req.pid)
			}
		}
	}
}

// IsSyncing reports whether a session is running, and with whom.
func (sm *SyncManager) IsSyncing() (bool, peer.ID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.syncing, sm.syncPeer
}

func (sm *SyncManager) beginSync(pid peer.ID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.syncing {
		return false
	}
	sm.syncing = true
	sm.syncPeer = pid
	return true
}

func (sm *SyncManager) endSync() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.syncing = false
	sm.syncPeer = ""
}

// ============================================================================
// Client side
// ============================================================================

// CheckSync polls every connected peer for its status and syncs from the
// heaviest one that has more work than we do, falling back to the next
// candidate if a session fails.
func (sm *SyncManager) CheckSync(ctx context.Context) error {
	if syncing, _ := sm.IsSyncing(); syncing {
		return ErrSyncInProgress
	}

	peers := sm.transport.Peers()
	if len(peers) == 0 {
		return nil
	}

	statuses := make([]*ChainStatus, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusPollLimit)
	for i, pid := range peers {
		g.Go(func() error {
			st, err := sm.peerStatus(gctx, pid)
			if err == nil {
				statuses[i] = &st
			}
			return nil
		})
	}
	_ = g.Wait()

	local := sm.cfg.GetStatus()
	rank := make(map[peer.ID]int)
	for i, pid := range sm.disc.SelectPeers(sm.disc.Len(), false) {
		rank[pid] = i + 1
	}

	type candidate struct {
		pid  peer.ID
		work uint64
	}
	var candidates []candidate
	for i, st := range statuses {
		if st != nil && st.TotalWork > local.TotalWork {
			candidates = append(candidates, candidate{pid: peers[i], work: st.TotalWork})
		}
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		switch {
		case a.work > b.work:
			return -1
		case a.work < b.work:
			return 1
		}
		ra, rb := rank[a.pid], rank[b.pid]
		if ra == 0 {
			ra = len(rank) + 1
		}
		if rb == 0 {
			rb = len(rank) + 1
		}
		return ra - rb
	})

	var lastErr error
	for _, c := range candidates {
		out, err := sm.SyncWithPeer(ctx, c.pid)
		if err == nil {
			syncLog.Infof("Synced from %s: %s, %d blocks in %d rounds (fork at %d)",
				c.pid, out.Result, out.Fetched, out.Rounds, out.ForkHeight)
			// Transactions the peer holds may only now have valid inputs.
			if err := sm.SyncMempool(ctx, c.pid); err != nil {
				syncLog.Debugf("Mempool sync from %s failed: %v", c.pid, err)
			}
			return nil
		}
		if errors.Is(err, ErrSyncInProgress) || ctx.Err() != nil {
			return err
		}
		syncLog.Warnf("Sync from %s failed: %v", c.pid, err)
		lastErr = err
	}
	return lastErr
}

// SyncWithPeer brings the local chain up to pid's chain if pid has more
// work. Each round fetches the divergent range from the common fork point,
// checks every block, then hands the whole range to AdoptRange. Nothing is
// adopted from a range that contains a bad block.
func (sm *SyncManager) SyncWithPeer(ctx context.Context, pid peer.ID) (*SyncOutcome, error) {
	if !sm.beginSync(pid) {
		return nil, ErrSyncInProgress
	}
	defer sm.endSync()

	out := &SyncOutcome{Peer: pid}
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		status, err := sm.peerStatus(ctx, pid)
		if err != nil {
			return out, err
		}
		out.PeerStatus = status

		local := sm.cfg.GetStatus()
		if status.TotalWork <= local.TotalWork {
			return out, nil
		}

		if err := sm.syncRound(ctx, pid, status, out); err != nil {
			return out, err
		}
		out.Result = SyncAdopted
		out.Rounds++
	}
}

func (sm *SyncManager) syncRound(ctx context.Context, pid peer.ID, status ChainStatus, out *SyncOutcome) error {
	locator := sm.cfg.GetLocator()

	rctx, cancel := context.WithTimeout(ctx, sm.cfg.RequestTimeout)
	fork, err := sm.transport.ForkPoint(rctx, pid, locator)
	cancel()
	if err != nil {
		return sm.requestFailed(pid, "fork point", err)
	}
	if !slices.Contains(locator, fork.Hash) || fork.Height > status.Height {
		return sm.rejectPeer(pid, ScorePenaltyInvalid, "fork point %d not in locator", fork.Height)
	}
	out.ForkHeight = fork.Height

	target := min(status.Height, fork.Height+uint64(sm.cfg.MaxSyncRange))
	blocks, err := sm.fetchRange(ctx, pid, fork, target)
	if err != nil {
		return err
	}
	out.Fetched += len(blocks)

	if err := sm.cfg.AdoptRange(blocks); err != nil {
		if sm.cfg.IsPeerFault(err) {
			return sm.rejectPeer(pid, ScorePenaltyMisbehave, "range %d-%d rejected: %v", fork.Height+1, target, err)
		}
		return fmt.Errorf("adopt range %d-%d: %w", fork.Height+1, target, err)
	}
	sm.disc.Reward(pid)
	return nil
}

// fetchRange downloads (fork.Height, target] page by page. Every block is
// checked and linked to its predecessor as it arrives; the first failure
// discards the whole range.
func (sm *SyncManager) fetchRange(ctx context.Context, pid peer.ID, fork ForkPoint, target uint64) ([][]byte, error) {
	var blocks [][]byte
	next, prev := fork.Height+1, fork.Hash
	page := MaxBlocksPerRequest

	for next <= target {
		count := int(min(uint64(page), target-next+1))

		rctx, cancel := context.WithTimeout(ctx, sm.cfg.RequestTimeout)
		start := sm.clock.Now()
		resp, err := sm.transport.BlocksByHeight(rctx, pid, next, count)
		cancel()
		if err != nil {
			return nil, sm.requestFailed(pid, "blocks", err)
		}

		switch resp.Code {
		case RangeOK:
		case RangeTooLarge:
			if resp.Allowed <= 0 || resp.Allowed >= count {
				return nil, sm.rejectPeer(pid, ScorePenaltyInvalid, "bogus page size %d", resp.Allowed)
			}
			page = resp.Allowed
			continue
		case RangeNotFound:
			return nil, fmt.Errorf("%w: heights from %d", ErrRangeUnavailable, next)
		case RangePeerErr:
			sm.disc.RecordFailure(pid)
			return nil, fmt.Errorf("%w: peer reported an error serving %d", ErrPeerUnreachable, next)
		default:
			return nil, sm.rejectPeer(pid, ScorePenaltyInvalid, "unknown range code %q", resp.Code)
		}

		if len(resp.Blocks) == 0 {
			return nil, fmt.Errorf("%w: empty page at %d", ErrRangeUnavailable, next)
		}
		if len(resp.Blocks) > count {
			return nil, sm.rejectPeer(pid, ScorePenaltyInvalid, "sent %d blocks for %d", len(resp.Blocks), count)
		}
		sm.disc.RecordSuccess(pid, sm.clock.Now().Sub(start))

		for _, data := range resp.Blocks {
			meta, err := sm.cfg.CheckBlock(data)
			if err != nil {
				return nil, sm.rejectPeer(pid, ScorePenaltyMisbehave, "block %d: %v", next, err)
			}
			if meta.Height != next || meta.PrevHash != prev {
				return nil, sm.rejectPeer(pid, ScorePenaltyMisbehave, "block %d does not link to %x", next, prev[:8])
			}
			blocks = append(blocks, data)
			prev = meta.Hash
			next++
		}
	}
	return blocks, nil
}

// peerStatus exchanges status with pid and records the round trip.
func (sm *SyncManager) peerStatus(ctx context.Context, pid peer.ID) (ChainStatus, error) {
	rctx, cancel := context.WithTimeout(ctx, sm.cfg.RequestTimeout)
	defer cancel()

	start := sm.clock.Now()
	status, err := sm.transport.Status(rctx, pid, sm.cfg.GetStatus())
	if err != nil {
		return ChainStatus{}, sm.requestFailed(pid, "status", err)
	}
	if status.NetworkID != params.NetworkID || status.ChainID != params.ChainID {
		return ChainStatus{}, sm.rejectPeer(pid, ScorePenaltyInvalid, "network %s/%d", status.NetworkID, status.ChainID)
	}
	sm.disc.RecordSuccess(pid, sm.clock.Now().Sub(start))
	return status, nil
}

// requestFailed classifies a transport error. Protocol violations count
// against the peer; anything else marks it degraded.
func (sm *SyncManager) requestFailed(pid peer.ID, what string, err error) error {
	if errors.Is(err, ErrMalformedResponse) {
		return sm.rejectPeer(pid, ScorePenaltyInvalid, "%s: %v", what, err)
	}
	sm.disc.RecordFailure(pid)
	return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, what, err)
}

func (sm *SyncManager) rejectPeer(pid peer.ID, penalty int, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	sm.disc.Penalize(pid, penalty, reason)
	return fmt.Errorf("%w: %s", ErrPeerChainInvalid, reason)
}

// FetchBlocks asks pid for the blocks named by hashes and submits each one
// through ProcessBlock. It returns how many were accepted. Blocks the peer
// did not ask to send, or that fail validation, count against it.
func (sm *SyncManager) FetchBlocks(ctx context.Context, pid peer.ID, hashes [][32]byte) (int, error) {
	if sm.cfg.ProcessBlock == nil || len(hashes) == 0 {
		return 0, nil
	}
	if len(hashes) > MaxBlocksPerRequest {
		hashes = hashes[:MaxBlocksPerRequest]
	}

	rctx, cancel := context.WithTimeout(ctx, sm.cfg.RequestTimeout)
	start := sm.clock.Now()
	resp, err := sm.transport.BlocksByHash(rctx, pid, hashes)
	cancel()
	if err != nil {
		return 0, sm.requestFailed(pid, "blocks by hash", err)
	}

	switch resp.Code {
	case RangeOK:
	case RangeNotFound:
		return 0, nil
	case RangePeerErr:
		sm.disc.RecordFailure(pid)
		return 0, fmt.Errorf("%w: peer reported an error serving blocks by hash", ErrPeerUnreachable)
	default:
		return 0, sm.rejectPeer(pid, ScorePenaltyInvalid, "range code %q for %d hashes", resp.Code, len(hashes))
	}
	if len(resp.Blocks) > len(hashes) {
		return 0, sm.rejectPeer(pid, ScorePenaltyInvalid, "sent %d blocks for %d hashes", len(resp.Blocks), len(hashes))
	}
	sm.disc.RecordSuccess(pid, sm.clock.Now().Sub(start))

	wanted := make(map[[32]byte]bool, len(hashes))
	for _, h := range hashes {
		wanted[h] = true
	}
	accepted := 0
	for _, data := range resp.Blocks {
		meta, err := sm.cfg.CheckBlock(data)
		if err != nil {
			return accepted, sm.rejectPeer(pid, ScorePenaltyMisbehave, "block by hash: %v", err)
		}
		if !wanted[meta.Hash] {
			return accepted, sm.rejectPeer(pid, ScorePenaltyInvalid, "unrequested block %x", meta.Hash[:8])
		}
		delete(wanted, meta.Hash)

		if err := sm.cfg.ProcessBlock(pid, data); err != nil {
			if sm.cfg.IsPeerFault(err) {
				return accepted, sm.rejectPeer(pid, ScorePenaltyMisbehave, "block %x rejected: %v", meta.Hash[:8], err)
			}
			syncLog.Debugf("Block %x from %s not accepted: %v", meta.Hash[:8], pid, err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

// SyncMempool pulls pid's mempool and offers every transaction to
// ProcessTx. A batch that is mostly invalid counts against the peer.
func (sm *SyncManager) SyncMempool(ctx context.Context, pid peer.ID) error {
	if sm.cfg.ProcessTx == nil {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, sm.cfg.RequestTimeout)
	txs, err := sm.transport.Mempool(rctx, pid)
	cancel()
	if err != nil {
		return sm.requestFailed(pid, "mempool", err)
	}
	txs = trimByteSliceBatch(txs, MaxSyncMempoolTxCount, SyncMempoolResponseByteBudget)

	invalid := 0
	for _, data := range txs {
		if err := sm.cfg.ProcessTx(data); err != nil && sm.cfg.IsPeerFault(err) {
			invalid++
		}
	}
	if penalty, reason, ok := mempoolInvalidPenalty(len(txs), invalid); ok {
		sm.disc.Penalize(pid, penalty, reason)
	}
	return nil
}

// mempoolInvalidPenalty decides if a peer should be penalized based on the
// share of invalid transactions in a mempool response.
func mempoolInvalidPenalty(total, invalid int) (penalty int, reason string, ok bool) {
	// Small samples are noise.
	if total < 20 || invalid < 5 {
		return 0, "", false
	}

	ratioBp := (invalid * 10000) / total
	switch {
	case ratioBp >= 8000:
		return ScorePenaltyMisbehave, fmt.Sprintf("mempool sync abusive: %d/%d invalid txs", invalid, total), true
	case ratioBp >= 3000:
		return ScorePenaltyInvalid, fmt.Sprintf("mempool sync high invalid ratio: %d/%d invalid txs", invalid, total), true
	}
	return 0, "", false
}

// ============================================================================
// Server side
// ============================================================================

// HandleStream handles incoming sync protocol streams
func (sm *SyncManager) HandleStream(s network.Stream) {
	defer func() {
		if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
			syncLog.Debugf("Failed to close inbound sync stream: %v", err)
		}
	}()
	if err := s.SetDeadline(sm.clock.Now().Add(sm.cfg.RequestTimeout)); err != nil {
		return
	}

	msgType, data, err := readMessage(s, syncRequestMaxSize)
	if err != nil {
		return
	}
	from := s.Conn().RemotePeer()
	if err := sm.serve(from, msgType, data, s); err != nil && !isExpectedStreamCloseError(err) {
		syncLog.Debugf("Sync request %d from %s failed: %v", msgType, from, err)
	}
}

func (sm *SyncManager) serve(from peer.ID, msgType byte, data []byte, w io.Writer) error {
	switch msgType {
	case SyncMsgStatus:
		var theirs ChainStatus
		if err := json.Unmarshal(data, &theirs); err != nil {
			return err
		}
		if theirs.NetworkID != params.NetworkID || theirs.ChainID != params.ChainID {
			sm.disc.Penalize(from, ScorePenaltyInvalid, "chain status mismatch")
			return fmt.Errorf("network %s/%d", theirs.NetworkID, theirs.ChainID)
		}
		ours := sm.cfg.GetStatus()
		if err := writeJSONMessage(w, SyncMsgStatus, ours); err != nil {
			return err
		}
		if theirs.TotalWork > ours.TotalWork {
			sm.RequestSync()
		}
		return nil

	case SyncMsgGetForkPoint:
		var req ForkPointRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if len(req.Locator) > MaxLocatorHashes {
			req.Locator = req.Locator[:MaxLocatorHashes]
		}
		return writeJSONMessage(w, SyncMsgForkPoint, sm.cfg.FindForkPoint(req.Locator))

	case SyncMsgGetBlocksByHeight:
		var req BlocksByHeightRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		return writeJSONMessage(w, SyncMsgBlocks, sm.serveBlocksByHeight(req))

	case SyncMsgGetBlocks:
		var req BlocksRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		return writeJSONMessage(w, SyncMsgBlocks, sm.serveBlocksByHash(req))

	case SyncMsgGetMempool:
		var txs [][]byte
		if sm.cfg.GetMempool != nil {
			txs = trimByteSliceBatch(sm.cfg.GetMempool(), MaxSyncMempoolTxCount, SyncMempoolResponseByteBudget)
		}
		if txs == nil {
			txs = [][]byte{}
		}
		return writeJSONMessage(w, SyncMsgMempool, txs)

	default:
		return fmt.Errorf("unexpected sync message type %d", msgType)
	}
}

func (sm *SyncManager) serveBlocksByHeight(req BlocksByHeightRequest) *BlocksResponse {
	switch {
	case req.MaxBlocks <= 0:
		return &BlocksResponse{Code: RangeOK}
	case req.MaxBlocks > MaxBlocksPerRequest:
		return &BlocksResponse{Code: RangeTooLarge, Allowed: MaxBlocksPerRequest}
	}

	if req.StartHeight > sm.cfg.GetStatus().Height {
		return &BlocksResponse{Code: RangeNotFound}
	}
	blocks, err := sm.cfg.GetBlocksByHeight(req.StartHeight, req.MaxBlocks)
	if err != nil {
		syncLog.Errorf("Failed to load blocks from %d: %v", req.StartHeight, err)
		return &BlocksResponse{Code: RangePeerErr}
	}
	if len(blocks) == 0 {
		return &BlocksResponse{Code: RangeNotFound}
	}
	return &BlocksResponse{
		Code:   RangeOK,
		Blocks: trimByteSliceBatch(blocks, MaxBlocksPerRequest, SyncBlocksResponseByteBudget),
	}
}

func (sm *SyncManager) serveBlocksByHash(req BlocksRequest) *BlocksResponse {
	if len(req.Hashes) > MaxBlocksPerRequest {
		return &BlocksResponse{Code: RangeTooLarge, Allowed: MaxBlocksPerRequest}
	}
	blocks, err := sm.cfg.GetBlocks(req.Hashes)
	if err != nil {
		syncLog.Errorf("Failed to load %d blocks by hash: %v", len(req.Hashes), err)
		return &BlocksResponse{Code: RangePeerErr}
	}
	if len(blocks) == 0 {
		return &BlocksResponse{Code: RangeNotFound}
	}
	return &BlocksResponse{
		Code:   RangeOK,
		Blocks: trimByteSliceBatch(blocks, MaxBlocksPerRequest, SyncBlocksResponseByteBudget),
	}
}

// syncRequestMaxSize caps inbound requests.
func syncRequestMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SyncMsgStatus:
		return MaxSyncStatusMessageSize, nil
	case SyncMsgGetForkPoint, SyncMsgGetBlocksByHeight, SyncMsgGetBlocks, SyncMsgGetMempool:
		return MaxSyncRequestSize, nil
	default:
		return 0, fmt.Errorf("unknown sync request type: %d", msgType)
	}
}

// syncResponseMaxSize caps responses read by the client.
func syncResponseMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SyncMsgStatus:
		return MaxSyncStatusMessageSize, nil
	case SyncMsgForkPoint:
		return MaxSyncForkPointSize, nil
	case SyncMsgBlocks:
		return MaxSyncBlocksMessageSize, nil
	case SyncMsgMempool:
		return MaxSyncMempoolMessageSize, nil
	default:
		return 0, fmt.Errorf("%w: unknown sync response type %d", ErrMalformedResponse, msgType)
	}
}

package main

import (
	"bytes"
	"container/heap"
	"errors"
	"slices"
	"sync"
	"time"

	"corechain/protocol/params"

	"github.com/lightningnetwork/lnd/clock"
)

// MempoolConfig configures the mempool
type MempoolConfig struct {
	// MaxSize is the maximum number of transactions
	MaxSize int

	// MaxSizeBytes is the maximum total size in bytes
	MaxSizeBytes int

	// MinFeeRate is the minimum fee per byte to accept
	MinFeeRate float64

	// ExpirationTime is how long a tx stays in mempool
	ExpirationTime time.Duration
}

// DefaultMempoolConfig returns sensible defaults
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:        5000,
		MaxSizeBytes:   100 * 1024 * 1024, // 100 MB
		MinFeeRate:     0,
		ExpirationTime: 24 * time.Hour,
	}
}

// LedgerSource gives the mempool read snapshots of the confirmed ledger.
type LedgerSource interface {
	View(fn func(view UTXOView) error) error
}

// MempoolEntry represents a transaction in the mempool
type MempoolEntry struct {
	Tx      *Transaction
	TxID    [32]byte  // Transaction ID hash
	TxData  []byte    // Serialized transaction
	Fee     uint64    // Transaction fee
	FeeRate float64   // Fee per byte
	Size    int       // Size in bytes
	AddedAt time.Time // When added to mempool
	Height  uint64    // Chain height when added

	// For eviction queue
	index int
}

// Mempool stores unconfirmed transactions. Admission is checked against a
// snapshot of the confirmed ledger plus the pool itself, so a sender may
// queue a chain of transactions with consecutive nonces that spend each
// other's outputs.
type Mempool struct {
	mu sync.RWMutex

	config MempoolConfig
	params *params.ChainParams
	ledger LedgerSource
	height func() uint64
	clock  clock.Clock

	txByID   map[[32]byte]*MempoolEntry
	bySender map[Address]map[uint64]*MempoolEntry // sender -> nonce -> entry
	spentBy  map[OutPoint][32]byte                 // outpoint -> spending pool tx
	created  map[OutPoint]*UTXO                    // outputs of pool txs

	// Eviction queue (lowest fee rate first)
	evictQueue txEvictionQueue

	totalSize int
}

// NewMempool creates a new mempool. height reports the current chain height
// and is used for coinbase maturity checks.
func NewMempool(cfg MempoolConfig, p *params.ChainParams, ledger LedgerSource, height func() uint64, clk clock.Clock) *Mempool {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Mempool{
		config:     cfg,
		params:     p,
		ledger:     ledger,
		height:     height,
		clock:      clk,
		txByID:     make(map[[32]byte]*MempoolEntry),
		bySender:   make(map[Address]map[uint64]*MempoolEntry),
		spentBy:    make(map[OutPoint][32]byte),
		created:    make(map[OutPoint]*UTXO),
		evictQueue: make(txEvictionQueue, 0),
	}
}

// ============================================================================
// Pool view
// ============================================================================

// poolView is the confirmed ledger with the pool's effects layered on top.
type poolView struct {
	base UTXOView
	m    *Mempool
}

func (v *poolView) FetchUTXO(op OutPoint) (*UTXO, error) {
	var u *UTXO
	if c, ok := v.m.created[op]; ok {
		cp := *c
		u = &cp
	} else {
		var err error
		if u, err = v.base.FetchUTXO(op); err != nil || u == nil {
			return u, err
		}
	}
	if by, ok := v.m.spentBy[op]; ok {
		u.Spent = true
		u.SpentBy = by
	}
	return u, nil
}

func (v *poolView) NextNonce(sender Address) (uint64, error) {
	next, err := v.base.NextNonce(sender)
	if err != nil {
		return 0, err
	}
	return next + uint64(len(v.m.bySender[sender])), nil
}

// ============================================================================
// Admission
// ============================================================================

// Admit validates tx against the current tip plus the pool and adds it.
//
// Errors: ErrInvalidTransaction (wrapping the rule violated),
// ErrDuplicateNonce, ErrDoubleSpend, ErrMempoolFull, ErrAlreadyInMempool.
func (m *Mempool) Admit(tx *Transaction) (*MempoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entry *MempoolEntry
	err := m.ledger.View(func(view UTXOView) error {
		var err error
		entry, err = m.admitLocked(tx, view, m.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	mempLog.Debugf("Admitted tx %x from %s nonce=%d fee_rate=%.3f pool=%d",
		entry.TxID[:8], tx.Sender, tx.Nonce, entry.FeeRate, len(m.txByID))
	return entry, nil
}

func (m *Mempool) admitLocked(tx *Transaction, view UTXOView, addedAt time.Time) (*MempoolEntry, error) {
	if tx == nil {
		return nil, invalidTx(structuralError(ReasonMalformedTx, "nil transaction"))
	}
	if tx.IsCoinbase() {
		return nil, invalidTx(structuralError(ReasonCoinbaseInPool, "coinbase transaction cannot be added to mempool"))
	}

	txID := tx.TxID()
	if _, exists := m.txByID[txID]; exists {
		return nil, ErrAlreadyInMempool
	}

	if err := CheckTransactionSanity(tx); err != nil {
		return nil, invalidTx(err)
	}

	if existing, dup := m.bySender[tx.Sender][tx.Nonce]; dup {
		return nil, &RuleError{
			Kind: KindConsensus,
			Code: ReasonDuplicateNonce,
			Msg:  "nonce already queued by tx " + shortHash(existing.TxID),
		}
	}

	for _, in := range tx.Inputs {
		if by, taken := m.spentBy[in]; taken {
			return nil, consensusError(ReasonDoubleSpend, "input %s already spent by pool tx %s", in, shortHash(by))
		}
	}

	pv := &poolView{base: view, m: m}
	next, err := pv.NextNonce(tx.Sender)
	if err != nil {
		return nil, storageError(err, "nonce lookup for %s", tx.Sender)
	}
	// Relayed transactions can overtake each other, so a nonce from the
	// future is not evidence of a bad peer.
	if tx.Nonce > next {
		return nil, invalidTx(consensusError(ReasonNonceGap, "nonce %d ahead of expected %d", tx.Nonce, next))
	}
	if _, err := CheckTransactionInputs(tx, pv, m.height()+1, m.params); err != nil {
		if errors.Is(err, ErrDoubleSpend) {
			return nil, err
		}
		return nil, invalidTx(err)
	}

	data := tx.Serialize()
	size := len(data)
	feeRate := tx.FeeRate()
	if feeRate < m.config.MinFeeRate {
		return nil, invalidTx(consensusError(ReasonFeeTooLow, "fee rate %.3f < %.3f", feeRate, m.config.MinFeeRate))
	}

	if err := m.makeRoomLocked(tx, size, feeRate); err != nil {
		return nil, err
	}

	entry := &MempoolEntry{
		Tx:      tx,
		TxID:    txID,
		TxData:  data,
		Fee:     tx.Fee,
		FeeRate: feeRate,
		Size:    size,
		AddedAt: addedAt,
		Height:  m.height(),
	}
	m.insertLocked(entry)
	return entry, nil
}

// makeRoomLocked evicts the lowest fee-rate entries (with descendants)
// until tx fits. It fails with ErrMempoolFull if tx does not pay a better
// fee rate than what would have to go. The victims are chosen before any
// is removed, so a refusal leaves the pool untouched.
func (m *Mempool) makeRoomLocked(tx *Transaction, size int, feeRate float64) error {
	count, total := len(m.txByID)+1, m.totalSize+size
	if count <= m.config.MaxSize && total <= m.config.MaxSizeBytes {
		return nil
	}

	candidates := slices.Clone(m.evictQueue)
	slices.SortFunc(candidates, evictOrder)

	doomed := make(map[[32]byte]bool)
	var plan [][32]byte
	for _, victim := range candidates {
		if count <= m.config.MaxSize && total <= m.config.MaxSizeBytes {
			break
		}
		if doomed[victim.TxID] {
			continue
		}
		if feeRate <= victim.FeeRate {
			return &RuleError{
				Kind: KindConsensus,
				Code: ReasonMempoolFull,
				Msg:  "fee rate does not exceed minimum retained fee rate",
			}
		}
		for _, id := range m.descendantsLocked(victim.TxID) {
			if doomed[id] {
				continue
			}
			if m.isAncestorOfLocked(id, tx) {
				return &RuleError{
					Kind: KindConsensus,
					Code: ReasonMempoolFull,
					Msg:  "eviction would remove a parent of the transaction",
				}
			}
			doomed[id] = true
			plan = append(plan, id)
			count--
			total -= m.txByID[id].Size
		}
	}
	if count > m.config.MaxSize || total > m.config.MaxSizeBytes {
		return &RuleError{Kind: KindConsensus, Code: ReasonMempoolFull, Msg: "transaction larger than pool"}
	}

	for _, id := range plan {
		e := m.txByID[id]
		mempLog.Debugf("Evicting tx %x (fee_rate=%.3f)", e.TxID[:8], e.FeeRate)
		m.removeTxByID(id)
	}
	return nil
}

// isAncestorOfLocked reports whether pool tx id is something tx depends on,
// by output or by nonce.
func (m *Mempool) isAncestorOfLocked(id [32]byte, tx *Transaction) bool {
	e, ok := m.txByID[id]
	if !ok {
		return false
	}
	if e.Tx.Sender == tx.Sender && e.Tx.Nonce < tx.Nonce {
		return true
	}
	for _, in := range tx.Inputs {
		if in.TxID == id {
			return true
		}
	}
	return false
}

func (m *Mempool) insertLocked(entry *MempoolEntry) {
	tx := entry.Tx
	m.txByID[entry.TxID] = entry

	nonces := m.bySender[tx.Sender]
	if nonces == nil {
		nonces = make(map[uint64]*MempoolEntry)
		m.bySender[tx.Sender] = nonces
	}
	nonces[tx.Nonce] = entry

	for _, in := range tx.Inputs {
		m.spentBy[in] = entry.TxID
	}
	for i, out := range tx.Outputs() {
		m.created[OutPoint{TxID: entry.TxID, Index: uint32(i)}] = &UTXO{
			TxID:    entry.TxID,
			Index:   uint32(i),
			Address: out.Address,
			Amount:  out.Amount,
		}
	}

	heap.Push(&m.evictQueue, entry)
	m.totalSize += entry.Size
}

// removeTxByID removes a transaction from mempool by ID
func (m *Mempool) removeTxByID(txID [32]byte) {
	entry, exists := m.txByID[txID]
	if !exists {
		return
	}
	tx := entry.Tx

	delete(m.txByID, txID)
	if nonces := m.bySender[tx.Sender]; nonces != nil {
		delete(nonces, tx.Nonce)
		if len(nonces) == 0 {
			delete(m.bySender, tx.Sender)
		}
	}
	for _, in := range tx.Inputs {
		if m.spentBy[in] == txID {
			delete(m.spentBy, in)
		}
	}
	for i := range tx.Outputs() {
		delete(m.created, OutPoint{TxID: txID, Index: uint32(i)})
	}
	m.totalSize -= entry.Size

	if entry.index >= 0 && entry.index < len(m.evictQueue) {
		heap.Remove(&m.evictQueue, entry.index)
	}
}

// descendantsLocked returns id followed by every pool tx that depends on
// it, directly or transitively. A later nonce from the same sender counts as
// a dependant.
func (m *Mempool) descendantsLocked(id [32]byte) [][32]byte {
	seen := map[[32]byte]bool{id: true}
	order := [][32]byte{id}
	for i := 0; i < len(order); i++ {
		e, ok := m.txByID[order[i]]
		if !ok {
			continue
		}
		for j := range e.Tx.Outputs() {
			if child, ok := m.spentBy[OutPoint{TxID: e.TxID, Index: uint32(j)}]; ok && !seen[child] {
				seen[child] = true
				order = append(order, child)
			}
		}
		if next, ok := m.bySender[e.Tx.Sender][e.Tx.Nonce+1]; ok && !seen[next.TxID] {
			seen[next.TxID] = true
			order = append(order, next.TxID)
		}
	}
	return order
}

// removeWithDescendantsLocked removes id and everything depending on it.
func (m *Mempool) removeWithDescendantsLocked(id [32]byte) int {
	doomed := m.descendantsLocked(id)
	removed := 0
	for _, d := range doomed {
		if _, ok := m.txByID[d]; ok {
			m.removeTxByID(d)
			removed++
		}
	}
	return removed
}

// ============================================================================
// Block assembly
// ============================================================================

// poolParents returns the pool transactions entry depends on: the previous
// nonce of its sender and the creators of its inputs.
func (m *Mempool) poolParentsLocked(e *MempoolEntry) [][32]byte {
	var parents [][32]byte
	if prev, ok := m.bySender[e.Tx.Sender][e.Tx.Nonce-1]; ok {
		parents = append(parents, prev.TxID)
	}
	for _, in := range e.Tx.Inputs {
		if _, ok := m.txByID[in.TxID]; ok && !slices.Contains(parents, in.TxID) {
			parents = append(parents, in.TxID)
		}
	}
	return parents
}

// feeOrder sorts by fee rate descending, then txid ascending.
func feeOrder(a, b *MempoolEntry) int {
	switch {
	case a.FeeRate > b.FeeRate:
		return -1
	case a.FeeRate < b.FeeRate:
		return 1
	}
	return bytes.Compare(a.TxID[:], b.TxID[:])
}

// SelectForBlock picks up to maxCount transactions totalling at most
// maxBytes for a block template.
//
// Selection is greedy by descending fee rate over transactions whose pool
// parents are already selected, rescanning after each pick. The result is
// then put in topological order (Kahn's algorithm, highest fee rate first
// among ready transactions) so every transaction follows both its sender's
// earlier nonces and the creators of its inputs.
func (m *Mempool) SelectForBlock(maxCount, maxBytes int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]*MempoolEntry, 0, len(m.txByID))
	for _, e := range m.txByID {
		sorted = append(sorted, e)
	}
	slices.SortFunc(sorted, feeOrder)

	parents := make(map[[32]byte][][32]byte, len(sorted))
	for _, e := range sorted {
		parents[e.TxID] = m.poolParentsLocked(e)
	}

	selected := make(map[[32]byte]bool)
	var picks []*MempoolEntry
	totalSize := 0
	for len(picks) < maxCount {
		progress := false
		for _, e := range sorted {
			if selected[e.TxID] || totalSize+e.Size > maxBytes {
				continue
			}
			ready := true
			for _, p := range parents[e.TxID] {
				if !selected[p] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			selected[e.TxID] = true
			picks = append(picks, e)
			totalSize += e.Size
			progress = true
			break
		}
		if !progress {
			break
		}
	}

	return topoOrder(picks, parents)
}

// topoOrder orders picks so that every entry follows its parents within the
// set. Among entries that are ready at the same time, higher fee rate goes
// first.
func topoOrder(picks []*MempoolEntry, parents map[[32]byte][][32]byte) []*Transaction {
	inSet := make(map[[32]byte]*MempoolEntry, len(picks))
	for _, e := range picks {
		inSet[e.TxID] = e
	}

	indegree := make(map[[32]byte]int, len(picks))
	children := make(map[[32]byte][]*MempoolEntry)
	for _, e := range picks {
		for _, p := range parents[e.TxID] {
			if _, ok := inSet[p]; ok {
				indegree[e.TxID]++
				children[p] = append(children[p], e)
			}
		}
	}

	var ready []*MempoolEntry
	for _, e := range picks {
		if indegree[e.TxID] == 0 {
			ready = append(ready, e)
		}
	}

	ordered := make([]*Transaction, 0, len(picks))
	for len(ready) > 0 {
		slices.SortFunc(ready, feeOrder)
		e := ready[0]
		ready = ready[1:]
		ordered = append(ordered, e.Tx)
		for _, c := range children[e.TxID] {
			indegree[c.TxID]--
			if indegree[c.TxID] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return ordered
}

// ============================================================================
// Chain updates
// ============================================================================

// ReconcileResult summarizes a Reconcile pass.
type ReconcileResult struct {
	Confirmed  int // removed because a connected block included them
	Readmitted int // abandoned-branch transactions accepted back
	Dropped    int // conflicting or no longer valid
}

// Reconcile brings the pool in line with a chain update. Transactions
// included in connected blocks are removed. Transactions from disconnected
// blocks that are not confirmed again are offered back. Everything left is
// revalidated against the new tip, so conflicts with the new branch are
// dropped.
func (m *Mempool) Reconcile(connected, disconnected []*Block) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult

	confirmed := make(map[[32]byte]bool)
	for _, b := range connected {
		for _, tx := range b.Transactions {
			confirmed[tx.TxID()] = true
		}
	}

	type candidate struct {
		tx      *Transaction
		addedAt time.Time
	}
	var candidates []candidate
	for _, e := range m.txByID {
		if confirmed[e.TxID] {
			res.Confirmed++
			continue
		}
		candidates = append(candidates, candidate{tx: e.Tx, addedAt: e.AddedAt})
	}

	now := m.clock.Now()
	readmit := make(map[[32]byte]bool)
	for _, b := range disconnected {
		for _, tx := range b.Transactions {
			id := tx.TxID()
			if tx.IsCoinbase() || confirmed[id] {
				continue
			}
			if _, pooled := m.txByID[id]; pooled {
				continue
			}
			readmit[id] = true
			candidates = append(candidates, candidate{tx: tx, addedAt: now})
		}
	}

	// Rebuild from scratch in nonce order so chains re-enter parent first.
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.tx.Nonce < b.tx.Nonce:
			return -1
		case a.tx.Nonce > b.tx.Nonce:
			return 1
		}
		return a.addedAt.Compare(b.addedAt)
	})

	m.txByID = make(map[[32]byte]*MempoolEntry)
	m.bySender = make(map[Address]map[uint64]*MempoolEntry)
	m.spentBy = make(map[OutPoint][32]byte)
	m.created = make(map[OutPoint]*UTXO)
	m.evictQueue = make(txEvictionQueue, 0)
	m.totalSize = 0

	err := m.ledger.View(func(view UTXOView) error {
		pending := candidates
		for len(pending) > 0 {
			var retry []candidate
			for _, c := range pending {
				if _, err := m.admitLocked(c.tx, view, c.addedAt); err != nil {
					retry = append(retry, c)
					continue
				}
				if readmit[c.tx.TxID()] {
					res.Readmitted++
				}
			}
			if len(retry) == len(pending) {
				res.Dropped += len(retry)
				for _, c := range retry {
					mempLog.Debugf("Dropped tx %x after chain update", c.tx.TxID())
				}
				break
			}
			pending = retry
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	if res.Confirmed+res.Readmitted+res.Dropped > 0 {
		mempLog.Debugf("Reconciled: confirmed=%d readmitted=%d dropped=%d pool=%d",
			res.Confirmed, res.Readmitted, res.Dropped, len(m.txByID))
	}
	return res, nil
}

// RemoveExpired removes transactions older than the expiration time, along
// with anything that depends on them.
func (m *Mempool) RemoveExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.config.ExpirationTime)
	var expired [][32]byte
	for txID, entry := range m.txByID {
		if entry.AddedAt.Before(cutoff) {
			expired = append(expired, txID)
		}
	}

	removed := 0
	for _, txID := range expired {
		removed += m.removeWithDescendantsLocked(txID)
	}
	return removed
}

// ============================================================================
// Queries
// ============================================================================

// Has checks if a transaction is in the mempool
func (m *Mempool) Has(txID [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.txByID[txID]
	return exists
}

// Get returns a pool entry by ID
func (m *Mempool) Get(txID [32]byte) (*MempoolEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.txByID[txID]
	return entry, exists
}

// Pending returns all mempool entries sorted by fee rate (highest first)
func (m *Mempool) Pending() []*MempoolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*MempoolEntry, 0, len(m.txByID))
	for _, entry := range m.txByID {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, feeOrder)
	return entries
}

// PendingNonce returns the nonce the next transaction from sender should
// carry, counting queued transactions.
func (m *Mempool) PendingNonce(sender Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var next uint64
	err := m.ledger.View(func(view UTXOView) error {
		var err error
		next, err = (&poolView{base: view, m: m}).NextNonce(sender)
		return err
	})
	return next, err
}

// Size returns the number of transactions in mempool
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByID)
}

// MempoolStats summarizes the pool
type MempoolStats struct {
	Count      int     `json:"count"`
	SizeBytes  int     `json:"size_bytes"`
	Senders    int     `json:"senders"`
	MinFeeRate float64 `json:"min_fee_rate"`
	MaxFeeRate float64 `json:"max_fee_rate"`
	TotalFees  uint64  `json:"total_fees"`
}

// Stats returns mempool statistics
func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MempoolStats{
		Count:     len(m.txByID),
		SizeBytes: m.totalSize,
		Senders:   len(m.bySender),
	}
	if stats.Count == 0 {
		return stats
	}

	stats.MinFeeRate = m.evictQueue[0].FeeRate
	for _, entry := range m.txByID {
		stats.MaxFeeRate = max(stats.MaxFeeRate, entry.FeeRate)
		stats.TotalFees += entry.Fee
	}
	return stats
}

// Eviction queue implementation for mempool

type txEvictionQueue []*MempoolEntry

func (pq txEvictionQueue) Len() int { return len(pq) }

func (pq txEvictionQueue) Less(i, j int) bool {
	return evictOrder(pq[i], pq[j]) < 0
}

// evictOrder puts the lower fee rate first; ties evict the larger txid.
func evictOrder(a, b *MempoolEntry) int {
	switch {
	case a.FeeRate < b.FeeRate:
		return -1
	case a.FeeRate > b.FeeRate:
		return 1
	}
	return bytes.Compare(b.TxID[:], a.TxID[:])
}

func (pq txEvictionQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *txEvictionQueue) Push(x interface{}) {
	n := len(*pq)
	entry := x.(*MempoolEntry)
	entry.index = n
	*pq = append(*pq, entry)
}

func (pq *txEvictionQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*pq = old[0 : n-1]
	return entry
}

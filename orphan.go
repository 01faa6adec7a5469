package main

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	DefaultMaxOrphans = 256
	DefaultOrphanTTL  = 20 * time.Minute
)

type orphanEntry struct {
	block *Block
	hash  [32]byte
	added time.Time
}

// OrphanPool holds blocks whose parent is not yet known, keyed by the
// missing parent hash. When the parent is accepted its children are handed
// back to the chain for another attempt.
type OrphanPool struct {
	mu sync.Mutex

	clock      clock.Clock
	maxOrphans int
	ttl        time.Duration

	byHash   map[[32]byte]*orphanEntry
	byParent map[[32]byte][]*orphanEntry
}

// NewOrphanPool creates a pool bounded to maxOrphans entries, each kept for
// at most ttl.
func NewOrphanPool(clk clock.Clock, maxOrphans int, ttl time.Duration) *OrphanPool {
	if maxOrphans <= 0 {
		maxOrphans = DefaultMaxOrphans
	}
	if ttl <= 0 {
		ttl = DefaultOrphanTTL
	}
	return &OrphanPool{
		clock:      clk,
		maxOrphans: maxOrphans,
		ttl:        ttl,
		byHash:     make(map[[32]byte]*orphanEntry),
		byParent:   make(map[[32]byte][]*orphanEntry),
	}
}

// Add parks block. It returns false if the block is already held.
func (p *OrphanPool) Add(block *Block) bool {
	hash := block.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[hash]; ok {
		return false
	}

	p.expireLocked()
	for len(p.byHash) >= p.maxOrphans {
		p.evictOldestLocked()
	}

	e := &orphanEntry{block: block, hash: hash, added: p.clock.Now()}
	p.byHash[hash] = e
	parent := block.Header.PrevHash
	p.byParent[parent] = append(p.byParent[parent], e)
	return true
}

// Has reports whether hash is parked.
func (p *OrphanPool) Has(hash [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Len returns the number of parked blocks.
func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// TakeChildren removes and returns every orphan whose parent is parent.
func (p *OrphanPool) TakeChildren(parent [32]byte) []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.byParent[parent]
	if len(entries) == 0 {
		return nil
	}
	delete(p.byParent, parent)

	blocks := make([]*Block, 0, len(entries))
	for _, e := range entries {
		delete(p.byHash, e.hash)
		blocks = append(blocks, e.block)
	}
	return blocks
}

// Headers returns the headers of every parked block.
func (p *OrphanPool) Headers() []BlockHeader {
	p.mu.Lock()
	defer p.mu.Unlock()

	headers := make([]BlockHeader, 0, len(p.byHash))
	for _, e := range p.byHash {
		headers = append(headers, e.block.Header)
	}
	return headers
}

// MissingParents returns the parent hashes that orphans are waiting on and
// that are not themselves orphans. These are what sync should fetch.
func (p *OrphanPool) MissingParents() [][32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var missing [][32]byte
	for parent := range p.byParent {
		if _, isOrphan := p.byHash[parent]; !isOrphan {
			missing = append(missing, parent)
		}
	}
	return missing
}

// Expire drops orphans older than the TTL and returns how many were dropped.
func (p *OrphanPool) Expire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expireLocked()
}

func (p *OrphanPool) expireLocked() int {
	cutoff := p.clock.Now().Add(-p.ttl)
	dropped := 0
	for _, e := range p.byHash {
		if e.added.Before(cutoff) {
			p.removeLocked(e)
			dropped++
		}
	}
	return dropped
}

func (p *OrphanPool) evictOldestLocked() {
	var oldest *orphanEntry
	for _, e := range p.byHash {
		if oldest == nil || e.added.Before(oldest.added) ||
			(e.added.Equal(oldest.added) && string(e.hash[:]) < string(oldest.hash[:])) {
			oldest = e
		}
	}
	if oldest != nil {
		p.removeLocked(oldest)
	}
}

func (p *OrphanPool) removeLocked(e *orphanEntry) {
	delete(p.byHash, e.hash)
	parent := e.block.Header.PrevHash
	siblings := p.byParent[parent]
	for i, s := range siblings {
		if s == e {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(p.byParent, parent)
	} else {
		p.byParent[parent] = siblings
	}
}

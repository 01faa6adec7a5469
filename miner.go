package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// TemplateSource supplies block templates and accepts solved blocks.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context, maxTxs int, minerAddr Address) (*BlockTemplate, error)
	SubmitMinedBlock(block *Block) (*ProcessResult, error)
}

// MinerConfig holds mining configuration
type MinerConfig struct {
	// Address receives coinbase rewards.
	Address Address

	// Threads is the number of mining threads (0 = 1)
	Threads int

	// PeerCount returns the number of connected peers (nil = skip check)
	PeerCount func() int

	Clock clock.Clock
}

// MinerStats holds mining statistics
type MinerStats struct {
	HashCount    uint64
	BlocksFound  uint64
	StartTime    time.Time
	LastHashTime time.Time
}

// Miner searches for proof of work on templates from its source.
type Miner struct {
	source TemplateSource
	clock  clock.Clock

	mu      sync.Mutex
	address Address
	stats   MinerStats
	cancel  context.CancelFunc
	done    chan struct{}

	hashCount   atomic.Uint64
	blocksFound atomic.Uint64
	threads     atomic.Int32
	running     atomic.Bool

	peerCount func() int
	newBlock  chan struct{} // signals miner to restart on new chain tip
}

// NewMiner creates a new miner
func NewMiner(source TemplateSource, config MinerConfig) *Miner {
	threads := config.Threads
	if threads < 1 {
		threads = 1
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	m := &Miner{
		source:    source,
		clock:     clk,
		address:   config.Address,
		peerCount: config.PeerCount,
		newBlock:  make(chan struct{}, 1),
	}
	m.threads.Store(int32(threads))
	return m
}

// SetAddress changes the reward address used for the next template.
func (m *Miner) SetAddress(addr Address) {
	m.mu.Lock()
	m.address = addr
	m.mu.Unlock()
}

// Address returns the current reward address.
func (m *Miner) Address() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Threads returns the number of search goroutines.
func (m *Miner) Threads() int {
	return int(m.threads.Load())
}

// SetThreads takes effect on the next template.
func (m *Miner) SetThreads(n int) {
	if n < 1 {
		n = 1
	}
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	m.threads.Store(int32(n))
}

// NotifyNewBlock tells the miner a new block arrived so it should
// abandon the current stale solve and rebuild against the new tip.
func (m *Miner) NotifyNewBlock() {
	select {
	case m.newBlock <- struct{}{}:
	default: // already signalled, don't block
	}
}

// errNewBlock is returned by MineBlock when a new block arrived and
// the current solve should be abandoned in favour of a fresh template.
var errNewBlock = errors.New("new block received, restarting")

// MineBlock searches the nonce space of block until a hash meets its
// difficulty. Each thread walks its own residue class of nonces and
// refreshes the timestamp as the clock moves. It returns errNewBlock if the
// tip changed first.
func (m *Miner) MineBlock(ctx context.Context, block *Block) (*Block, error) {
	numThreads := m.Threads()
	resultChan := make(chan BlockHeader, 1)

	mineCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for t := 0; t < numThreads; t++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()

			header := block.Header
			header.Nonce = uint64(threadID)
			step := uint64(numThreads)

			for i := uint64(0); ; i++ {
				if i%1024 == 0 {
					select {
					case <-mineCtx.Done():
						return
					default:
					}

					// Timestamps may move forward but never behind the
					// template, which already satisfies the parent.
					if now := m.clock.Now().Unix(); now > header.Timestamp {
						header.Timestamp = now
					}
				}

				hash := header.Hash()
				m.hashCount.Add(1)
				if CheckProofOfWork(hash, header.Difficulty) {
					select {
					case resultChan <- header:
					default:
					}
					return
				}
				header.Nonce += step
			}
		}(t)
	}

	stopWorkers := func() {
		cancel()
		wg.Wait()
	}

	// Wait for result, new-block signal, or cancellation
	select {
	case <-ctx.Done():
		stopWorkers()
		return nil, ctx.Err()

	case <-m.newBlock:
		stopWorkers()
		return nil, errNewBlock

	case header := <-resultChan:
		stopWorkers()
		solved := &Block{Header: header, Transactions: block.Transactions}
		m.blocksFound.Add(1)
		m.mu.Lock()
		m.stats.LastHashTime = m.clock.Now()
		m.mu.Unlock()
		return solved, nil
	}
}

// Start begins mining in a background goroutine
func (m *Miner) Start(ctx context.Context) error {
	if err := m.Address().Validate(); err != nil {
		return fmt.Errorf("invalid mining address: %w", err)
	}
	if m.running.Swap(true) {
		return nil // Already running
	}

	// Reset statistics so old data from a previous mining session is not included
	m.hashCount.Store(0)
	m.blocksFound.Store(0)

	mineCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.stats = MinerStats{StartTime: m.clock.Now()}
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	minrLog.Infof("Mining started with %d threads to %s", m.Threads(), m.Address())

	go func() {
		defer close(done)
		defer m.running.Store(false)
		defer cancel()
		m.mineLoop(mineCtx)
	}()
	return nil
}

func (m *Miner) mineLoop(ctx context.Context) {
	for {
		// Wait for peers before mining (avoid divergent chains)
		if m.peerCount != nil {
			for m.peerCount() == 0 {
				minrLog.Debug("Waiting for peers before mining")
				select {
				case <-ctx.Done():
					return
				case <-m.clock.TickAfter(5 * time.Second):
				}
			}
		}

		// Drain a stale signal; the template below is already current.
		select {
		case <-m.newBlock:
		default:
		}

		tmpl, err := m.source.GetBlockTemplate(ctx, 0, m.Address())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			minrLog.Errorf("Failed to build block template: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-m.clock.TickAfter(time.Second):
			}
			continue
		}

		block, err := m.MineBlock(ctx, tmpl.Block())
		switch {
		case errors.Is(err, errNewBlock):
			continue
		case err != nil:
			return
		}

		res, err := m.source.SubmitMinedBlock(block)
		if err != nil {
			if errors.Is(err, ErrDaemonShuttingDown) {
				return
			}
			minrLog.Warnf("Mined block at height %d rejected: %v", block.Header.Height, err)
			continue
		}
		minrLog.Infof("Found block %s at height %d (%s, fees %d)",
			shortHash(res.Hash), res.Height, res.Status, tmpl.Fees)
	}
}

// Stop halts mining and waits for the search goroutines to exit.
func (m *Miner) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	minrLog.Info("Mining stopped")
}

// IsRunning reports whether the mining loop is active.
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// Stats returns current mining statistics
func (m *Miner) Stats() MinerStats {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()

	stats.HashCount = m.hashCount.Load()
	stats.BlocksFound = m.blocksFound.Load()
	return stats
}

// HashRate returns the average hashes per second since Start.
func (m *Miner) HashRate() float64 {
	stats := m.Stats()
	if stats.StartTime.IsZero() {
		return 0
	}
	elapsed := m.clock.Now().Sub(stats.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(stats.HashCount) / elapsed
}

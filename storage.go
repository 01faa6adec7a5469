package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketBlocks    = []byte("blocks")    // hash -> block JSON (every stored block, any branch)
	bucketHeights   = []byte("heights")   // height (big-endian) -> hash (main chain only)
	bucketUTXOs     = []byte("utxos")     // outpoint -> UTXO JSON, spent records kept for rollback
	bucketAddrIndex = []byte("addrindex") // len(addr) || addr || outpoint -> amount
	bucketNonces    = []byte("nonces")    // address -> last confirmed nonce
	bucketInvalid   = []byte("invalid")   // hash -> reason code
	bucketMeta      = []byte("meta")      // metadata: tip, height, work

	metaKeyTip    = []byte("tip")
	metaKeyHeight = []byte("height")
	metaKeyWork   = []byte("work")
)

// Storage wraps bbolt for chain and ledger persistence
type Storage struct {
	db *bolt.DB
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func readTipMeta(meta *bolt.Bucket) (hash [32]byte, height uint64, found bool, err error) {
	tipData := meta.Get(metaKeyTip)
	heightData := meta.Get(metaKeyHeight)

	if tipData == nil {
		if heightData != nil {
			return hash, 0, false, fmt.Errorf("height metadata present without tip metadata")
		}
		return hash, 0, false, nil
	}
	if len(tipData) != 32 {
		return hash, 0, false, fmt.Errorf("invalid tip hash length: got %d", len(tipData))
	}
	if len(heightData) != 8 {
		return hash, 0, false, fmt.Errorf("invalid tip height length: got %d", len(heightData))
	}

	copy(hash[:], tipData)
	height = binary.BigEndian.Uint64(heightData)
	return hash, height, true, nil
}

func writeTipMeta(meta *bolt.Bucket, hash [32]byte, height, work uint64) error {
	workBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(workBytes, work)

	if err := meta.Put(metaKeyTip, hash[:]); err != nil {
		return err
	}
	if err := meta.Put(metaKeyHeight, heightKey(height)); err != nil {
		return err
	}
	return meta.Put(metaKeyWork, workBytes)
}

// NewStorage opens or creates the chain database
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultChainDBFilename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		NoSync: false, // Ensure durability
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketBlocks, bucketHeights, bucketUTXOs, bucketAddrIndex,
			bucketNonces, bucketInvalid, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create buckets: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// ============================================================================
// Block Operations
// ============================================================================

// SaveBlock stores a block by its hash without touching the main chain. Used
// for side-branch blocks that do not (yet) carry the most work.
func (s *Storage) SaveBlock(block *Block) error {
	if block == nil {
		return fmt.Errorf("cannot save nil block")
	}

	hash := block.Hash()
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if block.Header.Height > 0 && blocks.Get(block.Header.PrevHash[:]) == nil {
			return fmt.Errorf("block %x at height %d has missing parent %x", hash[:8], block.Header.Height, block.Header.PrevHash[:8])
		}
		return blocks.Put(hash[:], data)
	})
}

// GetBlock retrieves a block by hash. A missing block returns (nil, nil).
func (s *Storage) GetBlock(hash [32]byte) (*Block, error) {
	var block *Block

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(hash[:])
		if data == nil {
			return nil
		}
		block = &Block{}
		return json.Unmarshal(data, block)
	})

	return block, err
}

// HasBlock checks if a block exists
func (s *Storage) HasBlock(hash [32]byte) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketBlocks).Get(hash[:]) != nil
		return nil
	})
	return exists, err
}

// ForEachBlock calls fn for every stored block in key order.
func (s *Storage) ForEachBlock(fn func(block *Block) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			block := &Block{}
			if err := json.Unmarshal(v, block); err != nil {
				return fmt.Errorf("corrupt block %x: %w", k[:8], err)
			}
			return fn(block)
		})
	})
}

// MarkInvalid records that a stored block failed validation so it is not
// reconsidered after restart.
func (s *Storage) MarkInvalid(hash [32]byte, code ReasonCode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvalid).Put(hash[:], []byte(code))
	})
}

// InvalidBlocks returns every block marked invalid with its reason.
func (s *Storage) InvalidBlocks() (map[[32]byte]ReasonCode, error) {
	invalid := make(map[[32]byte]ReasonCode)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvalid).ForEach(func(k, v []byte) error {
			if len(k) != 32 {
				return fmt.Errorf("corrupt invalid-block key length %d", len(k))
			}
			var hash [32]byte
			copy(hash[:], k)
			invalid[hash] = ReasonCode(v)
			return nil
		})
	})
	return invalid, err
}

// ============================================================================
// Height Index (Main Chain Only)
// ============================================================================

// GetBlockHashByHeight gets the main chain block hash at height
func (s *Storage) GetBlockHashByHeight(height uint64) ([32]byte, bool, error) {
	var hash [32]byte
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeights).Get(heightKey(height))
		if data != nil {
			copy(hash[:], data)
			found = true
		}
		return nil
	})
	return hash, found, err
}

// ============================================================================
// Metadata Operations
// ============================================================================

// GetTip returns the best block hash, height and cumulative work
func (s *Storage) GetTip() (hash [32]byte, height uint64, work uint64, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		var metaErr error
		hash, height, found, metaErr = readTipMeta(meta)
		if metaErr != nil {
			return metaErr
		}
		if data := meta.Get(metaKeyWork); len(data) == 8 {
			work = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return
}

// ============================================================================
// Ledger Operations
// ============================================================================

// ApplyTransaction applies a single transaction to the ledger at height in
// its own write transaction.
func (s *Storage) ApplyTransaction(tx *Transaction, height uint64) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return newUTXOBatch(btx).applyTx(tx, height)
	})
}

// RollbackTransaction reverses ApplyTransaction.
func (s *Storage) RollbackTransaction(tx *Transaction) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return newUTXOBatch(btx).rollbackTx(tx)
	})
}

// GetUTXO returns the unspent output at op, or nil if it does not exist or
// has been spent.
func (s *Storage) GetUTXO(op OutPoint) (*UTXO, error) {
	var u *UTXO
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = newUTXOBatch(tx).FetchUTXO(op)
		return err
	})
	if err != nil || u == nil || u.Spent {
		return nil, err
	}
	return u, nil
}

// GetUTXOs returns the unspent outputs owned by addr.
func (s *Storage) GetUTXOs(addr Address) ([]*UTXO, error) {
	var utxos []*UTXO
	err := s.db.View(func(tx *bolt.Tx) error {
		b := newUTXOBatch(tx)
		return b.unspentByAddress(addr, func(op OutPoint, _ uint64) error {
			u, err := b.FetchUTXO(op)
			if err != nil {
				return err
			}
			if u == nil || u.Spent {
				return fmt.Errorf("address index references missing output %s", op)
			}
			utxos = append(utxos, u)
			return nil
		})
	})
	return utxos, err
}

// GetBalance sums the unspent outputs owned by addr.
func (s *Storage) GetBalance(addr Address) (uint64, error) {
	var total uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return newUTXOBatch(tx).unspentByAddress(addr, func(_ OutPoint, amount uint64) error {
			total += amount
			return nil
		})
	})
	return total, err
}

// NextNonce returns the nonce the next confirmed transaction from sender
// must carry.
func (s *Storage) NextNonce(sender Address) (uint64, error) {
	var next uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		next, err = newUTXOBatch(tx).NextNonce(sender)
		return err
	})
	return next, err
}

// View runs fn against a consistent read-only snapshot of the ledger.
func (s *Storage) View(fn func(view UTXOView) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(newUTXOBatch(tx))
	})
}

// ============================================================================
// Batch Operations (atomic block commits)
// ============================================================================

// BlockValidateFunc checks a block's transactions against the ledger state
// as of its parent, inside the commit's write transaction.
type BlockValidateFunc func(block *Block, view UTXOView) error

// BlockConnectError reports which block of a commit failed to connect.
type BlockConnectError struct {
	Hash [32]byte
	Err  error
}

func (e *BlockConnectError) Error() string {
	return fmt.Sprintf("connect block %x: %v", e.Hash[:8], e.Err)
}

func (e *BlockConnectError) Unwrap() error {
	return e.Err
}

// connectBlock validates, stores and applies block on top of the current
// main chain inside tx.
func connectBlock(tx *bolt.Tx, block *Block, validate BlockValidateFunc) error {
	hash := block.Hash()
	batch := newUTXOBatch(tx)

	if validate != nil {
		if err := validate(block, batch); err != nil {
			return &BlockConnectError{Hash: hash, Err: err}
		}
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	if err := tx.Bucket(bucketBlocks).Put(hash[:], data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketHeights).Put(heightKey(block.Header.Height), hash[:]); err != nil {
		return err
	}
	if err := batch.applyBlock(block); err != nil {
		return &BlockConnectError{Hash: hash, Err: err}
	}
	return nil
}

// BlockCommit extends the main chain by one block
type BlockCommit struct {
	Block    *Block
	Work     uint64 // cumulative work including Block
	Validate BlockValidateFunc
}

// CommitBlock atomically validates, writes and applies a block on the tip
func (s *Storage) CommitBlock(commit *BlockCommit) error {
	if commit == nil {
		return fmt.Errorf("nil block commit")
	}
	if commit.Block == nil {
		return fmt.Errorf("nil block in block commit")
	}
	block := commit.Block

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		tipHash, tipHeight, found, err := readTipMeta(meta)
		if err != nil {
			return fmt.Errorf("invalid tip metadata: %w", err)
		}
		if !found {
			if block.Header.Height != 0 {
				return fmt.Errorf("cannot commit non-genesis tip to empty chain: height=%d", block.Header.Height)
			}
		} else {
			if block.Header.Height != tipHeight+1 {
				return fmt.Errorf("tip height linkage mismatch: current=%d new=%d", tipHeight, block.Header.Height)
			}
			if block.Header.PrevHash != tipHash {
				return fmt.Errorf("tip hash linkage mismatch: expected prev %x got %x", tipHash[:8], block.Header.PrevHash[:8])
			}
		}

		if err := connectBlock(tx, block, commit.Validate); err != nil {
			return err
		}
		return writeTipMeta(meta, block.Hash(), block.Header.Height, commit.Work)
	})
}

// ReorgCommit handles rolling back and applying blocks atomically
type ReorgCommit struct {
	// Blocks to disconnect, current tip first
	Disconnect []*Block
	// Blocks to connect, lowest height first
	Connect []*Block
	// Cumulative work of the new tip
	NewWork  uint64
	Validate BlockValidateFunc
}

// CommitReorg atomically performs a chain reorganization. Disconnected
// blocks are rolled back in reverse transaction order, then each connected
// block is validated against the rolled-back state and applied. Any failure
// aborts the whole write transaction and leaves the previous chain intact.
func (s *Storage) CommitReorg(commit *ReorgCommit) error {
	if commit == nil {
		return fmt.Errorf("nil reorg commit")
	}
	if len(commit.Connect) == 0 {
		return fmt.Errorf("reorg commit requires at least one block to connect")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		meta := tx.Bucket(bucketMeta)

		currentTip, currentHeight, found, err := readTipMeta(meta)
		if err != nil {
			return fmt.Errorf("invalid current tip metadata: %w", err)
		}
		if !found {
			return fmt.Errorf("cannot apply reorg on empty chain")
		}
		if len(commit.Disconnect) > int(currentHeight) {
			return fmt.Errorf("disconnect set too deep for current height: disconnect=%d currentHeight=%d", len(commit.Disconnect), currentHeight)
		}

		baseHash := currentTip
		baseHeight := currentHeight
		for i, block := range commit.Disconnect {
			if block == nil {
				return fmt.Errorf("disconnect[%d] is nil", i)
			}
			expectedHeight := currentHeight - uint64(i)
			if block.Header.Height != expectedHeight {
				return fmt.Errorf("disconnect[%d] height mismatch: expected=%d got=%d", i, expectedHeight, block.Header.Height)
			}
			mainHash := heights.Get(heightKey(expectedHeight))
			if mainHash == nil {
				return fmt.Errorf("main-chain height %d missing during disconnect", expectedHeight)
			}
			var indexedHash [32]byte
			copy(indexedHash[:], mainHash)
			if indexedHash != block.Hash() {
				return fmt.Errorf("disconnect[%d] hash mismatch with height index at %d", i, expectedHeight)
			}
			baseHash = block.Header.PrevHash
			baseHeight = block.Header.Height - 1
		}

		if blocks.Get(baseHash[:]) == nil {
			return fmt.Errorf("reorg base block not found: %x", baseHash[:8])
		}

		expectedPrev := baseHash
		expectedHeight := baseHeight + 1
		for i, block := range commit.Connect {
			if block == nil {
				return fmt.Errorf("connect[%d] is nil", i)
			}
			if block.Header.Height != expectedHeight {
				return fmt.Errorf("connect[%d] height mismatch: expected=%d got=%d", i, expectedHeight, block.Header.Height)
			}
			if block.Header.PrevHash != expectedPrev {
				return fmt.Errorf("connect[%d] parent mismatch: expected prev %x got %x", i, expectedPrev[:8], block.Header.PrevHash[:8])
			}
			expectedPrev = block.Hash()
			expectedHeight++
		}

		// Disconnect blocks (tip first, transactions in reverse)
		batch := newUTXOBatch(tx)
		for _, block := range commit.Disconnect {
			if err := batch.rollbackBlock(block); err != nil {
				return fmt.Errorf("rollback block %x: %w", block.Hash(), err)
			}
			if err := heights.Delete(heightKey(block.Header.Height)); err != nil {
				return err
			}
		}

		// Connect new blocks (forward order)
		for _, block := range commit.Connect {
			if err := connectBlock(tx, block, commit.Validate); err != nil {
				return err
			}
		}

		last := commit.Connect[len(commit.Connect)-1]
		return writeTipMeta(meta, last.Hash(), last.Header.Height, commit.NewWork)
	})
}

// failedConnect extracts the block that failed to connect, if any.
func failedConnect(err error) ([32]byte, bool) {
	var ce *BlockConnectError
	if errors.As(err, &ce) {
		return ce.Hash, true
	}
	return [32]byte{}, false
}

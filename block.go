package main

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"corechain/protocol/params"

	"golang.org/x/crypto/sha3"
)

// BlockVersion is the only header version currently accepted.
const BlockVersion uint32 = 1

// ============================================================================
// Block Header
// ============================================================================

// BlockHeader contains the immutable header of a block
type BlockHeader struct {
	Version    uint32   `json:"version"`
	Height     uint64   `json:"height"`
	PrevHash   [32]byte `json:"prev_hash"`
	MerkleRoot [32]byte `json:"merkle_root"`
	Timestamp  int64    `json:"timestamp"`
	Difficulty uint64   `json:"difficulty"`
	Nonce      uint64   `json:"nonce"`
	Miner      Address  `json:"miner"`
}

// Hash returns the SHA3-256 hash of the block header. The same hash is
// checked against the difficulty target.
func (h *BlockHeader) Hash() [32]byte {
	return sha3.Sum256(h.Serialize())
}

// Serialize converts the header to its fixed little-endian encoding
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, 0, 4+8+32+32+8+8+8+2+len(h.Miner))

	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = appendBytes16(buf, []byte(h.Miner))

	return buf
}

// ============================================================================
// Block
// ============================================================================

// Block represents a complete block with header and transactions
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// Hash returns the block hash (header hash)
func (b *Block) Hash() [32]byte {
	return b.Header.Hash()
}

// Size returns the serialized size of the block
func (b *Block) Size() int {
	size := len(b.Header.Serialize())
	for _, tx := range b.Transactions {
		size += tx.Size()
	}
	return size
}

// Coinbase returns the first transaction if it is a coinbase.
func (b *Block) Coinbase() *Transaction {
	if len(b.Transactions) == 0 || !b.Transactions[0].IsCoinbase() {
		return nil
	}
	return b.Transactions[0]
}

// ComputeMerkleRoot computes the merkle root of transactions
func (b *Block) ComputeMerkleRoot() [32]byte {
	if len(b.Transactions) == 0 {
		return [32]byte{}
	}

	hashes := make([][32]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.TxID()
	}
	return computeMerkleRoot(hashes)
}

// computeMerkleRoot builds merkle tree and returns root
func computeMerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	// Pad to even number by duplicating last hash
	if len(hashes)%2 == 1 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}

	nextLevel := make([][32]byte, len(hashes)/2)
	var combined [64]byte
	for i := 0; i < len(hashes); i += 2 {
		copy(combined[0:32], hashes[i][:])
		copy(combined[32:64], hashes[i+1][:])
		nextLevel[i/2] = sha3.Sum256(combined[:])
	}

	return computeMerkleRoot(nextLevel)
}

// shortHash formats the first 8 bytes of a hash for logs.
func shortHash(h [32]byte) string {
	return hex.EncodeToString(h[:8])
}

// ============================================================================
// Proof of Work
// ============================================================================

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// DifficultyToTarget converts a difficulty to the largest acceptable hash.
func DifficultyToTarget(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(maxTarget, new(big.Int).SetUint64(difficulty))
}

// CheckProofOfWork reports whether hash, read big-endian, is <= the target
// for difficulty.
func CheckProofOfWork(hash [32]byte, difficulty uint64) bool {
	if difficulty == 0 {
		return false
	}
	return new(big.Int).SetBytes(hash[:]).Cmp(DifficultyToTarget(difficulty)) <= 0
}

// ============================================================================
// Difficulty and Emission
// ============================================================================

// CalcNextDifficulty computes the difficulty required of the child of the
// last header in window using LWMA. window holds consecutive ancestors,
// oldest first, ending at the parent.
func CalcNextDifficulty(p *params.ChainParams, window []BlockHeader) uint64 {
	n := p.LWMAWindow
	if n <= 0 || len(window) < n+1 {
		return p.MinDifficulty
	}
	window = window[len(window)-(n+1):]

	target := int64(p.TargetBlockInterval.Seconds())
	maxSolve := target * 6

	var weightedSolvetimeSum int64
	var difficultySum uint64
	weightSum := int64(n * (n + 1) / 2)

	for i := 1; i <= n; i++ {
		solvetime := window[i].Timestamp - window[i-1].Timestamp
		if solvetime < 1 {
			solvetime = 1
		}
		if solvetime > maxSolve {
			solvetime = maxSolve
		}
		weightedSolvetimeSum += solvetime * int64(i)
		difficultySum += window[i].Difficulty
	}

	avgDifficulty := difficultySum / uint64(n)
	if weightedSolvetimeSum < 1 {
		weightedSolvetimeSum = 1
	}

	next := new(big.Int).SetUint64(avgDifficulty)
	next.Mul(next, big.NewInt(target*weightSum))
	next.Div(next, big.NewInt(weightedSolvetimeSum))

	if !next.IsUint64() {
		return ^uint64(0)
	}
	if d := next.Uint64(); d > p.MinDifficulty {
		return d
	}
	return p.MinDifficulty
}

// BlockReward returns the coinbase subsidy at height.
func BlockReward(p *params.ChainParams, height uint64) uint64 {
	if height == 0 {
		return 0
	}
	reward := p.InitialReward
	if p.HalvingInterval > 0 {
		halvings := (height - 1) / p.HalvingInterval
		if halvings >= 64 {
			reward = 0
		} else {
			reward >>= halvings
		}
	}
	return max(reward, p.TailEmission)
}

// ============================================================================
// Genesis
// ============================================================================

// GenesisBlock returns the deterministic genesis block for a network.
func GenesisBlock(p *params.ChainParams) *Block {
	return &Block{
		Header: BlockHeader{
			Version:    BlockVersion,
			Height:     0,
			PrevHash:   sha3.Sum256([]byte(p.GenesisMessage)),
			Timestamp:  p.GenesisTimestamp,
			Difficulty: p.MinDifficulty,
		},
	}
}

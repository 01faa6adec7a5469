package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Checkpoints pins known block hashes at fixed heights. A block at a
// checkpoint height must carry the pinned hash, and no reorg may disconnect
// a block at or below the highest checkpoint.
//
// File format, one per line, '#' starts a comment:
//
//	<height>:<64 hex chars>
type Checkpoints struct {
	hashes  map[uint64][32]byte
	heights []uint64
}

// NewCheckpoints builds a checkpoint set from a map.
func NewCheckpoints(hashes map[uint64][32]byte) *Checkpoints {
	cp := &Checkpoints{hashes: make(map[uint64][32]byte, len(hashes))}
	for h, hash := range hashes {
		cp.hashes[h] = hash
		cp.heights = append(cp.heights, h)
	}
	slices.Sort(cp.heights)
	return cp
}

func checkpointsPath(dataDir string) string {
	return filepath.Join(dataDir, DefaultCheckpointsFile)
}

// LoadCheckpointsFile reads a checkpoints file. A missing file yields an
// empty set.
func LoadCheckpointsFile(path string) (*Checkpoints, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewCheckpoints(nil), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseCheckpoints(f)
}

func parseCheckpoints(r io.Reader) (*Checkpoints, error) {
	hashes := make(map[uint64][32]byte)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		heightStr, hashHex, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("checkpoints line %d: missing ':'", lineNo)
		}
		h, err := strconv.ParseUint(strings.TrimSpace(heightStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoints line %d: bad height: %w", lineNo, err)
		}
		hashHex = strings.TrimPrefix(strings.TrimSpace(hashHex), "0x")
		b, err := hex.DecodeString(hashHex)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("checkpoints line %d: bad hash", lineNo)
		}

		var hash [32]byte
		copy(hash[:], b)
		if prev, dup := hashes[h]; dup && prev != hash {
			return nil, fmt.Errorf("checkpoints line %d: conflicting hash for height %d", lineNo, h)
		}
		hashes[h] = hash
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return NewCheckpoints(hashes), nil
}

// Len returns the number of checkpoints.
func (c *Checkpoints) Len() int {
	if c == nil {
		return 0
	}
	return len(c.heights)
}

// Check reports a consensus error if height is pinned to a different hash.
func (c *Checkpoints) Check(height uint64, hash [32]byte) error {
	if c == nil {
		return nil
	}
	want, ok := c.hashes[height]
	if !ok || want == hash {
		return nil
	}
	return consensusError(ReasonCheckpoint, "block %x at height %d, checkpoint is %x",
		hash[:8], height, want[:8])
}

// LastHeight returns the highest checkpoint height.
func (c *Checkpoints) LastHeight() (uint64, bool) {
	if c.Len() == 0 {
		return 0, false
	}
	return c.heights[len(c.heights)-1], true
}

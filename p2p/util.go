package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxMessageSize is the maximum size of a single message (16 MB)
	MaxMessageSize = 16 * 1024 * 1024

	// Announcement payload caps.
	MaxBlockAnnounceSize = 2 * 1024 * 1024
	MaxTxAnnounceSize    = 1 * 1024 * 1024

	// Typed protocol payload caps.
	MaxPEXMessageSize         = 512 * 1024
	MaxSyncStatusMessageSize  = 32 * 1024
	MaxSyncRequestSize        = 64 * 1024
	MaxSyncForkPointSize      = 32 * 1024
	MaxSyncBlocksMessageSize  = 12 * 1024 * 1024
	MaxSyncMempoolMessageSize = 6 * 1024 * 1024

	// MaxSyncMempoolTxCount caps transaction entries in a mempool response.
	// Aligned with the default mempool capacity.
	MaxSyncMempoolTxCount = 5000
)

// writeMessage writes a message type byte, a 4-byte big-endian length and
// the payload.
func writeMessage(w io.Writer, msgType byte, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}

	buf := make([]byte, 5, 5+len(data))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:], uint32(len(data)))
	_, err := w.Write(append(buf, data...))
	return err
}

// writeJSONMessage marshals v and writes it as msgType.
func writeJSONMessage(w io.Writer, msgType byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeMessage(w, msgType, data)
}

// readMessage reads a type byte then a length-prefixed payload, capped by a
// per-type limit.
func readMessage(r io.Reader, maxForType func(byte) (uint32, error)) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return 0, nil, err
	}
	maxSize, err := maxForType(hdr[0])
	if err != nil {
		return 0, nil, err
	}

	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxSize {
		return 0, nil, fmt.Errorf("message type %d too large: %d > %d", hdr[0], length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return hdr[0], data, nil
}

// isExpectedStreamCloseError returns true for close/reset errors that are
// common when the remote peer already hung up. They are not worth logging.
func isExpectedStreamCloseError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	// libp2p often wraps these as plain errors with descriptive text.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"stream reset",
		"connection closed",
		"use of closed network connection",
		"broken pipe",
		"reset by peer",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// trimByteSliceBatch keeps at most maxItems leading entries whose combined
// size fits byteBudget.
func trimByteSliceBatch(items [][]byte, maxItems int, byteBudget int) [][]byte {
	if len(items) > maxItems {
		items = items[:max(maxItems, 0)]
	}

	total := 0
	for i, item := range items {
		if total+len(item) > byteBudget {
			return items[:i]
		}
		total += len(item)
	}
	return items
}

// ensureJSONArrayMaxItems rejects JSON arrays longer than maxItems before
// they are fully decoded.
func ensureJSONArrayMaxItems(data []byte, maxItems int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("expected JSON array")
	}

	count := 0
	for dec.More() {
		count++
		if count > maxItems {
			return fmt.Errorf("array contains more than %d items", maxItems)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
	}

	tok, err = dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != ']' {
		return fmt.Errorf("malformed JSON array")
	}
	return nil
}

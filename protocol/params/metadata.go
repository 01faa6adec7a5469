package params

// Transaction metadata limits. Consensus treats metadata values as opaque
// bytes; only their size is bounded here.
const (
	// MaxMetadataEntries is the maximum number of keys on one transaction.
	MaxMetadataEntries = 16

	// MaxMetadataKeyLen bounds a single metadata key (bytes).
	MaxMetadataKeyLen = 64

	// MaxMetadataBytes bounds the sum of all keys and values (bytes).
	MaxMetadataBytes = 4096
)

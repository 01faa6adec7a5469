package params

import "time"

// ChainParams holds the consensus constants of one network. Nodes on the same
// network must agree on every field.
type ChainParams struct {
	// Name is used for the default data directory and logs.
	Name string

	// GenesisTimestamp is the unix time stamped into the genesis header.
	GenesisTimestamp int64

	// GenesisMessage is hashed into the genesis PrevHash so that distinct
	// networks never share a genesis hash.
	GenesisMessage string

	// TargetBlockInterval is the intended spacing between blocks.
	TargetBlockInterval time.Duration

	// MinDifficulty is the floor for every header difficulty.
	MinDifficulty uint64

	// LWMAWindow is the number of solve times used for retargeting.
	LWMAWindow int

	// MaxFutureDrift bounds how far ahead of local time a header may be.
	MaxFutureDrift time.Duration

	// MaxBlockSize bounds the serialized block size (bytes).
	MaxBlockSize int

	// MaxBlockTxs bounds the transaction count of a block.
	MaxBlockTxs int

	// InitialReward is the coinbase subsidy at height 1.
	InitialReward uint64

	// HalvingInterval is the number of blocks between subsidy halvings.
	HalvingInterval uint64

	// TailEmission is the subsidy floor once halvings run it down.
	TailEmission uint64

	// CoinbaseMaturity is how many confirmations a coinbase output needs
	// before it can be spent.
	CoinbaseMaturity uint64
}

// MainNetParams are the production consensus parameters.
var MainNetParams = ChainParams{
	Name:                "mainnet",
	GenesisTimestamp:    1792108800,
	GenesisMessage:      "corechain genesis 2026-10-16",
	TargetBlockInterval: 2 * time.Minute,
	MinDifficulty:       1 << 16,
	LWMAWindow:          60,
	MaxFutureDrift:      2 * time.Hour,
	MaxBlockSize:        1 << 20,
	MaxBlockTxs:         10_000,
	InitialReward:       50_0000_0000,
	HalvingInterval:     525_600,
	TailEmission:        1000_0000,
	CoinbaseMaturity:    60,
}

// RegTestParams make blocks trivially cheap to mine for local testing.
var RegTestParams = ChainParams{
	Name:                "regtest",
	GenesisTimestamp:    1792108800,
	GenesisMessage:      "corechain regtest",
	TargetBlockInterval: 2 * time.Minute,
	MinDifficulty:       1,
	LWMAWindow:          60,
	MaxFutureDrift:      2 * time.Hour,
	MaxBlockSize:        1 << 20,
	MaxBlockTxs:         10_000,
	InitialReward:       50_0000_0000,
	HalvingInterval:     150,
	TailEmission:        0,
	CoinbaseMaturity:    0,
}

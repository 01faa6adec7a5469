package main

// Node defaults.
//
// Keep these centralized so main/config/storage stay consistent.
const (
	DefaultDataDirname      = "corechain-data"
	DefaultChainDBFilename  = "corechain.chain.db"
	DefaultLogFilename      = "corechaind.log"
	DefaultConfigFilename   = "corechaind.conf"
	DefaultCheckpointsFile  = "checkpoints.dat"
	DefaultIdentityFilename = "identity.key"
	DefaultListenAddr       = "/ip4/0.0.0.0/tcp/28080"
	DefaultMetricsListen    = ""
	DefaultDebugLevel       = "info"
	DefaultMaxLogFileSize   = 10 // MiB
	DefaultMaxLogFiles      = 3
	DefaultReorgMaxDepth    = 100
	DefaultReorgPolicy      = "reject"
)

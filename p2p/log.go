package p2p

import "github.com/btcsuite/btclog"

// Subsystem loggers. Nothing is logged until the caller installs loggers
// with UseLoggers.
var (
	syncLog btclog.Logger
	discLog btclog.Logger
	nodeLog btclog.Logger
)

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLoggers(btclog.Disabled, btclog.Disabled, btclog.Disabled)
}

// UseLoggers sets the loggers for chain sync, peer discovery and the node
// itself.
func UseLoggers(sync, disc, node btclog.Logger) {
	syncLog = sync
	discLog = disc
	nodeLog = node
}

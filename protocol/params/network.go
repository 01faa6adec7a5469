package params

// NetworkID is a public network identifier exchanged in the P2P status
// handshake. Peers on a different network are rejected.
const NetworkID = "corechain_mainnet"

// ChainID is the epoch identifier carried next to NetworkID in status
// messages. It only changes on a deliberate chain relaunch.
const ChainID uint32 = 0x20261016

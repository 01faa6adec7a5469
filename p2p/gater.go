package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DefaultMaxInboundPerPrefix bounds inbound connections from one /16 (v4)
// or /32 (v6).
const DefaultMaxInboundPerPrefix = 4

// disconnectBanned is reported to libp2p when a banned peer is refused.
const disconnectBanned control.DisconnectReason = 1

// Gater implements libp2p's ConnectionGater. It refuses banned peers and
// caps inbound connections per network prefix.
type Gater struct {
	isBanned     func(peer.ID) bool
	inboundCount func(prefix string) int
	maxPerPrefix int
}

// NewGater creates a connection gater. inboundCount reports the current
// number of inbound connections from a prefix; nil disables the prefix cap.
func NewGater(isBanned func(peer.ID) bool, inboundCount func(prefix string) int, maxPerPrefix int) *Gater {
	if maxPerPrefix <= 0 {
		maxPerPrefix = DefaultMaxInboundPerPrefix
	}
	return &Gater{
		isBanned:     isBanned,
		inboundCount: inboundCount,
		maxPerPrefix: maxPerPrefix,
	}
}

func (g *Gater) banned(pid peer.ID) bool {
	return g.isBanned != nil && g.isBanned(pid)
}

// InterceptPeerDial tests whether we're permitted to dial the peer
func (g *Gater) InterceptPeerDial(pid peer.ID) bool {
	return !g.banned(pid)
}

// InterceptAddrDial tests whether we're permitted to dial the address
func (g *Gater) InterceptAddrDial(pid peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.banned(pid)
}

// InterceptAccept admits an inbound connection unless its prefix is full.
// The peer ID is not known yet at this stage.
func (g *Gater) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	if g.inboundCount == nil {
		return true
	}
	prefix := NetworkPrefix(addrs.RemoteMultiaddr())
	if g.inboundCount(prefix) >= g.maxPerPrefix {
		nodeLog.Debugf("Refusing inbound from %s: prefix %s full", addrs.RemoteMultiaddr(), prefix)
		return false
	}
	return true
}

// InterceptSecured blocks banned peers after the handshake.
func (g *Gater) InterceptSecured(_ network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banned(pid)
}

// InterceptUpgraded tests whether a fully upgraded connection is allowed
func (g *Gater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if g.banned(conn.RemotePeer()) {
		return false, disconnectBanned
	}
	return true, 0
}

package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// connAddrs is a minimal network.ConnMultiaddrs for InterceptAccept.
type connAddrs struct {
	local, remote multiaddr.Multiaddr
}

func (c connAddrs) LocalMultiaddr() multiaddr.Multiaddr  { return c.local }
func (c connAddrs) RemoteMultiaddr() multiaddr.Multiaddr { return c.remote }

func mustAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("failed to build multiaddr %s: %v", s, err)
	}
	return ma
}

func TestGater_BlocksBannedPeerOnDialAndSecured(t *testing.T) {
	bannedPeer := peer.ID("12D3KooWBannedPeer123456789")
	gater := NewGater(func(pid peer.ID) bool {
		return pid == bannedPeer
	}, nil, 0)

	if gater.InterceptPeerDial(bannedPeer) {
		t.Fatal("expected banned peer dial to be blocked")
	}
	if gater.InterceptAddrDial(bannedPeer, mustAddr(t, "/ip4/127.0.0.1/tcp/28080")) {
		t.Fatal("expected banned peer addr dial to be blocked")
	}
	if gater.InterceptSecured(network.DirInbound, bannedPeer, nil) {
		t.Fatal("expected banned peer secured connection to be blocked")
	}
}

func TestGater_AllowsNonBannedPeer(t *testing.T) {
	bannedPeer := peer.ID("12D3KooWBannedPeer123456789")
	goodPeer := peer.ID("12D3KooWGoodPeer1234567890")
	gater := NewGater(func(pid peer.ID) bool {
		return pid == bannedPeer
	}, nil, 0)

	if !gater.InterceptPeerDial(goodPeer) {
		t.Fatal("expected non-banned peer dial to be allowed")
	}
	if !gater.InterceptAddrDial(goodPeer, mustAddr(t, "/ip4/127.0.0.1/tcp/28080")) {
		t.Fatal("expected non-banned peer addr dial to be allowed")
	}
	if !gater.InterceptSecured(network.DirOutbound, goodPeer, nil) {
		t.Fatal("expected non-banned peer secured connection to be allowed")
	}
	if !gater.InterceptAccept(nil) {
		t.Fatal("expected accept without prefix limit to be allowed")
	}
}

func TestGater_CapsInboundPerPrefix(t *testing.T) {
	counts := map[string]int{"8.8.0.0/16": 2}
	gater := NewGater(nil, func(prefix string) int {
		return counts[prefix]
	}, 2)

	full := connAddrs{remote: mustAddr(t, "/ip4/8.8.4.4/tcp/4001")}
	if gater.InterceptAccept(full) {
		t.Fatal("expected inbound from a full prefix to be refused")
	}

	other := connAddrs{remote: mustAddr(t, "/ip4/9.9.9.9/tcp/4001")}
	if !gater.InterceptAccept(other) {
		t.Fatal("expected inbound from another prefix to be accepted")
	}
}

package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PEX message types
const (
	PEXMsgGetPeers byte = 0x01
	PEXMsgPeers    byte = 0x02
)

const (
	MaxPeersPerExchange       = 50
	MaxPeerRecordsPerResponse = MaxPeersPerExchange
	MaxPeerAddrsPerRecord     = 8

	// pexFanout is how many connected peers each exchange round asks.
	pexFanout = 3
)

// exchangeRound asks a few of the best connected peers for their peer lists.
// With nobody connected it falls back to the seeds.
func (n *Node) exchangeRound() {
	if len(n.Peers()) == 0 {
		if err := n.connectToSeeds(); err != nil {
			discLog.Warnf("Seed reconnect failed: %v", err)
		}
		return
	}

	asked := 0
	for _, pid := range n.disc.SelectPeers(n.disc.Len(), true) {
		if asked >= pexFanout {
			break
		}
		if n.host.Network().Connectedness(pid) != network.Connected {
			continue
		}
		asked++
		if err := n.exchangeWith(pid); err != nil {
			discLog.Debugf("Peer exchange with %s failed: %v", pid, err)
		}
	}
}

// exchangeWith fetches pid's peer records and adds the routable ones.
func (n *Node) exchangeWith(pid peer.ID) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, pid, ProtocolPEX)
	if err != nil {
		n.disc.RecordFailure(pid)
		return err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := writeMessage(s, PEXMsgGetPeers, nil); err != nil {
		return err
	}
	if err := s.CloseWrite(); err != nil {
		return err
	}

	msgType, data, err := readMessage(s, pexMessageMaxSize)
	if err != nil {
		n.disc.RecordFailure(pid)
		return err
	}
	if msgType != PEXMsgPeers {
		n.disc.Penalize(pid, ScorePenaltyInvalid, "unexpected pex reply")
		return fmt.Errorf("unexpected pex message %d", msgType)
	}
	if err := ensureJSONArrayMaxItems(data, MaxPeerRecordsPerResponse); err != nil {
		n.disc.Penalize(pid, ScorePenaltyInvalid, "oversized pex reply")
		return err
	}

	var records []PeerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		n.disc.Penalize(pid, ScorePenaltyInvalid, "malformed pex reply")
		return err
	}

	added := 0
	for _, rec := range records {
		other, addrs, ok := decodePeerRecord(rec)
		if !ok || other == n.id {
			continue
		}
		if n.disc.AddPeer(other, addrs) {
			added++
		}
		if len(n.Peers()) < n.config.MaxOutbound {
			go n.tryConnect(other, addrs)
		}
	}
	discLog.Debugf("Learned %d new peers from %s", added, pid)
	return nil
}

// decodePeerRecord parses a wire record, keeping routable addresses only.
func decodePeerRecord(rec PeerRecord) (peer.ID, []multiaddr.Multiaddr, bool) {
	pid, err := peer.Decode(rec.ID)
	if err != nil {
		return "", nil, false
	}
	if len(rec.Addrs) > MaxPeerAddrsPerRecord {
		rec.Addrs = rec.Addrs[:MaxPeerAddrsPerRecord]
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(rec.Addrs))
	for _, a := range rec.Addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		addrs = append(addrs, ma)
	}
	addrs = filterRoutableAddrs(addrs)
	return pid, addrs, len(addrs) > 0
}

// tryConnect dials a learned peer unless it is already connected or banned.
func (n *Node) tryConnect(pid peer.ID, addrs []multiaddr.Multiaddr) {
	if n.host.Network().Connectedness(pid) == network.Connected || n.disc.IsBanned(pid) {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout)
	defer cancel()

	start := n.clock.Now()
	if err := n.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
		n.disc.RecordFailure(pid)
		return
	}
	n.disc.RecordSuccess(pid, n.clock.Now().Sub(start))
}

// handlePEXStream answers a peer list request.
func (n *Node) handlePEXStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(n.clock.Now().Add(n.config.RequestTimeout))

	msgType, _, err := readMessage(s, pexMessageMaxSize)
	if err != nil || msgType != PEXMsgGetPeers {
		return
	}

	records := n.disc.Records(MaxPeersPerExchange)
	if err := writeJSONMessage(s, PEXMsgPeers, records); err != nil && !isExpectedStreamCloseError(err) {
		discLog.Debugf("Failed to write peers response: %v", err)
	}
}

func pexMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case PEXMsgGetPeers, PEXMsgPeers:
		return MaxPEXMessageSize, nil
	default:
		return 0, fmt.Errorf("unknown pex message type: %d", msgType)
	}
}

// connectToSeeds dials every seed, retrying a few times when none answer.
func (n *Node) connectToSeeds() error {
	if len(n.seeds) == 0 {
		return nil
	}

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		connected, skipped := 0, 0
		for _, seed := range n.seeds {
			if seed.ID == n.id {
				skipped++
				continue
			}

			ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
			start := n.clock.Now()
			err := n.host.Connect(ctx, seed)
			cancel()
			if err != nil {
				n.disc.RecordFailure(seed.ID)
				continue
			}
			n.disc.RecordSuccess(seed.ID, n.clock.Now().Sub(start))
			connected++
		}

		if connected > 0 || skipped == len(n.seeds) {
			if attempt > 1 {
				discLog.Infof("Connected to %d seed node(s) on attempt %d", connected, attempt)
			}
			return nil
		}

		if attempt < maxRetries {
			select {
			case <-n.ctx.Done():
				return n.ctx.Err()
			case <-n.clock.TickAfter(2 * time.Second):
			}
		}
	}
	return fmt.Errorf("failed to connect to any seed nodes after %d attempts", maxRetries)
}

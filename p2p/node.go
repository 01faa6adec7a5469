package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"corechain/protocol/params"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"
)

// Protocol IDs
const (
	ProtocolPEX   = protocol.ID(params.ProtocolPEX)
	ProtocolBlock = protocol.ID(params.ProtocolBlock)
	ProtocolTx    = protocol.ID(params.ProtocolTx)
	ProtocolSync  = protocol.ID(params.ProtocolSync)
)

// Announcement message types
const (
	AnnounceMsgBlock byte = 0x01
	AnnounceMsgTx    byte = 0x02
)

// NodeConfig configures the P2P node
type NodeConfig struct {
	// ListenAddrs are the multiaddrs to listen on
	// Default: ["/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"]
	ListenAddrs []string

	// SeedNodes are bootstrap peers to connect to initially
	SeedNodes []string

	// AddPeers are operator-chosen peers dialed at startup. Dialing one
	// lifts any ban held against it.
	AddPeers []string

	MaxInbound  int
	MaxOutbound int

	// MaxInboundPerPrefix caps inbound connections from one network prefix.
	MaxInboundPerPrefix int

	// IdentityPath is where the node key lives. Empty means ephemeral.
	IdentityPath string

	// UserAgent is announced to peers
	UserAgent string

	RequestTimeout time.Duration

	// AnnounceRate and AnnounceBurst limit inbound announcements per peer.
	AnnounceRate  rate.Limit
	AnnounceBurst int

	ExchangeInterval  time.Duration
	ReconnectInterval time.Duration
	SweepInterval     time.Duration
	SyncInterval      time.Duration

	Discovery DiscoveryConfig
	Sync      SyncConfig

	Clock clock.Clock
}

// DefaultNodeConfig returns sensible defaults
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip6/::/tcp/0",
		},
		MaxInbound:          64,
		MaxOutbound:         16,
		MaxInboundPerPrefix: DefaultMaxInboundPerPrefix,
		UserAgent:           "corechain",
		RequestTimeout:      DefaultRequestTimeout,
		AnnounceRate:        rate.Every(100 * time.Millisecond),
		AnnounceBurst:       50,
		ExchangeInterval:    2 * time.Minute,
		ReconnectInterval:   15 * time.Second,
		SweepInterval:       5 * time.Minute,
		SyncInterval:        time.Minute,
		Discovery:           DefaultDiscoveryConfig(),
	}
}

// Node is a libp2p host speaking the chain protocols. It implements
// Transport for the sync manager.
type Node struct {
	mu sync.RWMutex

	host     host.Host
	id       peer.ID
	config   NodeConfig
	clock    clock.Clock
	seeds    []peer.AddrInfo
	addPeers []peer.AddrInfo

	disc *DiscoveryManager
	sync *SyncManager

	onBlock func(from peer.ID, data []byte) error
	onTx    func(from peer.ID, data []byte) error

	limiters map[peer.ID]*rate.Limiter
	outboxes map[peer.ID]*outbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates the host and registers protocol handlers. Call Start to
// begin connecting.
func NewNode(cfg NodeConfig) (*Node, error) {
	def := DefaultNodeConfig()
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = def.ListenAddrs
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.AnnounceRate <= 0 {
		cfg.AnnounceRate, cfg.AnnounceBurst = def.AnnounceRate, def.AnnounceBurst
	}
	if cfg.ExchangeInterval <= 0 {
		cfg.ExchangeInterval = def.ExchangeInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	privKey, id, err := LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	seeds := make([]peer.AddrInfo, 0, len(cfg.SeedNodes))
	for _, addr := range cfg.SeedNodes {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid seed address %s: %w", addr, err)
		}
		seeds = append(seeds, *pi)
	}

	addPeers := make([]peer.AddrInfo, 0, len(cfg.AddPeers))
	for _, addr := range cfg.AddPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %s: %w", addr, err)
		}
		addPeers = append(addPeers, *pi)
	}

	connMgr, err := connmgr.NewConnManager(
		cfg.MaxOutbound,                // low water
		cfg.MaxInbound+cfg.MaxOutbound, // high water
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       id,
		config:   cfg,
		clock:    cfg.Clock,
		seeds:    seeds,
		addPeers: addPeers,
		limiters: make(map[peer.ID]*rate.Limiter),
		outboxes: make(map[peer.ID]*outbox),
		ctx:      ctx,
		cancel:   cancel,
	}

	discCfg := cfg.Discovery
	discCfg.Clock = cfg.Clock
	discCfg.IsConnected = func(pid peer.ID) bool {
		return n.host != nil && n.host.Network().Connectedness(pid) == network.Connected
	}
	discCfg.OnBan = func(pid peer.ID) {
		if n.host != nil {
			_ = n.host.Network().ClosePeer(pid)
		}
	}
	n.disc = NewDiscoveryManager(discCfg)
	for _, seed := range seeds {
		n.disc.AddSeed(seed.ID, seed.Addrs)
	}

	gater := NewGater(n.disc.IsBanned, n.inboundCount, cfg.MaxInboundPerPrefix)

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(gater),
		libp2p.UserAgent(cfg.UserAgent),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
		libp2p.DisableRelay(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	syncCfg := cfg.Sync
	syncCfg.RequestTimeout = cfg.RequestTimeout
	syncCfg.Clock = cfg.Clock
	n.sync = NewSyncManager(n, n.disc, syncCfg)

	h.SetStreamHandler(ProtocolPEX, n.handlePEXStream)
	h.SetStreamHandler(ProtocolBlock, n.handleAnnounceStream)
	h.SetStreamHandler(ProtocolTx, n.handleAnnounceStream)
	h.SetStreamHandler(ProtocolSync, n.sync.HandleStream)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			pid := c.RemotePeer()
			n.disc.AddPeer(pid, []multiaddr.Multiaddr{c.RemoteMultiaddr()})
			n.sync.RequestSync()
			n.sync.RequestMempool(pid)
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			pid := c.RemotePeer()
			if n.host.Network().Connectedness(pid) != network.Connected {
				n.mu.Lock()
				delete(n.limiters, pid)
				ob := n.outboxes[pid]
				delete(n.outboxes, pid)
				n.mu.Unlock()
				if ob != nil {
					go ob.stop()
				}
			}
		},
	})

	nodeLog.Infof("P2P node %s listening on %v", id, h.Addrs())
	return n, nil
}

// inboundCount reports live inbound connections from prefix.
func (n *Node) inboundCount(prefix string) int {
	if n.host == nil {
		return 0
	}
	count := 0
	for _, c := range n.host.Network().Conns() {
		if c.Stat().Direction == network.DirInbound && NetworkPrefix(c.RemoteMultiaddr()) == prefix {
			count++
		}
	}
	return count
}

// Start connects to seeds and launches the background loops.
func (n *Node) Start() error {
	if err := n.connectToSeeds(); err != nil {
		nodeLog.Warnf("%v", err)
	}
	for _, pi := range n.addPeers {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		if err := n.Connect(ctx, pi); err != nil {
			nodeLog.Warnf("Unable to connect to %s: %v", pi.ID, err)
		}
		cancel()
	}
	n.sync.Start(n.ctx)

	n.runTicker(ticker.New(n.config.ExchangeInterval), n.exchangeRound)
	n.runTicker(ticker.New(n.config.ReconnectInterval), func() {
		if len(n.Peers()) == 0 {
			if err := n.connectToSeeds(); err != nil {
				discLog.Debugf("Seed reconnect failed: %v", err)
			}
		}
	})
	n.runTicker(ticker.New(n.config.SweepInterval), func() {
		if dropped := n.disc.Sweep(n.clock.Now()); dropped > 0 {
			discLog.Debugf("Swept %d peers", dropped)
		}
	})
	n.runTicker(ticker.New(n.config.SyncInterval), n.sync.RequestSync)
	return nil
}

func (n *Node) runTicker(t ticker.Ticker, fn func()) {
	t.Resume()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-t.Ticks():
				fn()
			}
		}
	}()
}

// Stop gracefully shuts down the node
func (n *Node) Stop() error {
	n.cancel()
	n.sync.Stop()
	n.wg.Wait()

	n.mu.Lock()
	outboxes := n.outboxes
	n.outboxes = make(map[peer.ID]*outbox)
	n.mu.Unlock()
	for _, ob := range outboxes {
		ob.stop()
	}
	return n.host.Close()
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns our peer ID
func (n *Node) PeerID() peer.ID {
	return n.id
}

// Discovery returns the peer set.
func (n *Node) Discovery() *DiscoveryManager {
	return n.disc
}

// Sync returns the sync manager.
func (n *Node) Sync() *SyncManager {
	return n.sync
}

// Peers returns connected peer IDs
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// Connect attempts to connect to a peer
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	// An explicit connection overrides an earlier ban.
	n.disc.Unban(pi.ID)
	if err := n.host.Connect(ctx, pi); err != nil {
		return err
	}
	n.disc.AddPeer(pi.ID, pi.Addrs)
	return nil
}

// SetBlockHandler sets the callback for announced blocks. A returned error
// that IsPeerFault classifies as the peer's fault costs it score.
func (n *Node) SetBlockHandler(handler func(from peer.ID, data []byte) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBlock = handler
}

// SetTxHandler sets the callback for announced transactions.
func (n *Node) SetTxHandler(handler func(from peer.ID, data []byte) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTx = handler
}

// FullMultiaddrs returns the complete multiaddrs including peer ID
func (n *Node) FullMultiaddrs() []string {
	addrs := n.host.Addrs()
	full := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		s := addr.String()
		// Skip localhost addresses for external sharing
		if strings.HasPrefix(s, "/ip4/127.") || strings.HasPrefix(s, "/ip6/::1") {
			continue
		}
		full = append(full, fmt.Sprintf("%s/p2p/%s", s, n.id))
	}
	return full
}

// WritePeerFile writes the node's multiaddrs to filename for sharing.
func (n *Node) WritePeerFile(filename string) error {
	addrs := n.FullMultiaddrs()
	if len(addrs) == 0 {
		return fmt.Errorf("no external addresses available")
	}
	return os.WriteFile(filename, []byte(strings.Join(addrs, "\n")+"\n"), 0644)
}

// ============================================================================
// Announcements
// ============================================================================

func (n *Node) limiter(pid peer.ID) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[pid]
	if !ok {
		l = rate.NewLimiter(n.config.AnnounceRate, n.config.AnnounceBurst)
		n.limiters[pid] = l
	}
	return l
}

func (n *Node) handleAnnounceStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()
	if err := s.SetReadDeadline(n.clock.Now().Add(n.config.RequestTimeout)); err != nil {
		return
	}

	msgType, data, err := readMessage(s, announceMaxSize)
	if err != nil {
		if !isExpectedStreamCloseError(err) {
			n.disc.Penalize(from, ScorePenaltyInvalid, "bad announcement")
		}
		return
	}
	if !n.limiter(from).Allow() {
		nodeLog.Debugf("Dropping announcement from %s: rate limited", from)
		return
	}

	n.mu.RLock()
	handler := n.onTx
	if msgType == AnnounceMsgBlock {
		handler = n.onBlock
	}
	n.mu.RUnlock()
	if handler == nil {
		return
	}

	if err := handler(from, data); err != nil {
		if n.sync.cfg.IsPeerFault(err) {
			n.disc.Penalize(from, ScorePenaltyInvalid, err.Error())
		}
		return
	}
	n.disc.Reward(from)
}

func announceMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case AnnounceMsgBlock:
		return MaxBlockAnnounceSize, nil
	case AnnounceMsgTx:
		return MaxTxAnnounceSize, nil
	default:
		return 0, fmt.Errorf("unknown announcement type: %d", msgType)
	}
}

// BroadcastBlock sends a block to every connected peer except skip.
func (n *Node) BroadcastBlock(data []byte, skip peer.ID) {
	n.broadcast(AnnounceMsgBlock, data, skip)
}

// BroadcastTx sends a transaction to every connected peer except skip.
func (n *Node) BroadcastTx(data []byte, skip peer.ID) {
	n.broadcast(AnnounceMsgTx, data, skip)
}

func (n *Node) broadcast(msgType byte, data []byte, skip peer.ID) {
	proto := ProtocolTx
	if msgType == AnnounceMsgBlock {
		proto = ProtocolBlock
	}
	msg := outboundMsg{proto: proto, msgType: msgType, data: data}
	for _, pid := range n.Peers() {
		if pid == skip {
			continue
		}
		if ob := n.outbox(pid); ob != nil {
			ob.enqueue(msg)
		}
	}
}

// outbox returns the ordered send queue for pid, creating it on first use.
// It returns nil once the node is stopping.
func (n *Node) outbox(pid peer.ID) *outbox {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return nil
	}
	ob, ok := n.outboxes[pid]
	if !ok {
		ob = newOutbox(pid, func(msg outboundMsg) error {
			return n.send(pid, msg.proto, msg.msgType, msg.data)
		})
		n.outboxes[pid] = ob
	}
	return ob
}

func (n *Node) send(pid peer.ID, proto protocol.ID, msgType byte, data []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	s, err := n.host.NewStream(ctx, pid, proto)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeMessage(s, msgType, data)
}

// ============================================================================
// Transport
// ============================================================================

// request opens a sync stream, sends one request and reads one reply of
// type want.
func (n *Node) request(ctx context.Context, pid peer.ID, msgType byte, payload any, want byte) ([]byte, error) {
	s, err := n.host.NewStream(ctx, pid, ProtocolSync)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := writeJSONMessage(s, msgType, payload); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	got, data, err := readMessage(s, syncResponseMaxSize)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got message %d, want %d", ErrMalformedResponse, got, want)
	}
	return data, nil
}

func decodeReply(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// Status implements Transport.
func (n *Node) Status(ctx context.Context, pid peer.ID, ours ChainStatus) (ChainStatus, error) {
	var theirs ChainStatus
	data, err := n.request(ctx, pid, SyncMsgStatus, ours, SyncMsgStatus)
	if err != nil {
		return theirs, err
	}
	return theirs, decodeReply(data, &theirs)
}

// ForkPoint implements Transport.
func (n *Node) ForkPoint(ctx context.Context, pid peer.ID, locator [][32]byte) (ForkPoint, error) {
	var fp ForkPoint
	data, err := n.request(ctx, pid, SyncMsgGetForkPoint, ForkPointRequest{Locator: locator}, SyncMsgForkPoint)
	if err != nil {
		return fp, err
	}
	return fp, decodeReply(data, &fp)
}

// BlocksByHeight implements Transport.
func (n *Node) BlocksByHeight(ctx context.Context, pid peer.ID, start uint64, max int) (*BlocksResponse, error) {
	req := BlocksByHeightRequest{StartHeight: start, MaxBlocks: max}
	data, err := n.request(ctx, pid, SyncMsgGetBlocksByHeight, req, SyncMsgBlocks)
	if err != nil {
		return nil, err
	}
	resp := &BlocksResponse{}
	return resp, decodeReply(data, resp)
}

// BlocksByHash implements Transport.
func (n *Node) BlocksByHash(ctx context.Context, pid peer.ID, hashes [][32]byte) (*BlocksResponse, error) {
	data, err := n.request(ctx, pid, SyncMsgGetBlocks, BlocksRequest{Hashes: hashes}, SyncMsgBlocks)
	if err != nil {
		return nil, err
	}
	resp := &BlocksResponse{}
	return resp, decodeReply(data, resp)
}

// Mempool implements Transport.
func (n *Node) Mempool(ctx context.Context, pid peer.ID) ([][]byte, error) {
	data, err := n.request(ctx, pid, SyncMsgGetMempool, struct{}{}, SyncMsgMempool)
	if err != nil {
		return nil, err
	}
	if err := ensureJSONArrayMaxItems(data, MaxSyncMempoolTxCount); err != nil {
		return nil, errors.Join(ErrMalformedResponse, err)
	}
	var txs [][]byte
	return txs, decodeReply(data, &txs)
}

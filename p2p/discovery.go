package p2p

import (
	"bytes"
	"math"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/multiformats/go-multiaddr"
)

// Score thresholds and adjustments
const (
	ScoreMax              = 100
	ScoreInitial          = 50
	ScoreThresholdBan     = 0   // Score at or below triggers ban
	ScoreRetention        = 10  // Sweep drops peers below this
	ScorePenaltyInvalid   = -10 // Penalty for invalid data
	ScorePenaltyTimeout   = -5  // Penalty for timeout
	ScorePenaltyMisbehave = -25 // Penalty for misbehavior
	ScoreRewardGood       = 1   // Reward for good behavior
)

// Ban durations
const (
	BanDurationShort       = 15 * time.Minute
	BanDurationMedium      = 2 * time.Hour
	BanDurationLong        = 24 * time.Hour
	MaxBansBeforePermanent = 5 // After this many bans, permanent ban

	// PermanentBanRetention ages out "permanent" bans in long-lived
	// processes.
	PermanentBanRetention = 180 * 24 * time.Hour
)

const (
	DefaultMaxKnownPeers   = 2048
	DefaultRTTWindow       = 16
	DefaultRTTAlpha        = 0.25
	DefaultDeadPeerTimeout = 30 * time.Minute
	DefaultReservedShare   = 0.5
)

// DiscoveryConfig configures the peer set.
type DiscoveryConfig struct {
	// MaxPeers bounds the number of tracked peers.
	MaxPeers int

	// RTTWindow is the number of response-time samples kept per peer.
	RTTWindow int

	// RTTAlpha is the smoothing factor of the response-time EMA.
	RTTAlpha float64

	// DeadPeerTimeout is how long a peer may go without a successful
	// exchange before Sweep drops it.
	DeadPeerTimeout time.Duration

	// ReservedShare is the fraction of SelectPeers slots given to the
	// best peers regardless of network prefix.
	ReservedShare float64

	// IsConnected reports live connections. Connected peers are the last
	// candidates for eviction when the set is full.
	IsConnected func(peer.ID) bool

	// OnBan is called after a peer is banned so the node can drop it.
	OnBan func(peer.ID)

	Clock clock.Clock
}

// DefaultDiscoveryConfig returns sensible defaults
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxPeers:        DefaultMaxKnownPeers,
		RTTWindow:       DefaultRTTWindow,
		RTTAlpha:        DefaultRTTAlpha,
		DeadPeerTimeout: DefaultDeadPeerTimeout,
		ReservedShare:   DefaultReservedShare,
	}
}

// PeerInfo is what the node knows about one peer.
type PeerInfo struct {
	ID     peer.ID
	Addrs  []multiaddr.Multiaddr
	Prefix string
	Seed   bool

	Score     int
	Successes uint64
	Failures  uint64

	// RTT is the exponential moving average over the sample window.
	RTT        time.Duration
	RTTSamples []time.Duration // populated on snapshots only
	rtts       *queue.CircularBuffer

	FirstSeen   time.Time
	LastSeen    time.Time
	LastSuccess time.Time

	// Degraded is set by a failed exchange and cleared by the next
	// successful one.
	Degraded bool
}

// Reliability is the share of exchanges with the peer that succeeded. A
// peer with no exchanges yet rates 0.5.
func (p *PeerInfo) Reliability() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0.5
	}
	return float64(p.Successes) / float64(total)
}

// BanRecord tracks a banned peer
type BanRecord struct {
	PeerID    peer.ID
	Reason    string
	BannedAt  time.Time
	ExpiresAt time.Time
	BanCount  int // How many times this peer has been banned
	Permanent bool
}

// PeerRecord is a peer as exchanged over the wire.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Score    int      `json:"score"`
}

// DiscoveryManager owns the bounded peer set, peer quality scores and the
// ban list. Every update goes through its methods.
type DiscoveryManager struct {
	mu sync.RWMutex

	cfg   DiscoveryConfig
	clock clock.Clock

	peers map[peer.ID]*PeerInfo
	bans  map[peer.ID]*BanRecord
	seeds map[peer.ID]bool
}

// NewDiscoveryManager creates an empty peer set.
func NewDiscoveryManager(cfg DiscoveryConfig) *DiscoveryManager {
	def := DefaultDiscoveryConfig()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.RTTWindow <= 0 {
		cfg.RTTWindow = def.RTTWindow
	}
	if cfg.RTTAlpha <= 0 || cfg.RTTAlpha > 1 {
		cfg.RTTAlpha = def.RTTAlpha
	}
	if cfg.DeadPeerTimeout <= 0 {
		cfg.DeadPeerTimeout = def.DeadPeerTimeout
	}
	if cfg.ReservedShare < 0 || cfg.ReservedShare > 1 {
		cfg.ReservedShare = def.ReservedShare
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &DiscoveryManager{
		cfg:   cfg,
		clock: clk,
		peers: make(map[peer.ID]*PeerInfo),
		bans:  make(map[peer.ID]*BanRecord),
		seeds: make(map[peer.ID]bool),
	}
}

// ============================================================================
// Network prefixes
// ============================================================================

// NetworkPrefix groups an address by /16 for IPv4 and /32 for IPv6. Addresses
// without an IP component share the "other" group.
func NetworkPrefix(addr multiaddr.Multiaddr) string {
	ip, ok := addrIP(addr)
	if !ok {
		return "other"
	}
	bits := 32
	if ip.Is4() {
		bits = 16
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return "other"
	}
	return p.String()
}

func addrIP(addr multiaddr.Multiaddr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6} {
		v, err := addr.ValueForProtocol(code)
		if err != nil || v == "" {
			continue
		}
		ip, err := netip.ParseAddr(v)
		if err != nil {
			return netip.Addr{}, false
		}
		return ip.Unmap(), true
	}
	return netip.Addr{}, false
}

func prefixOf(addrs []multiaddr.Multiaddr) string {
	for _, a := range addrs {
		if _, ok := addrIP(a); ok {
			return NetworkPrefix(a)
		}
	}
	return "other"
}

// isRoutableAddr accepts only direct, globally routable IP addresses. Used
// for addresses learned from other peers.
func isRoutableAddr(a multiaddr.Multiaddr) bool {
	ip, ok := addrIP(a)
	if !ok {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() ||
		!ip.IsGlobalUnicast() {
		return false
	}
	if ip.Is4() {
		b := ip.As4()
		switch {
		case b[0] == 100 && b[1] >= 64 && b[1] <= 127: // CGNAT
			return false
		case b[0] == 198 && (b[1] == 18 || b[1] == 19): // benchmark
			return false
		case b[0] == 192 && b[1] == 0 && b[2] == 2,
			b[0] == 198 && b[1] == 51 && b[2] == 100,
			b[0] == 203 && b[1] == 0 && b[2] == 113: // documentation
			return false
		case b[0] >= 240:
			return false
		}
		return true
	}
	return !netip.MustParsePrefix("2001:db8::/32").Contains(ip)
}

func filterRoutableAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	var out []multiaddr.Multiaddr
	for _, a := range addrs {
		if isRoutableAddr(a) {
			out = append(out, a)
		}
	}
	return out
}

// ============================================================================
// Peer set
// ============================================================================

// AddSeed registers a bootstrap peer. Seeds are never banned, evicted or
// swept.
func (d *DiscoveryManager) AddSeed(pid peer.ID, addrs []multiaddr.Multiaddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeds[pid] = true
	p := d.upsertLocked(pid, addrs)
	p.Seed = true
}

// AddPeer records a peer learned from a connection or an announcement. It
// returns false if the peer is banned.
func (d *DiscoveryManager) AddPeer(pid peer.ID, addrs []multiaddr.Multiaddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isBannedLocked(pid, d.clock.Now()) {
		return false
	}
	d.upsertLocked(pid, addrs)
	d.evictLocked()
	return true
}

func (d *DiscoveryManager) upsertLocked(pid peer.ID, addrs []multiaddr.Multiaddr) *PeerInfo {
	now := d.clock.Now()
	p, ok := d.peers[pid]
	if !ok {
		// The size was validated in NewDiscoveryManager.
		rtts, _ := queue.NewCircularBuffer(d.cfg.RTTWindow)
		p = &PeerInfo{
			ID:        pid,
			Score:     ScoreInitial,
			rtts:      rtts,
			FirstSeen: now,
			Seed:      d.seeds[pid],
		}
		d.peers[pid] = p
	}
	if len(addrs) > 0 {
		p.Addrs = slices.Clone(addrs)
		p.Prefix = prefixOf(addrs)
	}
	if p.Prefix == "" {
		p.Prefix = "other"
	}
	p.LastSeen = now
	return p
}

// evictLocked drops the worst non-seed peers until the set fits. Connected
// peers go last.
func (d *DiscoveryManager) evictLocked() {
	for len(d.peers) > d.cfg.MaxPeers {
		var victim *PeerInfo
		victimConnected := true
		for _, p := range d.peers {
			if p.Seed {
				continue
			}
			connected := d.cfg.IsConnected != nil && d.cfg.IsConnected(p.ID)
			switch {
			case victim == nil,
				victimConnected && !connected,
				victimConnected == connected && rankPeers(p, victim) > 0:
				victim = p
				victimConnected = connected
			}
		}
		if victim == nil {
			return
		}
		delete(d.peers, victim.ID)
		discLog.Debugf("Evicted peer %s (score=%d)", victim.ID, victim.Score)
	}
}

// rankPeers orders better peers first: healthy before degraded, then
// higher score, then higher reliability, then lower measured RTT
// (unmeasured last), then peer ID.
func rankPeers(a, b *PeerInfo) int {
	if a.Degraded != b.Degraded {
		if a.Degraded {
			return 1
		}
		return -1
	}
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if ra, rb := a.Reliability(), b.Reliability(); ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	if a.RTT != b.RTT {
		switch {
		case a.RTT == 0:
			return 1
		case b.RTT == 0:
			return -1
		case a.RTT < b.RTT:
			return -1
		default:
			return 1
		}
	}
	return bytes.Compare([]byte(a.ID), []byte(b.ID))
}

// RecordSuccess notes a completed exchange that took rtt.
func (d *DiscoveryManager) RecordSuccess(pid peer.ID, rtt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isBannedLocked(pid, d.clock.Now()) {
		return
	}
	p := d.upsertLocked(pid, nil)
	p.Successes++
	p.LastSuccess = p.LastSeen
	p.Degraded = false
	p.Score = min(p.Score+ScoreRewardGood, ScoreMax)

	if rtt > 0 {
		p.rtts.Add(rtt)
		p.RTT = emaRTT(p.rtts, d.cfg.RTTAlpha)
	}
	d.evictLocked()
}

// RecordFailure notes a timeout or refused exchange. The peer is marked
// degraded and loses score but is kept.
func (d *DiscoveryManager) RecordFailure(pid peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[pid]
	if !ok {
		return
	}
	p.Failures++
	p.Degraded = true
	p.Score = max(p.Score+ScorePenaltyTimeout, ScoreThresholdBan+1)
	discLog.Debugf("Peer %s degraded (failures=%d score=%d)", pid, p.Failures, p.Score)
}

// emaRTT folds the buffered samples, oldest first, into an exponential
// moving average.
func emaRTT(buf *queue.CircularBuffer, alpha float64) time.Duration {
	var ema float64
	for i, item := range buf.List() {
		sample := float64(item.(time.Duration))
		if i == 0 {
			ema = sample
			continue
		}
		ema = alpha*sample + (1-alpha)*ema
	}
	return time.Duration(math.Round(ema))
}

// Penalize lowers a peer's score by -delta. A peer whose score reaches zero
// is banned.
func (d *DiscoveryManager) Penalize(pid peer.ID, delta int, reason string) {
	if delta > 0 {
		delta = -delta
	}

	d.mu.Lock()
	p := d.upsertLocked(pid, nil)
	p.Score = max(p.Score+delta, 0)
	discLog.Debugf("Penalized peer %s by %d (%s), score=%d", pid, -delta, reason, p.Score)
	banned := p.Score <= ScoreThresholdBan && d.banLocked(pid, reason, BanDurationMedium)
	d.mu.Unlock()

	if banned && d.cfg.OnBan != nil {
		d.cfg.OnBan(pid)
	}
}

// Reward raises a peer's score for useful data.
func (d *DiscoveryManager) Reward(pid peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[pid]; ok {
		p.Score = min(p.Score+ScoreRewardGood, ScoreMax)
	}
}

// Ban bans a peer for duration. Repeat offenders get longer and eventually
// permanent bans.
func (d *DiscoveryManager) Ban(pid peer.ID, reason string, duration time.Duration) {
	d.mu.Lock()
	banned := d.banLocked(pid, reason, duration)
	d.mu.Unlock()

	if banned && d.cfg.OnBan != nil {
		d.cfg.OnBan(pid)
	}
}

func (d *DiscoveryManager) banLocked(pid peer.ID, reason string, duration time.Duration) bool {
	if d.seeds[pid] {
		return false
	}
	now := d.clock.Now()

	banCount := 1
	if existing, ok := d.bans[pid]; ok {
		banCount = existing.BanCount + 1
	}
	if banCount >= 3 {
		duration = BanDurationLong
	}

	d.bans[pid] = &BanRecord{
		PeerID:    pid,
		Reason:    reason,
		BannedAt:  now,
		ExpiresAt: now.Add(duration),
		BanCount:  banCount,
		Permanent: banCount >= MaxBansBeforePermanent,
	}
	delete(d.peers, pid)

	discLog.Infof("Banned peer %s for %s: %s (count=%d)", pid, duration, reason, banCount)
	return true
}

// Unban lifts a ban.
func (d *DiscoveryManager) Unban(pid peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bans, pid)
}

// IsBanned checks if a peer is currently banned
func (d *DiscoveryManager) IsBanned(pid peer.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isBannedLocked(pid, d.clock.Now())
}

func (d *DiscoveryManager) isBannedLocked(pid peer.ID, now time.Time) bool {
	ban, ok := d.bans[pid]
	if !ok {
		return false
	}
	return ban.Permanent || now.Before(ban.ExpiresAt)
}

// BannedPeers returns the bans currently in force.
func (d *DiscoveryManager) BannedPeers() []BanRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock.Now()
	var out []BanRecord
	for pid, ban := range d.bans {
		if d.isBannedLocked(pid, now) {
			out = append(out, *ban)
		}
	}
	return out
}

// ============================================================================
// Selection and maintenance
// ============================================================================

// SelectPeers returns up to n peer IDs.
//
// Without diversity the best n peers are returned. With diversity, the
// first ReservedShare of the slots (rounded up) go to the best peers
// outright, the rest are filled round-robin across network prefixes taking
// each prefix's best remaining peer, and any slots still open are filled
// by rank. All n slots are filled when at least n peers are eligible.
func (d *DiscoveryManager) SelectPeers(n int, preferDiversity bool) []peer.ID {
	if n <= 0 {
		return nil
	}

	d.mu.RLock()
	now := d.clock.Now()
	candidates := make([]*PeerInfo, 0, len(d.peers))
	for pid, p := range d.peers {
		if !d.isBannedLocked(pid, now) {
			candidates = append(candidates, p)
		}
	}
	slices.SortFunc(candidates, rankPeers)
	d.mu.RUnlock()

	if len(candidates) <= n || !preferDiversity {
		n = min(n, len(candidates))
		out := make([]peer.ID, 0, n)
		for _, p := range candidates[:n] {
			out = append(out, p.ID)
		}
		return out
	}

	reserved := int(math.Ceil(float64(n) * d.cfg.ReservedShare))
	taken := make(map[peer.ID]bool, n)
	out := make([]peer.ID, 0, n)
	usedPrefix := make(map[string]int)

	for _, p := range candidates[:reserved] {
		out = append(out, p.ID)
		taken[p.ID] = true
		usedPrefix[p.Prefix]++
	}

	// Group the rest by prefix, keeping rank order inside each group.
	groups := make(map[string][]*PeerInfo)
	var order []string
	for _, p := range candidates[reserved:] {
		if _, ok := groups[p.Prefix]; !ok {
			order = append(order, p.Prefix)
		}
		groups[p.Prefix] = append(groups[p.Prefix], p)
	}
	// Prefixes not yet represented go first, then by their best peer.
	slices.SortStableFunc(order, func(a, b string) int {
		return usedPrefix[a] - usedPrefix[b]
	})

	for len(out) < n {
		progress := false
		for _, prefix := range order {
			if len(out) == n {
				break
			}
			group := groups[prefix]
			if len(group) == 0 {
				continue
			}
			p := group[0]
			groups[prefix] = group[1:]
			out = append(out, p.ID)
			taken[p.ID] = true
			progress = true
		}
		if !progress {
			break
		}
	}

	for _, p := range candidates {
		if len(out) == n {
			break
		}
		if !taken[p.ID] {
			out = append(out, p.ID)
		}
	}
	return out
}

// Sweep drops peers with no successful exchange within DeadPeerTimeout and
// peers whose score fell below ScoreRetention, and clears expired bans. It
// returns the number of peers dropped.
func (d *DiscoveryManager) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	cutoff := now.Add(-d.cfg.DeadPeerTimeout)
	for pid, p := range d.peers {
		if p.Seed {
			continue
		}
		last := p.LastSuccess
		if last.IsZero() {
			last = p.FirstSeen
		}
		if last.Before(cutoff) || p.Score < ScoreRetention {
			delete(d.peers, pid)
			dropped++
			discLog.Debugf("Swept peer %s (score=%d last_success=%v)", pid, p.Score, p.LastSuccess)
		}
	}

	for pid, ban := range d.bans {
		switch {
		case ban.Permanent && now.Sub(ban.BannedAt) > PermanentBanRetention:
			delete(d.bans, pid)
		case !ban.Permanent && now.After(ban.ExpiresAt):
			delete(d.bans, pid)
		}
	}
	return dropped
}

// ============================================================================
// Queries
// ============================================================================

// Peer returns a snapshot of one peer.
func (d *DiscoveryManager) Peer(pid peer.ID) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[pid]
	if !ok {
		return PeerInfo{}, false
	}
	snap := *p
	snap.Addrs = slices.Clone(p.Addrs)
	snap.rtts = nil
	for _, item := range p.rtts.List() {
		snap.RTTSamples = append(snap.RTTSamples, item.(time.Duration))
	}
	return snap, true
}

// Score returns a peer's current score, or -1 if unknown.
func (d *DiscoveryManager) Score(pid peer.ID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.peers[pid]; ok {
		return p.Score
	}
	return -1
}

// Len returns the number of tracked peers.
func (d *DiscoveryManager) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Records returns up to max of the best peers that have routable addresses,
// for sharing with other nodes.
func (d *DiscoveryManager) Records(max int) []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		if !p.Degraded {
			peers = append(peers, p)
		}
	}
	slices.SortFunc(peers, rankPeers)

	records := make([]PeerRecord, 0, max)
	for _, p := range peers {
		if len(records) >= max {
			break
		}
		addrs := filterRoutableAddrs(p.Addrs)
		if len(addrs) == 0 {
			continue
		}
		rec := PeerRecord{ID: p.ID.String(), LastSeen: p.LastSeen.Unix(), Score: p.Score}
		for _, a := range addrs {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		records = append(records, rec)
	}
	return records
}

package btpeer

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/errs"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/logger"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// swarm tracks one infohash's known/active/blacklisted peer addresses,
// grounded on the teacher's session/torrent.go peerIDs/peers bookkeeping
// generalized from "one torrent's swarm" to "one infohash's metadata
// fetch swarm" (spec.md §4.4.2).
type swarm struct {
	known     map[netutil.Endpoint]struct{}
	active    map[netutil.Endpoint]struct{}
	blacklist map[netutil.Endpoint]time.Time
	backoff   map[netutil.Endpoint]time.Duration
}

func newSwarm() *swarm {
	return &swarm{
		known:     make(map[netutil.Endpoint]struct{}),
		active:    make(map[netutil.Endpoint]struct{}),
		blacklist: make(map[netutil.Endpoint]time.Time),
		backoff:   make(map[netutil.Endpoint]time.Duration),
	}
}

// Manager owns every in-flight metadata fetch swarm, one per infohash,
// and enforces spec.md §4.4.2's global connection cap and periodic
// fill policy. Grounded on the teacher's session/session.go torrents
// map plus session/run.go's dialAddresses fill loop.
type Manager struct {
	mu     sync.Mutex
	cfg    config.PeerConfig
	local  [20]byte
	swarms map[ids.InfoHash]*swarm
	active int

	bytesSent uint64
	bytesRecv uint64

	bus *eventbus.Bus
	log logger.Logger
}

// NewManager constructs a Manager with a random local peer ID, per BEP
// 3's "20 arbitrary bytes" convention.
func NewManager(cfg config.PeerConfig, bus *eventbus.Bus, log logger.Logger) *Manager {
	var local [20]byte
	rand.Read(local[:])
	return &Manager{
		cfg:    cfg,
		local:  local,
		swarms: make(map[ids.InfoHash]*swarm),
		bus:    bus,
		log:    log,
	}
}

// Track registers peer endpoints discovered for an infohash (from a
// DHT get_peers lookup, an inbound announce_peer, or a tracker
// announce, via the crawler's PeerDiscovered handler) as
// known-but-not-yet-connected.
func (m *Manager) Track(ih ids.InfoHash, peers []netutil.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw := m.swarmLocked(ih)
	for _, ep := range peers {
		if _, blacklisted := sw.blacklist[ep]; blacklisted {
			continue
		}
		sw.known[ep] = struct{}{}
	}
}

func (m *Manager) swarmLocked(ih ids.InfoHash) *swarm {
	sw, ok := m.swarms[ih]
	if !ok {
		sw = newSwarm()
		m.swarms[ih] = sw
	}
	return sw
}

// Forget drops every swarm entry for an infohash, called once metadata
// is fetched or the fetch is abandoned. Every connection a swarm ever
// reserves is dialed and closed within a single FetchMetadata call
// (spec.md §1 excludes keeping connections open beyond one metadata
// exchange), so by the time Forget runs sw.active holds only stale
// reservation markers, not live connections to tear down here.
func (m *Manager) Forget(ih ids.InfoHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sw, ok := m.swarms[ih]; ok {
		m.active -= len(sw.active)
	}
	delete(m.swarms, ih)
}

// FetchMetadata dials one candidate peer for ih and runs a full BEP 10
// + BEP 9 exchange, returning the assembled info dict bytes. The
// caller (the crawler's orchestration layer) is responsible for
// retrying against a different candidate on failure and for publishing
// the MetadataFetched/MetadataFailed events.
func (m *Manager) FetchMetadata(ctx context.Context, ih ids.InfoHash) ([]byte, error) {
	ep, ok := m.reserveCandidate(ih)
	if !ok {
		return nil, errs.ErrFetchCapReached
	}
	defer m.release(ih, ep)

	conn, err := Dial(ctx, ep.String(), ih, m.local, m.cfg.ConnectTimeout, m.cfg.HandshakeTimeout, m.log)
	if err != nil {
		m.recordFailure(ih, ep)
		return nil, err
	}
	defer conn.Close()
	defer m.accountBandwidth(conn)

	m.bus.Publish(eventbus.PeerConnected{EventBase: eventbus.NewBase(eventbus.TagPeerConnected, "", time.Now()), Address: ep.String()})
	defer m.bus.Publish(eventbus.PeerDisconnected{EventBase: eventbus.NewBase(eventbus.TagPeerDisconnected, "", time.Now()), Address: ep.String()})

	ex, err := NewExchange(conn, m.cfg.RequestWindow)
	if err != nil {
		m.recordFailure(ih, ep)
		return nil, err
	}
	data, err := ex.Run(ctx, m.cfg.ExchangeBudget)
	if err != nil {
		m.recordFailure(ih, ep)
		if err == errs.ErrHashMismatch {
			m.blacklistPeer(ih, ep)
		}
		return nil, err
	}
	m.recordSuccess(ih, ep)
	return data, nil
}

// accountBandwidth folds one connection's lifetime byte counters into
// the manager's running totals once the connection has done its one
// handshake-plus-metadata exchange and is about to close.
func (m *Manager) accountBandwidth(conn *Conn) {
	sent, recv := conn.BandwidthSample()
	atomic.AddUint64(&m.bytesSent, sent)
	atomic.AddUint64(&m.bytesRecv, recv)
}

// BandwidthSample returns the cumulative bytes sent and received across
// every metadata-exchange connection this manager has ever closed.
func (m *Manager) BandwidthSample() (sent, recv uint64) {
	return atomic.LoadUint64(&m.bytesSent), atomic.LoadUint64(&m.bytesRecv)
}

// reserveCandidate picks one known, non-blacklisted, not-currently-
// backed-off candidate at random (spec.md §4.4.2's randomized fill
// selection avoids thundering-herd reconnects to the same peer set)
// and marks it active, enforcing MaxConnections globally.
func (m *Manager) reserveCandidate(ih ids.InfoHash) (netutil.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= m.cfg.MaxConnections {
		return netutil.Endpoint{}, false
	}
	sw := m.swarmLocked(ih)
	now := time.Now()
	candidates := make([]netutil.Endpoint, 0, len(sw.known))
	for ep := range sw.known {
		if until, blocked := sw.blacklist[ep]; blocked && now.Before(until) {
			continue
		}
		if _, active := sw.active[ep]; active {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return netutil.Endpoint{}, false
	}
	ep := candidates[rand.Intn(len(candidates))]
	sw.active[ep] = struct{}{}
	m.active++
	return ep, true
}

func (m *Manager) release(ih ids.InfoHash, ep netutil.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sw, ok := m.swarms[ih]; ok {
		delete(sw.active, ep)
	}
	m.active--
}

// recordFailure applies exponential backoff starting at
// cfg.BlacklistBase and doubling up to cfg.BlacklistCap, per
// spec.md §4.4.2.
func (m *Manager) recordFailure(ih ids.InfoHash, ep netutil.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw := m.swarmLocked(ih)
	next := sw.backoff[ep] * 2
	if next < m.cfg.BlacklistBase {
		next = m.cfg.BlacklistBase
	}
	if next > m.cfg.BlacklistCap {
		next = m.cfg.BlacklistCap
	}
	sw.backoff[ep] = next
	sw.blacklist[ep] = time.Now().Add(next)
}

func (m *Manager) recordSuccess(ih ids.InfoHash, ep netutil.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw := m.swarmLocked(ih)
	delete(sw.backoff, ep)
	delete(sw.blacklist, ep)
}

// blacklistPeer permanently bans a peer from an infohash's swarm after
// it sends metadata failing SHA-1 verification (spec.md §4.4.3).
func (m *Manager) blacklistPeer(ih ids.InfoHash, ep netutil.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw := m.swarmLocked(ih)
	sw.blacklist[ep] = time.Now().Add(24 * time.Hour)
}

// Shutdown drops every swarm and resets the active-connection count to
// zero, called once during orchestrated session shutdown - every
// connection a swarm reserves is already closed within its own
// FetchMetadata call, so there is nothing left to tear down here.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swarms = make(map[ids.InfoHash]*swarm)
	m.active = 0
}

// KnownCount reports how many candidates remain known for ih, used by
// the orchestration layer to decide whether a fetch is worth retrying.
func (m *Manager) KnownCount(ih ids.InfoHash) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.swarms[ih]
	if !ok {
		return 0
	}
	return len(sw.known)
}

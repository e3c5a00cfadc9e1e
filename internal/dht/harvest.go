package dht

import (
	"sync"
	"time"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// Harvester implements passive infohash harvesting (spec.md §4.3.6):
// every inbound get_peers/announce_peer names an infohash, and the
// engine must emit a discovery exactly once per (infohash, source IP)
// within a configurable window, without ever issuing extra outbound
// DHT traffic to chase it. It also keeps each infohash's
// `peer_endpoints: set<Endpoint>` (spec.md §3's InfoHash record),
// populated by announce_peer's unconditional peer-add.
type Harvester struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[ids.InfoHash]map[string]time.Time
	peers  map[ids.InfoHash]map[netutil.Endpoint]struct{}
}

// NewHarvester builds a harvester with the given per-source dedup
// window (default 10 minutes per spec.md §4.3.6).
func NewHarvester(window time.Duration) *Harvester {
	if window == 0 {
		window = 10 * time.Minute
	}
	return &Harvester{
		window: window,
		seen:   make(map[ids.InfoHash]map[string]time.Time),
		peers:  make(map[ids.InfoHash]map[netutil.Endpoint]struct{}),
	}
}

// AddPeer records ep in ih's peer_endpoints set and reports whether it
// was new, so the caller only publishes one PeerDiscovered event per
// endpoint rather than once per announce.
func (h *Harvester) AddPeer(ih ids.InfoHash, ep netutil.Endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[ih]
	if !ok {
		set = make(map[netutil.Endpoint]struct{})
		h.peers[ih] = set
	}
	if _, exists := set[ep]; exists {
		return false
	}
	set[ep] = struct{}{}
	return true
}

// Observe records an infohash sighting from sourceIP at now and
// reports whether a discovery event should fire: true the first time,
// or again after the dedup window has elapsed for that (infohash, ip)
// pair.
func (h *Harvester) Observe(ih ids.InfoHash, sourceIP string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	bySource, ok := h.seen[ih]
	if !ok {
		bySource = make(map[string]time.Time)
		h.seen[ih] = bySource
	}
	last, seen := bySource[sourceIP]
	if seen && now.Sub(last) < h.window {
		return false
	}
	bySource[sourceIP] = now
	return true
}

// Purge drops entries older than ttl, bounding the harvester's
// ephemeral-state memory footprint.
func (h *Harvester) Purge(now time.Time, ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ih, bySource := range h.seen {
		for ip, t := range bySource {
			if now.Sub(t) > ttl {
				delete(bySource, ip)
			}
		}
		if len(bySource) == 0 {
			delete(h.seen, ih)
			delete(h.peers, ih)
		}
	}
}

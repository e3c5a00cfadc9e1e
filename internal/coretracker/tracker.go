// Package coretracker declares the optional tracker collaborator
// interface (spec.md §6): the core may invoke announce/scrape against
// a torrent's trackers, with results arriving back as PeerDiscovered
// events rather than as direct return values, keeping the core free
// of HTTP/UDP transport concerns. Grounded on
// original_source/include/bitscrape/tracker/tracker_manager.hpp's
// three-way HTTP/UDP/scrape split (TrackerManager wrapping HTTPTracker
// and UDPTracker behind one announce/scrape surface).
package coretracker

import (
	"context"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// Kind distinguishes the two wire protocols BEP 3/15 trackers use,
// mirroring tracker_manager.hpp's TrackerType enum.
type Kind int

const (
	KindHTTP Kind = iota
	KindUDP
)

// AnnounceResult is what an announce() call resolves to: a batch of
// peer endpoints plus the tracker's requested reannounce interval.
type AnnounceResult struct {
	Peers    []netutil.Endpoint
	Interval int // seconds until the core should announce again
}

// ScrapeResult reports a tracker's aggregate swarm statistics for one
// infohash, mirroring tracker_scrape.hpp's response fields.
type ScrapeResult struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// Tracker is the narrow surface the core's orchestration layer
// consumes; HTTPTracker and UDPTracker implementations live entirely
// outside the core.
type Tracker interface {
	Kind() Kind
	Announce(ctx context.Context, ih ids.InfoHash) (AnnounceResult, error)
	Scrape(ctx context.Context, ihs []ids.InfoHash) (map[ids.InfoHash]ScrapeResult, error)
}

// Manager fans a single infohash's announce/scrape calls out across
// every tracker a torrent declares, mirroring TrackerManager's role of
// wrapping multiple Tracker instances behind one call per torrent.
type Manager interface {
	Add(t Tracker)
	AnnounceAll(ctx context.Context, ih ids.InfoHash) ([]netutil.Endpoint, error)
}

package crawler

import (
	"context"
	"time"

	"github.com/Jayian1890/bitscrape/internal/beacon"
	"github.com/Jayian1890/bitscrape/internal/dht"
	"github.com/Jayian1890/bitscrape/internal/errs"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// defaultMaxConcurrentFetches is used when cfg.Session.MaxConcurrentFetches
// is left at its zero value, matching spec.md §4.5.2's stated default.
const defaultMaxConcurrentFetches = 100

// maxFetchAttempts bounds how many distinct peer candidates one
// infohash's metadata fetch will try before giving up, so a swarm of
// uniformly bad peers cannot pin a goroutine forever.
const maxFetchAttempts = 25

// wireEvents subscribes the crawler's handlers onto the bus per
// spec.md §4.5.2's event-wiring table: InfoHashSeen launches a
// bounded-concurrency metadata fetch, PeerDiscovered adds the
// announced endpoint to the relevant peer manager, NodeDiscovered
// records routing-table admissions with the storage collaborator, and
// LogEvent forwards to the beacon collaborator when one is configured.
// PeerConnected/PeerDisconnected are published by internal/btpeer
// purely for observability and need no further handling here.
func (c *Crawler) wireEvents() {
	eventbus.Subscribe(c.bus, c.onInfoHashSeen)
	eventbus.Subscribe(c.bus, c.onPeerDiscovered)
	if c.collab.Beacon != nil {
		eventbus.Subscribe(c.bus, c.onLogEvent)
	}
	if c.collab.Storage != nil {
		eventbus.Subscribe(c.bus, c.onNodeDiscovered)
	}
}

// onPeerDiscovered is spec.md §4.5.2's "PeerDiscovered(infohash,
// endpoint) -> add to the relevant peer manager" rule. It fires for
// every peer a DHT get_peers lookup or a tracker announce turns up,
// regardless of source.
func (c *Crawler) onPeerDiscovered(e eventbus.PeerDiscovered) {
	ih, err := ids.InfoHashFromHex(e.InfoHashHex)
	if err != nil {
		return
	}
	ep, err := netutil.ParseEndpoint(e.Address)
	if err != nil {
		return
	}
	c.peers.Track(ih, []netutil.Endpoint{ep})
	if c.collab.Storage != nil {
		if err := c.collab.Storage.StorePeer(ih, ep, time.Now()); err != nil {
			c.log.Warningf("storage.StorePeer: %v", err)
		}
	}
}

// onNodeDiscovered is spec.md §6's fourth storage operation: every DHT
// node the routing table newly admits is recorded with the storage
// collaborator.
func (c *Crawler) onNodeDiscovered(e eventbus.NodeDiscovered) {
	id, err := ids.NodeIDFromHex(e.NodeIDHex)
	if err != nil {
		return
	}
	ep, err := netutil.ParseEndpoint(e.Address)
	if err != nil {
		return
	}
	status := dht.ParseNodeStatus(e.Status)
	if err := c.collab.Storage.RecordDHTNode(id, ep, status); err != nil {
		c.log.Warningf("storage.RecordDHTNode: %v", err)
	}
}

func (c *Crawler) onLogEvent(e eventbus.LogEvent) {
	c.collab.Beacon.Emit(severityFromLevel(e.Level), "crawler", e.Message, beacon.Location{Component: "crawler"})
}

func severityFromLevel(level string) beacon.Severity {
	switch level {
	case "debug":
		return beacon.Debug
	case "warning":
		return beacon.Warning
	case "error":
		return beacon.Error
	case "critical":
		return beacon.Critical
	default:
		return beacon.Info
	}
}

// onInfoHashSeen is spec.md §4.5.2's "InfoHashDiscovered" rule: record
// the sighting with the storage collaborator, then - if no fetch for
// this infohash is already running and the concurrent-fetch cap
// allows it - launch a DHT get_peers lookup followed by a metadata
// fetch.
func (c *Crawler) onInfoHashSeen(e eventbus.InfoHashSeen) {
	ih, err := ids.InfoHashFromHex(e.InfoHashHex)
	if err != nil {
		return
	}

	if c.collab.Storage != nil {
		now := time.Now()
		if err := c.collab.Storage.StoreInfoHash(ih, now, now); err != nil {
			c.log.Warningf("storage.StoreInfoHash: %v", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, running := c.activeFetches[ih]; running {
		c.mu.Unlock()
		return
	}
	limit := c.cfg.Session.MaxConcurrentFetches
	if limit <= 0 {
		limit = defaultMaxConcurrentFetches
	}
	if len(c.activeFetches) >= limit {
		c.mu.Unlock()
		return
	}
	if c.ctx == nil {
		c.mu.Unlock()
		return
	}
	fetchCtx, cancel := context.WithCancel(c.ctx)
	c.activeFetches[ih] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.activeFetches, ih)
			c.mu.Unlock()
			cancel()
		}()
		c.runFetch(fetchCtx, ih)
	}()
}

// announceTrackers is spec.md §6's tracker-announce path: results
// arrive back as PeerDiscovered events (via onPeerDiscovered) rather
// than as a direct return value, matching the DHT get_peers path and
// keeping the fetch loop agnostic to where its peers came from.
// A tracker error only logs a warning - the DHT lookup already run is
// sufficient to proceed with the fetch.
func (c *Crawler) announceTrackers(ctx context.Context, ih ids.InfoHash) {
	peers, err := c.collab.Trackers.AnnounceAll(ctx, ih)
	if err != nil {
		c.log.Warningf("tracker announce: %v", err)
		return
	}
	for _, ep := range peers {
		c.bus.Publish(eventbus.PeerDiscovered{
			EventBase:   eventbus.NewBase(eventbus.TagPeerDiscovered, "", time.Now()),
			InfoHashHex: ih.String(),
			Address:     ep.String(),
		})
	}
}

// runFetch looks up peers for ih via the DHT engine, tracks them with
// the peer manager, and retries FetchMetadata against fresh candidates
// until it succeeds, the peer manager runs out of known candidates, or
// the fetch is cancelled. It then publishes MetadataFetched or
// MetadataFailed and tears the swarm down, per spec.md §4.5.2's
// "MetadataReceived" rule.
func (c *Crawler) runFetch(ctx context.Context, ih ids.InfoHash) {
	defer c.peers.Forget(ih)

	c.dhtEngine.GetPeers(ctx, ih)
	c.queryRate.Update(1)

	if c.collab.Trackers != nil {
		c.announceTrackers(ctx, ih)
	}

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if c.peers.KnownCount(ih) == 0 {
			lastErr = errs.ErrFetchCapReached
			break
		}
		data, err := c.peers.FetchMetadata(ctx, ih)
		if err == nil {
			c.onMetadataFetched(ih, data)
			return
		}
		lastErr = err
	}

	reason := "exhausted candidates"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	c.bus.Publish(eventbus.MetadataFailed{
		EventBase:   eventbus.NewBase(eventbus.TagMetadataFailed, "", time.Now()),
		InfoHashHex: ih.String(),
		Reason:      reason,
	})
}

func (c *Crawler) onMetadataFetched(ih ids.InfoHash, data []byte) {
	now := time.Now()
	if c.collab.Storage != nil {
		if err := c.collab.Storage.StoreMetadata(ih, data, now); err != nil {
			c.log.Warningf("storage.StoreMetadata: %v", err)
		}
	}
	c.bus.Publish(eventbus.MetadataFetched{
		EventBase:   eventbus.NewBase(eventbus.TagMetadataFetched, "", now),
		InfoHashHex: ih.String(),
		Size:        len(data),
	})
}

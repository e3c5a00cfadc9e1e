// Package crawler implements BitScrape's top-level session
// orchestration (spec.md §4.5): one DHT engine, one BitTorrent peer
// manager, the event-bus wiring between them, and the startup/
// shutdown sequencing that ties every other component together.
// Grounded on the teacher's session/session.go (New/Close, boltdb
// bucket setup, homedir path expansion, random-ID session naming) and
// session/run.go (event-driven control flow), repurposed from
// "download torrents" to "harvest infohashes, fetch metadata,
// persist".
package crawler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
	metrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"

	"github.com/Jayian1890/bitscrape/internal/beacon"
	"github.com/Jayian1890/bitscrape/internal/btpeer"
	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/coretracker"
	"github.com/Jayian1890/bitscrape/internal/dht"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/lockmgr"
	"github.com/Jayian1890/bitscrape/internal/logger"
	"github.com/Jayian1890/bitscrape/internal/nat"
	"github.com/Jayian1890/bitscrape/internal/procpool"
	"github.com/Jayian1890/bitscrape/internal/storagecollab"
)

var (
	sessionBucketName  = []byte("session")
	snapshotBucketName = []byte("routing_table")
)

// Collaborators bundles the external, optional dependencies a Crawler
// is wired to (spec.md §6). Every field may be left nil: storage
// writes are then skipped, log emissions never leave internal/logger,
// no tracker announce is attempted, and no NAT mapping is requested.
type Collaborators struct {
	Storage  storagecollab.Storage
	Beacon   beacon.Beacon
	Trackers coretracker.Manager
	NAT      nat.Mapper
}

// Crawler is the top-level BitScrape session: one DHT engine, one
// BitTorrent peer manager, and the event-driven glue between them.
type Crawler struct {
	cfg       config.Config
	sessionID string

	db    *bolt.DB
	pool  *procpool.Pool
	bus   *eventbus.Bus
	locks *lockmgr.Manager

	dhtEngine *dht.Engine
	peers     *btpeer.Manager

	collab Collaborators
	log    logger.Logger

	mu            sync.Mutex
	activeFetches map[ids.InfoHash]context.CancelFunc
	closed        bool

	queryRate metrics.EWMA

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the session database, binds the DHT socket, and
// constructs an idle Crawler. Call Start to begin bootstrap, inbound
// query processing, and the event-driven fetch pipeline.
func New(cfg config.Config, collab Collaborators) (*Crawler, error) {
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	local, err := ids.RandomNodeID()
	if err != nil {
		db.Close()
		return nil, err
	}

	log := logger.New("crawler")
	pool := procpool.New(0)
	bus := eventbus.New(pool)
	locks := lockmgr.New()

	engine, err := dht.New(cfg.DHT, local, bus, locks)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Crawler{
		cfg:           cfg,
		sessionID:     uuid.NewV4().String(),
		db:            db,
		pool:          pool,
		bus:           bus,
		locks:         locks,
		dhtEngine:     engine,
		peers:         btpeer.NewManager(cfg.Peer, bus, log),
		collab:        collab,
		log:           log,
		activeFetches: make(map[ids.InfoHash]context.CancelFunc),
		queryRate:     metrics.NewEWMA1(),
	}, nil
}

// SessionID returns the UUID this crawler session was assigned at
// construction, letting an external collaborator namespace any
// per-session bookkeeping it keeps.
func (c *Crawler) SessionID() string { return c.sessionID }

// LocalAddr returns the bound DHT UDP endpoint.
func (c *Crawler) LocalAddr() *net.UDPAddr { return c.dhtEngine.LocalAddr() }

// Start runs spec.md §4.5.1's startup sequence: load any persisted
// routing-table snapshot into a fresh table, wire the event-driven
// fetch pipeline, start the DHT engine (bootstrap runs concurrently
// with inbound query processing, not before it), and best-effort
// request a NAT port mapping.
func (c *Crawler) Start(ctx context.Context) dht.BootstrapOutcome {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pool.Start()

	if snap, err := loadSnapshot(c.db); err != nil {
		c.log.Warningf("routing table snapshot load failed: %v", err)
	} else {
		for _, n := range snap {
			c.dhtEngine.Table.Insert(n)
		}
	}

	c.wireEvents()

	outcome := c.dhtEngine.Start(c.ctx)

	if c.collab.NAT != nil {
		go c.mapPort()
	}

	c.wg.Add(3)
	go c.tickQueryRate()
	go c.snapshotLoop()
	go c.bandwidthLoop()

	return outcome
}

// mapPort best-effort requests an external port mapping for the DHT
// port; failure only logs a warning and never affects session startup
// or shutdown (spec.md §9's NAT design note).
func (c *Crawler) mapPort() {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	port := uint16(c.dhtEngine.LocalAddr().Port)
	mapping, err := c.collab.NAT.MapPort(ctx, port)
	if err != nil {
		c.log.Warningf("nat port mapping failed: %v", err)
		return
	}
	c.log.Infof("nat mapping established: %s:%d", mapping.ExternalIP, mapping.ExternalPort)
}

// tickQueryRate advances the DHT query-throughput EWMA every five
// seconds, matching rcrowley/go-metrics' documented Tick cadence.
func (c *Crawler) tickQueryRate() {
	defer c.wg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.queryRate.Tick()
		case <-c.ctx.Done():
			return
		}
	}
}

// bandwidthLoop publishes a BandwidthSample event for each of the DHT
// engine and the peer manager every 30 seconds, consumed only by
// telemetry collaborators subscribed to the bus.
func (c *Crawler) bandwidthLoop() {
	defer c.wg.Done()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.publishBandwidthSamples()
		case <-c.ctx.Done():
			return
		}
	}
}

// publishBandwidthSamples reads the DHT engine's and peer manager's
// cumulative byte counters and publishes one BandwidthSample event per
// component.
func (c *Crawler) publishBandwidthSamples() {
	dhtSent, dhtRecv := c.dhtEngine.BandwidthSample()
	c.bus.Publish(eventbus.BandwidthSample{
		EventBase:     eventbus.NewBase(eventbus.TagBandwidthSample, "", time.Now()),
		Component:     "dht",
		BytesSent:     dhtSent,
		BytesReceived: dhtRecv,
	})
	peerSent, peerRecv := c.peers.BandwidthSample()
	c.bus.Publish(eventbus.BandwidthSample{
		EventBase:     eventbus.NewBase(eventbus.TagBandwidthSample, "", time.Now()),
		Component:     "peer",
		BytesSent:     peerSent,
		BytesReceived: peerRecv,
	})
}

// snapshotLoop periodically persists the routing table per
// cfg.DHT.SnapshotInterval, so a restart after a crash still has a
// warm bucket set to bootstrap from.
func (c *Crawler) snapshotLoop() {
	defer c.wg.Done()
	interval := c.cfg.DHT.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := saveSnapshot(c.db, c.dhtEngine.Table.Snapshot()); err != nil {
				c.log.Warningf("routing table snapshot save failed: %v", err)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close runs spec.md §4.5.3's shutdown sequence: stop accepting new
// fetches, cancel every in-flight one, close peer connections, flush
// storage, persist a final routing-table snapshot, then tear down the
// DHT engine, the event bus's backing pool, and the session database.
func (c *Crawler) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, cancel := range c.activeFetches {
		cancel()
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.peers.Shutdown()

	if c.collab.Storage != nil {
		if err := c.collab.Storage.Flush(); err != nil {
			c.log.Warningf("storage flush failed: %v", err)
		}
	}

	if err := saveSnapshot(c.db, c.dhtEngine.Table.Snapshot()); err != nil {
		c.log.Warningf("final routing table snapshot save failed: %v", err)
	}

	c.dhtEngine.Close()
	c.pool.Stop(time.Second)
	return c.db.Close()
}

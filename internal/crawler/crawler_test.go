package crawler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Jayian1890/bitscrape/internal/beacon"
	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/coretracker"
	"github.com/Jayian1890/bitscrape/internal/dht"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

func openTestDB(t *testing.T, path string) (*bolt.DB, error) {
	t.Helper()
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "bitscrape.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.DHT.Port = 0
	cfg.DHT.BootstrapNodes = nil
	cfg.Peer.ListenPort = 0
	return cfg
}

func TestNewOpensSessionDatabaseAndCloseTearsItDown(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(cfg.Database); err != nil {
		t.Fatalf("expected session database file to exist: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOnInfoHashSeenRespectsConcurrentFetchCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.MaxConcurrentFetches = 1
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	existing, _ := ids.RandomInfoHash()
	c.activeFetches[existing] = func() {}

	fresh, _ := ids.RandomInfoHash()
	c.onInfoHashSeen(eventbus.InfoHashSeen{InfoHashHex: fresh.String()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.activeFetches) != 1 {
		t.Fatalf("expected the fetch cap to reject the new infohash, got %d active fetches", len(c.activeFetches))
	}
	if _, admitted := c.activeFetches[fresh]; admitted {
		t.Fatalf("new infohash should not have been admitted past the fetch cap")
	}
}

func TestOnInfoHashSeenIgnoresMalformedHex(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.onInfoHashSeen(eventbus.InfoHashSeen{InfoHashHex: "not-hex"})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.activeFetches) != 0 {
		t.Fatalf("malformed infohash should never be admitted, got %d active fetches", len(c.activeFetches))
	}
}

func TestOnInfoHashSeenSkipsAlreadyRunningFetch(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ih, _ := ids.RandomInfoHash()
	c.activeFetches[ih] = func() {}

	c.onInfoHashSeen(eventbus.InfoHashSeen{InfoHashHex: ih.String()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.activeFetches) != 1 {
		t.Fatalf("a second handler call for an in-flight infohash must not spawn a second fetch, got %d", len(c.activeFetches))
	}
}

type fakeStorage struct {
	mu         sync.Mutex
	infoHashes int
	peers      int
	metadata   int
	nodes      int
	lastNode   ids.NodeID
	lastStatus dht.NodeStatus
	flushed    bool
}

func (f *fakeStorage) StoreInfoHash(ids.InfoHash, time.Time, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoHashes++
	return nil
}

func (f *fakeStorage) StorePeer(ids.InfoHash, netutil.Endpoint, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers++
	return nil
}

func (f *fakeStorage) StoreMetadata(ids.InfoHash, []byte, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata++
	return nil
}

func (f *fakeStorage) RecordDHTNode(id ids.NodeID, _ netutil.Endpoint, status dht.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes++
	f.lastNode = id
	f.lastStatus = status
	return nil
}

func (f *fakeStorage) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return nil
}

func TestOnInfoHashSeenRecordsSightingWithStorage(t *testing.T) {
	cfg := testConfig(t)
	storage := &fakeStorage{}
	c, err := New(cfg, Collaborators{Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ih, _ := ids.RandomInfoHash()
	c.onInfoHashSeen(eventbus.InfoHashSeen{InfoHashHex: ih.String()})

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if storage.infoHashes != 1 {
		t.Fatalf("expected StoreInfoHash to be called once, got %d", storage.infoHashes)
	}
}

func TestCloseFlushesStorage(t *testing.T) {
	cfg := testConfig(t)
	storage := &fakeStorage{}
	c, err := New(cfg, Collaborators{Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if !storage.flushed {
		t.Fatalf("expected Close to flush the storage collaborator")
	}
}

type fakeBeacon struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeBeacon) Emit(severity beacon.Severity, category, message string, loc beacon.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func TestOnLogEventForwardsToBeacon(t *testing.T) {
	cfg := testConfig(t)
	b := &fakeBeacon{}
	c, err := New(cfg, Collaborators{Beacon: b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.onLogEvent(eventbus.LogEvent{Level: "warning", Message: "disk nearly full"})

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) != 1 || b.messages[0] != "disk nearly full" {
		t.Fatalf("expected the beacon to receive the forwarded message, got %v", b.messages)
	}
}

func TestSeverityFromLevel(t *testing.T) {
	cases := map[string]beacon.Severity{
		"debug":    beacon.Debug,
		"warning":  beacon.Warning,
		"error":    beacon.Error,
		"critical": beacon.Critical,
		"info":     beacon.Info,
		"":         beacon.Info,
	}
	for level, want := range cases {
		if got := severityFromLevel(level); got != want {
			t.Errorf("severityFromLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.db")
	db, err := openTestDB(t, path)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	defer db.Close()

	var nodes []dht.Node
	for i := 0; i < 5; i++ {
		id, _ := ids.RandomNodeID()
		nodes = append(nodes, dht.Node{
			ID:       id,
			Endpoint: netutil.NewEndpoint([]byte{127, 0, 0, byte(i + 1)}, uint16(6881+i)),
			LastSeen: time.Now().Add(-time.Duration(i) * time.Minute),
			Status:   dht.Good,
		})
	}

	if err := saveSnapshot(db, nodes); err != nil {
		t.Fatalf("saveSnapshot: %v", err)
	}

	loaded, err := loadSnapshot(db)
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if len(loaded) != len(nodes) {
		t.Fatalf("expected %d nodes, got %d", len(nodes), len(loaded))
	}

	seen := make(map[ids.NodeID]bool)
	for _, n := range loaded {
		seen[n.ID] = true
	}
	for _, n := range nodes {
		if !seen[n.ID] {
			t.Fatalf("node %s missing from round-tripped snapshot", n.ID)
		}
	}
}

func TestPublishBandwidthSamplesEmitsOnePerComponent(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var components []string
	eventbus.Subscribe(c.bus, func(e eventbus.BandwidthSample) {
		mu.Lock()
		defer mu.Unlock()
		components = append(components, e.Component)
	})

	c.publishBandwidthSamples()

	mu.Lock()
	defer mu.Unlock()
	if len(components) != 2 {
		t.Fatalf("expected one BandwidthSample per component, got %v", components)
	}
}

func TestOnPeerDiscoveredTracksPeerAndStoresIt(t *testing.T) {
	cfg := testConfig(t)
	storage := &fakeStorage{}
	c, err := New(cfg, Collaborators{Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ih, _ := ids.RandomInfoHash()
	ep := netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6999)
	c.onPeerDiscovered(eventbus.PeerDiscovered{InfoHashHex: ih.String(), Address: ep.String()})

	if got := c.peers.KnownCount(ih); got != 1 {
		t.Fatalf("expected the peer manager to know one peer, got %d", got)
	}
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if storage.peers != 1 {
		t.Fatalf("expected StorePeer to be called once, got %d", storage.peers)
	}
}

func TestOnPeerDiscoveredIgnoresMalformedFields(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Collaborators{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.onPeerDiscovered(eventbus.PeerDiscovered{InfoHashHex: "not-hex", Address: "127.0.0.1:6999"})
	ih, _ := ids.RandomInfoHash()
	c.onPeerDiscovered(eventbus.PeerDiscovered{InfoHashHex: ih.String(), Address: "not-an-address"})

	if got := c.peers.KnownCount(ih); got != 0 {
		t.Fatalf("malformed events should never reach the peer manager, got %d known peers", got)
	}
}

func TestOnNodeDiscoveredRecordsWithStorage(t *testing.T) {
	cfg := testConfig(t)
	storage := &fakeStorage{}
	c, err := New(cfg, Collaborators{Storage: storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	id, _ := ids.RandomNodeID()
	ep := netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6881)
	c.onNodeDiscovered(eventbus.NodeDiscovered{NodeIDHex: id.String(), Address: ep.String(), Status: "good"})

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if storage.nodes != 1 {
		t.Fatalf("expected RecordDHTNode to be called once, got %d", storage.nodes)
	}
	if storage.lastNode != id {
		t.Fatalf("expected RecordDHTNode to receive the discovered node id")
	}
	if storage.lastStatus != dht.Good {
		t.Fatalf("expected status %v, got %v", dht.Good, storage.lastStatus)
	}
}

type fakeTracker struct {
	peers []netutil.Endpoint
}

func (f *fakeTracker) Add(coretracker.Tracker) {}

func (f *fakeTracker) AnnounceAll(context.Context, ids.InfoHash) ([]netutil.Endpoint, error) {
	return f.peers, nil
}

func TestAnnounceTrackersPublishesPeerDiscovered(t *testing.T) {
	cfg := testConfig(t)
	tracker := &fakeTracker{peers: []netutil.Endpoint{netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6999)}}
	c, err := New(cfg, Collaborators{Trackers: tracker})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var got []eventbus.PeerDiscovered
	eventbus.Subscribe(c.bus, func(e eventbus.PeerDiscovered) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	ih, _ := ids.RandomInfoHash()
	c.announceTrackers(context.Background(), ih)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one PeerDiscovered event from the tracker announce, got %d", len(got))
	}
	if got[0].InfoHashHex != ih.String() {
		t.Fatalf("expected the announced event to name infohash %s, got %s", ih.String(), got[0].InfoHashHex)
	}
}

func TestLoadSnapshotOnEmptyDatabaseReturnsNoError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.db")
	db, err := openTestDB(t, path)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	defer db.Close()

	nodes, err := loadSnapshot(db)
	if err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes from an empty snapshot bucket, got %d", len(nodes))
	}
}

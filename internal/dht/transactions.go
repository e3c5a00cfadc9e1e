package dht

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// TxID is the 2-byte KRPC transaction identifier (spec.md §4.3.1).
type TxID [2]byte

func (t TxID) String() string { return string(t[:]) }

// Transaction is one in-flight query, keyed by TxID, per spec.md
// §4.3.4. Continuation is invoked exactly once: with the matching
// response, or with a nil message and a timeout error on hard
// failure.
type Transaction struct {
	ID               TxID
	Kind             QueryKind
	Target           string
	Dest             netutil.Endpoint
	IssuedAt         time.Time
	timeoutAt        time.Time
	timeout          time.Duration
	RetriesRemaining int
	Continuation     func(*Message, error)
}

// TxTable is the transaction table: a txid-keyed map with a periodic
// expiry sweep, grounded on STX5-dht's `node.PendingQueries
// map[string]*QueryType` plus its periodic cleanupTicker handling,
// generalized to the explicit retry-then-fail contract spec.md
// §4.3.4 describes.
type TxTable struct {
	mu      sync.Mutex
	byID    map[TxID]*Transaction
	counter uint16
	seed    uint16
}

// NewTxTable constructs a transaction table whose txid counter is
// xor-masked with a random seed, so restarts don't reuse the same
// sequence of transaction IDs (spec.md §4.3.1).
func NewTxTable() *TxTable {
	var seedBytes [2]byte
	_, _ = rand.Read(seedBytes[:])
	return &TxTable{
		byID: make(map[TxID]*Transaction),
		seed: binary.BigEndian.Uint16(seedBytes[:]),
	}
}

func (t *TxTable) nextIDLocked() TxID {
	for {
		t.counter++
		v := t.counter ^ t.seed
		var id TxID
		binary.BigEndian.PutUint16(id[:], v)
		if _, exists := t.byID[id]; !exists {
			return id
		}
	}
}

// Register allocates a fresh, currently-unused txid and stores the
// transaction with a first-attempt expiry of now+timeout.
func (t *TxTable) Register(kind QueryKind, target string, dest netutil.Endpoint, timeout time.Duration, continuation func(*Message, error)) TxID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextIDLocked()
	now := time.Now()
	t.byID[id] = &Transaction{
		ID:               id,
		Kind:             kind,
		Target:           target,
		Dest:             dest,
		IssuedAt:         now,
		timeoutAt:        now.Add(timeout),
		timeout:          timeout,
		RetriesRemaining: 1,
		Continuation:     continuation,
	}
	return id
}

// Resolve removes and returns the transaction matching txid, if any -
// "removed on matching response" per spec.md §3's Transaction entry.
func (t *TxTable) Resolve(id TxID) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return tx, ok
}

// Len reports the number of live transactions, used by property tests
// asserting uniqueness (spec.md §8 item 4) and by shutdown draining.
func (t *TxTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// SweepResult is one outcome of a Sweep pass: either a retry (the
// caller must resend Retry's query with the same txid) or a hard
// failure (the caller must invoke Failed.Continuation(nil, timeout)).
type SweepResult struct {
	Retry  *Transaction
	Failed *Transaction
}

// Sweep scans for expired transactions at now, retrying once and
// hard-failing on the second timeout, per spec.md §4.3.4. Intended to
// be called from a dedicated ticker task (default period 250 ms).
func (t *TxTable) Sweep(now time.Time) []SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	var results []SweepResult
	for id, tx := range t.byID {
		if now.Before(tx.timeoutAt) {
			continue
		}
		if tx.RetriesRemaining > 0 {
			tx.RetriesRemaining--
			tx.timeoutAt = now.Add(tx.timeout)
			results = append(results, SweepResult{Retry: tx})
			continue
		}
		delete(t.byID, id)
		results = append(results, SweepResult{Failed: tx})
	}
	return results
}

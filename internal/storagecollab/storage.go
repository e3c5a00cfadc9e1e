// Package storagecollab declares the narrow interface the core
// expects of its persistence layer (spec.md §6): an external
// collaborator, never implemented inside the core itself, so the core
// stays free of any particular SQL/KV engine choice. Grounded on the
// teacher's session/session.go boltdb-backed persistence (bucket
// layout, idempotent-on-key writes) generalized to an interface so any
// backend can satisfy it.
package storagecollab

import (
	"time"

	"github.com/Jayian1890/bitscrape/internal/dht"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// Storage is the contract the crawler's orchestration layer (C7)
// consumes. Every method must be non-blocking from the caller's
// perspective - implementations queue internally - and idempotent on
// (primary key, timestamp), per spec.md §6. The core treats any
// returned error as a warning and continues; it never blocks or
// retries on storage failure.
type Storage interface {
	StoreInfoHash(ih ids.InfoHash, firstSeen, lastSeen time.Time) error
	StorePeer(ih ids.InfoHash, ep netutil.Endpoint, seenAt time.Time) error
	StoreMetadata(ih ids.InfoHash, bencodedInfo []byte, receivedAt time.Time) error
	RecordDHTNode(id ids.NodeID, ep netutil.Endpoint, status dht.NodeStatus) error

	// Flush is called once during orchestrated shutdown (spec.md
	// §4.5.3) so a buffering implementation can drain before the
	// process exits; it may block briefly.
	Flush() error
}

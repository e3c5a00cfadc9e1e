// Package errs defines the sentinel errors shared across BitScrape's
// core subsystems so callers can test outcomes with errors.Is instead
// of string matching.
package errs

import "github.com/pkg/errors"

// Identity / codec (C1)
var (
	// ErrInvalidLength is returned when constructing a NodeID or
	// InfoHash from a byte slice of the wrong length.
	ErrInvalidLength = errors.New("invalid length")
	// ErrInvalidEncoding is returned when constructing a NodeID or
	// InfoHash from a string containing a non-hex character.
	ErrInvalidEncoding = errors.New("invalid encoding")
	// ErrInvalidEndpoint is returned when parsing an Endpoint from a
	// malformed "host:port" address string.
	ErrInvalidEndpoint = errors.New("invalid endpoint address")
)

// Concurrency substrate (C2)
var (
	ErrTimeout        = errors.New("lock acquisition timed out")
	ErrDeadlock       = errors.New("lock acquisition would deadlock")
	ErrOrderViolation = errors.New("lock acquired out of priority order")
	ErrUnknownResource = errors.New("unknown resource")
	ErrPoolStopped    = errors.New("processor pool is stopped")
)

// DHT engine (C5)
var (
	ErrBadToken        = errors.New("invalid get_peers token")
	ErrMalformedPacket = errors.New("malformed dht packet")
	ErrSourceThrottled = errors.New("source ip is throttled")
	ErrLookupBudget    = errors.New("lookup exceeded wall-clock budget")
	ErrSocketBind      = errors.New("failed to bind dht socket")
)

// BitTorrent peer engine (C6)
var (
	ErrHandshakeMismatch  = errors.New("infohash mismatch during handshake")
	ErrExtensionMissing   = errors.New("peer did not advertise ut_metadata extension")
	ErrMetadataSizeBounds = errors.New("metadata size outside of [1, 16MiB]")
	ErrHashMismatch       = errors.New("metadata sha1 does not match infohash")
	ErrPieceRejected      = errors.New("peer rejected every remaining piece")
	ErrExchangeTimeout    = errors.New("metadata exchange exceeded wall-clock budget")
	ErrPeerBlacklisted    = errors.New("peer is blacklisted")
)

// Orchestration (C7)
var (
	ErrSessionClosed  = errors.New("session is shut down")
	ErrFetchCapReached = errors.New("concurrent metadata fetch cap reached")
)

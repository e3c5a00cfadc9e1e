// Package eventbus implements BitScrape's typed in-process pub/sub bus
// (spec.md §4.2): a closed tagged union of event variants, synchronous
// and asynchronous delivery, composable filters, and an Adapter helper
// for external collaborators. Grounded on the teacher's session/run.go
// dispatch loop (one place fanning inbound messages out to per-concern
// handling), generalized into a standalone package per spec.md §9's
// "replace dynamic-polymorphism event base with a closed tagged union"
// design note.
package eventbus

import "time"

// Tag identifies an event's variant. The system tags form a closed
// set; UserDefined is the escape hatch for subsystem-specific events
// identified by CustomID, matching spec.md §4.2's event base contract.
type Tag int

const (
	TagUserDefined Tag = iota
	TagNodeDiscovered
	TagInfoHashSeen
	TagMetadataFetched
	TagMetadataFailed
	TagPeerConnected
	TagPeerDisconnected
	TagLookupCompleted
	TagLogEvent
	TagBandwidthSample
	TagPeerDiscovered
)

// Event is the interface every published value satisfies. EventBase
// embeds the shared (type_tag, timestamp, optional_custom_id) triple.
type Event interface {
	Tag() Tag
	Timestamp() time.Time
	CustomID() string
}

// EventBase is embedded by every concrete event variant to supply the
// common fields without hand-duplicating them per type.
type EventBase struct {
	tag       Tag
	timestamp time.Time
	customID  string
}

// NewBase constructs an EventBase, storing at as given. Neither
// NewBase nor Publish fills in a zero-value timestamp.
func NewBase(tag Tag, customID string, at time.Time) EventBase {
	return EventBase{tag: tag, timestamp: at, customID: customID}
}

func (b EventBase) Tag() Tag            { return b.tag }
func (b EventBase) Timestamp() time.Time { return b.timestamp }
func (b EventBase) CustomID() string    { return b.customID }

// NodeDiscovered fires when the routing table admits or refreshes a
// node, per spec.md's C5/C3 boundary. Status is the node's NodeStatus
// at admission time, stringified ("good"/"questionable"/"bad") so this
// package never needs to import internal/dht.
type NodeDiscovered struct {
	EventBase
	NodeIDHex string
	Address   string
	Status    string
}

// PeerDiscovered fires whenever a peer endpoint is learned for an
// infohash - from a DHT get_peers lookup's "values" or a tracker
// announce response - per spec.md §4.5.2's "PeerDiscovered(infohash,
// endpoint) -> add to the relevant peer manager" wiring rule.
type PeerDiscovered struct {
	EventBase
	InfoHashHex string
	Address     string
}

// InfoHashSeen fires whenever the DHT engine passively observes an
// infohash via get_peers/announce_peer traffic (spec.md §4.3.6).
type InfoHashSeen struct {
	EventBase
	InfoHashHex string
	Source      string
}

// MetadataFetched fires when a ut_metadata exchange completes and the
// info dict's SHA-1 matches the infohash.
type MetadataFetched struct {
	EventBase
	InfoHashHex string
	Size        int
}

// MetadataFailed fires once when a metadata fetch ends without verified
// metadata, for any reason: no peer candidates, attempts exhausted,
// cancellation, or every attempt failing (including hash verification).
type MetadataFailed struct {
	EventBase
	InfoHashHex string
	Reason      string
}

// PeerConnected/PeerDisconnected track peer connection lifecycle for
// observability only; the peer manager does not consume them.
type PeerConnected struct {
	EventBase
	Address string
}

type PeerDisconnected struct {
	EventBase
	Address string
	Reason  string
}

// LookupCompleted describes the end of an iterative lookup (spec.md
// §4.3.3). No core component publishes it.
type LookupCompleted struct {
	EventBase
	TargetHex string
	NodeCount int
}

// LogEvent carries one structured log emission onto the bus so sinks
// can subscribe instead of writing directly (spec.md §4.6).
type LogEvent struct {
	EventBase
	Level   string
	Message string
}

// BandwidthSample fires periodically from the DHT and peer engines,
// each reporting its own cumulative byte counters so a telemetry
// subscriber can derive a rate without polling either engine directly.
type BandwidthSample struct {
	EventBase
	Component     string
	BytesSent     uint64
	BytesReceived uint64
}

// UserDefinedEvent is the open escape for subsystem-specific events
// that the core bus does not need to know the shape of.
type UserDefinedEvent struct {
	EventBase
	Payload interface{}
}

// Package nat declares the narrow NAT-traversal collaborator the
// crawler's startup sequence calls best-effort (spec.md §9's design
// note: "never NAT hole-punching beyond an optional UPnP/NAT-PMP
// mapping at startup"). Grounded on
// original_source's network/nat_traversal.hpp (NATProtocol enum,
// NATTraversalResult fields), narrowed from its full synchronous/
// asynchronous C++ API surface to the one call the core needs.
package nat

import "context"

// Protocol is the traversal mechanism to attempt, mirroring
// nat_traversal.hpp's NATProtocol enum.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolUPnP
	ProtocolNATPMP
)

// Mapping is the outcome of a successful port mapping request,
// mirroring nat_traversal.hpp's NATTraversalResult.
type Mapping struct {
	ExternalIP   string
	ExternalPort uint16
	Protocol     Protocol
	LeaseSeconds int
}

// Mapper is the interface the crawler's startup sequence calls once,
// best-effort: failure only logs a warning and never blocks startup.
type Mapper interface {
	MapPort(ctx context.Context, internalPort uint16) (Mapping, error)
	Unmap(ctx context.Context, m Mapping) error
}

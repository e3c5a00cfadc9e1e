package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// K is the maximum number of entries per k-bucket (spec.md §3).
const K = 8

// NodeStatus tracks a routing table entry's health, advancing per
// spec.md §4.3.2's "three strikes" / 15-minute rules.
type NodeStatus int

const (
	Good NodeStatus = iota
	Questionable
	Bad
)

func (s NodeStatus) String() string {
	switch s {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// ParseNodeStatus is String's inverse, used by collaborators that
// receive a NodeStatus as the eventbus' stringified form and need it
// back as a NodeStatus to satisfy storagecollab.Storage.RecordDHTNode.
// Unrecognized input defaults to Good rather than erroring, since a
// malformed status string should never block recording the sighting.
func ParseNodeStatus(s string) NodeStatus {
	switch s {
	case "questionable":
		return Questionable
	case "bad":
		return Bad
	default:
		return Good
	}
}

// Node is one routing-table entry.
type Node struct {
	ID               ids.NodeID
	Endpoint         netutil.Endpoint
	LastSeen         time.Time
	LastResponded    time.Time
	FailedQueryCount int
	Status           NodeStatus
}

// bucket is a leaf of the routing table's split tree. prefixLen nodes
// whose common-prefix-length with the local ID is exactly prefixLen,
// UNLESS this is the last (deepest) bucket, which absorbs everything
// with cpl >= prefixLen until it splits further - the classic
// "only the branch containing the local ID ever splits" optimization.
type bucket struct {
	prefixLen   int
	nodes       []*Node
	lastChanged time.Time
}

// InsertOutcome reports what Insert did, so the engine can drive the
// "ping the stale questionable entry" step of spec.md §4.3.2's
// algorithm, which requires a network round-trip the table itself
// cannot perform.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Rejected
	NeedsPing
)

// RoutingTable is the Kademlia routing table: a list of buckets, indexed by
// common-prefix-length with the local ID, where only the deepest
// bucket (the one whose range contains the local ID) is eligible to
// split. Grounded on STX5-dht's routingTable package (referenced only
// by call shape there - LookupFiltered/GetOrCreateNode/Update/Length -
// this gives it first-class bucket-tree structure per spec.md §3).
type RoutingTable struct {
	mu      sync.Mutex
	local   ids.NodeID
	buckets []*bucket
}

func NewRoutingTable(local ids.NodeID) *RoutingTable {
	return &RoutingTable{
		local:   local,
		buckets: []*bucket{{prefixLen: 0, lastChanged: time.Now()}},
	}
}

func commonPrefixLen(a, b ids.NodeID) int {
	n := 0
	for i := 0; i < ids.Size*8; i++ {
		if a.Bit(i) != b.Bit(i) {
			break
		}
		n++
	}
	return n
}

func (t *RoutingTable) bucketIndexFor(id ids.NodeID) int {
	cpl := commonPrefixLen(t.local, id)
	last := len(t.buckets) - 1
	if cpl > last {
		return last
	}
	return cpl
}

// Insert admits or updates a node per spec.md §4.3.2's four-step
// algorithm. The local NodeID itself is never stored (data model
// invariant (d)).
func (t *RoutingTable) Insert(n Node) (InsertOutcome, *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.ID == t.local {
		return Rejected, nil
	}
	return t.insertLocked(n)
}

func (t *RoutingTable) insertLocked(n Node) (InsertOutcome, *Node) {
	idx := t.bucketIndexFor(n.ID)
	b := t.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes[i] = &n
			b.lastChanged = time.Now()
			return Inserted, nil
		}
	}

	if len(b.nodes) < K {
		cp := n
		b.nodes = append(b.nodes, &cp)
		b.lastChanged = time.Now()
		return Inserted, nil
	}

	isLast := idx == len(t.buckets)-1
	if isLast {
		t.split(idx)
		return t.insertLocked(n)
	}

	for i, e := range b.nodes {
		if e.Status == Bad {
			cp := n
			b.nodes[i] = &cp
			b.lastChanged = time.Now()
			return Inserted, nil
		}
	}

	var stalest *Node
	for _, e := range b.nodes {
		if e.Status == Questionable && (stalest == nil || e.LastSeen.Before(stalest.LastSeen)) {
			stalest = e
		}
	}
	if stalest != nil {
		return NeedsPing, stalest
	}
	return Rejected, nil
}

// split divides buckets[idx] (the deepest/local-covering bucket) into
// itself (finalized, covering exactly prefixLen bits and differing at
// bit prefixLen from the local ID) and a new deeper bucket appended
// after it (the new local-covering bucket, still splittable).
func (t *RoutingTable) split(idx int) {
	old := t.buckets[idx]
	next := &bucket{prefixLen: old.prefixLen + 1, lastChanged: time.Now()}

	var kept []*Node
	for _, n := range old.nodes {
		if n.ID.Bit(old.prefixLen) == t.local.Bit(old.prefixLen) {
			next.nodes = append(next.nodes, n)
		} else {
			kept = append(kept, n)
		}
	}
	old.nodes = kept
	t.buckets = append(t.buckets, next)
}

// ResolvePing completes the NeedsPing step: on response, the
// candidate is dropped (the existing stale entry proved alive); on
// timeout, the stale entry is replaced by the candidate.
func (t *RoutingTable) ResolvePing(candidate Node, staleID ids.NodeID, responded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndexFor(staleID)
	b := t.buckets[idx]
	for i, e := range b.nodes {
		if e.ID == staleID {
			if responded {
				e.Status = Good
				e.LastResponded = time.Now()
				e.LastSeen = time.Now()
				return
			}
			cp := candidate
			b.nodes[i] = &cp
			b.lastChanged = time.Now()
			return
		}
	}
}

// MarkResponded records a verified response from id, promoting it to
// Good and resetting its failure count.
func (t *RoutingTable) MarkResponded(id ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.findLocked(id); n != nil {
		n.Status = Good
		n.FailedQueryCount = 0
		n.LastResponded = time.Now()
		n.LastSeen = time.Now()
	}
}

// MarkQueryFailed records a failed query to id; after three
// consecutive failures the node becomes Bad (spec.md §4.3.2's
// per-node "three strikes" rule).
func (t *RoutingTable) MarkQueryFailed(id ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.findLocked(id); n != nil {
		n.FailedQueryCount++
		if n.FailedQueryCount >= 3 {
			n.Status = Bad
		}
	}
}

func (t *RoutingTable) findLocked(id ids.NodeID) *Node {
	idx := t.bucketIndexFor(id)
	for _, e := range t.buckets[idx].nodes {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// RefreshStatuses demotes nodes that have gone quiet: Good becomes
// Questionable after questionableAfter (default 15 min) without
// contact, per spec.md §4.3.2.
func (t *RoutingTable) RefreshStatuses(now time.Time, questionableAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.Status == Good && now.Sub(n.LastResponded) > questionableAfter {
				n.Status = Questionable
			}
		}
	}
}

// StaleBuckets returns, for every bucket untouched since
// activeWithin, its least-recently-seen node - the target of the
// spec.md §4.3.2 refresh find_node(random_id_in_prefix).
func (t *RoutingTable) StaleBuckets(now time.Time, activeWithin time.Duration) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Node
	for _, b := range t.buckets {
		if now.Sub(b.lastChanged) <= activeWithin || len(b.nodes) == 0 {
			continue
		}
		lrs := b.nodes[0]
		for _, n := range b.nodes[1:] {
			if n.LastSeen.Before(lrs.LastSeen) {
				lrs = n
			}
		}
		out = append(out, lrs)
	}
	return out
}

// Closest returns up to k entries ordered by ascending XOR distance to
// target, the core of the routing-table lookup invariant (spec.md §8
// item 1). Equal-distance ties prefer Good over Questionable over Bad.
func (t *RoutingTable) Closest(target ids.NodeID, k int) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			all = append(all, *n)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		c := ids.CompareDistance(all[i].ID, all[j].ID, target)
		if c != 0 {
			return c < 0
		}
		return all[i].Status < all[j].Status
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Snapshot returns every node currently held, across all buckets, for
// persisting across restarts (spec.md §6's routing-table snapshot).
func (t *RoutingTable) Snapshot() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			out = append(out, *n)
		}
	}
	return out
}

// Length returns the total number of nodes across all buckets.
func (t *RoutingTable) Length() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.nodes)
	}
	return n
}

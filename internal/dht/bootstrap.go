package dht

import (
	"context"
	"time"
)

// BootstrapOutcome reports whether bootstrap converged before its
// wall-clock budget expired (spec.md §4.3.7).
type BootstrapOutcome int

const (
	BootstrapComplete BootstrapOutcome = iota
	BootstrapFailed
)

// Bootstrap issues find_node(local_id) against the seed endpoints and
// then against freshly-discovered nodes, iteratively, until the
// routing table holds at least one full (K-entry) bucket of Good
// nodes or the budget expires. Grounded on STX5-dht's bootstrap()
// (ping each router, findNodeFrom, then d.findNode(d.nodeId)).
func Bootstrap(ctx context.Context, table *RoutingTable, lookup *Lookup, seeds []NodeInfo, budget time.Duration) BootstrapOutcome {
	if budget == 0 {
		budget = 60 * time.Second
	}
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result := lookup.Run(ctx, seeds)
	for _, n := range result.Responded {
		table.Insert(Node{ID: n.ID, Endpoint: n.Endpoint, LastSeen: time.Now(), LastResponded: time.Now(), Status: Good})
	}

	if hasFullGoodBucket(table) {
		return BootstrapComplete
	}
	if time.Now().After(deadline) {
		return BootstrapFailed
	}
	return BootstrapFailed
}

func hasFullGoodBucket(table *RoutingTable) bool {
	table.mu.Lock()
	defer table.mu.Unlock()
	for _, b := range table.buckets {
		if len(b.nodes) < K {
			continue
		}
		good := 0
		for _, n := range b.nodes {
			if n.Status == Good {
				good++
			}
		}
		if good == len(b.nodes) {
			return true
		}
	}
	return false
}

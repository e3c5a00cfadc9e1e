package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// DefaultAlpha and DefaultK are the iterative lookup's concurrency and
// result-set parameters (spec.md §4.3.3).
const (
	DefaultAlpha = 3
	DefaultK     = 8
)

// QueryFunc sends one query to dest and returns its response, or an
// error on timeout/failure. Lookup treats a query error as "this node
// did not pan out this round" - it never aborts the whole lookup.
type QueryFunc func(ctx context.Context, dest netutil.Endpoint) (*Message, error)

// Lookup runs the α-bounded iterative find_node/get_peers algorithm of
// spec.md §4.3.3, grounded on STX5-dht's processGetPeerResults/
// processFindNodeResults round-driven shape but restructured into a
// standalone, engine-agnostic type: the engine supplies QueryFunc so
// Lookup never touches sockets or the transaction table directly.
type Lookup struct {
	Target           ids.NodeID
	Kind             QueryKind
	Alpha            int
	K                int
	Budget           time.Duration
	EarlyExitOnPeers bool
	Query            QueryFunc

	// OnPeerDiscovered, if set, is called once for each newly-seen peer
	// endpoint a get_peers response's "values" list yields, letting the
	// caller publish a PeerDiscovered event without Lookup itself
	// depending on the event bus.
	OnPeerDiscovered func(netutil.Endpoint)
}

type shortlistEntry struct {
	Node    NodeInfo
	Queried bool
}

// Result is what a lookup converges on.
type Result struct {
	Responded []NodeInfo
	Peers     []netutil.Endpoint
	Tokens    map[ids.NodeID][]byte
}

// Run drives the lookup to termination: no closer unqueried candidate
// remains, the wall-clock budget is exhausted, or (for get_peers with
// EarlyExitOnPeers) peers have already been found.
func (l *Lookup) Run(ctx context.Context, seed []NodeInfo) Result {
	alpha, k := l.Alpha, l.K
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	if k == 0 {
		k = DefaultK
	}
	budget := l.Budget
	if budget == 0 {
		budget = 30 * time.Second
	}
	deadline := time.Now().Add(budget)

	var mu sync.Mutex
	shortlist := make([]*shortlistEntry, 0, len(seed))
	for _, n := range seed {
		shortlist = append(shortlist, &shortlistEntry{Node: n})
	}
	responded := map[ids.NodeID]NodeInfo{}
	var peers []netutil.Endpoint
	seenPeers := map[netutil.Endpoint]bool{}
	tokens := map[ids.NodeID][]byte{}

	for time.Now().Before(deadline) {
		mu.Lock()
		sortByDistance(shortlist, l.Target)
		var batch []*shortlistEntry
		for _, e := range shortlist {
			if len(batch) == alpha {
				break
			}
			if !e.Queried {
				e.Queried = true
				batch = append(batch, e)
			}
		}
		mu.Unlock()
		if len(batch) == 0 {
			break
		}

		roundCtx, cancel := context.WithDeadline(ctx, deadline)
		g, gctx := errgroup.WithContext(roundCtx)
		for _, e := range batch {
			e := e
			g.Go(func() error {
				resp, err := l.Query(gctx, e.Node.Endpoint)
				if err != nil || resp == nil || resp.R == nil {
					return nil
				}
				// The responder's self-declared id (resp.R.ID) is
				// authoritative, not the id we assumed when seeding
				// the shortlist - bootstrap endpoints in particular
				// are dialed with no known id at all. The id is accepted
				// in raw 20-byte form or as 40-char hex.
				responderID, idErr := ids.NodeIDFromBytes([]byte(resp.R.ID))
				if idErr != nil {
					responderID, idErr = ids.NodeIDFromHex(resp.R.ID)
				}
				if idErr != nil {
					responderID = e.Node.ID
				}
				responder := NodeInfo{ID: responderID, Endpoint: e.Node.Endpoint}

				mu.Lock()
				defer mu.Unlock()
				responded[responderID] = responder
				for _, n := range DecodeNodes(resp.R.Nodes) {
					if n.ID == l.Target {
						continue
					}
					if !shortlistHas(shortlist, n.ID) {
						shortlist = append(shortlist, &shortlistEntry{Node: n})
					}
				}
				if l.Kind == QueryGetPeers {
					for _, v := range resp.R.Values {
						ep, perr := netutil.ParseCompactPeer([]byte(v))
						if perr == nil && !seenPeers[ep] {
							seenPeers[ep] = true
							peers = append(peers, ep)
							if l.OnPeerDiscovered != nil {
								l.OnPeerDiscovered(ep)
							}
						}
					}
					if resp.R.Token != "" {
						tokens[responderID] = []byte(resp.R.Token)
					}
				}
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		mu.Lock()
		done := terminates(shortlist, responded, l.Target, k)
		havePeers := len(peers) > 0
		mu.Unlock()
		if done {
			break
		}
		if l.EarlyExitOnPeers && havePeers {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	respList := make([]NodeInfo, 0, len(responded))
	for _, n := range responded {
		respList = append(respList, n)
	}
	sort.Slice(respList, func(i, j int) bool {
		return ids.CompareDistance(respList[i].ID, respList[j].ID, l.Target) < 0
	})
	if len(respList) > k {
		respList = respList[:k]
	}
	return Result{Responded: respList, Peers: peers, Tokens: tokens}
}

func shortlistHas(shortlist []*shortlistEntry, id ids.NodeID) bool {
	for _, e := range shortlist {
		if e.Node.ID == id {
			return true
		}
	}
	return false
}

func sortByDistance(shortlist []*shortlistEntry, target ids.NodeID) {
	sort.Slice(shortlist, func(i, j int) bool {
		return ids.CompareDistance(shortlist[i].Node.ID, shortlist[j].Node.ID, target) < 0
	})
}

// terminates reports the spec.md §4.3.3 stopping condition: no
// unqueried shortlist entry is closer than the k-th closest responder
// (the farthest responder while there are fewer than k), or, before
// any node has responded, nothing is left to query.
func terminates(shortlist []*shortlistEntry, responded map[ids.NodeID]NodeInfo, target ids.NodeID, k int) bool {
	if len(responded) == 0 {
		for _, e := range shortlist {
			if !e.Queried {
				return false
			}
		}
		return true
	}
	respList := make([]NodeInfo, 0, len(responded))
	for _, n := range responded {
		respList = append(respList, n)
	}
	sort.Slice(respList, func(i, j int) bool {
		return ids.CompareDistance(respList[i].ID, respList[j].ID, target) < 0
	})
	kthIdx := k - 1
	if kthIdx >= len(respList) {
		kthIdx = len(respList) - 1
	}
	kth := respList[kthIdx]
	for _, e := range shortlist {
		if e.Queried {
			continue
		}
		if ids.CompareDistance(e.Node.ID, kth.ID, target) < 0 {
			return false
		}
	}
	return true
}

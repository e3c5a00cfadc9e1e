package dht

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/errs"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/lockmgr"
	"github.com/Jayian1890/bitscrape/internal/logger"
	"github.com/Jayian1890/bitscrape/internal/netio"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// Engine is the top-level DHT participant: one UDP socket, one routing
// table, one transaction table, one token manager, one harvester.
// Restructured from STX5-dht's single God-object DHT (bootstrap/loop/
// processPacket/getPeers/findNode/replyGetPeers/replyAnnouncePeer) into
// the Engine + Lookup + Harvester split spec.md's component table
// implies, while keeping that file's event-driven control flow.
type Engine struct {
	cfg   config.DHTConfig
	local ids.NodeID
	sock  *netio.Socket

	Table     *RoutingTable
	Txs       *TxTable
	Tokens    *TokenManager
	Harvester *Harvester
	throttle  *Throttle

	bus   *eventbus.Bus
	locks *lockmgr.Manager
	rTbl  uint64
	rTx   uint64
	rTok  uint64
	rBoot uint64

	log logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the DHT UDP socket and constructs an idle Engine. Call
// Start to begin bootstrap and inbound processing.
func New(cfg config.DHTConfig, local ids.NodeID, bus *eventbus.Bus, locks *lockmgr.Manager) (*Engine, error) {
	addr := cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	sock, err := netio.Listen(net.JoinHostPort(addr, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errs.ErrSocketBind
	}
	e := &Engine{
		cfg:       cfg,
		local:     local,
		sock:      sock,
		Table:     NewRoutingTable(local),
		Txs:       NewTxTable(),
		Tokens:    NewTokenManager(),
		Harvester: NewHarvester(cfg.HarvestWindow),
		throttle:  NewThrottle(cfg.RateLimitPerSec),
		bus:       bus,
		locks:     locks,
		log:       logger.New("dht"),
	}
	e.rTbl = locks.Register("dht.routing_table", lockmgr.Normal)
	e.rTx = locks.Register("dht.transaction_table", lockmgr.High)
	e.rTok = locks.Register("dht.token_secrets", lockmgr.High)
	e.rBoot = locks.Register("dht.bootstrap_state", lockmgr.Low)
	return e, nil
}

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() *net.UDPAddr { return e.sock.LocalAddr() }

// BandwidthSample returns the cumulative bytes sent and received on
// the DHT's UDP socket since it was opened.
func (e *Engine) BandwidthSample() (sent, recv uint64) { return e.sock.BandwidthSample() }

// Start launches the receive loop, the transaction sweep ticker, the
// token rotation ticker, and runs bootstrap against cfg.BootstrapNodes.
func (e *Engine) Start(ctx context.Context) BootstrapOutcome {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	packets := make(chan netio.Packet, 64)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sock.ReadLoop(ctx, packets)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-packets:
				if !ok {
					return
				}
				e.handlePacket(p.Addr, p.Bytes)
				p.Release()
			}
		}
	}()

	e.Tokens.RotateEvery(dflt(e.cfg.SecretRotate, 5*time.Minute), ctx.Done())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()

	seeds := e.resolveSeeds(e.cfg.BootstrapNodes)
	outcome := Bootstrap(ctx, e.Table, e.newLookup(QueryFindNode, false), seeds, dflt(e.cfg.BootstrapBudget, 60*time.Second))
	if outcome == BootstrapComplete {
		e.bus.Publish(eventbus.LogEvent{EventBase: eventbus.NewBase(eventbus.TagLogEvent, "", time.Now()), Level: "info", Message: "dht bootstrap complete"})
	} else {
		e.bus.Publish(eventbus.LogEvent{EventBase: eventbus.NewBase(eventbus.TagLogEvent, "", time.Now()), Level: "warning", Message: "dht bootstrap failed"})
	}
	return outcome
}

func dflt(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func (e *Engine) resolveSeeds(hostports []string) []NodeInfo {
	var out []NodeInfo
	for _, hp := range hostports {
		udpAddr, err := net.ResolveUDPAddr("udp", hp)
		if err != nil {
			continue
		}
		placeholder, _ := ids.RandomNodeID()
		out = append(out, NodeInfo{ID: placeholder, Endpoint: netutil.NewEndpoint(udpAddr.IP, uint16(udpAddr.Port))})
	}
	return out
}

// Close stops all background goroutines and closes the socket.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sock.Close()
	e.wg.Wait()
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			guard, err := e.locks.Acquire(ctx, lockmgr.NewHolder(), e.rTx, lockmgr.Exclusive, time.Second)
			if err != nil {
				continue
			}
			results := e.Txs.Sweep(time.Now())
			guard.Release()
			for _, r := range results {
				if r.Retry != nil {
					e.resend(r.Retry)
				}
				if r.Failed != nil {
					e.Table.MarkQueryFailed(mustNodeID(r.Failed.Target))
					r.Failed.Continuation(nil, errs.ErrTimeout)
				}
			}
		}
	}
}

func mustNodeID(hex string) ids.NodeID {
	n, err := ids.NodeIDFromHex(hex)
	if err != nil {
		return ids.NodeID{}
	}
	return n
}

func (e *Engine) resend(tx *Transaction) {
	msg := &Message{T: tx.ID.String(), Y: "q", Q: string(tx.Kind), A: &Arguments{ID: e.local.String(), Target: tx.Target, InfoHash: tx.Target}}
	b, err := Encode(msg)
	if err != nil {
		return
	}
	if _, err := e.sock.WriteTo(b, tx.Dest.UDPAddr()); err != nil {
		e.log.Debugf("dht resend failed: %v", err)
	}
}

// query sends a single query and blocks for its matching response or
// timeout, implementing the QueryFunc signature Lookup needs.
func (e *Engine) query(ctx context.Context, kind QueryKind, dest netutil.Endpoint, args *Arguments) (*Message, error) {
	respCh := make(chan *Message, 1)
	errCh := make(chan error, 1)

	guard, err := e.locks.Acquire(ctx, lockmgr.NewHolder(), e.rTx, lockmgr.Exclusive, time.Second)
	if err != nil {
		return nil, err
	}
	target := args.Target
	if target == "" {
		target = args.InfoHash
	}
	txid := e.Txs.Register(kind, target, dest, dflt(e.cfg.QueryTimeout, 5*time.Second), func(m *Message, err error) {
		if err != nil {
			errCh <- err
			return
		}
		respCh <- m
	})
	guard.Release()

	args.ID = e.local.String()
	msg := &Message{T: txid.String(), Y: "q", Q: string(kind), A: args}
	b, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if _, err := e.sock.WriteTo(b, dest.UDPAddr()); err != nil {
		return nil, err
	}

	select {
	case m := <-respCh:
		return m, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) newLookup(kind QueryKind, earlyExit bool) *Lookup {
	return &Lookup{
		Target:           e.local,
		Kind:             kind,
		Alpha:            dfltInt(e.cfg.LookupAlpha, DefaultAlpha),
		K:                dfltInt(e.cfg.LookupK, DefaultK),
		Budget:           dflt(e.cfg.LookupBudget, 30*time.Second),
		EarlyExitOnPeers: earlyExit,
		Query: func(ctx context.Context, dest netutil.Endpoint) (*Message, error) {
			return e.query(ctx, kind, dest, &Arguments{Target: e.local.String()})
		},
	}
}

func dfltInt(n, fallback int) int {
	if n == 0 {
		return fallback
	}
	return n
}

// GetPeers runs an iterative get_peers lookup for ih, seeded from the
// current routing table's closest nodes (spec.md §4.3.3).
func (e *Engine) GetPeers(ctx context.Context, ih ids.InfoHash) Result {
	lk := &Lookup{
		Target:           ids.NodeID(ih),
		Kind:             QueryGetPeers,
		Alpha:            dfltInt(e.cfg.LookupAlpha, DefaultAlpha),
		K:                dfltInt(e.cfg.LookupK, DefaultK),
		Budget:           dflt(e.cfg.LookupBudget, 30*time.Second),
		EarlyExitOnPeers: true,
		Query: func(ctx context.Context, dest netutil.Endpoint) (*Message, error) {
			return e.query(ctx, QueryGetPeers, dest, &Arguments{InfoHash: ih.String()})
		},
		OnPeerDiscovered: func(ep netutil.Endpoint) {
			e.bus.Publish(eventbus.PeerDiscovered{
				EventBase:   eventbus.NewBase(eventbus.TagPeerDiscovered, "", time.Now()),
				InfoHashHex: ih.String(),
				Address:     ep.String(),
			})
		},
	}
	seed := e.Table.Closest(ids.NodeID(ih), lk.K)
	var seedInfo []NodeInfo
	for _, n := range seed {
		seedInfo = append(seedInfo, NodeInfo{ID: n.ID, Endpoint: n.Endpoint})
	}
	return lk.Run(ctx, seedInfo)
}

// handlePacket decodes one inbound datagram and dispatches it as a
// query or a response, grounded on STX5-dht's processPacket switch on
// r.Y == "r" / "q".
func (e *Engine) handlePacket(addr *net.UDPAddr, raw []byte) {
	ip := addr.IP.String()
	if !e.throttle.Admit(ip) {
		return
	}
	msg, err := Decode(raw)
	if err != nil {
		e.throttle.RecordMalformed(ip)
		return
	}
	switch msg.Y {
	case "r":
		e.handleResponse(addr, msg)
	case "q":
		e.handleQuery(addr, msg)
	}
}

func (e *Engine) handleResponse(addr *net.UDPAddr, msg *Message) {
	if msg.R == nil {
		return
	}
	var txid TxID
	copy(txid[:], msg.T)
	tx, ok := e.Txs.Resolve(txid)
	if !ok {
		return
	}
	responderID, err := ids.NodeIDFromBytes([]byte(msg.R.ID))
	if err != nil {
		responderID, err = ids.NodeIDFromHex(msg.R.ID)
	}
	if err == nil {
		ep := netutil.NewEndpoint(addr.IP, uint16(addr.Port))
		outcome, stale := e.Table.Insert(Node{ID: responderID, Endpoint: ep, LastSeen: time.Now(), LastResponded: time.Now(), Status: Good})
		if outcome == Inserted {
			e.bus.Publish(eventbus.NodeDiscovered{
				EventBase: eventbus.NewBase(eventbus.TagNodeDiscovered, "", time.Now()),
				NodeIDHex: responderID.String(),
				Address:   ep.String(),
				Status:    Good.String(),
			})
		}
		if outcome == NeedsPing {
			e.pingThenResolve(Node{ID: responderID, Endpoint: ep}, stale)
		}
	}
	tx.Continuation(msg, nil)
}

func (e *Engine) pingThenResolve(candidate Node, stale *Node) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dflt(e.cfg.QueryTimeout, 5*time.Second))
		defer cancel()
		_, err := e.query(ctx, QueryPing, stale.Endpoint, &Arguments{})
		e.Table.ResolvePing(candidate, stale.ID, err == nil)
	}()
}

func (e *Engine) handleQuery(addr *net.UDPAddr, msg *Message) {
	if msg.A == nil {
		return
	}
	switch QueryKind(msg.Q) {
	case QueryPing:
		e.replyPing(addr, msg)
	case QueryFindNode:
		e.replyFindNode(addr, msg)
	case QueryGetPeers:
		e.replyGetPeers(addr, msg)
	case QueryAnnouncePeer:
		e.replyAnnouncePeer(addr, msg)
	}
}

func (e *Engine) send(addr *net.UDPAddr, m *Message) {
	b, err := Encode(m)
	if err != nil {
		return
	}
	if _, err := e.sock.WriteTo(b, addr); err != nil {
		e.log.Debugf("dht send failed: %v", err)
	}
}

func (e *Engine) replyPing(addr *net.UDPAddr, q *Message) {
	e.send(addr, &Message{T: q.T, Y: "r", R: &Reply{ID: e.local.String()}})
}

func (e *Engine) replyFindNode(addr *net.UDPAddr, q *Message) {
	target, err := ids.NodeIDFromHex(q.A.Target)
	if err != nil {
		return
	}
	nodes := e.Table.Closest(target, DefaultK)
	e.send(addr, &Message{T: q.T, Y: "r", R: &Reply{ID: e.local.String(), Nodes: EncodeNodes(toNodeInfo(nodes))}})
}

func toNodeInfo(nodes []Node) []NodeInfo {
	out := make([]NodeInfo, len(nodes))
	for i, n := range nodes {
		out[i] = NodeInfo{ID: n.ID, Endpoint: n.Endpoint}
	}
	return out
}

// replyGetPeers implements passive harvesting (spec.md §4.3.6): it
// emits InfoHashSeen (deduplicated per source IP/window) and answers
// with the closest nodes plus a fresh token; the reply never carries a
// "values" peer list. Building the reply touches two lockmgr-registered resources
// - the routing table (R1, Normal) and the token secrets (R4, High) -
// so one Holder is threaded across both acquisitions in the
// increasing-priority order spec.md §5 requires.
func (e *Engine) replyGetPeers(addr *net.UDPAddr, q *Message) {
	ih, err := ids.InfoHashFromHex(q.A.InfoHash)
	if err != nil {
		return
	}
	if e.Harvester.Observe(ih, addr.IP.String(), time.Now()) {
		e.bus.Publish(eventbus.InfoHashSeen{
			EventBase:   eventbus.NewBase(eventbus.TagInfoHashSeen, "", time.Now()),
			InfoHashHex: ih.String(),
			Source:      addr.String(),
		})
	}

	holder := lockmgr.NewHolder()
	ctx := context.Background()

	var nodes []Node
	if guard, err := e.locks.Acquire(ctx, holder, e.rTbl, lockmgr.Shared, time.Second); err == nil {
		nodes = e.Table.Closest(ids.NodeID(ih), DefaultK)
		guard.Release()
	}

	var token []byte
	if guard, err := e.locks.Acquire(ctx, holder, e.rTok, lockmgr.Shared, time.Second); err == nil {
		token = e.Tokens.Issue(addr.IP.String())
		guard.Release()
	}

	e.send(addr, &Message{T: q.T, Y: "r", R: &Reply{
		ID:    e.local.String(),
		Nodes: EncodeNodes(toNodeInfo(nodes)),
		Token: string(token),
	}})
}

// replyAnnouncePeer validates the token and, on success, admits the
// reporting peer for ih unconditionally - preserving the
// teacher-lineage "unconditional peer-add" behavior spec.md §9 calls
// out, not gating on any additional dedup policy here. The announced
// port is either the packet's source port (when implied_port is set,
// per BEP 5) or the explicit port argument.
func (e *Engine) replyAnnouncePeer(addr *net.UDPAddr, q *Message) {
	if !e.Tokens.Verify(addr.IP.String(), []byte(q.A.Token)) {
		return
	}
	ih, err := ids.InfoHashFromHex(q.A.InfoHash)
	if err != nil {
		return
	}
	if e.Harvester.Observe(ih, addr.IP.String(), time.Now()) {
		e.bus.Publish(eventbus.InfoHashSeen{
			EventBase:   eventbus.NewBase(eventbus.TagInfoHashSeen, "", time.Now()),
			InfoHashHex: ih.String(),
			Source:      addr.String(),
		})
	}

	port := q.A.Port
	if q.A.ImpliedPort != 0 {
		port = addr.Port
	}
	peerEp := netutil.NewEndpoint(addr.IP, uint16(port))
	if e.Harvester.AddPeer(ih, peerEp) {
		e.bus.Publish(eventbus.PeerDiscovered{
			EventBase:   eventbus.NewBase(eventbus.TagPeerDiscovered, "", time.Now()),
			InfoHashHex: ih.String(),
			Address:     peerEp.String(),
		})
	}

	e.send(addr, &Message{T: q.T, Y: "r", R: &Reply{ID: e.local.String()}})
}

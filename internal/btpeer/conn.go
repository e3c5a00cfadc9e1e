// Package btpeer implements BitScrape's BitTorrent peer connection
// state machine and metadata-only exchange (spec.md §4.4): the BEP 3
// handshake, BEP 10 extension handshake, and BEP 9 ut_metadata
// transfer. Grounded on the teacher's torrent/internal/peerconn/
// peer.go (reader/writer goroutine pair, Run/Close shutdown
// handshake) and internal/btconn/conn.go (dial/accept split), adapted
// per spec.md §1's "never exchange piece payload" non-goal: there is
// no piece/block/bitfield machinery here, only the metadata path.
package btpeer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/Jayian1890/bitscrape/internal/errs"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/logger"
)

// protocolString is BEP 3's fixed protocol identifier.
const protocolString = "BitTorrent protocol"

const (
	handshakeLen = 68

	// extensionBitByte/extensionBitMask mark support for BEP 10 in the
	// handshake's 8 reserved bytes (bit 20 counting from the right).
	extensionBitByte = 5
	extensionBitMask = 0x10
)

// State is the peer connection's lifecycle position, per spec.md
// §4.4.1: Disconnected -> Connecting -> Handshaking -> Connected ->
// Disconnecting.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// countingConn wraps a net.Conn with atomic byte counters so the
// manager can report periodic bandwidth telemetry without threading
// counters through every handshake/message helper.
type countingConn struct {
	net.Conn
	sent uint64
	recv uint64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		atomic.AddUint64(&c.recv, uint64(n))
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		atomic.AddUint64(&c.sent, uint64(n))
	}
	return n, err
}

func (c *countingConn) bandwidthSample() (sent, recv uint64) {
	return atomic.LoadUint64(&c.sent), atomic.LoadUint64(&c.recv)
}

// Conn is one peer connection, carried from dial through handshake and
// extension negotiation to a ready-for-metadata-exchange state.
type Conn struct {
	netConn  *countingConn
	state    State
	LocalID  [20]byte
	RemoteID [20]byte
	InfoHash ids.InfoHash

	// ExtensionIDs maps an extension name (e.g. "ut_metadata") to the
	// peer-assigned message ID it expects that extension tagged with,
	// learned from the peer's extension handshake dict.
	ExtensionIDs map[string]byte
	MetadataSize int

	log     logger.Logger
	closeC  chan struct{}
	closedC chan struct{}
}

// Dial opens a TCP connection to addr and drives it through the BEP 3
// and BEP 10 handshakes, returning a Conn in StateConnected. Bounded by
// connectTimeout for the dial and handshakeTimeout for the protocol
// exchange, per spec.md §4.4.1's per-state timeouts.
func Dial(ctx context.Context, addr string, infoHash ids.InfoHash, localID [20]byte, connectTimeout, handshakeTimeout time.Duration, l logger.Logger) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	d := net.Dialer{}
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := newConn(nc, infoHash, localID, l)
	c.state = StateConnecting
	if err := c.handshake(handshakeTimeout); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept wraps an inbound net.Conn (already accepted by a listener)
// and drives the same handshake sequence as Dial, verifying the
// infohash the remote peer declares matches one we're interested in
// via the wantInfoHash callback.
func Accept(nc net.Conn, localID [20]byte, handshakeTimeout time.Duration, wantInfoHash func(ids.InfoHash) bool, l logger.Logger) (*Conn, error) {
	c := newConn(nc, ids.InfoHash{}, localID, l)
	c.state = StateConnecting
	if err := c.acceptHandshake(handshakeTimeout, wantInfoHash); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func newConn(nc net.Conn, infoHash ids.InfoHash, localID [20]byte, l logger.Logger) *Conn {
	return &Conn{
		netConn:      &countingConn{Conn: nc},
		state:        StateDisconnected,
		LocalID:      localID,
		InfoHash:     infoHash,
		ExtensionIDs: make(map[string]byte),
		log:          l,
		closeC:       make(chan struct{}),
		closedC:      make(chan struct{}),
	}
}

func (c *Conn) State() State         { return c.state }
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }
func (c *Conn) String() string       { return c.netConn.RemoteAddr().String() }

// BandwidthSample returns the cumulative bytes sent and received over
// this connection's lifetime.
func (c *Conn) BandwidthSample() (sent, recv uint64) { return c.netConn.bandwidthSample() }

// Close drops the underlying connection. Idempotent.
func (c *Conn) Close() error {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	c.state = StateDisconnecting
	return c.netConn.Close()
}

// handshake performs the outbound (dialer's) side of BEP 3 + BEP 10:
// send our handshake and extension handshake, then read and validate
// the peer's.
func (c *Conn) handshake(timeout time.Duration) error {
	c.state = StateHandshaking
	c.netConn.SetDeadline(time.Now().Add(timeout))
	defer c.netConn.SetDeadline(time.Time{})

	if err := writeHandshake(c.netConn, c.InfoHash, c.LocalID); err != nil {
		return err
	}
	remoteID, infoHash, extensions, err := readHandshake(c.netConn)
	if err != nil {
		return err
	}
	if infoHash != c.InfoHash {
		return errs.ErrHandshakeMismatch
	}
	c.RemoteID = remoteID
	if !extensions {
		return errs.ErrExtensionMissing
	}

	if err := sendExtensionHandshake(c.netConn); err != nil {
		return err
	}
	peerExt, metadataSize, err := readExtensionHandshake(c.netConn)
	if err != nil {
		return err
	}
	if _, ok := peerExt["ut_metadata"]; !ok {
		return errs.ErrExtensionMissing
	}
	if metadataSize != 0 && (metadataSize < 1 || metadataSize > 16*1024*1024) {
		return errs.ErrMetadataSizeBounds
	}
	c.ExtensionIDs = peerExt
	c.MetadataSize = metadataSize
	c.state = StateConnected
	return nil
}

// acceptHandshake performs the inbound (listener's) side: read the
// peer's handshake first (its infohash tells us which swarm it's
// after), then reply in kind.
func (c *Conn) acceptHandshake(timeout time.Duration, wantInfoHash func(ids.InfoHash) bool) error {
	c.state = StateHandshaking
	c.netConn.SetDeadline(time.Now().Add(timeout))
	defer c.netConn.SetDeadline(time.Time{})

	remoteID, infoHash, extensions, err := readHandshake(c.netConn)
	if err != nil {
		return err
	}
	if !wantInfoHash(infoHash) {
		return errs.ErrHandshakeMismatch
	}
	c.InfoHash = infoHash
	c.RemoteID = remoteID
	if err := writeHandshake(c.netConn, c.InfoHash, c.LocalID); err != nil {
		return err
	}
	if !extensions {
		return errs.ErrExtensionMissing
	}

	peerExt, metadataSize, err := readExtensionHandshake(c.netConn)
	if err != nil {
		return err
	}
	if err := sendExtensionHandshake(c.netConn); err != nil {
		return err
	}
	if _, ok := peerExt["ut_metadata"]; !ok {
		return errs.ErrExtensionMissing
	}
	c.ExtensionIDs = peerExt
	c.MetadataSize = metadataSize
	c.state = StateConnected
	return nil
}

func writeHandshake(w io.Writer, infoHash ids.InfoHash, localID [20]byte) error {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolString))
	copy(buf[1:20], protocolString)
	buf[20+extensionBitByte] |= extensionBitMask
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], localID[:])
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (remoteID [20]byte, infoHash ids.InfoHash, extensions bool, err error) {
	buf := make([]byte, handshakeLen)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	if int(buf[0]) != len(protocolString) || string(buf[1:20]) != protocolString {
		err = fmt.Errorf("btpeer: unsupported protocol handshake")
		return
	}
	extensions = buf[20+extensionBitByte]&extensionBitMask != 0
	infoHash, err = ids.InfoHashFromBytes(buf[28:48])
	if err != nil {
		return
	}
	copy(remoteID[:], buf[48:68])
	return
}

// writeMessage/readMessage implement the standard 4-byte big-endian
// length-prefixed peer wire message framing used after the BEP 3
// handshake for every subsequent message.
func writeMessage(w io.Writer, id byte, payload []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)+1))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if _, err := w.Write([]byte{id}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readMessage reads one length-prefixed message, skipping zero-length
// keep-alives. Returns the message ID and its payload.
func readMessage(r io.Reader) (byte, []byte, error) {
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return 0, nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n == 0 {
			continue // keep-alive
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
		return body[0], body[1:], nil
	}
}

package netio

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/Jayian1890/bitscrape/internal/logger"
)

// MaxUDPPacketSize is the largest datagram the DHT engine expects to
// receive; oversized reads are truncated by net.UDPConn itself.
const MaxUDPPacketSize = 8192

// Packet is one received UDP datagram, paired with its sender address
// and the arena buffer that backs Bytes - callers must call Release
// once done decoding, mirroring STX5-dht's remoteNode.PacketType /
// bytesArena.Push(p.B) pairing.
type Packet struct {
	Bytes []byte
	Addr  *net.UDPAddr
	arena *Arena
}

// Release returns the packet's buffer to its arena. Safe to call at
// most once per packet.
func (p Packet) Release() {
	if p.arena != nil {
		p.arena.Push(p.Bytes)
	}
}

// Socket wraps a UDP connection with an arena-backed read loop that
// pushes packets onto a channel, grounded on STX5-dht's
// remoteNode.ReadFromSocket goroutine.
type Socket struct {
	conn  *net.UDPConn
	arena *Arena
	log   logger.Logger

	bytesSent uint64
	bytesRecv uint64
}

// Listen binds a UDP socket on addr (host:port, port 0 for ephemeral).
func Listen(addr string) (*Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Socket{
		conn:  conn,
		arena: NewArena(MaxUDPPacketSize, 3),
		log:   logger.New("netio"),
	}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Close closes the underlying connection, unblocking any in-flight
// ReadFromUDP call in the receive loop.
func (s *Socket) Close() error { return s.conn.Close() }

// WriteTo sends b to addr.
func (s *Socket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	n, err := s.conn.WriteToUDP(b, addr)
	if n > 0 {
		atomic.AddUint64(&s.bytesSent, uint64(n))
	}
	return n, err
}

// BandwidthSample returns the cumulative bytes sent and received on
// this socket since it was opened, for periodic telemetry emission.
func (s *Socket) BandwidthSample() (sent, recv uint64) {
	return atomic.LoadUint64(&s.bytesSent), atomic.LoadUint64(&s.bytesRecv)
}

// ReadLoop reads packets until ctx is cancelled or the socket closes,
// pushing each onto out. The caller must drain out and call
// Packet.Release on every received packet.
func (s *Socket) ReadLoop(ctx context.Context, out chan<- Packet) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	for {
		buf := s.arena.Get()
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Debugf("udp read error: %v", err)
				return
			}
		}
		atomic.AddUint64(&s.bytesRecv, uint64(n))
		select {
		case out <- Packet{Bytes: buf[:n], Addr: addr, arena: s.arena}:
		case <-ctx.Done():
			return
		}
	}
}

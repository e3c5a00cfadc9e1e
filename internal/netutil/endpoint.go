// Package netutil implements BitScrape's Endpoint value type and the
// BEP 5 compact node/peer binary formats, grounded on STX5-dht's
// dht.go util.DottedPortToBinary / BinaryToDottedPort helpers.
package netutil

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/Jayian1890/bitscrape/internal/errs"
)

// Endpoint is a comparable (address, port) pair. IPv4 addresses are
// stored in 4-byte form and IPv6 in 16-byte form so two Endpoints
// compare equal with ==.
type Endpoint struct {
	IP   [16]byte
	Is4  bool
	Port uint16
}

func NewEndpoint(ip net.IP, port uint16) Endpoint {
	var e Endpoint
	e.Port = port
	if v4 := ip.To4(); v4 != nil {
		e.Is4 = true
		copy(e.IP[12:], v4)
		return e
	}
	copy(e.IP[:], ip.To16())
	return e
}

func (e Endpoint) NetIP() net.IP {
	if e.Is4 {
		return net.IP(e.IP[12:16])
	}
	return net.IP(e.IP[:])
}

func (e Endpoint) String() string {
	return (&net.UDPAddr{IP: e.NetIP(), Port: int(e.Port)}).String()
}

func (e Endpoint) UDPAddr() *net.UDPAddr { return &net.UDPAddr{IP: e.NetIP(), Port: int(e.Port)} }
func (e Endpoint) TCPAddr() *net.TCPAddr { return &net.TCPAddr{IP: e.NetIP(), Port: int(e.Port)} }

// ParseEndpoint is Endpoint.String's inverse, for collaborators that
// receive an address as the eventbus' stringified "host:port" form and
// need it back as an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, errs.ErrInvalidEndpoint
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Endpoint{}, errs.ErrInvalidEndpoint
	}
	return NewEndpoint(ip, uint16(p)), nil
}

// CompactPeer returns the 6-byte (IPv4) or 18-byte (IPv6) compact peer
// format used in get_peers "values" and announce_peer.
func (e Endpoint) CompactPeer() []byte {
	if e.Is4 {
		b := make([]byte, 6)
		copy(b, e.IP[12:16])
		binary.BigEndian.PutUint16(b[4:], e.Port)
		return b
	}
	b := make([]byte, 18)
	copy(b, e.IP[:])
	binary.BigEndian.PutUint16(b[16:], e.Port)
	return b
}

// ParseCompactPeer parses the 6-byte or 18-byte compact peer format.
func ParseCompactPeer(b []byte) (Endpoint, error) {
	switch len(b) {
	case 6:
		return Endpoint{Is4: true, IP: ipv4To16(b[:4]), Port: binary.BigEndian.Uint16(b[4:6])}, nil
	case 18:
		var ip [16]byte
		copy(ip[:], b[:16])
		return Endpoint{Is4: false, IP: ip, Port: binary.BigEndian.Uint16(b[16:18])}, nil
	default:
		return Endpoint{}, errs.ErrInvalidLength
	}
}

func ipv4To16(b []byte) [16]byte {
	var ip [16]byte
	copy(ip[12:], b)
	return ip
}

// ParseCompactPeers splits a concatenated compact-peer string into
// individual Endpoints, matching BEP 5's "values" list encoding.
func ParseCompactPeers(b []byte, v6 bool) []Endpoint {
	size := 6
	if v6 {
		size = 18
	}
	var out []Endpoint
	for i := 0; i+size <= len(b); i += size {
		if e, err := ParseCompactPeer(b[i : i+size]); err == nil {
			out = append(out, e)
		}
	}
	return out
}

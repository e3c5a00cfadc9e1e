// Package ids implements BitScrape's 160-bit identifiers: NodeID and
// InfoHash. Both are opaque 20-byte values, ordered lexicographically,
// with an XOR distance metric, grounded on STX5-dht's dht.go
// util.InfoHash (a string-keyed 20-byte identifier with HashDistance),
// reworked into a fixed-size comparable array type and strict hex
// parsing per spec.md §9.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/Jayian1890/bitscrape/internal/errs"
)

const Size = 20

// ID is the shared 160-bit representation for both NodeID and
// InfoHash; the two are distinguished only by the wrapper type so the
// compiler catches mixing them up.
type ID [Size]byte

// NodeID identifies a DHT participant.
type NodeID ID

// InfoHash identifies a torrent (SHA-1 of the bencoded info dict).
type InfoHash ID

// Random generates an ID from a cryptographically strong source.
func randomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// RandomNodeID generates a random NodeID.
func RandomNodeID() (NodeID, error) {
	id, err := randomID()
	return NodeID(id), err
}

// RandomInfoHash generates a random InfoHash (used in tests and for
// find_node(random_id_in_prefix) refreshes).
func RandomInfoHash() (InfoHash, error) {
	id, err := randomID()
	return InfoHash(id), err
}

// FromBytes constructs an ID from a raw 20-byte slice.
func fromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, errs.ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

func NodeIDFromBytes(b []byte) (NodeID, error) {
	id, err := fromBytes(b)
	return NodeID(id), err
}

func InfoHashFromBytes(b []byte) (InfoHash, error) {
	id, err := fromBytes(b)
	return InfoHash(id), err
}

// fromHex strictly parses a 40-character lowercase hex string. Any
// non-hex byte, wrong length, or uppercase character is rejected -
// this implementation does not accept the subtly-malformed strings
// spec.md §9 says a prior test suite let through.
func fromHex(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return id, errs.ErrInvalidLength
	}
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		if !isDigit && !isLowerHex {
			return id, errs.ErrInvalidEncoding
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errs.ErrInvalidEncoding
	}
	copy(id[:], b)
	return id, nil
}

func NodeIDFromHex(s string) (NodeID, error) {
	id, err := fromHex(s)
	return NodeID(id), err
}

func InfoHashFromHex(s string) (InfoHash, error) {
	id, err := fromHex(s)
	return InfoHash(id), err
}

func (id NodeID) Bytes() []byte  { b := make([]byte, Size); copy(b, id[:]); return b }
func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

func (ih InfoHash) Bytes() []byte  { b := make([]byte, Size); copy(b, ih[:]); return b }
func (ih InfoHash) String() string { return hex.EncodeToString(ih[:]) }

// Less orders IDs lexicographically over their raw bytes.
func (id NodeID) Less(other NodeID) bool { return lessBytes(id[:], other[:]) }
func (ih InfoHash) Less(other InfoHash) bool { return lessBytes(ih[:], other[:]) }

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// DistanceNodeInfoHash computes the XOR distance between a NodeID and
// an InfoHash - the core operation driving every k-bucket and lookup
// ordering decision.
func DistanceNodeInfoHash(a NodeID, b InfoHash) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Distance computes the XOR distance between two NodeIDs.
func Distance(a, b NodeID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance returns -1, 0, 1 according to whether distance(a,target)
// is less than, equal to, or greater than distance(b,target).
func CompareDistance(a, b, target NodeID) int {
	da := Distance(a, target)
	db := Distance(b, target)
	for i := 0; i < Size; i++ {
		if da[i] != db[i] {
			if da[i] < db[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Bit returns the value (0 or 1) of the bit at the given index, where
// index 0 is the most significant bit of byte 0. Used to descend the
// routing table's bucket tree.
func (id NodeID) Bit(index int) int {
	byteIdx := index / 8
	bitIdx := uint(7 - index%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

package crawler

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Jayian1890/bitscrape/internal/dht"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

// snapshotKey is the single key the routing-table snapshot is stored
// under inside snapshotBucketName; there is only ever one snapshot per
// session database.
var snapshotKey = []byte("snapshot")

// recordSize is one (NodeID, Endpoint, last_seen) tuple's encoded
// length: a 20-byte NodeID, a 1-byte IPv4/IPv6 flag, a 16-byte IP, a
// 2-byte port, and an 8-byte Unix-seconds timestamp.
const recordSize = ids.Size + 1 + 16 + 2 + 8

// snapshotCap is spec.md §6's persistent-state-layout bound: the
// routing-table snapshot never exceeds 32 KiB on disk.
const snapshotCap = 32 * 1024

// saveSnapshot persists the most-recently-seen nodes, truncated to
// snapshotCap, as a flat array of fixed-size records.
func saveSnapshot(db *bolt.DB, nodes []dht.Node) error {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].LastSeen.After(nodes[j].LastSeen) })

	maxRecords := snapshotCap / recordSize
	if len(nodes) > maxRecords {
		nodes = nodes[:maxRecords]
	}

	buf := make([]byte, 0, len(nodes)*recordSize)
	for _, n := range nodes {
		buf = append(buf, encodeRecord(n)...)
	}

	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucketName).Put(snapshotKey, buf)
	})
}

// loadSnapshot reads back whatever saveSnapshot last wrote, returning
// an empty slice (not an error) when no snapshot has been saved yet.
func loadSnapshot(db *bolt.DB) ([]dht.Node, error) {
	var raw []byte
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucketName).Get(snapshotKey)
		if v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []dht.Node
	for off := 0; off+recordSize <= len(raw); off += recordSize {
		out = append(out, decodeRecord(raw[off:off+recordSize]))
	}
	return out, nil
}

func encodeRecord(n dht.Node) []byte {
	rec := make([]byte, recordSize)
	copy(rec[0:ids.Size], n.ID.Bytes())
	off := ids.Size
	if n.Endpoint.Is4 {
		rec[off] = 1
	}
	off++
	copy(rec[off:off+16], n.Endpoint.IP[:])
	off += 16
	binary.BigEndian.PutUint16(rec[off:off+2], n.Endpoint.Port)
	off += 2
	binary.BigEndian.PutUint64(rec[off:off+8], uint64(n.LastSeen.Unix()))
	return rec
}

func decodeRecord(rec []byte) dht.Node {
	var n dht.Node
	id, _ := ids.NodeIDFromBytes(rec[0:ids.Size])
	n.ID = id
	off := ids.Size
	is4 := rec[off] == 1
	off++
	var ip [16]byte
	copy(ip[:], rec[off:off+16])
	off += 16
	port := binary.BigEndian.Uint16(rec[off : off+2])
	off += 2
	n.Endpoint = netutil.Endpoint{IP: ip, Is4: is4, Port: port}
	ts := int64(binary.BigEndian.Uint64(rec[off : off+8]))
	n.LastSeen = time.Unix(ts, 0)
	n.Status = dht.Good
	return n
}

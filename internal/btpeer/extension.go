package btpeer

import (
	"io"

	"github.com/zeebo/bencode"
)

// extendedMessageID is BEP 10's reserved peer-wire message ID for
// every extended message; extendedHandshakeID (0) is reserved within
// that namespace for the handshake dict itself.
const (
	extendedMessageID   = 20
	extendedHandshakeID = 0

	// localUTMetadataID is the message ID BitScrape assigns to
	// ut_metadata in its own extension handshake dict; arbitrary but
	// fixed, matching the teacher's peerprotocol.ExtensionIDHandshake
	// naming convention for the handshake's own ID 0.
	localUTMetadataID = 1
)

// extensionHandshake is the bencoded BEP 10 handshake payload, grounded
// on the teacher's peerprotocol.NewExtensionHandshake (session/run.go)
// which carries M, V and MetadataSize fields.
type extensionHandshake struct {
	M            map[string]int `bencode:"m"`
	V            string         `bencode:"v,omitempty"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
}

func sendExtensionHandshake(w io.Writer) error {
	hs := extensionHandshake{
		M: map[string]int{"ut_metadata": localUTMetadataID},
		V: "bitscrape/1.0",
	}
	body, err := bencode.EncodeBytes(&hs)
	if err != nil {
		return err
	}
	payload := append([]byte{extendedHandshakeID}, body...)
	return writeMessage(w, extendedMessageID, payload)
}

// readExtensionHandshake reads peer-wire messages until it sees the
// extended handshake (id 20, sub-id 0), returning the peer's
// extension-name -> message-ID table and declared metadata size.
func readExtensionHandshake(r io.Reader) (map[string]byte, int, error) {
	for {
		id, payload, err := readMessage(r)
		if err != nil {
			return nil, 0, err
		}
		if id != extendedMessageID || len(payload) == 0 || payload[0] != extendedHandshakeID {
			continue
		}
		var hs extensionHandshake
		if err := bencode.DecodeBytes(payload[1:], &hs); err != nil {
			return nil, 0, err
		}
		out := make(map[string]byte, len(hs.M))
		for name, msgID := range hs.M {
			out[name] = byte(msgID)
		}
		return out, hs.MetadataSize, nil
	}
}

package dht

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/netutil"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	msg := &Message{T: "aa", Y: "q", Q: "ping", A: &Arguments{ID: "01234567890123456789"}}
	b, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, "aa", decoded.T)
	require.Equal(t, "q", decoded.Y)
	require.Equal(t, "ping", decoded.Q)
	require.Equal(t, "01234567890123456789", decoded.A.ID)
}

func TestDecodeRejectsNonBencodePacket(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	require.Error(t, err)
}

func TestDecodeRejectsEmptyPacket(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}

func TestEncodeDecodeNodesRoundTrip(t *testing.T) {
	n1, _ := ids.RandomNodeID()
	n2, _ := ids.RandomNodeID()
	nodes := []NodeInfo{
		{ID: n1, Endpoint: netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6881)},
		{ID: n2, Endpoint: netutil.NewEndpoint([]byte{10, 0, 0, 2}, 6882)},
	}
	packed := EncodeNodes(nodes)
	decoded := DecodeNodes(packed)
	require.Len(t, decoded, 2)
	require.Equal(t, nodes[0].ID, decoded[0].ID)
	require.Equal(t, nodes[1].ID, decoded[1].ID)
}

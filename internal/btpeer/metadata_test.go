package btpeer

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/Jayian1890/bitscrape/internal/errs"
	"github.com/Jayian1890/bitscrape/internal/ids"
)

// fakePeerServer plays the role of the remote ut_metadata responder:
// it answers every request with the corresponding slice of info,
// or with corrupted bytes when corrupt is true - grounded on spec.md
// §8 scenarios S5 (successful exchange) and S6 (hash mismatch).
func fakePeerServer(t *testing.T, conn net.Conn, info []byte, corrupt bool) {
	t.Helper()
	for {
		id, payload, err := readMessage(conn)
		if err != nil {
			return
		}
		if id != extendedMessageID || len(payload) == 0 {
			continue
		}
		dictLen, err := bencodeDictLen(payload[1:])
		require.NoError(t, err)
		var msg metadataMessage
		require.NoError(t, bencode.DecodeBytes(payload[1:1+dictLen], &msg))
		require.Equal(t, metadataRequest, msg.MsgType)

		begin := msg.Piece * blockSize
		end := begin + blockSize
		if end > len(info) {
			end = len(info)
		}
		data := make([]byte, end-begin)
		copy(data, info[begin:end])
		if corrupt {
			data[0] ^= 0xFF
		}

		reply := metadataMessage{MsgType: metadataData, Piece: msg.Piece, TotalSize: len(info)}
		body, err := bencode.EncodeBytes(&reply)
		require.NoError(t, err)
		out := append([]byte{localUTMetadataID}, body...)
		out = append(out, data...)
		require.NoError(t, writeMessage(conn, extendedMessageID, out))
	}
}

func TestMetadataExchangeAssemblesAndVerifiesHash(t *testing.T) {
	info := make([]byte, 40000)
	_, err := rand.Read(info)
	require.NoError(t, err)
	ih := ids.InfoHash(sha1.Sum(info))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakePeerServer(t, serverConn, info, false)

	conn := &Conn{
		netConn:      &countingConn{Conn: clientConn},
		InfoHash:     ih,
		ExtensionIDs: map[string]byte{"ut_metadata": 9},
		MetadataSize: len(info),
	}
	ex, err := NewExchange(conn, 4)
	require.NoError(t, err)

	result, err := ex.Run(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, info, result)
}

func TestMetadataExchangeHashMismatchFails(t *testing.T) {
	info := make([]byte, 20000)
	_, err := rand.Read(info)
	require.NoError(t, err)
	ih := ids.InfoHash(sha1.Sum(info))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakePeerServer(t, serverConn, info, true)

	conn := &Conn{
		netConn:      &countingConn{Conn: clientConn},
		InfoHash:     ih,
		ExtensionIDs: map[string]byte{"ut_metadata": 9},
		MetadataSize: len(info),
	}
	ex, err := NewExchange(conn, 4)
	require.NoError(t, err)

	_, err = ex.Run(context.Background(), 5*time.Second)
	require.ErrorIs(t, err, errs.ErrHashMismatch)
}

package btpeer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/logger"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestHandshakeRoundTrip(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	ih, _ := ids.RandomInfoHash()
	var serverID [20]byte
	copy(serverID[:], "server-peer-id-12345")
	var clientID [20]byte
	copy(clientID[:], "client-peer-id-12345")

	serverDone := make(chan *Conn, 1)
	go func() {
		nc, err := ln.Accept()
		require.NoError(t, err)
		c, err := Accept(nc, serverID, time.Second, func(got ids.InfoHash) bool { return got == ih }, logger.New("test"))
		require.NoError(t, err)
		serverDone <- c
	}()

	client, err := Dial(context.Background(), ln.Addr().String(), ih, clientID, time.Second, time.Second, logger.New("test"))
	require.NoError(t, err)
	defer client.Close()

	server := <-serverDone
	defer server.Close()

	require.Equal(t, StateConnected, client.State())
	require.Equal(t, StateConnected, server.State())
	require.Equal(t, serverID, client.RemoteID)
	require.Equal(t, clientID, server.RemoteID)
	_, ok := client.ExtensionIDs["ut_metadata"]
	require.True(t, ok)
	_, ok = server.ExtensionIDs["ut_metadata"]
	require.True(t, ok)

	sent, recv := client.BandwidthSample()
	require.Greater(t, sent, uint64(0))
	require.Greater(t, recv, uint64(0))
}

func TestHandshakeRejectsWrongInfoHash(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	wanted, _ := ids.RandomInfoHash()
	offered, _ := ids.RandomInfoHash()
	var localID [20]byte

	serverErrC := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		require.NoError(t, err)
		_, err = Accept(nc, localID, time.Second, func(got ids.InfoHash) bool { return got == wanted }, logger.New("test"))
		serverErrC <- err
	}()

	_, err := Dial(context.Background(), ln.Addr().String(), offered, localID, time.Second, time.Second, logger.New("test"))
	require.Error(t, err)
	require.Error(t, <-serverErrC)
}

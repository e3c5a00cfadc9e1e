package btpeer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/eventbus"
	"github.com/Jayian1890/bitscrape/internal/ids"
	"github.com/Jayian1890/bitscrape/internal/logger"
	"github.com/Jayian1890/bitscrape/internal/netutil"
	"github.com/Jayian1890/bitscrape/internal/procpool"
)

func newTestManager(t *testing.T, cfg config.PeerConfig) *Manager {
	t.Helper()
	pool := procpool.New(2)
	bus := eventbus.New(pool)
	return NewManager(cfg, bus, logger.New("test"))
}

func TestReserveCandidateRespectsMaxConnections(t *testing.T) {
	cfg := config.Default().Peer
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg)

	ih, _ := ids.RandomInfoHash()
	eps := []netutil.Endpoint{
		netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6001),
		netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6002),
	}
	m.Track(ih, eps)

	_, ok := m.reserveCandidate(ih)
	require.True(t, ok)
	_, ok = m.reserveCandidate(ih)
	require.False(t, ok)
}

func TestRecordFailureAppliesExponentialBackoff(t *testing.T) {
	cfg := config.Default().Peer
	cfg.BlacklistBase = 10 * time.Millisecond
	cfg.BlacklistCap = 40 * time.Millisecond
	m := newTestManager(t, cfg)

	ih, _ := ids.RandomInfoHash()
	ep := netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6001)
	m.Track(ih, []netutil.Endpoint{ep})

	m.recordFailure(ih, ep)
	sw := m.swarms[ih]
	require.Equal(t, cfg.BlacklistBase, sw.backoff[ep])

	m.recordFailure(ih, ep)
	require.Equal(t, 20*time.Millisecond, sw.backoff[ep])

	m.recordFailure(ih, ep)
	m.recordFailure(ih, ep)
	require.Equal(t, cfg.BlacklistCap, sw.backoff[ep])
}

func TestBlacklistedPeerNeverReselected(t *testing.T) {
	cfg := config.Default().Peer
	m := newTestManager(t, cfg)

	ih, _ := ids.RandomInfoHash()
	ep := netutil.NewEndpoint([]byte{127, 0, 0, 1}, 6001)
	m.Track(ih, []netutil.Endpoint{ep})
	m.blacklistPeer(ih, ep)

	_, ok := m.reserveCandidate(ih)
	require.False(t, ok)
}

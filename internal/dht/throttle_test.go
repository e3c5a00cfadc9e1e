package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThrottleBlocksAfterSixteenMalformedInAMinute(t *testing.T) {
	th := NewThrottle(1000)
	for i := 0; i < 16; i++ {
		th.RecordMalformed("203.0.113.5")
	}
	require.True(t, th.Admit("203.0.113.5"))
	th.RecordMalformed("203.0.113.5")
	require.False(t, th.Admit("203.0.113.5"))
}

func TestThrottleTracksIPsIndependently(t *testing.T) {
	th := NewThrottle(1000)
	for i := 0; i < 20; i++ {
		th.RecordMalformed("203.0.113.5")
	}
	require.True(t, th.Admit("198.51.100.9"))
}

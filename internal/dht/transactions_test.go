package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/bitscrape/internal/netutil"
)

func TestRegisteredTxIDsAreUnique(t *testing.T) {
	txt := NewTxTable()
	seen := make(map[TxID]bool)
	for i := 0; i < 500; i++ {
		id := txt.Register(QueryPing, "", netutil.Endpoint{}, time.Minute, func(*Message, error) {})
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Equal(t, 500, txt.Len())
}

func TestResolveRemovesTransaction(t *testing.T) {
	txt := NewTxTable()
	id := txt.Register(QueryPing, "", netutil.Endpoint{}, time.Minute, func(*Message, error) {})
	_, ok := txt.Resolve(id)
	require.True(t, ok)
	require.Equal(t, 0, txt.Len())
	_, ok = txt.Resolve(id)
	require.False(t, ok)
}

func TestSweepRetriesThenHardFails(t *testing.T) {
	txt := NewTxTable()
	var failed bool
	id := txt.Register(QueryPing, "", netutil.Endpoint{}, time.Millisecond, func(m *Message, err error) {
		if err != nil {
			failed = true
		}
	})
	results := txt.Sweep(time.Now().Add(time.Second))
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Retry)
	require.Equal(t, id, results[0].Retry.ID)
	require.Equal(t, 1, txt.Len())

	results = txt.Sweep(time.Now().Add(2 * time.Second))
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Failed)
	require.Equal(t, 0, txt.Len())
	require.False(t, failed) // continuation invocation is the engine's job, not Sweep's
}

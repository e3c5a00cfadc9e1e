package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jayian1890/bitscrape/internal/procpool"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New(procpool.New(2))
	var order []int
	Subscribe(bus, func(e NodeDiscovered) { order = append(order, 1) })
	Subscribe(bus, func(e NodeDiscovered) { order = append(order, 2) })
	Subscribe(bus, func(e NodeDiscovered) { order = append(order, 3) })

	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscribeTypeFiltersOtherVariants(t *testing.T) {
	bus := New(procpool.New(2))
	var gotNode, gotPeer int
	Subscribe(bus, func(e NodeDiscovered) { gotNode++ })
	Subscribe(bus, func(e PeerConnected) { gotPeer++ })

	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	bus.Publish(PeerConnected{EventBase: NewBase(TagPeerConnected, "", time.Now())})

	require.Equal(t, 1, gotNode)
	require.Equal(t, 1, gotPeer)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(procpool.New(2))
	tok := Subscribe(bus, func(e NodeDiscovered) {})
	require.True(t, bus.Unsubscribe(tok))
	require.False(t, bus.Unsubscribe(tok))
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	bus := New(procpool.New(2))
	ran := false
	Subscribe(bus, func(e NodeDiscovered) { panic("boom") })
	Subscribe(bus, func(e NodeDiscovered) { ran = true })

	require.NotPanics(t, func() {
		bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	})
	require.True(t, ran)
}

func TestPublishAsyncResolvesAfterHandlers(t *testing.T) {
	pool := procpool.New(2)
	pool.Start()
	defer pool.Stop(time.Second)

	bus := New(pool)
	var ran bool
	Subscribe(bus, func(e NodeDiscovered) { ran = true })

	done := bus.PublishAsync(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish_async did not resolve")
	}
	require.True(t, ran)
}

func TestProcessorFilterGatesDelivery(t *testing.T) {
	bus := New(procpool.New(2))
	var count int
	p := NewProcessor(bus, TypeTagFilter{Want: TagPeerConnected}, func(e Event) { count++ })
	defer p.Close()

	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	bus.Publish(PeerConnected{EventBase: NewBase(TagPeerConnected, "", time.Now())})

	require.Equal(t, 1, count)
}

func TestAdapterDisconnectUnsubscribesAll(t *testing.T) {
	bus := New(procpool.New(2))
	a := NewAdapter(bus)
	var calls int
	RegisterTyped(a, func(e NodeDiscovered) { calls++ })
	RegisterTyped(a, func(e NodeDiscovered) { calls++ })

	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	require.Equal(t, 2, calls)

	a.Disconnect()
	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	require.Equal(t, 2, calls)

	// Reconnect cycle must be safe.
	RegisterTyped(a, func(e NodeDiscovered) { calls++ })
	bus.Publish(NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "", time.Now())})
	require.Equal(t, 3, calls)
}

func TestAndOrNotFilters(t *testing.T) {
	isNode := TypeTagFilter{Want: TagNodeDiscovered}
	isPeer := TypeTagFilter{Want: TagPeerConnected}

	and := AndFilter{isNode, PredicateFilter{Fn: func(e Event) bool { return e.CustomID() == "x" }}}
	or := OrFilter{isNode, isPeer}
	not := NotFilter{Filter: isNode}

	ev := NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "x", time.Now())}
	require.True(t, and.Match(ev))
	require.True(t, or.Match(ev))
	require.False(t, not.Match(ev))

	ev2 := NodeDiscovered{EventBase: NewBase(TagNodeDiscovered, "y", time.Now())}
	require.False(t, and.Match(ev2))
}

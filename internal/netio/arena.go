package netio

// Arena is a small fixed-capacity pool of reusable byte buffers, so the
// UDP receive loop doesn't allocate one slice per packet. Grounded on
// STX5-dht's dht.go loop(), which sizes its arena at
// `arena.NewArena(MaxUDPPacketSize, 3)`: one goroutine takes a buffer
// (Get) for each packet it reads, another (the packet processor) pushes
// it back (Push) once done, so contention stays low with a handful of
// slots.
type Arena struct {
	bufSize int
	free    chan []byte
}

// NewArena builds an arena of n buffers, each bufSize bytes.
func NewArena(bufSize, n int) *Arena {
	a := &Arena{bufSize: bufSize, free: make(chan []byte, n)}
	for i := 0; i < n; i++ {
		a.free <- make([]byte, bufSize)
	}
	return a
}

// Get returns a buffer from the pool, allocating a fresh one if the
// pool is momentarily exhausted rather than blocking the read loop.
func (a *Arena) Get() []byte {
	select {
	case b := <-a.free:
		return b[:a.bufSize]
	default:
		return make([]byte, a.bufSize)
	}
}

// Push returns a buffer to the pool. Buffers from outside the arena
// (the allocate-on-exhaustion fallback) are accepted too, as long as
// they're at least bufSize.
func (a *Arena) Push(b []byte) {
	if cap(b) < a.bufSize {
		return
	}
	select {
	case a.free <- b[:a.bufSize]:
	default:
		// Pool full: let it be garbage collected.
	}
}

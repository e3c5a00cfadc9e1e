package eventbus

import "sync"

// Adapter connects an external collaborator (storage, beacon, ...) to
// the bus: Register/RegisterTyped subscribe the adapter's handlers and
// remember their tokens; Disconnect unsubscribes them in reverse order and
// clears the list, so a repeated connect/disconnect cycle is safe
// (spec.md §4.2's reentrant-safety requirement).
type Adapter struct {
	mu     sync.Mutex
	bus    *Bus
	tokens []Token
}

// NewAdapter constructs an Adapter bound to bus. Register handlers
// with Register before calling Connect.
func NewAdapter(bus *Bus) *Adapter {
	return &Adapter{bus: bus}
}

// Register subscribes fn and remembers its token for Disconnect. Call
// before Connect, or at any time while connected to add a handler
// that disconnects alongside the rest.
func (a *Adapter) Register(fn func(Event)) Token {
	tok := a.bus.subscribeAll(fn)
	a.mu.Lock()
	a.tokens = append(a.tokens, tok)
	a.mu.Unlock()
	return tok
}

// RegisterTyped subscribes a strongly-typed handler for variant E and
// remembers its token for Disconnect.
func RegisterTyped[E Event](a *Adapter, handler func(E)) Token {
	tok := Subscribe(a.bus, handler)
	a.mu.Lock()
	a.tokens = append(a.tokens, tok)
	a.mu.Unlock()
	return tok
}

// Connect is a no-op marker call kept for symmetry with Disconnect;
// handlers are live as soon as Register is called. Present so callers
// can express "connect, then register, then later disconnect" in the
// order spec.md §4.2 describes without the adapter silently dropping
// events registered before an explicit Connect.
func (a *Adapter) Connect() {}

// Disconnect unsubscribes every handler registered on this adapter, in
// reverse registration order, and clears its token list. Safe to call
// multiple times, and safe to Connect/Register again afterward.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	tokens := make([]Token, len(a.tokens))
	copy(tokens, a.tokens)
	a.tokens = nil
	a.mu.Unlock()

	for i := len(tokens) - 1; i >= 0; i-- {
		a.bus.Unsubscribe(tokens[i])
	}
}

package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Jayian1890/bitscrape/internal/logger"
	"github.com/Jayian1890/bitscrape/internal/procpool"
)

// Token identifies one subscription; returned by Subscribe and
// consumed by Unsubscribe. Zero is never a valid token.
type Token uint64

type subscription struct {
	token Token
	// label is a short, human-readable debug tag for this subscription,
	// included in panic-recovery logging so a misbehaving handler can be
	// traced back to its registration without threading a name through
	// every Subscribe[E] call site.
	label string
	fn    func(Event)
}

// Bus is the synchronous/asynchronous typed pub/sub core. The zero
// value is not usable; construct with New.
type Bus struct {
	mu        sync.Mutex
	subs      []subscription
	nextToken Token
	pool      *procpool.Pool
	log       logger.Logger
}

// New constructs a Bus. The pool backs PublishAsync; it is started
// lazily on first async publish if not already Running.
func New(pool *procpool.Pool) *Bus {
	return &Bus{pool: pool, log: logger.New("eventbus")}
}

// subscribeAll registers a handler invoked for every published event,
// regardless of concrete type. Subscribe[E] is built on top of this.
func (b *Bus) subscribeAll(fn func(Event)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	tok := b.nextToken
	b.subs = append(b.subs, subscription{token: tok, label: uuid.NewString()[:8], fn: fn})
	return tok
}

// Subscribe registers a handler for events of concrete type E. Events
// of other concrete types are skipped via a type assertion, so the
// handler signature stays strongly typed while the bus itself stores
// only the closed Event interface.
func Subscribe[E Event](b *Bus, handler func(E)) Token {
	return b.subscribeAll(func(e Event) {
		if typed, ok := e.(E); ok {
			handler(typed)
		}
	})
}

// Unsubscribe removes a subscription. Idempotent: removing an unknown
// or already-removed token returns false without error.
func (b *Bus) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.token == token {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the event synchronously, in subscription-
// registration order, on the caller's goroutine. A handler panic is
// caught, logged, and does not prevent later handlers from running.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.runSafely(s.label, s.fn, e)
	}
}

func (b *Bus) runSafely(label string, fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("event handler [%s] panicked: %v", label, r)
		}
	}()
	fn(e)
}

// PublishAsync enqueues the event onto the backing processor pool and
// returns a channel that is closed once every handler has run.
func (b *Bus) PublishAsync(e Event) <-chan struct{} {
	done := make(chan struct{})
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if len(subs) == 0 {
		close(done)
		return done
	}

	b.pool.Start()
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		s := s
		b.pool.Submit(func() {
			defer wg.Done()
			b.runSafely(s.label, s.fn, e)
		})
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

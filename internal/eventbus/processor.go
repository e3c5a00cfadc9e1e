package eventbus

// Processor attaches a Filter to a bus subscription: the bus delivers
// every event, the processor's filter decides whether the wrapped
// handler actually runs. Distinct processors on the same bus can apply
// distinct filters to the identical stream of events (spec.md §4.2).
type Processor struct {
	bus    *Bus
	token  Token
	filter Filter
}

// NewProcessor subscribes handler to bus, gated by filter. A nil
// filter matches every event.
func NewProcessor(bus *Bus, filter Filter, handler func(Event)) *Processor {
	p := &Processor{bus: bus, filter: filter}
	p.token = bus.subscribeAll(func(e Event) {
		if filter == nil || filter.Match(e) {
			handler(e)
		}
	})
	return p
}

// Close unsubscribes the processor from its bus. Idempotent.
func (p *Processor) Close() {
	p.bus.Unsubscribe(p.token)
}

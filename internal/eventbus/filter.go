package eventbus

// Filter is a composable predicate over Event, attached to a Processor
// rather than to a subscription, so two processors can apply distinct
// filters to the same stream of bus events (spec.md §4.2).
type Filter interface {
	Match(Event) bool
}

// TypeTagFilter matches events carrying a specific Tag.
type TypeTagFilter struct{ Want Tag }

func (f TypeTagFilter) Match(e Event) bool { return e.Tag() == f.Want }

// PredicateFilter matches via an arbitrary function.
type PredicateFilter struct{ Fn func(Event) bool }

func (f PredicateFilter) Match(e Event) bool { return f.Fn(e) }

// AndFilter matches when every child filter matches, short-circuiting
// on the first mismatch.
type AndFilter []Filter

func (f AndFilter) Match(e Event) bool {
	for _, c := range f {
		if !c.Match(e) {
			return false
		}
	}
	return true
}

// OrFilter matches when any child filter matches, short-circuiting on
// the first match.
type OrFilter []Filter

func (f OrFilter) Match(e Event) bool {
	for _, c := range f {
		if c.Match(e) {
			return true
		}
	}
	return false
}

// NotFilter inverts its child filter.
type NotFilter struct{ Filter Filter }

func (f NotFilter) Match(e Event) bool { return !f.Filter.Match(e) }

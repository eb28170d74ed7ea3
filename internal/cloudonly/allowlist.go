// Package cloudonly holds the set of RPC methods that must always be routed
// over the cloud (MQTT) leg of a composite channel, never attempted locally
// — e.g. methods that mutate account-level state the device's local
// firmware doesn't expose. The set is injected by the caller rather than
// hard-coded in the composite channel, per the routing design's open
// question on ownership of this list.
package cloudonly

// List is a configurable, mutable set of method names that must be routed
// to the cloud leg. The zero value is an empty, usable set.
type List struct {
	methods map[string]struct{}
}

// NewList builds a List from an initial set of method names.
func NewList(methods ...string) *List {
	l := &List{methods: make(map[string]struct{}, len(methods))}
	for _, m := range methods {
		l.methods[m] = struct{}{}
	}
	return l
}

// Contains reports whether method must be routed to the cloud leg.
func (l *List) Contains(method string) bool {
	if l == nil {
		return false
	}
	_, ok := l.methods[method]
	return ok
}

// Add registers an additional cloud-only method at runtime.
func (l *List) Add(method string) {
	if l.methods == nil {
		l.methods = make(map[string]struct{})
	}
	l.methods[method] = struct{}{}
}

// Remove drops method from the cloud-only set, if present.
func (l *List) Remove(method string) {
	delete(l.methods, method)
}

package transport

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/wire"
)

// frameCallbacks holds an ordered set of subscriber callbacks keyed by a
// generated handle id, so dropping a Subscription removes exactly its entry
// without holding a reference cycle back into the channel (spec §9: "break
// the cycle by having the channel hold ... a raw function pointer").
type frameCallbacks struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]func(wire.Frame)
	logger zerolog.Logger
}

func newFrameCallbacks(logger zerolog.Logger) *frameCallbacks {
	return &frameCallbacks{byID: make(map[string]func(wire.Frame)), logger: logger}
}

func (c *frameCallbacks) add(cb func(wire.Frame)) Subscription {
	id := uuid.NewString()
	c.mu.Lock()
	c.byID[id] = cb
	c.order = append(c.order, id)
	c.mu.Unlock()

	return subFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.byID[id]; !ok {
			return
		}
		delete(c.byID, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	})
}

// dispatch delivers f to every currently-registered callback, in
// registration order. A snapshot of the order is taken under the lock so a
// callback that unsubscribes another mid-dispatch can't corrupt iteration,
// matching "no late deliveries" from spec §8.
func (c *frameCallbacks) dispatch(f wire.Frame) {
	c.mu.RLock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	cbs := make([]func(wire.Frame), 0, len(ids))
	for _, id := range ids {
		if cb, ok := c.byID[id]; ok {
			cbs = append(cbs, cb)
		}
	}
	c.mu.RUnlock()

	for _, cb := range cbs {
		c.safeCall(cb, f)
	}
}

func (c *frameCallbacks) safeCall(cb func(wire.Frame), f wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Interface("panic", r).Msg("subscriber callback panicked")
		}
	}()
	cb(f)
}

func (c *frameCallbacks) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

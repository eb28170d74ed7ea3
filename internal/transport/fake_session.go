package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// FakeSession is an in-memory Session for deterministic tests: Publish loops
// a payload back to every subscriber of the same topic, as if a broker
// echoed it, unless Pair is used to connect two FakeSessions to simulate a
// device on the other end.
type FakeSession struct {
	mu    sync.Mutex
	ready bool
	topics map[string]*frameByteCallbacks

	peer *FakeSession // optional: Publish forwards to peer's topic instead of echoing
}

func NewFakeSession() *FakeSession {
	return &FakeSession{ready: true, topics: make(map[string]*frameByteCallbacks)}
}

// Pair links two fakes so that publishes on one are delivered as incoming
// messages on the other's matching topic, simulating account<->device flow.
func Pair(a, b *FakeSession) {
	a.peer = b
	b.peer = a
}

func (f *FakeSession) Connect(ctx context.Context) error { f.ready = true; return nil }

func (f *FakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	target := f
	if f.peer != nil {
		target = f.peer
	}
	target.mu.Lock()
	cbs, ok := target.topics[topic]
	target.mu.Unlock()
	if ok {
		cbs.dispatch(payload)
	}
	return nil
}

func (f *FakeSession) Subscribe(topic string, cb func(payload []byte)) (Subscription, error) {
	f.mu.Lock()
	cbs, ok := f.topics[topic]
	if !ok {
		cbs = newFrameByteCallbacks(zerolog.Nop())
		f.topics[topic] = cbs
	}
	f.mu.Unlock()
	return cbs.add(cb), nil
}

func (f *FakeSession) IsReady() bool { return f.ready }

func (f *FakeSession) Close() { f.ready = false }

func (f *FakeSession) SetReady(v bool) { f.ready = v }

// Package rpc correlates outbound command frames with their inbound
// responses, grounded in the pending-session-table pattern used to match
// TACACS+ replies to requests by session id.
package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/roborock-go/rrcore/internal/wire"
)

type result struct {
	frame wire.Frame
	err   error
}

// pendingRequest tracks one in-flight request. complete is guarded by a
// sync.Once so a late duplicate response (or a concurrent timeout and
// arrival) resolves the waiter exactly once, never twice.
type pendingRequest struct {
	expectedProtocol int
	once             sync.Once
	done             atomic.Bool
	ch               chan result
}

// complete resolves the waiter exactly once and reports whether this call
// was the one that did it.
func (p *pendingRequest) complete(frame wire.Frame, err error) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.done.Store(true)
		p.ch <- result{frame: frame, err: err}
		close(p.ch)
	})
	return won
}

// Registry holds every pending request for one channel, keyed by the
// frame's sequence number.
type Registry struct {
	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	nextSeq uint32
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint32]*pendingRequest)}
}

// NextSequence returns a monotonically increasing sequence number for
// requests that don't already carry one.
func (r *Registry) NextSequence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

func (r *Registry) register(seq uint32, expectedProtocol int) *pendingRequest {
	p := &pendingRequest{expectedProtocol: expectedProtocol, ch: make(chan result, 1)}
	r.mu.Lock()
	r.pending[seq] = p
	r.mu.Unlock()
	return p
}

func (r *Registry) unregister(seq uint32) {
	r.mu.Lock()
	delete(r.pending, seq)
	r.mu.Unlock()
}

// Dispatch attempts to match an inbound frame to a pending request by
// sequence number and expected protocol. Reports whether it matched.
func (r *Registry) Dispatch(f wire.Frame) bool {
	r.mu.Lock()
	p, ok := r.pending[f.Sequence]
	r.mu.Unlock()
	if !ok || p.expectedProtocol != f.Protocol || p.done.Load() {
		return false
	}
	return p.complete(f, nil)
}

// FailAll completes every pending request with err, e.g. on a channel
// disconnect, and clears the registry so later responses for those
// sequences match nothing.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	pendings := make([]*pendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		pendings = append(pendings, p)
	}
	r.pending = make(map[uint32]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pendings {
		p.complete(wire.Frame{}, err)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Package router implements the async push-message demultiplexer for B01
// family devices, which can emit DP (data point) updates at any time and
// don't reliably correlate every inbound message to an outstanding request.
package router

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/roborock-go/rrcore/internal/errs"
	rrmetrics "github.com/roborock-go/rrcore/internal/metrics"
	"github.com/roborock-go/rrcore/internal/wire"
)

// PropUpdate is a flattened DP (data point) dictionary: integer DP id to
// its raw decoded value.
type PropUpdate map[int]any

// Publisher is the narrow part of a Channel that SendDP needs.
type Publisher interface {
	Publish(ctx context.Context, f wire.Frame) error
}

// defaultQueueSize bounds the router's inbound queue; a producer that fills
// it faster than the single consumer can drain logs a drop rather than
// blocking the transport's read loop.
const defaultQueueSize = 256

// B01Router classifies and dispatches inbound frames for a B01-family
// device through one consumer goroutine, so prop-update callbacks never run
// concurrently with each other.
type B01Router struct {
	queue chan wire.Frame

	mu        sync.RWMutex
	order     []string
	callbacks map[string]func(PropUpdate)

	metrics *rrmetrics.Channel
	logger  zerolog.Logger

	done chan struct{}
}

func New(metrics *rrmetrics.Channel, logger zerolog.Logger) *B01Router {
	r := &B01Router{
		queue:     make(chan wire.Frame, defaultQueueSize),
		callbacks: make(map[string]func(PropUpdate)),
		metrics:   metrics,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Feed enqueues an inbound frame for classification. Safe to call from the
// channel's own read goroutine; never blocks.
func (r *B01Router) Feed(f wire.Frame) {
	select {
	case r.queue <- f:
	default:
		r.logger.Warn().Int("protocol", f.Protocol).Msg("b01 router queue full, dropping frame")
	}
}

// AddPropUpdateCallback registers cb to receive every flattened DP update.
// The returned func removes it; calling it more than once is a no-op.
func (r *B01Router) AddPropUpdateCallback(cb func(PropUpdate)) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.callbacks[id] = cb
	r.order = append(r.order, id)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.callbacks[id]; !ok {
			return
		}
		delete(r.callbacks, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// Close stops the consumer goroutine. Frames fed after Close are dropped.
func (r *B01Router) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *B01Router) run() {
	for {
		select {
		case f := <-r.queue:
			r.handle(f)
		case <-r.done:
			return
		}
	}
}

func (r *B01Router) handle(f wire.Frame) {
	switch f.Protocol {
	case wire.ProtocolRPCResponse, wire.ProtocolGeneralResponse:
		r.handlePropUpdate(f)
	case wire.ProtocolMapResponse:
		r.logger.Debug().Msg("b01 map response received (unrouted placeholder)")
	default:
		r.logger.Debug().Int("protocol", f.Protocol).Msg("b01 message protocol unrouted")
	}
}

func (r *B01Router) handlePropUpdate(f wire.Frame) {
	dps, ok := flattenDPs(f.Payload)
	if !ok {
		return
	}

	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	cbs := make([]func(PropUpdate), 0, len(ids))
	for _, id := range ids {
		if cb, ok := r.callbacks[id]; ok {
			cbs = append(cbs, cb)
		}
	}
	r.mu.RUnlock()

	for _, cb := range cbs {
		r.safeCall(cb, dps)
	}
}

func (r *B01Router) safeCall(cb func(PropUpdate), dps PropUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Interface("panic", rec).Msg("b01 prop update callback panicked")
		}
	}()
	cb(dps)
}

// flattenDPs unwraps the frame payload's top-level "dps" envelope and
// flattens any nested "101" (dpCommon) object into the returned dictionary.
// If a DP id appears both directly and inside the 101 envelope, the nested
// value wins: direct keys are applied first, then the 101 envelope is
// overlaid on top.
func flattenDPs(payload []byte) (PropUpdate, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil, false
	}
	envelope := gjson.GetBytes(payload, "dps")
	if !envelope.Exists() || !envelope.IsObject() {
		return nil, false
	}

	flat := make(PropUpdate)
	var nested PropUpdate

	envelope.ForEach(func(key, value gjson.Result) bool {
		dp, err := strconv.Atoi(key.String())
		if err != nil {
			return true
		}
		if dp == 101 && value.IsObject() {
			nested = make(PropUpdate)
			value.ForEach(func(innerKey, innerVal gjson.Result) bool {
				innerDP, err := strconv.Atoi(innerKey.String())
				if err != nil {
					return true
				}
				nested[innerDP] = innerVal.Value()
				return true
			})
			return true
		}
		flat[dp] = value.Value()
		return true
	})

	for k, v := range nested {
		flat[k] = v
	}
	return flat, len(flat) > 0
}

// SendDP publishes a raw DP command fire-and-forget: publish timeouts are
// recorded on the channel's health signal and other publish failures are
// logged at debug; neither is surfaced to the caller, matching the family's "DP updates arrive async
// regardless" delivery model.
func (r *B01Router) SendDP(ctx context.Context, pub Publisher, dps map[int]any) {
	stringKeyed := make(map[string]any, len(dps))
	for k, v := range dps {
		stringKeyed[strconv.Itoa(k)] = v
	}
	payload, err := json.Marshal(stringKeyed)
	if err != nil {
		r.logger.Debug().Err(err).Msg("b01 dp command marshal failed")
		return
	}

	f := wire.Frame{Protocol: wire.ProtocolGeneralRequest, Payload: payload}
	err = pub.Publish(ctx, f)
	switch {
	case err == nil:
		if r.metrics != nil {
			r.metrics.RPCSuccess()
		}
	case errs.KindOf(err) == errs.KindTimeout:
		if r.metrics != nil {
			r.metrics.PublishTimeout()
		}
		r.logger.Debug().Err(err).Msg("b01 dp command publish timed out")
	default:
		r.logger.Debug().Err(err).Msg("b01 dp command publish failed")
	}
}

package rpc

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/transport"
	"github.com/roborock-go/rrcore/internal/wire"
)

// Channel is the subset of transport.Channel that RpcChannel needs; named
// separately so composite and tests can supply a narrower fake.
type Channel interface {
	Publish(ctx context.Context, f wire.Frame) error
	Subscribe(cb func(wire.Frame)) (transport.Subscription, error)
	IsConnected() bool
}

// disconnectNotifier is implemented by channels (transport.LocalChannel)
// that can tell RpcChannel when the underlying transport drops, so pending
// requests fail fast with KindDisconnected instead of waiting out their
// context deadline.
type disconnectNotifier interface {
	OnDisconnect(cb func(err error))
}

// RpcChannel adds request/response correlation on top of a raw Channel: it
// installs one internal subscriber that feeds every inbound frame to a
// Registry, and exposes Send for synchronous request/response exchanges.
type RpcChannel struct {
	ch       Channel
	registry *Registry
	sub      transport.Subscription
	logger   zerolog.Logger
}

func NewRpcChannel(ch Channel, logger zerolog.Logger) (*RpcChannel, error) {
	r := &RpcChannel{ch: ch, registry: NewRegistry(), logger: logger}
	sub, err := ch.Subscribe(r.onFrame)
	if err != nil {
		return nil, err
	}
	r.sub = sub

	if dn, ok := ch.(disconnectNotifier); ok {
		dn.OnDisconnect(func(err error) {
			r.logger.Debug().Err(err).Msg("rpc channel: underlying transport disconnected, failing in-flight requests")
			r.registry.FailAll(err)
		})
	}

	return r, nil
}

func (r *RpcChannel) onFrame(f wire.Frame) {
	if !r.registry.Dispatch(f) {
		r.logger.Debug().Int("protocol", f.Protocol).Uint32("sequence", f.Sequence).Msg("rpc channel: unmatched frame")
	}
}

// Send assigns f a sequence number if it doesn't have one, registers a
// pending request expecting expectedProtocol, publishes f, and waits for a
// match, a context deadline, or an explicit cancellation.
func (r *RpcChannel) Send(ctx context.Context, f wire.Frame, expectedProtocol int) (wire.Frame, error) {
	if f.Sequence == 0 {
		f.Sequence = r.registry.NextSequence()
	}
	p := r.registry.register(f.Sequence, expectedProtocol)
	defer r.registry.unregister(f.Sequence)

	if err := r.ch.Publish(ctx, f); err != nil {
		return wire.Frame{}, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return wire.Frame{}, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		return wire.Frame{}, errs.Wrap(errs.KindTimeout, "rpc response wait", ctx.Err())
	}
}

// Subscribe lets non-RPC consumers (push-message routing) observe every
// inbound frame alongside the RPC correlator.
func (r *RpcChannel) Subscribe(cb func(wire.Frame)) (transport.Subscription, error) {
	return r.ch.Subscribe(cb)
}

func (r *RpcChannel) IsConnected() bool { return r.ch.IsConnected() }

// Close tears down the internal subscription and fails every request still
// waiting with a Disconnected error.
func (r *RpcChannel) Close() error {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.registry.FailAll(errs.New(errs.KindDisconnected, "rpc channel closed"))
	return nil
}

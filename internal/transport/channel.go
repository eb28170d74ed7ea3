// Package transport implements the two device-facing transports: a shared
// MQTT cloud bus (Session/MqttChannel) and a direct TCP link (LocalChannel).
// Both expose the same Channel contract so higher layers (rpc, composite,
// device) can treat them uniformly.
package transport

import (
	"context"

	"github.com/roborock-go/rrcore/internal/wire"
)

// Subscription represents one callback registered on a channel. Calling
// Unsubscribe removes the callback before the next dispatch; it is
// idempotent and safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

type subFunc func()

func (f subFunc) Unsubscribe() { f() }

// Channel is the uniform publish/subscribe contract shared by MqttChannel,
// LocalChannel, and the composite V1Channel.
type Channel interface {
	// Publish encodes and sends a frame. Errors are surfaced to the caller.
	Publish(ctx context.Context, f wire.Frame) error
	// Subscribe registers a decoded-frame callback, delivered in arrival
	// order alongside every other subscriber. Callback panics are caught and
	// logged, never propagated.
	Subscribe(cb func(wire.Frame)) (Subscription, error)
	// IsConnected reports whether the channel currently has a usable transport.
	IsConnected() bool
	// Close tears down the channel. Frame subscribers receive no loss notice;
	// LocalChannel reports a dropped connection to its OnDisconnect callbacks.
	Close() error
}

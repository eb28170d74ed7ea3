// Package metrics wires channel/device health signals into a
// VictoriaMetrics metrics.Set, mirroring the sync.Once-initialized metrics
// struct pattern used for Atlas's API metrics.
package metrics

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Channel holds the counters/gauges for one device channel's health signal.
// Construction is cheap. The observation methods must not be called on a
// nil *Channel; callers holding an optional *Channel check it for nil first.
type Channel struct {
	duid string

	once sync.Once
	set  *metrics.Set

	framesEncoded  *metrics.Counter
	framesDecoded  *metrics.Counter
	crcFailures    *metrics.Counter
	decryptFailures *metrics.Counter
	rpcTimeouts    *metrics.Counter
	rpcSuccesses   *metrics.Counter
	reconnects     *metrics.Counter
	localRouted    *metrics.Counter
	cloudRouted    *metrics.Counter
	publishTimeouts *metrics.Counter
}

// NewChannel builds a Channel metrics bundle scoped to one device. Passing a
// nil set still returns a usable, no-op Channel.
func NewChannel(set *metrics.Set, duid string) *Channel {
	c := &Channel{duid: duid, set: set}
	c.once.Do(c.init)
	return c
}

func (c *Channel) init() {
	if c.set == nil {
		c.set = metrics.NewSet()
	}
	label := `{duid="` + c.duid + `"}`
	c.framesEncoded = c.set.NewCounter(`rrcore_channel_frames_encoded_total` + label)
	c.framesDecoded = c.set.NewCounter(`rrcore_channel_frames_decoded_total` + label)
	c.crcFailures = c.set.NewCounter(`rrcore_channel_crc_failures_total` + label)
	c.decryptFailures = c.set.NewCounter(`rrcore_channel_decrypt_failures_total` + label)
	c.rpcTimeouts = c.set.NewCounter(`rrcore_channel_rpc_timeouts_total` + label)
	c.rpcSuccesses = c.set.NewCounter(`rrcore_channel_rpc_successes_total` + label)
	c.reconnects = c.set.NewCounter(`rrcore_channel_reconnects_total` + label)
	c.localRouted = c.set.NewCounter(`rrcore_channel_routed_total{duid="` + c.duid + `",leg="local"}`)
	c.cloudRouted = c.set.NewCounter(`rrcore_channel_routed_total{duid="` + c.duid + `",leg="cloud"}`)
	c.publishTimeouts = c.set.NewCounter(`rrcore_channel_publish_timeouts_total` + label)
}

func (c *Channel) FrameEncoded()   { c.framesEncoded.Inc() }
func (c *Channel) FrameDecoded()   { c.framesDecoded.Inc() }
func (c *Channel) CRCFailure()     { c.crcFailures.Inc() }
func (c *Channel) DecryptFailure() { c.decryptFailures.Inc() }
func (c *Channel) RPCTimeout()     { c.rpcTimeouts.Inc() }
func (c *Channel) RPCSuccess()     { c.rpcSuccesses.Inc() }
func (c *Channel) Reconnect()      { c.reconnects.Inc() }
func (c *Channel) RoutedLocal()    { c.localRouted.Inc() }
func (c *Channel) RoutedCloud()    { c.cloudRouted.Inc() }
func (c *Channel) PublishTimeout() { c.publishTimeouts.Inc() }

// WritePrometheus writes c's metrics in Prometheus exposition format.
func (c *Channel) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

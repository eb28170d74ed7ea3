// Package device implements the per-device façade: owns a composite
// channel, runs its reconnect loop, and dispatches decoded dps envelopes to
// a caller-supplied translator.
package device

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/transport"
	"github.com/roborock-go/rrcore/internal/wire"
)

// Channel is what Device needs from its composite channel; satisfied by
// *composite.V1Channel and the B01 RPC adapter. SendCommand takes a bare
// method name and params and returns the decoded RPC result, leaving
// envelope encoding to the channel implementation.
type Channel interface {
	SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(cb func(wire.Frame)) (transport.Subscription, error)
	IsConnected() bool
	Close() error
}

// DataProtocolTranslator receives one decoded dps entry (its integer key
// and raw value) and routes it to whichever trait owns that key. Device
// doesn't know trait shapes; this keeps them pluggable and out of scope.
type DataProtocolTranslator func(dp int, value any)

const (
	initialConnectTimeout = 15 * time.Second
	reconnectInitialDelay = 10 * time.Second
	reconnectMultiplier   = 1.5
	reconnectMaxDelay     = 30 * time.Minute
)

// Device owns one channel, its reconnect loop, and ready-callback fan-out.
type Device struct {
	DUID string

	channel    Channel
	translator DataProtocolTranslator
	logger     zerolog.Logger

	mu             sync.Mutex
	ready          bool
	readyCallbacks []func()
	sub            transport.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func New(duid string, channel Channel, translator DataProtocolTranslator, logger zerolog.Logger) *Device {
	return &Device{
		DUID:       duid,
		channel:    channel,
		translator: translator,
		logger:     logger,
	}
}

// Connect starts the reconnect loop, which keeps retrying transient
// failures until the device becomes ready or Close is called, and gives up
// on the first non-transient error.
func (d *Device) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.reconnectLoop(ctx)
}

// AddReadyCallback registers cb to run once the device becomes ready. If it
// is already ready, cb runs immediately (synchronously, before returning).
func (d *Device) AddReadyCallback(cb func()) {
	d.mu.Lock()
	if d.ready {
		d.mu.Unlock()
		cb()
		return
	}
	d.readyCallbacks = append(d.readyCallbacks, cb)
	d.mu.Unlock()
}

// reconnectLoop runs connectOnce under a per-attempt timeout, retrying with
// exponential backoff on transient failure until ctx is cancelled.
func (d *Device) reconnectLoop(ctx context.Context) {
	defer d.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = reconnectMultiplier
	b.MaxInterval = reconnectMaxDelay

	attemptTimeout := initialConnectTimeout
	for {
		if ctx.Err() != nil {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := d.connectOnce(attemptCtx)
		cancel()

		if err == nil {
			b.Reset()
			attemptTimeout = initialConnectTimeout
			return // the device stays connected; callers close/reconnect via Close+Connect
		}

		if !errs.Transient(err) {
			d.logger.Warn().Str("duid", d.DUID).Err(err).Msg("device connect failed with a non-transient error, giving up")
			return
		}

		delay := b.NextBackOff()
		d.logger.Info().Str("duid", d.DUID).Dur("backoff", delay).Err(err).Msg("device connect failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce subscribes to the channel and marks the device ready. Further
// feature-discovery RPCs a real deployment would add here are out of scope.
func (d *Device) connectOnce(ctx context.Context) error {
	if !d.channel.IsConnected() {
		return errs.New(errs.KindDisconnected, "channel not yet connected")
	}

	sub, err := d.channel.Subscribe(d.dispatch)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sub = sub
	d.ready = true
	callbacks := make([]func(), len(d.readyCallbacks))
	copy(callbacks, d.readyCallbacks)
	d.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return nil
}

// dispatch decodes one inbound frame's dps envelope and routes each entry
// to the translator. Non-dps frames and malformed payloads are dropped;
// this must never block, since it runs on the channel's dispatch path.
func (d *Device) dispatch(f wire.Frame) {
	if f.Protocol != wire.ProtocolRPCResponse && f.Protocol != wire.ProtocolGeneralResponse {
		return
	}
	if len(f.Payload) == 0 || !gjson.ValidBytes(f.Payload) {
		return
	}
	dps := gjson.GetBytes(f.Payload, "dps")
	if !dps.Exists() || !dps.IsObject() {
		d.logger.Debug().Str("duid", d.DUID).Msg("response frame missing dps envelope")
		return
	}

	dps.ForEach(func(key, value gjson.Result) bool {
		dp, err := strconv.Atoi(key.String())
		if err != nil {
			d.logger.Debug().Str("duid", d.DUID).Str("key", key.String()).Msg("non-integer dps key ignored")
			return true
		}
		if d.translator != nil {
			d.translator(dp, value.Value())
		}
		return true
	})
}

// SendCommand issues method/params to the device's channel and returns its
// decoded RPC result. Safe to call whether or not the device is currently
// ready; the channel itself decides whether to queue, fail fast, or route
// over a fallback leg.
func (d *Device) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return d.channel.SendCommand(ctx, method, params)
}

// IsReady reports whether the device has completed its first successful
// connect and not yet been closed.
func (d *Device) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Close cancels the reconnect loop, unsubscribes, and releases the channel.
// Safe to call from any state and idempotent.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		cancel := d.cancel
		sub := d.sub
		d.ready = false
		d.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		d.wg.Wait()
		if sub != nil {
			sub.Unsubscribe()
		}
		err = d.channel.Close()
	})
	return err
}

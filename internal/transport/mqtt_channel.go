package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	rrmetrics "github.com/roborock-go/rrcore/internal/metrics"
	"github.com/roborock-go/rrcore/internal/wire"
)

// MqttChannel is a Channel backed by a shared Session's pub/sub topic pair.
// Topics are derived from the device's rriot account id and duid, matching
// the cloud bus layout: one channel publishes on the "request" topic and
// receives on the "response" topic, both scoped to the owning account.
type MqttChannel struct {
	session Session
	duid    string

	pubTopic string
	subTopic string

	mu      sync.Mutex
	decoder *wire.Decoder
	encoder *wire.Encoder

	subs   *frameCallbacks
	sessionSub Subscription

	metrics *rrmetrics.Channel
	logger  zerolog.Logger
}

// TopicPair returns the (publish, subscribe) topic names for one device
// under one rriot account and MQTT client id, following the cloud bus's
// "rr/m/i/{user}/{client}/{duid}" layout: publish goes in ("i"), subscribe
// goes out ("o"), both scoped by the same user/client pair the session
// authenticated with.
func TopicPair(user, client, duid string) (pub, sub string) {
	pub = fmt.Sprintf("rr/m/i/%s/%s/%s", user, client, duid)
	sub = fmt.Sprintf("rr/m/o/%s/%s/%s", user, client, duid)
	return pub, sub
}

func NewMqttChannel(session Session, user, client, duid string, keys wire.KeySet, metrics *rrmetrics.Channel, logger zerolog.Logger) *MqttChannel {
	pub, sub := TopicPair(user, client, duid)
	c := &MqttChannel{
		session:  session,
		duid:     duid,
		pubTopic: pub,
		subTopic: sub,
		decoder:  wire.NewDecoder(keys),
		encoder:  wire.NewEncoder(keys),
		subs:     newFrameCallbacks(logger),
		metrics:  metrics,
		logger:   logger,
	}
	return c
}

// Start subscribes to the channel's incoming topic on the shared session.
// Must be called once before Publish/Subscribe are useful.
func (c *MqttChannel) Start() error {
	sub, err := c.session.Subscribe(c.subTopic, c.onPayload)
	if err != nil {
		return err
	}
	c.sessionSub = sub
	return nil
}

func (c *MqttChannel) onPayload(payload []byte) {
	c.mu.Lock()
	frames, err := c.decoder.Feed(payload)
	c.mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.CRCFailure()
		}
		c.logger.Debug().Str("duid", c.duid).Err(err).Msg("mqtt frame decode error")
	}
	for _, f := range frames {
		if c.metrics != nil {
			c.metrics.FrameDecoded()
		}
		c.subs.dispatch(f)
	}
}

func (c *MqttChannel) Publish(ctx context.Context, f wire.Frame) error {
	// Cloud traffic always uses the "1.0" framing.
	if f.Version == "" {
		f.Version = wire.VersionV1
	}
	c.mu.Lock()
	raw, err := c.encoder.Encode(f)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.session.Publish(ctx, c.pubTopic, raw); err != nil {
		if c.metrics != nil {
			c.metrics.PublishTimeout()
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.FrameEncoded()
		c.metrics.RoutedCloud()
	}
	return nil
}

func (c *MqttChannel) Subscribe(cb func(wire.Frame)) (Subscription, error) {
	return c.subs.add(cb), nil
}

func (c *MqttChannel) IsConnected() bool { return c.session.IsReady() }

func (c *MqttChannel) Close() error {
	if c.sessionSub != nil {
		c.sessionSub.Unsubscribe()
	}
	return nil
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roborock-go/rrcore/internal/errs"
)

// Session is the process-wide shared holder of the cloud-bus connection
// (spec §9 "Global session singleton" design note: model as an explicitly
// owned Session injected into DeviceManager; tests provide a fake).
//
// One Session backs every device's MqttChannel: it owns the socket,
// serializes publishes, and re-subscribes all known topics from its
// on-connect handler after a reconnect. PahoSession's IsReady reports the
// open connection, so it can turn true before those re-subscriptions finish.
type Session interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, cb func(payload []byte)) (Subscription, error)
	IsReady() bool
	Close()
}

// PahoSession is the production Session backed by eclipse/paho.mqtt.golang,
// following the teacher's ClientOptions wiring (broker URL, client id,
// credentials, keepalive, auto-reconnect). Reconnect delays are paho's own,
// capped at SessionConfig.MaxBackoff; InitialBackoff and Multiplier are not
// applied.
type PahoSession struct {
	client mqtt.Client
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*frameByteCallbacks
}

// SessionConfig configures a PahoSession.
type SessionConfig struct {
	BrokerURL     string
	Username      string
	Password      string
	ClientIDSeed  string // combined with a uuid to build a unique client id
	KeepAlive     time.Duration
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func NewPahoSession(cfg SessionConfig, logger zerolog.Logger) *PahoSession {
	s := &PahoSession{
		logger: logger,
		topics: make(map[string]*frameByteCallbacks),
	}

	clientID := fmt.Sprintf("%s-%s", cfg.ClientIDSeed, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetResumeSubs(true).
		SetOrderMatters(false).
		SetMaxReconnectInterval(cfg.MaxBackoff)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info().Str("broker", cfg.BrokerURL).Msg("mqtt session connected")
		s.resubscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("mqtt session connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Info().Msg("mqtt session reconnecting")
	})

	s.client = mqtt.NewClient(opts)
	return s
}

func (s *PahoSession) resubscribeAll(c mqtt.Client) {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		topic := topic
		tok := c.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			s.dispatch(topic, m.Payload())
		})
		if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
			s.logger.Warn().Str("topic", topic).Err(tok.Error()).Msg("resubscribe failed")
		}
	}
}

func (s *PahoSession) dispatch(topic string, payload []byte) {
	s.mu.Lock()
	cbs, ok := s.topics[topic]
	s.mu.Unlock()
	if !ok {
		return
	}
	cbs.dispatch(payload)
}

func (s *PahoSession) Connect(ctx context.Context) error {
	tok := s.client.Connect()
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-done:
		if tok.Error() != nil {
			return errs.Wrap(errs.KindDisconnected, "mqtt connect", tok.Error())
		}
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "mqtt connect", ctx.Err())
	}
}

func (s *PahoSession) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := s.client.Publish(topic, 1, false, payload)
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-done:
		if tok.Error() != nil {
			return errs.Wrap(errs.KindDisconnected, "mqtt publish", tok.Error())
		}
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, "mqtt publish", ctx.Err())
	}
}

func (s *PahoSession) Subscribe(topic string, cb func(payload []byte)) (Subscription, error) {
	s.mu.Lock()
	cbs, ok := s.topics[topic]
	if !ok {
		cbs = newFrameByteCallbacks(s.logger)
		s.topics[topic] = cbs
	}
	s.mu.Unlock()

	sub := cbs.add(cb)

	if s.client.IsConnectionOpen() {
		tok := s.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			s.dispatch(topic, m.Payload())
		})
		if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
			return nil, errs.Wrap(errs.KindDisconnected, "mqtt subscribe", tok.Error())
		}
	}
	return sub, nil
}

func (s *PahoSession) IsReady() bool { return s.client.IsConnectionOpen() }

func (s *PahoSession) Close() {
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
}

// frameByteCallbacks is the byte-payload analogue of frameCallbacks, used at
// the Session level before frames are decoded (decoding happens per-channel
// since it needs the channel's KeySet).
type frameByteCallbacks struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]func([]byte)
	logger zerolog.Logger
}

func newFrameByteCallbacks(logger zerolog.Logger) *frameByteCallbacks {
	return &frameByteCallbacks{byID: make(map[string]func([]byte)), logger: logger}
}

func (c *frameByteCallbacks) add(cb func([]byte)) Subscription {
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

func (c *frameByteCallbacks) dispatch(payload []byte) {
	c.mu.RLock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	cbs := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		if cb, ok := c.byID[id]; ok {
			cbs = append(cbs, cb)
		}
	}
	c.mu.RUnlock()

	for _, cb := range cbs {
		func(cb func([]byte)) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn().Interface("panic", r).Msg("session subscriber panicked")
				}
			}()
			cb(payload)
		}(cb)
	}
}

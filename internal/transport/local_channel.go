package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roborock-go/rrcore/internal/errs"
	rrmetrics "github.com/roborock-go/rrcore/internal/metrics"
	"github.com/roborock-go/rrcore/internal/wire"
)

// LocalPort is the fixed TCP port every device listens on for the direct
// local protocol.
const LocalPort = 58867

// LocalChannelConfig carries the bits needed to dial and handshake with one
// device over its LAN address.
type LocalChannelConfig struct {
	Host             string
	Port             int // 0 defaults to LocalPort
	LocalKey         []byte
	PreferredVersion string // "" lets Dial try "1.0" then "L01"
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	KeepAliveInterval time.Duration
}

// LocalChannel is a Channel over a direct TCP connection to one device,
// following the HELLO-then-stream handshake from the reference local
// transport: try one version, fall back to the other, and remember which
// one worked for subsequent reconnects.
type LocalChannel struct {
	cfg    LocalChannelConfig
	logger zerolog.Logger
	metrics *rrmetrics.Channel

	mu         sync.Mutex
	conn       net.Conn
	encoder    *wire.Encoder
	decoder    *wire.Decoder
	negotiated string // "1.0" or "L01", set once hello succeeds
	connectNonce uint32
	ackNonce     uint32
	connected    bool

	subs *frameCallbacks

	helloMu   sync.Mutex
	helloWait chan wire.Frame

	disconnectMu  sync.Mutex
	disconnectCbs []func(error)

	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewLocalChannel(cfg LocalChannelConfig, metrics *rrmetrics.Channel, logger zerolog.Logger) *LocalChannel {
	if cfg.Port == 0 {
		cfg.Port = LocalPort
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}
	return &LocalChannel{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		subs:    newFrameCallbacks(logger),
		closeCh: make(chan struct{}),
	}
}

// Dial opens the TCP connection and performs the HELLO handshake, trying the
// preferred version first (or "1.0" then "L01" when none was recorded from a
// prior connection).
func (c *LocalChannel) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return errs.Wrap(errs.KindDisconnected, "local dial", err)
	}

	nonce, err := wire.ConnectNonce()
	if err != nil {
		conn.Close()
		return errs.Wrap(errs.KindFatal, "generate connect nonce", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectNonce = nonce
	c.encoder = wire.NewEncoder(wire.KeySet{LocalKey: c.cfg.LocalKey, ConnectNonce: nonce})
	c.decoder = wire.NewDecoder(wire.KeySet{LocalKey: c.cfg.LocalKey, ConnectNonce: nonce})
	c.mu.Unlock()

	go c.readLoop()

	order := []string{wire.VersionV1, wire.VersionL01}
	if c.negotiated != "" {
		order = []string{c.negotiated}
	} else if c.cfg.PreferredVersion == wire.VersionL01 {
		order = []string{wire.VersionL01, wire.VersionV1}
	}

	var lastErr error
	for _, v := range order {
		if err := c.doHello(ctx, v); err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		if c.cfg.KeepAliveInterval > 0 {
			go c.keepAliveLoop()
		}
		return nil
	}
	conn.Close()
	return errs.Wrap(errs.KindProtocolError, "hello handshake failed for all versions", lastErr)
}

// doHello sends one HELLO attempt at version v and waits for the matching
// response, updating the negotiated version and ack_nonce on success.
func (c *LocalChannel) doHello(ctx context.Context, v string) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.helloMu.Lock()
	c.helloWait = make(chan wire.Frame, 1)
	c.helloMu.Unlock()

	req := wire.Frame{
		Protocol:  wire.ProtocolHelloRequest,
		Version:   v,
		Sequence:  1,
		Random:    c.connectNonce,
		Timestamp: uint32(time.Now().Unix()),
	}

	c.mu.Lock()
	raw, err := c.encoder.Encode(req)
	conn := c.conn
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := conn.Write(raw); err != nil {
		return errs.Wrap(errs.KindDisconnected, "hello write", err)
	}

	select {
	case resp := <-c.helloWait:
		c.negotiated = v
		c.ackNonce = resp.Random
		c.mu.Lock()
		keys := wire.KeySet{LocalKey: c.cfg.LocalKey, ConnectNonce: c.connectNonce, AckNonce: c.ackNonce}
		c.encoder = wire.NewEncoder(keys)
		c.decoder.UpdateKeys(keys)
		c.mu.Unlock()
		return nil
	case <-hctx.Done():
		return errs.Wrap(errs.KindTimeout, "hello response for version "+v, hctx.Err())
	}
}

func (c *LocalChannel) readLoop() {
	buf := make([]byte, 4096)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.mu.Lock()
		frames, ferr := c.decoder.Feed(buf[:n])
		c.mu.Unlock()
		if ferr != nil {
			if c.metrics != nil {
				c.metrics.CRCFailure()
			}
			c.logger.Debug().Str("host", c.cfg.Host).Err(ferr).Msg("local frame decode error")
		}
		for _, f := range frames {
			if f.Protocol == wire.ProtocolHelloResponse {
				c.helloMu.Lock()
				if c.helloWait != nil {
					select {
					case c.helloWait <- f:
					default:
					}
				}
				c.helloMu.Unlock()
				continue
			}
			if c.metrics != nil {
				c.metrics.FrameDecoded()
			}
			c.subs.dispatch(f)
		}
	}
}

// OnDisconnect registers cb to run whenever the connection drops, so a
// correlator with requests waiting on this channel (rpc.RpcChannel) can
// fail them immediately with a Disconnected error instead of waiting out
// their context deadline.
func (c *LocalChannel) OnDisconnect(cb func(err error)) {
	c.disconnectMu.Lock()
	c.disconnectCbs = append(c.disconnectCbs, cb)
	c.disconnectMu.Unlock()
}

func (c *LocalChannel) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Warn().Str("host", c.cfg.Host).Err(err).Msg("local channel disconnected")

	c.disconnectMu.Lock()
	cbs := make([]func(error), len(c.disconnectCbs))
	copy(cbs, c.disconnectCbs)
	c.disconnectMu.Unlock()

	notice := errs.Wrap(errs.KindDisconnected, "local channel disconnected", err)
	for _, cb := range cbs {
		cb(notice)
	}
}

// keepAliveLoop sends periodic PING frames, throttled by a token-bucket
// limiter so a slow device can't be flooded if sends back up.
func (c *LocalChannel) keepAliveLoop() {
	limiter := rate.NewLimiter(rate.Every(c.cfg.KeepAliveInterval), 1)
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				return
			}
			if !limiter.Allow() {
				continue
			}
			ping := wire.Frame{Protocol: wire.ProtocolPingRequest, Version: c.negotiated, Timestamp: uint32(time.Now().Unix())}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
			_ = c.Publish(ctx, ping)
			cancel()
		}
	}
}

func (c *LocalChannel) Publish(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	if c.negotiated != "" {
		f.Version = c.negotiated
	}
	raw, err := c.encoder.Encode(f)
	conn := c.conn
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if conn == nil {
		return errs.New(errs.KindDisconnected, "local channel not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(raw); err != nil {
		if c.metrics != nil {
			c.metrics.PublishTimeout()
		}
		return errs.Wrap(errs.KindDisconnected, "local write", err)
	}
	if c.metrics != nil {
		c.metrics.FrameEncoded()
		c.metrics.RoutedLocal()
	}
	return nil
}

func (c *LocalChannel) Subscribe(cb func(wire.Frame)) (Subscription, error) {
	return c.subs.add(cb), nil
}

func (c *LocalChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NegotiatedVersion returns the protocol version the last successful HELLO
// handshake settled on ("1.0" or "L01"), or "" if none has succeeded yet.
func (c *LocalChannel) NegotiatedVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiated
}

func (c *LocalChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

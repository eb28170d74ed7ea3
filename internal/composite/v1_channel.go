// Package composite implements V1Channel, the dual-leg (local-preferred,
// cloud-fallback) channel that Device talks to.
package composite

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/roborock-go/rrcore/internal/cloudonly"
	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/transport"
	"github.com/roborock-go/rrcore/internal/wire"
)

// MaxInFlightRequests bounds how many outstanding requests a V1Channel
// expects to ever have in flight; the dedup LRU is sized to twice this so a
// slow duplicate arriving after its sibling still finds its key present.
const MaxInFlightRequests = 64

// NetworkInfo is the decoded payload of a get_networking_info RPC.
type NetworkInfo struct {
	IP       string
	SSID     string
	BSSID    string
	RSSI     int
	FetchedAt time.Time
}

// RPCSender is the subset of *rpc.RpcChannel that V1Channel depends on,
// narrowed so tests can substitute a fake. SendRPC carries the dps/101-102
// envelope encoding itself, so V1Channel never touches a raw wire.Frame for
// its own command traffic.
type RPCSender interface {
	SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(cb func(wire.Frame)) (transport.Subscription, error)
	IsConnected() bool
	Close() error
}

// NetworkInfoFetcher performs the actual get_networking_info RPC and
// decodes its response; injected so V1Channel doesn't own JSON shape.
type NetworkInfoFetcher func(ctx context.Context, mqtt RPCSender) (NetworkInfo, error)

type dedupKey struct {
	protocol int
	sequence uint32
}

// V1Channel owns a cloud MqttChannel and a lazily-present LocalChannel, and
// implements the local-preferred / cloud-fallback routing policy.
type V1Channel struct {
	duid string

	mqtt  RPCSender
	local RPCSender // nil until a LocalChannel is known/dialed

	cloudOnly *cloudonly.List

	dedup *lru.Cache[dedupKey, struct{}]

	fetchNetworkInfo NetworkInfoFetcher
	netInfoTTL       time.Duration
	sf               singleflight.Group

	mu          sync.Mutex
	netInfo     NetworkInfo
	netInfoSet  bool

	logger zerolog.Logger
}

// Config configures a new V1Channel.
type Config struct {
	DUID             string
	CloudOnly        *cloudonly.List
	NetworkInfoTTL   time.Duration
	FetchNetworkInfo NetworkInfoFetcher
}

func New(mqtt RPCSender, local RPCSender, cfg Config, logger zerolog.Logger) (*V1Channel, error) {
	cache, err := lru.New[dedupKey, struct{}](2 * MaxInFlightRequests)
	if err != nil {
		return nil, err
	}
	ttl := cfg.NetworkInfoTTL
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &V1Channel{
		duid:             cfg.DUID,
		mqtt:             mqtt,
		local:            local,
		cloudOnly:        cfg.CloudOnly,
		dedup:            cache,
		fetchNetworkInfo: cfg.FetchNetworkInfo,
		netInfoTTL:       ttl,
		logger:           logger,
	}, nil
}

// SetLocal installs (or replaces) the local leg, e.g. once a LocalChannel
// finishes dialing after the device's LAN IP becomes known.
func (c *V1Channel) SetLocal(local RPCSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = local
}

// SendCommand encodes method/params as a dps/101 RPC request, routes it per
// the local-preferred / cloud-fallback / cloud-only policy, and returns the
// decoded dps/102 result.
func (c *V1Channel) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.cloudOnly.Contains(method) {
		return c.mqtt.SendRPC(ctx, method, params)
	}

	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	if local != nil && local.IsConnected() {
		result, err := local.SendRPC(ctx, method, params)
		if err == nil {
			return result, nil
		}
		if !errs.Transient(err) {
			return result, err
		}
		c.logger.Debug().Str("duid", c.duid).Str("method", method).Err(err).Msg("local send failed, retrying over cloud")
	}

	return c.mqtt.SendRPC(ctx, method, params)
}

// Subscribe fans in frames from both legs, deduplicating by (protocol,
// sequence) so a frame delivered on both the local and cloud leg (or
// retried by SendCommand's fallback) is only observed once by cb. Only the
// legs present when Subscribe is called are subscribed; a local leg
// installed later by SetLocal does not feed cb.
func (c *V1Channel) Subscribe(cb func(wire.Frame)) (transport.Subscription, error) {
	wrapped := func(f wire.Frame) {
		key := dedupKey{protocol: f.Protocol, sequence: f.Sequence}
		if _, seen := c.dedup.Get(key); seen {
			return
		}
		c.dedup.Add(key, struct{}{})
		cb(f)
	}

	mqttSub, err := c.mqtt.Subscribe(wrapped)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	var localSub transport.Subscription
	if local != nil {
		localSub, err = local.Subscribe(wrapped)
		if err != nil {
			mqttSub.Unsubscribe()
			return nil, err
		}
	}

	return fanInSub{mqttSub, localSub}, nil
}

type fanInSub struct {
	mqtt  transport.Subscription
	local transport.Subscription
}

func (s fanInSub) Unsubscribe() {
	s.mqtt.Unsubscribe()
	if s.local != nil {
		s.local.Unsubscribe()
	}
}

// NetworkInfo returns the device's current networking info, refreshing it
// over MQTT if the cached value is older than the TTL. Concurrent callers
// share one in-flight refresh via singleflight. If the cache is stale and
// MQTT is unreachable, the stale value is returned rather than an error.
func (c *V1Channel) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	c.mu.Lock()
	info := c.netInfo
	fresh := c.netInfoSet && time.Since(info.FetchedAt) < c.netInfoTTL
	c.mu.Unlock()
	if fresh {
		return info, nil
	}

	v, err, _ := c.sf.Do(c.duid+":network_info", func() (interface{}, error) {
		if c.fetchNetworkInfo == nil {
			return NetworkInfo{}, errs.New(errs.KindProtocolError, "no network info fetcher configured")
		}
		ni, ferr := c.fetchNetworkInfo(ctx, c.mqtt)
		if ferr != nil {
			return NetworkInfo{}, ferr
		}
		ni.FetchedAt = time.Now()
		c.mu.Lock()
		c.netInfo = ni
		c.netInfoSet = true
		c.mu.Unlock()
		return ni, nil
	})
	if err != nil {
		c.mu.Lock()
		stale, ok := c.netInfo, c.netInfoSet
		c.mu.Unlock()
		if ok {
			c.logger.Warn().Str("duid", c.duid).Err(err).Msg("network info refresh failed, serving stale cache")
			return stale, nil
		}
		return NetworkInfo{}, err
	}
	return v.(NetworkInfo), nil
}

func (c *V1Channel) IsConnected() bool {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	return c.mqtt.IsConnected() || (local != nil && local.IsConnected())
}

func (c *V1Channel) Close() error {
	var err error
	if e := c.mqtt.Close(); e != nil {
		err = e
	}
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local != nil {
		if e := local.Close(); e != nil {
			err = e
		}
	}
	return err
}

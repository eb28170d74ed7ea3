// Package manager builds and supervises one Device per entry in a home's
// device list, fanning out connection attempts and aggregating failures
// without letting one bad device take down the rest.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roborock-go/rrcore/internal/cache"
	"github.com/roborock-go/rrcore/internal/cloudonly"
	"github.com/roborock-go/rrcore/internal/composite"
	"github.com/roborock-go/rrcore/internal/device"
	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/homedata"
	rrmetrics "github.com/roborock-go/rrcore/internal/metrics"
	"github.com/roborock-go/rrcore/internal/router"
	"github.com/roborock-go/rrcore/internal/rpc"
	"github.com/roborock-go/rrcore/internal/transport"
	"github.com/roborock-go/rrcore/internal/wire"
)

// Config carries what DeviceManager needs to build one channel per device.
// AccountID and MQTTClient are the "user" and "client" segments of every
// device's MQTT topic pair; MQTTClient is normally the value
// transport.DeriveRriotCredentials derives from the account's rriot triple.
type Config struct {
	AccountID        string
	MQTTClient       string
	Session          transport.Session
	Cache            cache.Cache
	CloudOnly        *cloudonly.List
	FetchNetworkInfo composite.NetworkInfoFetcher
}

// b01Channel adapts an rpc.RpcChannel plus its B01Router into the
// device.Channel contract: generic request/response still flows through
// the RPC correlator, while B01Router fans out prop updates independently
// for callers that want the flattened, nested-wins dps view.
type b01Channel struct {
	rpcCh  *rpc.RpcChannel
	router *router.B01Router
}

func (c *b01Channel) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.rpcCh.SendRPC(ctx, method, params)
}

func (c *b01Channel) Subscribe(cb func(wire.Frame)) (transport.Subscription, error) {
	return c.rpcCh.Subscribe(cb)
}

func (c *b01Channel) IsConnected() bool { return c.rpcCh.IsConnected() }

func (c *b01Channel) Close() error {
	c.router.Close()
	return c.rpcCh.Close()
}

// Router exposes the underlying B01Router so callers can subscribe to
// flattened prop updates directly, bypassing Device's generic dispatch.
func (c *b01Channel) Router() *router.B01Router { return c.router }

// managedDevice bundles a Device with the family-specific router, if any,
// so DeviceManager can expose prop-update subscription for B01 devices.
type managedDevice struct {
	*device.Device
	b01Router *router.B01Router
}

// DeviceManager owns the shared MQTT session and one Device per home
// device, building the right composite channel per family tag.
type DeviceManager struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	devices map[string]*managedDevice
}

func New(cfg Config, logger zerolog.Logger) *DeviceManager {
	return &DeviceManager{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]*managedDevice),
	}
}

// Build constructs (but does not connect) one Device per entry in home,
// replacing any existing device with the same duid.
func (m *DeviceManager) Build(home homedata.Home) error {
	for _, hd := range home.Devices {
		d, err := m.buildOne(hd)
		if err != nil {
			return fmt.Errorf("build device %s: %w", hd.DUID, err)
		}
		m.mu.Lock()
		m.devices[hd.DUID] = d
		m.mu.Unlock()
	}
	return nil
}

func (m *DeviceManager) buildOne(hd homedata.Device) (*managedDevice, error) {
	keys := wire.KeySet{LocalKey: []byte(hd.LocalKey)}
	devMetrics := rrmetrics.NewChannel(nil, hd.DUID)

	mqttChannel := transport.NewMqttChannel(m.cfg.Session, m.cfg.AccountID, m.cfg.MQTTClient, hd.DUID, keys, devMetrics, m.logger)
	if err := mqttChannel.Start(); err != nil {
		return nil, err
	}

	mqttRpc, err := rpc.NewRpcChannel(mqttChannel, m.logger)
	if err != nil {
		return nil, err
	}

	switch hd.Family {
	case homedata.FamilyB01:
		r := router.New(devMetrics, m.logger)
		if _, err := mqttRpc.Subscribe(r.Feed); err != nil {
			return nil, err
		}
		ch := &b01Channel{rpcCh: mqttRpc, router: r}
		dev := device.New(hd.DUID, ch, nil, m.logger)
		return &managedDevice{Device: dev, b01Router: r}, nil

	case homedata.FamilyV1:
		v1Cfg := composite.Config{
			DUID:             hd.DUID,
			CloudOnly:        m.cfg.CloudOnly,
			FetchNetworkInfo: m.cfg.FetchNetworkInfo,
		}

		v1, err := composite.New(mqttRpc, nil, v1Cfg, m.logger)
		if err != nil {
			return nil, err
		}

		go m.dialLocal(hd, v1, devMetrics)

		dev := device.New(hd.DUID, v1, nil, m.logger)
		return &managedDevice{Device: dev}, nil

	default:
		return nil, errs.New(errs.KindProtocolError, fmt.Sprintf("unknown device family %q for duid %s", hd.Family, hd.DUID))
	}
}

// dialLocal resolves hd's LAN address, preferring the device's freshly
// fetched NetworkInfo over the home-data snapshot's possibly-stale LocalIP,
// then dials and installs a LocalChannel on v1 so SendCommand starts
// preferring the local leg as soon as it's reachable. Runs in the
// background, once per Build; a failure here leaves the device on its cloud
// leg, and nothing dials the local leg again.
func (m *DeviceManager) dialLocal(hd homedata.Device, v1 *composite.V1Channel, devMetrics *rrmetrics.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	host := hd.LocalIP
	if info, err := v1.NetworkInfo(ctx); err == nil && info.IP != "" {
		host = info.IP
	}
	if host == "" {
		return
	}

	preferred := ""
	if m.cfg.Cache != nil {
		if v, ok := m.cfg.Cache.PreferredVersion(hd.DUID); ok {
			preferred = v
		}
	}

	localCh := transport.NewLocalChannel(transport.LocalChannelConfig{
		Host:             host,
		LocalKey:         []byte(hd.LocalKey),
		PreferredVersion: preferred,
	}, devMetrics, m.logger)

	if err := localCh.Dial(ctx); err != nil {
		m.logger.Debug().Str("duid", hd.DUID).Str("host", host).Err(err).Msg("local channel dial failed, device stays on its cloud leg")
		return
	}
	if m.cfg.Cache != nil {
		_ = m.cfg.Cache.SetPreferredVersion(hd.DUID, localCh.NegotiatedVersion())
	}

	local, err := rpc.NewRpcChannel(localCh, m.logger)
	if err != nil {
		m.logger.Warn().Str("duid", hd.DUID).Err(err).Msg("failed to wrap dialed local channel")
		return
	}
	v1.SetLocal(local)
}

// ConnectAll starts every built device's reconnect loop concurrently and
// waits until each device is ready or ctx is done. A device that is not
// ready by then (still retrying, or stopped by a non-transient error)
// doesn't stop the others; each such device is collected into one
// aggregate error.
func (m *DeviceManager) ConnectAll(ctx context.Context) error {
	m.mu.Lock()
	devices := make(map[string]*managedDevice, len(m.devices))
	for duid, d := range m.devices {
		devices[duid] = d
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errM *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	for duid, d := range devices {
		duid, d := duid, d
		g.Go(func() error {
			ready := make(chan struct{})
			d.AddReadyCallback(func() { close(ready) })
			d.Connect(gctx)

			select {
			case <-ready:
			case <-gctx.Done():
				mu.Lock()
				errM = multierror.Append(errM, fmt.Errorf("device %s: %w", duid, gctx.Err()))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if errM != nil {
		return errM.ErrorOrNil()
	}
	return nil
}

// Device returns the built Device for duid, if any.
func (m *DeviceManager) Device(duid string) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[duid]
	if !ok {
		return nil, false
	}
	return d.Device, true
}

// PropUpdates returns duid's B01Router for prop-update subscription, if
// duid is a B01-family device.
func (m *DeviceManager) PropUpdates(duid string) (*router.B01Router, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[duid]
	if !ok || d.b01Router == nil {
		return nil, false
	}
	return d.b01Router, true
}

// CloseAll closes every managed device.
func (m *DeviceManager) CloseAll() error {
	m.mu.Lock()
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	var errM *multierror.Error
	for _, d := range devices {
		if err := d.Close(); err != nil {
			errM = multierror.Append(errM, err)
		}
	}
	return errM.ErrorOrNil()
}

// Command rrcored is the device connectivity daemon: it loads an account's
// home data, brings up one channel per device (MQTT cloud leg, optional
// local leg), and keeps every device's reconnect loop running until told to
// stop.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/roborock-go/rrcore/internal/cache"
	"github.com/roborock-go/rrcore/internal/cloudonly"
	"github.com/roborock-go/rrcore/internal/composite"
	"github.com/roborock-go/rrcore/internal/config"
	"github.com/roborock-go/rrcore/internal/errs"
	"github.com/roborock-go/rrcore/internal/homedata"
	"github.com/roborock-go/rrcore/internal/manager"
	"github.com/roborock-go/rrcore/internal/transport"
)

func main() {
	configPath := pflag.String("config", "", "path to rrcore.yaml (defaults to $RRCORE_CONFIG or configs/rrcore.yaml)")
	homeDataPath := pflag.String("home-data", "", "path to a JSON file holding the account's decoded home/device list")
	rriotU := pflag.String("rriot-u", "", "rriot account id (\"u\"); also the MQTT topic's user segment")
	rriotS := pflag.String("rriot-s", "", "rriot account secret (\"s\") used to derive the MQTT password")
	rriotK := pflag.String("rriot-k", "", "rriot endpoint key (\"k\") used to derive the MQTT client id/password")
	metricsAddr := pflag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	pflag.Parse()

	rriot := transport.DeriveRriotCredentials(*rriotU, *rriotS, *rriotK)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	logger.Info().Str("host", cfg.MQTT.Host).Int("port", cfg.MQTT.Port).Msg("starting rrcored")

	go func() {
		http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		logger.Info().Str("addr", *metricsAddr).Msg("serving metrics")
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	var deviceCache cache.Cache
	switch cfg.Cache.Backend {
	case "sqlite":
		deviceCache, err = cache.NewSQLiteCache(cfg.Cache.Path)
	default:
		deviceCache = cache.NewFileCache(cfg.Cache.Path)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open device cache")
	}

	home, err := loadHomeData(*homeDataPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load home data")
	}

	session := transport.NewPahoSession(transport.SessionConfig{
		BrokerURL:      brokerURL(cfg),
		Username:       rriot.Username,
		Password:       rriot.Password,
		ClientIDSeed:   cfg.MQTT.ClientPrefix,
		KeepAlive:      time.Duration(cfg.MQTT.KeepAliveSecs) * time.Second,
		ConnectTimeout: cfg.ConnectTimeout(),
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		Multiplier:     cfg.Retry.Multiplier,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect MQTT session")
	}
	defer session.Close()

	mgr := manager.New(manager.Config{
		AccountID:        *rriotU,
		MQTTClient:       rriot.Client,
		Session:          session,
		Cache:            deviceCache,
		CloudOnly:        cloudonly.NewList(cloudOnlyMethods()...),
		FetchNetworkInfo: fetchNetworkInfo,
	}, logger)

	if err := mgr.Build(home); err != nil {
		logger.Fatal().Err(err).Msg("failed to build device channels")
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.ConnectTimeout()*4)
	if err := mgr.ConnectAll(connectCtx); err != nil {
		logger.Warn().Err(err).Msg("one or more devices failed to come up within the bring-up window")
	}
	cancelConnect()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	if err := mgr.CloseAll(); err != nil {
		logger.Error().Err(err).Msg("error while closing devices")
	}
}

func brokerURL(cfg config.Config) string {
	return "tcp://" + cfg.MQTT.Host + ":" + strconv.Itoa(cfg.MQTT.Port)
}

// loadHomeData reads a pre-fetched JSON snapshot of the account's home/device
// list. Fetching it live from the cloud account API is out of scope; only
// the shape DeviceManager consumes is implemented.
func loadHomeData(path string) (homedata.Home, error) {
	if path == "" {
		return homedata.Home{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return homedata.Home{}, err
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return homedata.Home{}, err
	}
	return homedata.Decode(parsed)
}

// cloudOnlyMethods lists RPC methods that must always go over MQTT even
// when a local channel is healthy, e.g. ones needing the cloud account's
// broader context. Injected rather than hard-coded per the composite
// channel's routing policy.
func cloudOnlyMethods() []string {
	return []string{"get_networking_info", "app_get_dust_collection_mode"}
}

// fetchNetworkInfo performs the get_networking_info RPC and decodes its
// result into a composite.NetworkInfo. Trait/DP shape decoding beyond this
// single call is out of scope for the daemon entry point.
func fetchNetworkInfo(ctx context.Context, mqtt composite.RPCSender) (composite.NetworkInfo, error) {
	result, err := mqtt.SendRPC(ctx, "get_networking_info", []any{})
	if err != nil {
		return composite.NetworkInfo{}, err
	}

	var decoded struct {
		IP    string `json:"ip"`
		SSID  string `json:"ssid"`
		BSSID string `json:"bssid"`
		RSSI  int    `json:"rssi"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return composite.NetworkInfo{}, errs.Wrap(errs.KindProtocolError, "decode get_networking_info response", err)
	}
	return composite.NetworkInfo{IP: decoded.IP, SSID: decoded.SSID, BSSID: decoded.BSSID, RSSI: decoded.RSSI}, nil
}

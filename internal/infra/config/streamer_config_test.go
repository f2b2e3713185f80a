package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "binance.com", cfg.Manager.Exchange)
	require.Equal(t, 5*time.Second, cfg.Manager.PingInterval)
	require.Equal(t, 10*time.Minute, cfg.Manager.ListenKeyCacheTime)
	require.Equal(t, "meltica.ws", cfg.NATS.SubjectPrefix)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
manager:
  exchange: Binance.com-Futures
  maxSubscriptions: 200
  outputDefault: dict
  pingInterval: 20s
  pingTimeout: 30s
  restartTimeout: 3s
  maxSendMessagesPerSecond: 10
  maxSendMessagesPerSecondReserve: 4
  proxy:
    server: " 127.0.0.1:1080 "
streams:
  - label: trades
    channels: [trade, kline_1m]
    markets: [btcusdt, ethusdt]
    publish: true
monitoring:
  addr: ":64201"
  summaryInterval: 1m
nats:
  url: nats://127.0.0.1:4222
telemetry:
  serviceName: streamer
  enableMetrics: true
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "binance.com-futures", cfg.Manager.Exchange)
	require.Equal(t, 200, cfg.Manager.MaxSubscriptions)
	require.Equal(t, "dict", cfg.Manager.OutputDefault)
	require.Equal(t, 20*time.Second, cfg.Manager.PingInterval)
	require.Equal(t, 3*time.Second, cfg.Manager.RestartTimeout)
	require.Equal(t, time.Second, cfg.Manager.CloseTimeout)
	require.Equal(t, "127.0.0.1:1080", cfg.Manager.Proxy.Server)
	require.Len(t, cfg.Streams, 1)
	require.True(t, cfg.Streams[0].Publish)
	require.Equal(t, time.Minute, cfg.Monitoring.SummaryInterval)
	require.True(t, strings.HasPrefix(cfg.Monitoring.DocsURL, "https://"))
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoadCredentialsFromEnvironment(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	path := writeConfig(t, `
streams:
  - label: account
    channels: [arr]
    markets: ["!userData"]
  - label: own
    api: true
    apiKey: file-key
    apiSecret: file-secret
  - label: public
    channels: [trade]
    markets: [btcusdt]
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Streams[0].APIKey)
	require.Equal(t, "env-secret", cfg.Streams[0].APISecret)
	require.Equal(t, "file-key", cfg.Streams[1].APIKey)
	require.Empty(t, cfg.Streams[2].APIKey, "public streams carry no credentials")
}

func TestLoadValidation(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	tests := []struct {
		name string
		body string
		want string
	}{
		{"environment", "environment: qa\n", "environment must be one of"},
		{"output", "manager:\n  outputDefault: xml\n", "outputDefault"},
		{"reserve", "manager:\n  maxSendMessagesPerSecond: 2\n  maxSendMessagesPerSecondReserve: 2\n", "maxSendMessagesPerSecondReserve"},
		{"ping", "manager:\n  pingInterval: 30s\n  pingTimeout: 10s\n", "pingTimeout"},
		{"stream sets", "streams:\n  - label: x\n    channels: [trade]\n", "streams[0]: channels and markets required"},
		{"credentials", "streams:\n  - label: x\n    channels: [arr]\n    markets: [\"!userData\"]\n", "apiKey required"},
		{"labels", "streams:\n  - {label: x, channels: [trade], markets: [btcusdt]}\n  - {label: x, channels: [trade], markets: [ethusdt]}\n", "duplicate stream label"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/infra/config"
	"github.com/coachpo/meltica-ws/internal/infra/natssink"
	"github.com/coachpo/meltica-ws/internal/stream"
)

type nopConn struct{ published int }

func (c *nopConn) Publish(string, []byte) error {
	c.published++
	return nil
}
func (c *nopConn) FlushTimeout(time.Duration) error { return nil }
func (c *nopConn) Drain() error                     { return nil }

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/streamer.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/streamer.yaml", resolveConfigPath("/etc/streamer.yaml"))
}

func TestManagerOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Manager
	cfg.Exchange = "binance.com-futures"
	cfg.ExchangeType = "cex"
	cfg.WebsocketBaseURI = "wss://example.test/"
	cfg.OutputDefault = "dict"
	cfg.Proxy = config.ProxyConfig{Server: "127.0.0.1:1080", User: "u", Pass: "p", SSLVerification: true}
	cfg.Debug = true

	opts := managerOptions(cfg, nil)
	require.Equal(t, "binance.com-futures", opts.Exchange)
	require.Equal(t, endpoint.TypeCEX, opts.Overrides.ExchangeType)
	require.Equal(t, "wss://example.test/", opts.Overrides.WebsocketBaseURI)
	require.Equal(t, stream.OutputMode("dict"), opts.OutputDefault)
	require.Equal(t, cfg.PingInterval, opts.PingIntervalDefault)
	require.Equal(t, cfg.RestartTimeout, opts.RestartTimeout)
	require.Equal(t, cfg.MaxSendMessagesPerSecondReserve, opts.MaxSendMessagesPerSecondReserve)
	require.Equal(t, stream.ProxyConfig{Server: "127.0.0.1:1080", User: "u", Pass: "p", SSLVerification: true}, opts.Proxy)
	require.True(t, opts.Debug)
}

func TestStreamOptionsFromConfig(t *testing.T) {
	conn := &nopConn{}
	publisher := natssink.New(conn, "md", nil)
	sc := config.StreamConfig{
		Label:      "trades",
		Symbols:    []string{"btcusdt"},
		Output:     "raw",
		BufferName: "shared",
		APIKey:     "key",
		APISecret:  "secret",
		Publish:    true,
	}

	opts := streamOptions(sc, publisher)
	require.Equal(t, "trades", opts.Label)
	require.Equal(t, []string{"btcusdt"}, opts.Symbols)
	require.Equal(t, "shared", opts.BufferName)
	require.Equal(t, "key", opts.Credentials.APIKey)
	require.NotNil(t, opts.ProcessStreamData)
	opts.ProcessStreamData(stream.Record{StreamID: "id", Payload: []byte("{}")})
	require.Equal(t, 1, conn.published)

	sc.Publish = false
	require.Nil(t, streamOptions(sc, publisher).ProcessStreamData)
	sc.Publish = true
	require.Nil(t, streamOptions(sc, nil).ProcessStreamData, "publishing needs a connection")
}

func TestGracefulShutdownWithoutComponents(t *testing.T) {
	cancelled := false
	logger := log.New(io.Discard, "", 0)
	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
	})
	if !cancelled {
		t.Fatalf("expected main context to be cancelled")
	}
}

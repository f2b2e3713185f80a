package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/proxy"
)

const defaultUserAgent = "meltica-ws/1.0"

// ProxyConfig routes every connection through a SOCKS5 proxy when Server is set.
type ProxyConfig struct {
	Server string
	User   string
	Pass   string
	// SSLVerification verifies the exchange certificate behind the proxy.
	SSLVerification bool
}

func (p ProxyConfig) enabled() bool {
	return strings.TrimSpace(p.Server) != ""
}

// newDialOptions returns the websocket dial options shared by every worker.
func newDialOptions(cfg ProxyConfig, userAgent string) (*websocket.DialOptions, error) {
	header := http.Header{}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	header.Set("User-Agent", userAgent)
	opts := &websocket.DialOptions{
		HTTPClient:           nil,
		HTTPHeader:           header,
		Subprotocols:         nil,
		CompressionMode:      websocket.CompressionDisabled,
		CompressionThreshold: 0,
	}
	if !cfg.enabled() {
		return opts, nil
	}
	client, err := socks5Client(cfg)
	if err != nil {
		return nil, err
	}
	opts.HTTPClient = client
	return opts, nil
}

func socks5Client(cfg ProxyConfig) (*http.Client, error) {
	var auth *proxy.Auth
	if cfg.User != "" {
		auth = &proxy.Auth{User: cfg.User, Password: cfg.Pass}
	}
	forward := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	dialer, err := proxy.SOCKS5("tcp", cfg.Server, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", cfg.Server, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 proxy %s: dialer does not support contexts", cfg.Server)
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.SSLVerification, //nolint:gosec // opt-out is a documented proxy option
		},
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Transport:     transport,
		CheckRedirect: nil,
		Jar:           nil,
		Timeout:       0,
	}, nil
}

// Package endpoint holds the exchange endpoint catalog and the subscription planners for
// the two wire dialects spoken by Binance-family WebSocket endpoints.
package endpoint

import (
	"sort"
	"strings"

	"github.com/coachpo/meltica-ws/errs"
)

// Type selects the wire dialect of an endpoint.
type Type string

const (
	// TypeCEX speaks the `market@channel` SUBSCRIBE/UNSUBSCRIBE dialect.
	TypeCEX Type = "cex"
	// TypeDEX speaks the topic+symbols dialect.
	TypeDEX Type = "dex"
)

// Exchange selectors known to the catalog.
const (
	BinanceCom                      = "binance.com"
	BinanceComTestnet               = "binance.com-testnet"
	BinanceComMargin                = "binance.com-margin"
	BinanceComMarginTestnet         = "binance.com-margin-testnet"
	BinanceComIsolatedMargin        = "binance.com-isolated_margin"
	BinanceComIsolatedMarginTestnet = "binance.com-isolated_margin-testnet"
	BinanceComFutures               = "binance.com-futures"
	BinanceComFuturesTestnet        = "binance.com-futures-testnet"
	BinanceComCoinFutures           = "binance.com-coin_futures"
	BinanceUS                       = "binance.us"
	TRBinanceCom                    = "trbinance.com"
	BinanceOrg                      = "binance.org"
	BinanceOrgTestnet               = "binance.org-testnet"

	// DefaultExchange is used when no selector is configured.
	DefaultExchange = BinanceCom
)

const (
	defaultMaxSubscriptions     = 1024
	futuresMaxSubscriptions     = 200
	spotListenKeyPath           = "/api/v3/userDataStream"
	marginListenKeyPath         = "/sapi/v1/userDataStream"
	isolatedMarginListenKeyPath = "/sapi/v1/userDataStream/isolated"
	futuresListenKeyPath        = "/fapi/v1/listenKey"
	coinFuturesListenKeyPath    = "/dapi/v1/listenKey"
)

// Endpoint describes one exchange variant.
type Endpoint struct {
	Exchange            string
	Type                Type
	MaxSubscriptions    int
	WebsocketBaseURI    string
	WebsocketAPIBaseURI string
	RestfulBaseURI      string
	ListenKeyPath       string
}

// Overrides replace catalog values; zero fields keep the catalog default.
type Overrides struct {
	WebsocketBaseURI    string
	WebsocketAPIBaseURI string
	RestfulBaseURI      string
	MaxSubscriptions    int
	ExchangeType        Type
}

var catalog = map[string]Endpoint{
	BinanceCom: {
		Exchange:            BinanceCom,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream.binance.com:9443/",
		WebsocketAPIBaseURI: "wss://ws-api.binance.com/ws-api/v3",
		RestfulBaseURI:      "https://api.binance.com",
		ListenKeyPath:       spotListenKeyPath,
	},
	BinanceComTestnet: {
		Exchange:            BinanceComTestnet,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://testnet.binance.vision/",
		WebsocketAPIBaseURI: "wss://testnet.binance.vision/ws-api/v3",
		RestfulBaseURI:      "https://testnet.binance.vision",
		ListenKeyPath:       spotListenKeyPath,
	},
	BinanceComMargin: {
		Exchange:            BinanceComMargin,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream.binance.com:9443/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://api.binance.com",
		ListenKeyPath:       marginListenKeyPath,
	},
	BinanceComMarginTestnet: {
		Exchange:            BinanceComMarginTestnet,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://testnet.binance.vision/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://testnet.binance.vision",
		ListenKeyPath:       marginListenKeyPath,
	},
	BinanceComIsolatedMargin: {
		Exchange:            BinanceComIsolatedMargin,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream.binance.com:9443/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://api.binance.com",
		ListenKeyPath:       isolatedMarginListenKeyPath,
	},
	BinanceComIsolatedMarginTestnet: {
		Exchange:            BinanceComIsolatedMarginTestnet,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://testnet.binance.vision/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://testnet.binance.vision",
		ListenKeyPath:       isolatedMarginListenKeyPath,
	},
	BinanceComFutures: {
		Exchange:            BinanceComFutures,
		Type:                TypeCEX,
		MaxSubscriptions:    futuresMaxSubscriptions,
		WebsocketBaseURI:    "wss://fstream.binance.com/",
		WebsocketAPIBaseURI: "wss://ws-fapi.binance.com/ws-fapi/v1",
		RestfulBaseURI:      "https://fapi.binance.com",
		ListenKeyPath:       futuresListenKeyPath,
	},
	BinanceComFuturesTestnet: {
		Exchange:            BinanceComFuturesTestnet,
		Type:                TypeCEX,
		MaxSubscriptions:    futuresMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream.binancefuture.com/",
		WebsocketAPIBaseURI: "wss://testnet.binancefuture.com/ws-fapi/v1",
		RestfulBaseURI:      "https://testnet.binancefuture.com",
		ListenKeyPath:       futuresListenKeyPath,
	},
	BinanceComCoinFutures: {
		Exchange:            BinanceComCoinFutures,
		Type:                TypeCEX,
		MaxSubscriptions:    futuresMaxSubscriptions,
		WebsocketBaseURI:    "wss://dstream.binance.com/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://dapi.binance.com",
		ListenKeyPath:       coinFuturesListenKeyPath,
	},
	BinanceUS: {
		Exchange:            BinanceUS,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream.binance.us:9443/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://api.binance.us",
		ListenKeyPath:       spotListenKeyPath,
	},
	TRBinanceCom: {
		Exchange:            TRBinanceCom,
		Type:                TypeCEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://stream-cloud.trbinance.com/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://api.binance.me",
		ListenKeyPath:       spotListenKeyPath,
	},
	BinanceOrg: {
		Exchange:            BinanceOrg,
		Type:                TypeDEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://dex.binance.org/api/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://dex.binance.org/api",
		ListenKeyPath:       "",
	},
	BinanceOrgTestnet: {
		Exchange:            BinanceOrgTestnet,
		Type:                TypeDEX,
		MaxSubscriptions:    defaultMaxSubscriptions,
		WebsocketBaseURI:    "wss://testnet-dex.binance.org/api/",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "https://testnet-dex.binance.org/api",
		ListenKeyPath:       "",
	},
}

// Lookup resolves exchange from the catalog and applies overrides on top of it.
func Lookup(exchange string, overrides Overrides) (Endpoint, error) {
	name := strings.TrimSpace(exchange)
	if name == "" {
		name = DefaultExchange
	}
	ep, ok := catalog[name]
	if !ok {
		return Endpoint{}, errs.New(name, errs.CodeUnrecoverable,
			errs.WithMessage("unknown exchange "+name),
			errs.WithCanonicalCode(errs.CanonicalUnknownExchange))
	}
	if overrides.WebsocketBaseURI != "" {
		ep.WebsocketBaseURI = withTrailingSlash(overrides.WebsocketBaseURI)
	}
	if overrides.WebsocketAPIBaseURI != "" {
		ep.WebsocketAPIBaseURI = overrides.WebsocketAPIBaseURI
	}
	if overrides.RestfulBaseURI != "" {
		ep.RestfulBaseURI = strings.TrimRight(overrides.RestfulBaseURI, "/")
	}
	if overrides.MaxSubscriptions > 0 {
		ep.MaxSubscriptions = overrides.MaxSubscriptions
	}
	switch overrides.ExchangeType {
	case TypeCEX, TypeDEX:
		ep.Type = overrides.ExchangeType
	case "":
	default:
		return Endpoint{}, errs.New(name, errs.CodeInvalid,
			errs.WithMessage("unsupported exchange type "+string(overrides.ExchangeType)))
	}
	return ep, nil
}

// Exchanges lists the catalog selectors in lexical order.
func Exchanges() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SupportsUserData reports whether the endpoint can hand out listen keys.
func (e Endpoint) SupportsUserData() bool {
	return e.ListenKeyPath != "" && e.RestfulBaseURI != ""
}

// IsolatedMargin reports whether listen keys require a symbol.
func (e Endpoint) IsolatedMargin() bool {
	return e.ListenKeyPath == isolatedMarginListenKeyPath
}

func withTrailingSlash(uri string) string {
	if strings.HasSuffix(uri, "/") {
		return uri
	}
	return uri + "/"
}

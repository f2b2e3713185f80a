package endpoint

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/errs"
)

func TestLookupDefaultsToBinanceCom(t *testing.T) {
	ep, err := Lookup("", Overrides{})
	require.NoError(t, err)
	require.Equal(t, BinanceCom, ep.Exchange)
	require.Equal(t, TypeCEX, ep.Type)
	require.Equal(t, 1024, ep.MaxSubscriptions)
	require.Equal(t, "wss://stream.binance.com:9443/", ep.WebsocketBaseURI)
	require.True(t, ep.SupportsUserData())
}

func TestLookupUnknownExchange(t *testing.T) {
	_, err := Lookup("binance.moon", Overrides{})
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeUnrecoverable))
	require.True(t, errs.HasCanonical(err, errs.CanonicalUnknownExchange))
}

func TestLookupAppliesOverrides(t *testing.T) {
	ep, err := Lookup(BinanceComFutures, Overrides{
		WebsocketBaseURI:    "ws://127.0.0.1:9000",
		WebsocketAPIBaseURI: "",
		RestfulBaseURI:      "http://127.0.0.1:9001/",
		MaxSubscriptions:    10,
		ExchangeType:        "",
	})
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:9000/", ep.WebsocketBaseURI)
	require.Equal(t, "http://127.0.0.1:9001", ep.RestfulBaseURI)
	require.Equal(t, 10, ep.MaxSubscriptions)
	require.Equal(t, "wss://ws-fapi.binance.com/ws-fapi/v1", ep.WebsocketAPIBaseURI)

	_, err = Lookup(BinanceCom, Overrides{ExchangeType: "spot"})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestFuturesCapAndDexListenKeys(t *testing.T) {
	futures, err := Lookup(BinanceComFutures, Overrides{})
	require.NoError(t, err)
	require.Equal(t, 200, futures.MaxSubscriptions)

	dex, err := Lookup(BinanceOrg, Overrides{})
	require.NoError(t, err)
	require.Equal(t, TypeDEX, dex.Type)
	require.False(t, dex.SupportsUserData())

	isolated, err := Lookup(BinanceComIsolatedMargin, Overrides{})
	require.NoError(t, err)
	require.True(t, isolated.IsolatedMargin())
}

func TestExchangesSorted(t *testing.T) {
	names := Exchanges()
	if len(names) != 13 {
		t.Fatalf("expected 13 exchanges, got %d", len(names))
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("exchanges not sorted: %v", names)
	}
}

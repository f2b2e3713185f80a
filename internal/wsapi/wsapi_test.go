package wsapi

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/listenkey"
)

const docSecret = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"

func TestSignPayloadMatchesExchangeExample(t *testing.T) {
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	require.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", signPayload(payload, docSecret))
}

func TestCanonicalSortsAndSkipsSignature(t *testing.T) {
	params := map[string]any{
		"symbol":    "BTCUSDT",
		"timestamp": int64(1700000000000),
		"apiKey":    "k",
		"price":     decimal.RequireFromString("0.10"),
		"signature": "stale",
	}
	require.Equal(t, "apiKey=k&price=0.1&symbol=BTCUSDT&timestamp=1700000000000", Canonical(params))
	require.Equal(t, signPayload(Canonical(params), "s"), Sign(params, "s"))
}

func TestNewUUIDIDShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{12}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{8}$`)
	a, b := NewUUIDID(), NewUUIDID()
	require.Regexp(t, pattern, a)
	require.NotEqual(t, a, b)
	require.Len(t, a, 36)
}

func fixedBuilder(creds listenkey.Credentials) *Builder {
	n := 0
	return NewBuilder(creds,
		WithClock(func() time.Time { return time.UnixMilli(1700000000000) }),
		WithIDSource(func() string {
			n++
			return "req-" + string(rune('0'+n))
		}),
		WithRecvWindow(5*time.Second))
}

func TestCreateOrderSignsParams(t *testing.T) {
	b := fixedBuilder(listenkey.Credentials{APIKey: "key", APISecret: "secret"})
	req, clientID, err := b.CreateOrder(OrderRequest{
		Symbol:   "btcusdt",
		Side:     "buy",
		Type:     "",
		Price:    decimal.RequireFromString("25000.50"),
		Quantity: decimal.RequireFromString("0.001"),
		Test:     true,
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", clientID)
	require.Equal(t, "req-2", req.ID)
	require.Equal(t, "order.test", req.Method)
	require.Equal(t, "BTCUSDT", req.Params["symbol"])
	require.Equal(t, "GTC", req.Params["timeInForce"])
	require.Equal(t, int64(5000), req.Params["recvWindow"])
	require.Equal(t, Sign(req.Params, "secret"), req.Params["signature"])

	raw, err := endpoint.Encode(req)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"price":"25000.5"`)
}

func TestBuilderValidation(t *testing.T) {
	b := fixedBuilder(listenkey.Credentials{APIKey: "key", APISecret: "secret"})
	_, _, err := b.CreateOrder(OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Quantity: decimal.NewFromInt(1)})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	_, _, err = b.CreateOrder(OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: TypeLimit, Quantity: decimal.NewFromInt(1)})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	_, err = b.CancelOrder("BTCUSDT", 0, "")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	_, err = b.Depth("", 5)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	unsigned := fixedBuilder(listenkey.Credentials{})
	_, err = unsigned.AccountStatus()
	require.True(t, errs.HasCode(err, errs.CodeAuth))
	require.Equal(t, "ping", unsigned.Ping().Method)
	require.Nil(t, unsigned.Time().Params)
}

type recordingSender struct {
	streamID string
	creds    listenkey.Credentials
	sent     []endpoint.APIRequest
}

func (s *recordingSender) APIStream(streamID string) (string, listenkey.Credentials, error) {
	if streamID == "" {
		return s.streamID, s.creds, nil
	}
	if streamID != s.streamID {
		return "", listenkey.Credentials{}, errs.New(wsapiModule, errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalStreamNotFound))
	}
	return s.streamID, s.creds, nil
}

func (s *recordingSender) SendAPIRequest(_ context.Context, _ string, req endpoint.APIRequest, call CallOptions) ([]byte, error) {
	s.sent = append(s.sent, req)
	if call.ReturnResponse {
		return []byte(`{"id":"` + req.ID + `","status":200,"result":{}}`), nil
	}
	return nil, nil
}

func TestClientResolvesActiveStream(t *testing.T) {
	sender := &recordingSender{streamID: "api-1", creds: listenkey.Credentials{APIKey: "k", APISecret: "s"}}
	client := NewClient(sender)

	res, err := client.GetOpenOrders(context.Background(), "", "ethusdt", CallOptions{ReturnResponse: true})
	require.NoError(t, err)
	require.Equal(t, "api-1", res.StreamID)
	require.Contains(t, string(res.Response), res.RequestID)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "openOrders.status", sender.sent[0].Method)

	_, err = client.Ping(context.Background(), "missing", CallOptions{})
	require.True(t, errs.HasCanonical(err, errs.CanonicalStreamNotFound))
}

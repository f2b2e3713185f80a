package endpoint

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/errs"
)

type seqIDs struct{ n uint64 }

func (s *seqIDs) NextRequestID() uint64 {
	s.n++
	return s.n
}

func mustDialect(t *testing.T, exchange string) Dialect {
	t.Helper()
	ep, err := Lookup(exchange, Overrides{})
	require.NoError(t, err)
	return ep.Dialect(&seqIDs{})
}

func TestSingleStreamURI(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	plan, err := d.PlanURI(URIRequest{Channels: []string{"trade"}, Markets: []string{"BTCUSDT"}})
	require.NoError(t, err)
	require.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@trade", plan.URI)
	require.Empty(t, plan.Frames)
	require.Equal(t, 1, plan.Subscriptions)
}

func TestWildcardURIIsSymmetric(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	for _, wildcard := range []string{"!ticker", "!miniTicker"} {
		forward, err := d.PlanURI(URIRequest{Channels: []string{wildcard}, Markets: []string{Arr}})
		require.NoError(t, err)
		reverse, err := d.PlanURI(URIRequest{Channels: []string{Arr}, Markets: []string{wildcard}})
		require.NoError(t, err)
		require.Equal(t, "wss://stream.binance.com:9443/ws/"+wildcard+"@arr", forward.URI)
		require.Equal(t, forward.URI, reverse.URI)
	}

	book, err := d.PlanURI(URIRequest{Channels: []string{BookTicker}, Markets: []string{Arr}})
	require.NoError(t, err)
	require.Equal(t, "wss://stream.binance.com:9443/ws/!bookTicker", book.URI)
}

func TestUserDataURI(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	_, err := d.PlanURI(URIRequest{Channels: []string{Arr}, Markets: []string{UserData}})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	plan, err := d.PlanURI(URIRequest{Channels: []string{Arr}, Markets: []string{UserData}, ListenKey: "lk-1"})
	require.NoError(t, err)
	require.Equal(t, "wss://stream.binance.com:9443/ws/lk-1", plan.URI)

	_, err = d.PlanURI(URIRequest{Channels: []string{"trade", Arr}, Markets: []string{UserData, "btcusdt"}, ListenKey: "lk-1"})
	require.Error(t, err)
}

func TestMultiStreamURIWithWildcards(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	plan, err := d.PlanURI(URIRequest{
		Channels: []string{"trade", "kline_1m", "!miniTicker"},
		Markets:  []string{"bnbbtc", "ethbtc"},
	})
	require.NoError(t, err)
	require.Equal(t,
		"wss://stream.binance.com:9443/stream?streams=bnbbtc@trade/ethbtc@trade/bnbbtc@kline_1m/ethbtc@kline_1m/!miniTicker@arr",
		plan.URI)
	require.Empty(t, plan.Frames)
	require.Equal(t, 5, plan.Subscriptions)
}

func TestLongURIOverflowsIntoFrames(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	markets := make([]string, 1000)
	for i := range markets {
		markets[i] = fmt.Sprintf("mkt%04dusdt", i)
	}
	plan, err := d.PlanURI(URIRequest{Channels: []string{"trade"}, Markets: markets})
	require.NoError(t, err)
	require.LessOrEqual(t, len(plan.URI), maxURILength)
	require.NotEmpty(t, plan.Frames)

	inURI := strings.Count(plan.URI[strings.Index(plan.URI, "=")+1:], "/") + 1
	inFrames := 0
	for _, f := range plan.Frames {
		cf, ok := f.(ControlFrame)
		require.True(t, ok)
		require.Equal(t, MethodSubscribe, cf.Method)
		inFrames += len(cf.Params)
	}
	require.Equal(t, 1000, inURI+inFrames)
}

func TestSubscribeSplitsAtFrameBoundary(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	markets := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("m%d", i)
		}
		return out
	}

	frames := d.PlanSubscribe([]string{"trade"}, markets(MaxParamsPerFrame))
	require.Len(t, frames, 1)

	frames = d.PlanSubscribe([]string{"trade"}, markets(MaxParamsPerFrame+1))
	require.Len(t, frames, 2)
	first := frames[0].(ControlFrame)
	second := frames[1].(ControlFrame)
	require.Len(t, first.Params, MaxParamsPerFrame)
	require.Len(t, second.Params, 1)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSubscriptionCap(t *testing.T) {
	ep, err := Lookup(BinanceCom, Overrides{})
	require.NoError(t, err)
	require.NoError(t, ep.CheckLimit(1024))

	err = ep.CheckLimit(1025)
	require.True(t, errs.HasCode(err, errs.CodeLimitExceeded))
	require.Contains(t, err.Error(), "The limit of 1024 subscriptions per stream has been exceeded!")

	markets := make([]string, 1025)
	for i := range markets {
		markets[i] = fmt.Sprintf("m%d", i)
	}
	_, err = ep.Dialect(&seqIDs{}).PlanURI(URIRequest{Channels: []string{"trade"}, Markets: markets})
	require.True(t, errs.HasCanonical(err, errs.CanonicalSubscriptionLimit))
}

func TestCountSubscriptions(t *testing.T) {
	cases := []struct {
		channels []string
		markets  []string
		want     int
	}{
		{[]string{"trade"}, []string{"btcusdt"}, 1},
		{[]string{"!miniTicker"}, []string{Arr}, 1},
		{[]string{Arr}, []string{UserData}, 1},
		{[]string{"trade", "depth5"}, []string{"a", "b", "c"}, 6},
		{[]string{"trade", "!ticker"}, []string{"a", "b"}, 3},
	}
	for _, tc := range cases {
		if got := CountSubscriptions(tc.channels, tc.markets); got != tc.want {
			t.Fatalf("CountSubscriptions(%v, %v) = %d, want %d", tc.channels, tc.markets, got, tc.want)
		}
	}
}

func TestUnsubscribeCoversRemovedPairs(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	frames := d.PlanUnsubscribe(
		[]string{"trade"}, []string{"bnbbtc"},
		[]string{"depth5"}, []string{"ltcbtc"},
	)
	require.Len(t, frames, 1)
	cf := frames[0].(ControlFrame)
	require.Equal(t, MethodUnsubscribe, cf.Method)
	require.Equal(t, []string{"ltcbtc@trade", "bnbbtc@depth5", "ltcbtc@depth5"}, cf.Params)
}

func TestSubscribeThenUnsubscribeRestoresCount(t *testing.T) {
	d := mustDialect(t, BinanceCom)
	channels := []string{"trade"}
	markets := []string{"bnbbtc", "ethbtc"}
	before := CountSubscriptions(channels, markets)

	added := d.PlanSubscribe([]string{"depth5"}, []string{"ltcbtc"})
	require.Len(t, added, 1)
	grown := CountSubscriptions(append(channels, "depth5"), append(markets, "ltcbtc"))
	require.Greater(t, grown, before)

	removed := d.PlanUnsubscribe(channels, markets, []string{"depth5"}, []string{"ltcbtc"})
	require.NotEmpty(t, removed)
	require.Equal(t, before, CountSubscriptions(channels, markets))
}

func TestListSubscriptions(t *testing.T) {
	f, err := mustDialect(t, BinanceCom).ListSubscriptions()
	require.NoError(t, err)
	raw, err := Encode(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"LIST_SUBSCRIPTIONS","id":1}`, string(raw))

	_, err = mustDialect(t, BinanceOrg).ListSubscriptions()
	require.True(t, errs.HasCanonical(err, errs.CanonicalCapabilityMissing))
}

func TestDexPlans(t *testing.T) {
	d := mustDialect(t, BinanceOrg)
	address := "bnb1" + strings.Repeat("q", 38)
	require.True(t, IsDexAddress(address))

	plan, err := d.PlanURI(URIRequest{Channels: []string{"trades", AllTickers}, Markets: []string{"bnb_btcb-1de", address}})
	require.NoError(t, err)
	require.Equal(t, "wss://dex.binance.org/api/ws", plan.URI)
	require.Len(t, plan.Frames, 3)

	raw, err := Encode(plan.Frames[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"subscribe","topic":"trades","address":"`+address+`"}`, string(raw))
	raw, err = Encode(plan.Frames[1])
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"subscribe","topic":"trades","symbols":["BNB_BTCB-1DE"]}`, string(raw))
	raw, err = Encode(plan.Frames[2])
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"subscribe","topic":"allTickers","symbols":["$all"]}`, string(raw))

	single, err := d.PlanURI(URIRequest{Channels: []string{"orders"}, Markets: []string{address}})
	require.NoError(t, err)
	require.Equal(t, "wss://dex.binance.org/api/ws/"+address, single.URI)
	require.Len(t, single.Frames, 1)

	unsub := d.PlanUnsubscribe(nil, nil, []string{"trades"}, []string{"bnb_btcb-1de", address})
	require.Len(t, unsub, 2)
	raw, err = Encode(unsub[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"unsubscribe","symbols":["BNB_BTCB-1DE"]}`, string(raw))
	require.Equal(t, "", unsub[1].RequestID())
}

func TestRecognizeReply(t *testing.T) {
	cases := []struct {
		frame string
		kind  Reply
		id    string
	}{
		{`{"result":null,"id":7}`, ReplyResult, "7"},
		{`{"error":{"code":2,"msg":"Invalid request"},"id":"abc"}`, ReplyError, "abc"},
		{`{"e":"trade","s":"BTCUSDT","p":"1.0"}`, ReplyData, ""},
		{`{"stream":"x@trade","data":{"result":1}}`, ReplyData, ""},
		{`not json "result"`, ReplyData, ""},
	}
	for _, tc := range cases {
		kind, id := RecognizeReply([]byte(tc.frame))
		if kind != tc.kind || id != tc.id {
			t.Fatalf("RecognizeReply(%s) = (%s, %q), want (%s, %q)", tc.frame, kind, id, tc.kind, tc.id)
		}
	}
}

func TestStreamOfUnwrapsCombinedEnvelope(t *testing.T) {
	stream, data, ok := StreamOf([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","p":"1.5"}}`))
	require.True(t, ok)
	require.Equal(t, "btcusdt@trade", stream)
	require.JSONEq(t, `{"e":"trade","p":"1.5"}`, string(data))

	_, _, ok = StreamOf([]byte(`{"e":"trade"}`))
	require.False(t, ok)
	require.Equal(t, "42", RequestIDOf([]byte(`{"id":42,"result":null}`)))
}

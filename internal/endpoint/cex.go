package endpoint

import (
	"strings"

	"github.com/coachpo/meltica-ws/errs"
)

type cexDialect struct {
	ep  Endpoint
	ids IDSource
}

func (d *cexDialect) Type() Type { return TypeCEX }

func (d *cexDialect) NormalizeMarket(market string) string {
	if IsWildcardMarket(market) || IsDexAddress(market) {
		return market
	}
	return strings.ToLower(market)
}

func (d *cexDialect) PlanURI(req URIRequest) (Plan, error) {
	if req.API {
		if d.ep.WebsocketAPIBaseURI == "" {
			return Plan{}, errs.NotSupported(d.ep.Exchange, "websocket api is not available")
		}
		return Plan{URI: d.ep.WebsocketAPIBaseURI, Frames: nil, Subscriptions: 0}, nil
	}
	channels, markets := req.Channels, req.Markets
	if len(channels) == 0 || len(markets) == 0 {
		return Plan{}, errs.New(d.ep.Exchange, errs.CodeInvalid, errs.WithMessage("channels and markets are required"))
	}
	count := CountSubscriptions(channels, markets)
	if err := d.ep.CheckLimit(count); err != nil {
		return Plan{}, err
	}
	base := d.ep.WebsocketBaseURI

	if len(channels) == 1 && len(markets) == 1 {
		channel, market := channels[0], markets[0]
		var path string
		switch {
		case channel == UserData || market == UserData:
			if req.ListenKey == "" {
				return Plan{}, errs.New(d.ep.Exchange, errs.CodeInvalid, errs.WithMessage("user data stream requires a listen key"))
			}
			path = req.ListenKey
		case channel == BookTicker || market == BookTicker:
			path = BookTicker
		case channel == Arr || market == All:
			path = market + "@" + channel
		case market == Arr || channel == All:
			path = channel + "@" + market
		default:
			path = cexParams(channels, []string{d.NormalizeMarket(market)})[0]
		}
		return Plan{URI: base + "ws/" + path, Frames: nil, Subscriptions: count}, nil
	}

	if IsUserData(channels, markets) {
		return Plan{}, errs.New(d.ep.Exchange, errs.CodeInvalid,
			errs.WithMessage("!userData is only available on a single stream connection"))
	}
	params := cexParams(channels, markets)
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("stream?streams=")
	inURI := 0
	for i, p := range params {
		sep := ""
		if i > 0 {
			sep = "/"
		}
		if inURI > 0 && b.Len()+len(sep)+len(p) > maxURILength {
			break
		}
		b.WriteString(sep)
		b.WriteString(p)
		inURI++
	}
	return Plan{
		URI:           b.String(),
		Frames:        d.split(MethodSubscribe, params[inURI:]),
		Subscriptions: count,
	}, nil
}

func (d *cexDialect) PlanSubscribe(channels, markets []string) []Frame {
	return d.split(MethodSubscribe, cexParams(channels, markets))
}

// PlanUnsubscribe removes removedMarkets from every remaining channel and removedChannels from
// every market that was subscribed before the removal.
func (d *cexDialect) PlanUnsubscribe(channels, markets, removedChannels, removedMarkets []string) []Frame {
	var params []string
	if len(removedMarkets) > 0 {
		plain := make([]string, 0, len(channels))
		for _, ch := range channels {
			if !strings.Contains(ch, "!") {
				plain = append(plain, ch)
			}
		}
		params = append(params, cexParams(plain, removedMarkets)...)
	}
	if len(removedChannels) > 0 {
		before := make([]string, 0, len(markets)+len(removedMarkets))
		before = append(before, markets...)
		before = append(before, removedMarkets...)
		params = append(params, cexParams(removedChannels, before)...)
	}
	return d.split(MethodUnsubscribe, Dedupe(params))
}

func (d *cexDialect) ListSubscriptions() (Frame, error) {
	return ControlFrame{Method: MethodListSubscriptions, Params: nil, ID: d.ids.NextRequestID()}, nil
}

func (d *cexDialect) RecognizesControlReply(frame []byte) (Reply, string) {
	return RecognizeReply(frame)
}

func (d *cexDialect) split(method string, params []string) []Frame {
	if len(params) == 0 {
		return nil
	}
	frames := make([]Frame, 0, (len(params)+MaxParamsPerFrame-1)/MaxParamsPerFrame)
	for start := 0; start < len(params); start += MaxParamsPerFrame {
		end := min(start+MaxParamsPerFrame, len(params))
		chunk := make([]string, end-start)
		copy(chunk, params[start:end])
		frames = append(frames, ControlFrame{Method: method, Params: chunk, ID: d.ids.NextRequestID()})
	}
	return frames
}

// cexParams builds the `market@channel` products. Aggregate `!` channels and markets pair
// with `arr` (or the `arr@<suffix>` token found on the other side).
func cexParams(channels, markets []string) []string {
	finalMarket := "@" + Arr
	for _, m := range markets {
		if strings.Contains(m, Arr+"@") {
			finalMarket = "@" + m
		}
	}
	finalChannel := "@" + Arr
	for _, c := range channels {
		if strings.Contains(c, Arr+"@") {
			finalChannel = "@" + c
		}
	}
	params := make([]string, 0, len(channels)*len(markets))
	for _, ch := range channels {
		if strings.Contains(ch, "!") {
			params = append(params, ch+finalMarket)
			continue
		}
		for _, mk := range markets {
			switch {
			case strings.Contains(mk, "!"):
				params = append(params, mk+finalChannel)
			case isArrToken(mk) || isArrToken(ch):
			default:
				params = append(params, strings.ToLower(mk)+"@"+ch)
			}
		}
	}
	return Dedupe(params)
}

func isArrToken(s string) bool {
	return s == Arr || strings.HasPrefix(s, Arr+"@")
}

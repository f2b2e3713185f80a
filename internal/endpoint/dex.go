package endpoint

import (
	"strings"

	"github.com/coachpo/meltica-ws/errs"
)

type dexDialect struct {
	ep Endpoint
}

func (d *dexDialect) Type() Type { return TypeDEX }

func (d *dexDialect) NormalizeMarket(market string) string {
	if IsWildcardMarket(market) || IsDexAddress(market) {
		return market
	}
	return strings.ToUpper(market)
}

func (d *dexDialect) PlanURI(req URIRequest) (Plan, error) {
	if req.API {
		return Plan{}, errs.NotSupported(d.ep.Exchange, "websocket api is not available on dex endpoints")
	}
	channels, markets := req.Channels, req.Markets
	if len(channels) == 0 || len(markets) == 0 {
		return Plan{}, errs.New(d.ep.Exchange, errs.CodeInvalid, errs.WithMessage("channels and markets are required"))
	}
	if IsUserData(channels, markets) {
		return Plan{}, errs.NotSupported(d.ep.Exchange, "dex endpoints have no listen keys")
	}
	count := CountSubscriptions(channels, markets)
	if err := d.ep.CheckLimit(count); err != nil {
		return Plan{}, err
	}
	base := d.ep.WebsocketBaseURI

	if len(channels) == 1 && len(markets) == 1 {
		channel, market := channels[0], markets[0]
		switch {
		case channel == Arr || market == All:
			return Plan{URI: base + "ws/" + market + "@" + channel, Frames: nil, Subscriptions: count}, nil
		case market == Arr || channel == All:
			return Plan{URI: base + "ws/" + channel + "@" + market, Frames: nil, Subscriptions: count}, nil
		case IsDexAddress(market):
			return Plan{
				URI:           base + "ws/" + market,
				Frames:        []Frame{TopicFrame{Method: dexMethodSubscribe, Topic: channel, Symbols: nil, Address: market}},
				Subscriptions: count,
			}, nil
		default:
			return Plan{URI: base + "ws/" + d.NormalizeMarket(market) + "@" + channel, Frames: nil, Subscriptions: count}, nil
		}
	}
	return Plan{URI: base + "ws", Frames: d.PlanSubscribe(channels, markets), Subscriptions: count}, nil
}

// PlanSubscribe emits one frame per channel and symbol group. Aggregate topics subscribe to
// `$all` and an address market subscribes the channel for that address.
func (d *dexDialect) PlanSubscribe(channels, markets []string) []Frame {
	var frames []Frame
	seenTopics := make(map[string]struct{})
	allTopic := func(topic string) {
		if _, ok := seenTopics[topic]; ok {
			return
		}
		seenTopics[topic] = struct{}{}
		frames = append(frames, TopicFrame{Method: dexMethodSubscribe, Topic: topic, Symbols: []string{All}, Address: ""})
	}
	for _, ch := range channels {
		if isDexAllTopic(ch) {
			allTopic(ch)
			continue
		}
		var symbols []string
		address := ""
		for _, mk := range markets {
			switch {
			case isDexAllTopic(mk):
				allTopic(mk)
			case IsDexAddress(mk):
				address = mk
			case mk == Arr:
			default:
				symbols = append(symbols, d.NormalizeMarket(mk))
			}
		}
		if address != "" {
			frames = append(frames, TopicFrame{Method: dexMethodSubscribe, Topic: ch, Symbols: nil, Address: address})
		}
		if len(symbols) > 0 {
			frames = append(frames, TopicFrame{Method: dexMethodSubscribe, Topic: ch, Symbols: Dedupe(symbols), Address: ""})
		}
	}
	return frames
}

func (d *dexDialect) PlanUnsubscribe(_, _, removedChannels, removedMarkets []string) []Frame {
	var frames []Frame
	symbols := make([]string, 0, len(removedMarkets))
	for _, mk := range removedMarkets {
		if IsDexAddress(mk) || mk == Arr {
			continue
		}
		symbols = append(symbols, d.NormalizeMarket(mk))
	}
	if len(symbols) > 0 {
		frames = append(frames, TopicFrame{Method: dexMethodUnsubscribe, Topic: "", Symbols: Dedupe(symbols), Address: ""})
	}
	for _, ch := range Dedupe(removedChannels) {
		frames = append(frames, TopicFrame{Method: dexMethodUnsubscribe, Topic: ch, Symbols: nil, Address: ""})
	}
	return frames
}

func (d *dexDialect) ListSubscriptions() (Frame, error) {
	return nil, errs.NotSupported(d.ep.Exchange, "LIST_SUBSCRIPTIONS is not available on dex endpoints")
}

func (d *dexDialect) RecognizesControlReply(frame []byte) (Reply, string) {
	return RecognizeReply(frame)
}

func isDexAllTopic(token string) bool {
	switch token {
	case AllMiniTickers, AllTickers, BlockHeight:
		return true
	}
	return false
}

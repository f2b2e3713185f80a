package endpoint

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coachpo/meltica-ws/errs"
)

// Well-known channel and market tokens.
const (
	UserData       = "!userData"
	BookTicker     = "!bookTicker"
	Arr            = "arr"
	All            = "$all"
	AllTickers     = "allTickers"
	AllMiniTickers = "allMiniTickers"
	BlockHeight    = "blockheight"
)

// maxURILength bounds multi-stream URIs; params beyond it travel as SUBSCRIBE frames.
const maxURILength = 8000

var dexAddressPattern = regexp.MustCompile(`^[a-zA-Z0-9]{41,43}$`)

// IDSource hands out process-wide unique request ids.
type IDSource interface {
	NextRequestID() uint64
}

// URIRequest describes the connection a stream needs.
type URIRequest struct {
	Channels  []string
	Markets   []string
	ListenKey string
	API       bool
}

// Plan is the result of planning a connection.
type Plan struct {
	URI           string
	Frames        []Frame
	Subscriptions int
}

// Dialect plans URIs and control frames for one exchange flavour.
type Dialect interface {
	Type() Type
	PlanURI(req URIRequest) (Plan, error)
	PlanSubscribe(channels, markets []string) []Frame
	PlanUnsubscribe(channels, markets, removedChannels, removedMarkets []string) []Frame
	ListSubscriptions() (Frame, error)
	NormalizeMarket(market string) string
	RecognizesControlReply(frame []byte) (Reply, string)
}

// Dialect instantiates the planner for the endpoint.
func (e Endpoint) Dialect(ids IDSource) Dialect {
	if e.Type == TypeDEX {
		return &dexDialect{ep: e}
	}
	return &cexDialect{ep: e, ids: ids}
}

// IsUserData reports whether the configuration denotes a listen-key stream.
func IsUserData(channels, markets []string) bool {
	return contains(channels, UserData) || contains(markets, UserData)
}

// IsDexAddress reports whether market is a dex user address.
func IsDexAddress(market string) bool {
	return dexAddressPattern.MatchString(market)
}

// IsWildcardMarket reports whether market is left untouched by normalization.
func IsWildcardMarket(market string) bool {
	if strings.Contains(market, "!") {
		return true
	}
	switch market {
	case AllMiniTickers, AllTickers, BlockHeight, All:
		return true
	}
	return false
}

func isAggregateChannel(channel string) bool {
	if strings.Contains(channel, "!") {
		return true
	}
	switch channel {
	case "orders", "accounts", "transfers", AllTickers, AllMiniTickers, BlockHeight:
		return true
	}
	return false
}

// CountSubscriptions counts the subscriptions a (channels, markets) configuration occupies.
// Aggregate channels count once; every other channel counts once per market.
func CountSubscriptions(channels, markets []string) int {
	perChannel := 0
	for _, m := range markets {
		if m == Arr {
			continue
		}
		perChannel++
	}
	total := 0
	for _, ch := range channels {
		if isAggregateChannel(ch) {
			total++
			continue
		}
		total += perChannel
	}
	return total
}

// CheckLimit returns a limit_exceeded error when count exceeds the endpoint cap.
func (e Endpoint) CheckLimit(count int) error {
	if count <= e.MaxSubscriptions {
		return nil
	}
	return errs.New(e.Exchange, errs.CodeLimitExceeded,
		errs.WithMessage(LimitExceededMessage(e.MaxSubscriptions)),
		errs.WithCanonicalCode(errs.CanonicalSubscriptionLimit),
		errs.WithField("subscriptions", strconv.Itoa(count)))
}

// LimitExceededMessage is the crash reason recorded for streams over the cap.
func LimitExceededMessage(limit int) string {
	return "The limit of " + strconv.Itoa(limit) + " subscriptions per stream has been exceeded!"
}

// Dedupe returns values without duplicates, keeping first-seen order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

package wsapi

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/listenkey"
)

const (
	wsapiModule       = "wsapi"
	defaultRecvWindow = 5 * time.Second
	defaultDepthLimit = 5
)

// Order sides and types accepted by CreateOrder.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// OrderRequest describes a new order.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
	Test          bool
}

// Builder produces signed API requests for one set of credentials.
type Builder struct {
	creds      listenkey.Credentials
	recvWindow time.Duration
	now        func() time.Time
	newID      func() string
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithRecvWindow sets the recvWindow sent with signed requests; 0 omits it.
func WithRecvWindow(d time.Duration) BuilderOption {
	return func(b *Builder) {
		b.recvWindow = d
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDSource overrides request id generation.
func WithIDSource(newID func() string) BuilderOption {
	return func(b *Builder) {
		if newID != nil {
			b.newID = newID
		}
	}
}

// NewBuilder constructs a request builder.
func NewBuilder(creds listenkey.Credentials, opts ...BuilderOption) *Builder {
	b := &Builder{
		creds:      creds,
		recvWindow: defaultRecvWindow,
		now:        time.Now,
		newID:      NewUUIDID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Ping builds a connectivity test.
func (b *Builder) Ping() endpoint.APIRequest {
	return b.request("ping", nil)
}

// Time builds a server time query.
func (b *Builder) Time() endpoint.APIRequest {
	return b.request("time", nil)
}

// ExchangeInfo builds an exchange information query for symbols.
func (b *Builder) ExchangeInfo(symbols ...string) endpoint.APIRequest {
	var params map[string]any
	if len(symbols) > 0 {
		upper := make([]string, len(symbols))
		for i, s := range symbols {
			upper[i] = strings.ToUpper(s)
		}
		params = map[string]any{"symbols": upper}
	}
	return b.request("exchangeInfo", params)
}

// Depth builds an order book query. limit <= 0 selects 5 levels.
func (b *Builder) Depth(symbol string, limit int) (endpoint.APIRequest, error) {
	if err := requireSymbol(symbol); err != nil {
		return endpoint.APIRequest{}, err
	}
	if limit <= 0 {
		limit = defaultDepthLimit
	}
	return b.request("depth", map[string]any{"symbol": strings.ToUpper(symbol), "limit": limit}), nil
}

// AccountStatus builds a signed account query.
func (b *Builder) AccountStatus() (endpoint.APIRequest, error) {
	return b.signed("account.status", map[string]any{})
}

// CreateOrder builds a signed order placement, or an order test when req.Test is set.
// It returns the client order id used.
func (b *Builder) CreateOrder(req OrderRequest) (endpoint.APIRequest, string, error) {
	if err := requireSymbol(req.Symbol); err != nil {
		return endpoint.APIRequest{}, "", err
	}
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != SideBuy && side != SideSell {
		return endpoint.APIRequest{}, "", invalid("side must be BUY or SELL")
	}
	orderType := strings.ToUpper(strings.TrimSpace(req.Type))
	if orderType == "" {
		orderType = TypeLimit
	}
	if !req.Quantity.IsPositive() {
		return endpoint.APIRequest{}, "", invalid("quantity must be positive")
	}
	clientOrderID := strings.TrimSpace(req.ClientOrderID)
	if clientOrderID == "" {
		clientOrderID = b.newID()
	}
	params := map[string]any{
		"newClientOrderId": clientOrderID,
		"quantity":         req.Quantity,
		"side":             side,
		"symbol":           strings.ToUpper(req.Symbol),
		"type":             orderType,
	}
	if orderType == TypeLimit {
		if !req.Price.IsPositive() {
			return endpoint.APIRequest{}, "", invalid("limit orders require a positive price")
		}
		tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
		if tif == "" {
			tif = "GTC"
		}
		params["price"] = req.Price
		params["timeInForce"] = tif
	}
	method := "order.place"
	if req.Test {
		method = "order.test"
	}
	out, err := b.signed(method, params)
	return out, clientOrderID, err
}

// CancelOrder builds a signed cancellation by exchange or client order id.
func (b *Builder) CancelOrder(symbol string, orderID int64, origClientOrderID string) (endpoint.APIRequest, error) {
	if err := requireSymbol(symbol); err != nil {
		return endpoint.APIRequest{}, err
	}
	params := map[string]any{"symbol": strings.ToUpper(symbol)}
	if orderID > 0 {
		params["orderId"] = orderID
	}
	if origClientOrderID != "" {
		params["origClientOrderId"] = origClientOrderID
	}
	if len(params) == 1 {
		return endpoint.APIRequest{}, invalid("orderId or origClientOrderId required")
	}
	return b.signed("order.cancel", params)
}

// CancelOpenOrders builds a signed cancellation of every open order on symbol.
func (b *Builder) CancelOpenOrders(symbol string) (endpoint.APIRequest, error) {
	if err := requireSymbol(symbol); err != nil {
		return endpoint.APIRequest{}, err
	}
	return b.signed("openOrders.cancelAll", map[string]any{"symbol": strings.ToUpper(symbol)})
}

// GetOrder builds a signed order status query.
func (b *Builder) GetOrder(symbol string, orderID int64) (endpoint.APIRequest, error) {
	if err := requireSymbol(symbol); err != nil {
		return endpoint.APIRequest{}, err
	}
	return b.signed("order.status", map[string]any{"symbol": strings.ToUpper(symbol), "orderId": orderID})
}

// GetOpenOrders builds a signed open orders query.
func (b *Builder) GetOpenOrders(symbol string) (endpoint.APIRequest, error) {
	if err := requireSymbol(symbol); err != nil {
		return endpoint.APIRequest{}, err
	}
	return b.signed("openOrders.status", map[string]any{"symbol": strings.ToUpper(symbol)})
}

func (b *Builder) request(method string, params map[string]any) endpoint.APIRequest {
	return endpoint.APIRequest{ID: b.newID(), Method: method, Params: params}
}

func (b *Builder) signed(method string, params map[string]any) (endpoint.APIRequest, error) {
	if !b.creds.Valid() || strings.TrimSpace(b.creds.APISecret) == "" {
		return endpoint.APIRequest{}, errs.New(wsapiModule, errs.CodeAuth, errs.WithMessage(method+" requires api key and secret"))
	}
	params["apiKey"] = b.creds.APIKey
	params["timestamp"] = b.now().UnixMilli()
	if b.recvWindow > 0 {
		params["recvWindow"] = b.recvWindow.Milliseconds()
	}
	params["signature"] = Sign(params, b.creds.APISecret)
	return b.request(method, params), nil
}

func requireSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return invalid("symbol required")
	}
	return nil
}

func invalid(msg string) error {
	return errs.New(wsapiModule, errs.CodeInvalid, errs.WithMessage(msg))
}

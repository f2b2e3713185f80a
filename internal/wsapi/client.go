package wsapi

import (
	"context"
	"time"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/listenkey"
)

// CallOptions control how a queued request is answered.
type CallOptions struct {
	// ReturnResponse blocks until the reply arrives or Timeout elapses.
	ReturnResponse bool
	Timeout        time.Duration
	// ProcessResponse receives the reply instead of the result ring.
	ProcessResponse func(response []byte)
}

// Result is the outcome of a call.
type Result struct {
	StreamID      string
	RequestID     string
	ClientOrderID string
	Response      []byte
}

// Sender queues requests on a WebSocket API stream. An empty streamID selects the single
// running API stream.
type Sender interface {
	APIStream(streamID string) (string, listenkey.Credentials, error)
	SendAPIRequest(ctx context.Context, streamID string, req endpoint.APIRequest, call CallOptions) ([]byte, error)
}

// Client issues WebSocket API calls through a Sender.
type Client struct {
	sender Sender
	opts   []BuilderOption
}

// NewClient constructs a Client. opts apply to every request builder.
func NewClient(sender Sender, opts ...BuilderOption) *Client {
	return &Client{sender: sender, opts: opts}
}

func (c *Client) builder(streamID string) (string, *Builder, error) {
	id, creds, err := c.sender.APIStream(streamID)
	if err != nil {
		return "", nil, err
	}
	return id, NewBuilder(creds, c.opts...), nil
}

func (c *Client) send(ctx context.Context, streamID string, req endpoint.APIRequest, call CallOptions) (Result, error) {
	resp, err := c.sender.SendAPIRequest(ctx, streamID, req, call)
	if err != nil {
		return Result{StreamID: streamID, RequestID: req.ID, ClientOrderID: "", Response: nil}, err
	}
	return Result{StreamID: streamID, RequestID: req.ID, ClientOrderID: "", Response: resp}, nil
}

// Ping tests connectivity.
func (c *Client) Ping(ctx context.Context, streamID string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, b.Ping(), call)
}

// ServerTime queries the exchange clock.
func (c *Client) ServerTime(ctx context.Context, streamID string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, b.Time(), call)
}

// ExchangeInfo queries trading rules for symbols.
func (c *Client) ExchangeInfo(ctx context.Context, streamID string, symbols []string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, b.ExchangeInfo(symbols...), call)
}

// OrderBook queries depth for symbol.
func (c *Client) OrderBook(ctx context.Context, streamID, symbol string, limit int, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.Depth(symbol, limit)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

// AccountStatus queries the signed account status.
func (c *Client) AccountStatus(ctx context.Context, streamID string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.AccountStatus()
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

// CreateOrder places (or tests) an order.
func (c *Client) CreateOrder(ctx context.Context, streamID string, order OrderRequest, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, clientOrderID, err := b.CreateOrder(order)
	if err != nil {
		return Result{}, err
	}
	res, err := c.send(ctx, id, req, call)
	res.ClientOrderID = clientOrderID
	return res, err
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, streamID, symbol string, orderID int64, origClientOrderID string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.CancelOrder(symbol, orderID, origClientOrderID)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

// CancelOpenOrders cancels every open order on symbol.
func (c *Client) CancelOpenOrders(ctx context.Context, streamID, symbol string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.CancelOpenOrders(symbol)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

// GetOrder queries one order.
func (c *Client) GetOrder(ctx context.Context, streamID, symbol string, orderID int64, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.GetOrder(symbol, orderID)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

// GetOpenOrders queries the open orders on symbol.
func (c *Client) GetOpenOrders(ctx context.Context, streamID, symbol string, call CallOptions) (Result, error) {
	id, b, err := c.builder(streamID)
	if err != nil {
		return Result{}, err
	}
	req, err := b.GetOpenOrders(symbol)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, id, req, call)
}

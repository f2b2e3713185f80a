// Package listenkey manages the REST lifecycle of user-data listen keys.
package listenkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/observability"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxTries    = 3
	maxRetryInterval   = 5 * time.Second
	usedWeightHeader   = "X-MBX-USED-WEIGHT-1M"
	apiKeyHeader       = "X-MBX-APIKEY"
)

// Exchange error codes that make a user-data stream unrepairable.
const (
	CodeMandatoryParamMissing  = -1102
	CodeNoSuchAccount          = -2008
	CodeAPIKeyFormatInvalid    = -2014
	CodeInvalidAPIKey          = -2015
	CodeIsolatedMarginNotFound = -11001
)

// Credentials authenticate listen-key requests.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Valid reports whether an API key is present.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// Service acquires, extends and releases listen keys.
type Service interface {
	Acquire(ctx context.Context, creds Credentials, symbol string) (string, error)
	Keepalive(ctx context.Context, creds Credentials, key, symbol string) error
	Delete(ctx context.Context, creds Credentials, key, symbol string) error
}

// Status is the last observed REST response metadata.
type Status struct {
	Weight     int
	StatusCode int
	Timestamp  time.Time
}

// APIError is an exchange `{code,msg}` rejection.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	HTTP int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("listen key request failed (http %d): %d %s", e.HTTP, e.Code, e.Msg)
}

// IsFatal reports whether code means retrying or restarting cannot help.
func IsFatal(code int) bool {
	switch code {
	case CodeMandatoryParamMissing, CodeNoSuchAccount, CodeAPIKeyFormatInvalid, CodeInvalidAPIKey, CodeIsolatedMarginNotFound:
		return true
	}
	return false
}

// FatalCode extracts a fatal exchange code from err.
func FatalCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && IsFatal(apiErr.Code) {
		return apiErr.Code, true
	}
	return 0, false
}

// Options configures a Client.
type Options struct {
	Endpoint   endpoint.Endpoint
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxTries   int
	UserAgent  string
	// Logger receives retry entries; nil logs through log.Default().
	Logger     observability.Logger
}

// Client implements Service over the exchange REST API.
type Client struct {
	ep        endpoint.Endpoint
	http      *http.Client
	maxTries  int
	userAgent string
	log       observability.Logger

	mu     sync.Mutex
	status Status
}

// NewClient constructs a REST listen-key client for the endpoint.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Jar:           nil,
			Timeout:       timeout,
		}
	}
	tries := opts.MaxTries
	if tries <= 0 {
		tries = defaultMaxTries
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStdLogger(nil)
	}
	return &Client{
		ep:        opts.Endpoint,
		http:      client,
		maxTries:  tries,
		userAgent: strings.TrimSpace(opts.UserAgent),
		log:       logger,
		mu:        sync.Mutex{},
		status:    Status{Weight: 0, StatusCode: 0, Timestamp: time.Time{}},
	}
}

// Status returns the metadata of the last REST response.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Acquire creates a listen key. symbol is required for isolated margin endpoints.
func (c *Client) Acquire(ctx context.Context, creds Credentials, symbol string) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, creds, c.params("", symbol), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ListenKey) == "" {
		return "", errs.New(c.ep.Exchange, errs.CodeExchange, errs.WithMessage("listen key response carried no key"))
	}
	return out.ListenKey, nil
}

// Keepalive extends the validity of key.
func (c *Client) Keepalive(ctx context.Context, creds Credentials, key, symbol string) error {
	return c.do(ctx, http.MethodPut, creds, c.params(key, symbol), nil)
}

// Delete invalidates key.
func (c *Client) Delete(ctx context.Context, creds Credentials, key, symbol string) error {
	return c.do(ctx, http.MethodDelete, creds, c.params(key, symbol), nil)
}

func (c *Client) params(key, symbol string) url.Values {
	params := url.Values{}
	if key != "" {
		params.Set("listenKey", key)
	}
	if c.ep.IsolatedMargin() && symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	return params
}

func (c *Client) do(ctx context.Context, method string, creds Credentials, params url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.ep.SupportsUserData() {
		return errs.NotSupported(c.ep.Exchange, "endpoint has no listen-key service")
	}
	if !creds.Valid() {
		return errs.New(c.ep.Exchange, errs.CodeAuth,
			errs.WithMessage("api key required for user data streams"),
			errs.WithCanonicalCode(errs.CanonicalListenKeyRejected))
	}
	if c.ep.IsolatedMargin() && params.Get("symbol") == "" {
		return c.wrap(&APIError{Code: CodeMandatoryParamMissing, Msg: "isolated margin listen keys require a symbol", HTTP: 0})
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxRetryInterval
	var lastErr error
	for attempt := 1; attempt <= c.maxTries; attempt++ {
		wait, err := c.roundTrip(ctx, method, creds, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.maxTries {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		if wait > sleep {
			sleep = wait
		}
		c.log.Info("listen key request retry",
			observability.Field{Key: "method", Value: method},
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "sleep", Value: sleep},
			observability.Field{Key: "error", Value: err})
		select {
		case <-ctx.Done():
			return c.wrap(fmt.Errorf("listen key %s: %w", strings.ToLower(method), ctx.Err()))
		case <-time.After(sleep):
		}
	}
	return c.wrap(lastErr)
}

// roundTrip performs one request and returns the server-requested wait on throttling.
func (c *Client) roundTrip(ctx context.Context, method string, creds Credentials, params url.Values, out any) (time.Duration, error) {
	endpointURL := c.ep.RestfulBaseURI + c.ep.ListenKeyPath
	if encoded := params.Encode(); encoded != "" {
		endpointURL += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create listen key request: %w", err)
	}
	req.Header.Set(apiKeyHeader, creds.APIKey)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("listen key %s: %w", strings.ToLower(method), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.recordStatus(resp)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read listen key response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return retryAfter(resp), parseAPIError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return 0, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return 0, fmt.Errorf("decode listen key response: %w", err)
	}
	return 0, nil
}

func (c *Client) recordStatus(resp *http.Response) {
	weight, _ := strconv.Atoi(resp.Header.Get(usedWeightHeader))
	c.mu.Lock()
	c.status = Status{Weight: weight, StatusCode: resp.StatusCode, Timestamp: time.Now()}
	c.mu.Unlock()
}

func (c *Client) wrap(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return errs.New(c.ep.Exchange, errs.CodeNetwork, errs.WithMessage("listen key request failed"), errs.WithCause(err))
	}
	code := errs.CodeExchange
	canonical := errs.CanonicalUnknown
	switch {
	case IsFatal(apiErr.Code):
		code = errs.CodeUnrecoverable
		canonical = errs.CanonicalListenKeyRejected
	case apiErr.HTTP == http.StatusTooManyRequests || apiErr.HTTP == http.StatusTeapot:
		code = errs.CodeRateLimited
		canonical = errs.CanonicalRateLimited
	case apiErr.HTTP == http.StatusUnauthorized || apiErr.HTTP == http.StatusForbidden:
		code = errs.CodeAuth
	}
	return errs.New(c.ep.Exchange, code,
		errs.WithMessage(apiErr.Msg),
		errs.WithHTTP(apiErr.HTTP),
		errs.WithRawCode(strconv.Itoa(apiErr.Code)),
		errs.WithRawMessage(apiErr.Msg),
		errs.WithCanonicalCode(canonical),
		errs.WithCause(apiErr))
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{Code: 0, Msg: "", HTTP: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(body))
		if apiErr.Msg == "" {
			apiErr.Msg = http.StatusText(status)
		}
	}
	apiErr.HTTP = status
	return apiErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if IsFatal(apiErr.Code) {
		return false
	}
	switch {
	case apiErr.HTTP == http.StatusTooManyRequests, apiErr.HTTP == http.StatusTeapot:
		return true
	case apiErr.HTTP >= http.StatusInternalServerError:
		return true
	}
	return false
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Package errs provides the structured error envelope shared by the stream manager packages.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure family of an error.
type Code string

const (
	// CodeRateLimited indicates the exchange throttled the request (HTTP 429/418).
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates rejected credentials or an invalid listen key.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure (DNS, TLS, socket reset).
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing stream, buffer or reply.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the manager or a collaborator is shutting down.
	CodeUnavailable Code = "unavailable"
	// CodeLimitExceeded indicates the per-connection subscription cap was exceeded.
	CodeLimitExceeded Code = "limit_exceeded"
	// CodeUnrecoverable indicates a stream failure the supervisor must not repair.
	CodeUnrecoverable Code = "unrecoverable"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapabilityMissing indicates the endpoint lacks the requested feature.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalListenKeyRejected indicates the listen-key service refused the credentials.
	CanonicalListenKeyRejected CanonicalCode = "listen_key_rejected"
	// CanonicalSubscriptionLimit indicates the subscription cap was hit.
	CanonicalSubscriptionLimit CanonicalCode = "subscription_limit"
	// CanonicalUnknownExchange indicates the exchange selector is not in the catalog.
	CanonicalUnknownExchange CanonicalCode = "unknown_exchange"
	// CanonicalStreamNotFound indicates the stream id is not registered.
	CanonicalStreamNotFound CanonicalCode = "stream_not_found"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E captures structured error information produced by the stream manager.
type E struct {
	Exchange  string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	StreamID  string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		HTTP:      0,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		Canonical: CanonicalUnknown,
		StreamID:  "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithStream tags the error with the stream it belongs to.
func WithStream(streamID string) Option {
	trimmed := strings.TrimSpace(streamID)
	return func(e *E) {
		e.StreamID = trimmed
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.StreamID != "" {
		parts = append(parts, "stream="+e.StreamID)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// HasCode reports whether err wraps an envelope with the given code.
func HasCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// HasCanonical reports whether err wraps an envelope with the given canonical code.
func HasCanonical(err error, code CanonicalCode) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Canonical == code
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(exchange, msg string) *E {
	return New(exchange, CodeExchange, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}

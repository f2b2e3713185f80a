// Package telemetry provides semantic conventions and instruments for stream manager observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for stream manager telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the catalog exchange selector (binance.com, binance.org, ...).
	AttrExchange = attribute.Key("exchange")
	// AttrStream carries the stream label, or the stream id when no label was given.
	AttrStream = attribute.Key("stream")
	// AttrStreamKind differentiates market, user data and websocket api streams.
	AttrStreamKind = attribute.Key("stream.kind")
	// AttrOperation differentiates specific operations (e.g. acquire, keepalive).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for restarts and crashes.
	AttrReason = attribute.Key("reason")
	// AttrCommandType indicates which control frame (SUBSCRIBE/UNSUBSCRIBE/etc.) was sent.
	AttrCommandType = attribute.Key("command.type")
	// AttrSignalType labels lifecycle signals (CONNECT, DISCONNECT, ...).
	AttrSignalType = attribute.Key("signal.type")
	// AttrConnectionState labels connection lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
)

// Stream kinds.
const (
	StreamKindMarket   = "market"
	StreamKindUserData = "user_data"
	StreamKindAPI      = "api"
)

// Result values shared by instruments.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// StreamAttributes returns the attributes shared by every per-stream instrument.
func StreamAttributes(environment, exchange, stream, kind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrStream.String(stream),
	}
	if kind != "" {
		attrs = append(attrs, AttrStreamKind.String(kind))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation outcome metrics.
func OperationResultAttributes(environment, exchange, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrOperation.String(operation),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(environment, exchange, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrConnectionState.String(state),
	}
}

package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-ws/errs"
	coretelemetry "github.com/coachpo/meltica-ws/internal/telemetry"
)

const meterName = "meltica.ws"

// StreamMetrics records the instruments of one stream. A nil *StreamMetrics is a no-op.
type StreamMetrics struct {
	environment string
	exchange    string
	stream      string
	kind        string

	reconnects       metric.Int64Counter
	restarts         metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	frameBytes       metric.Int64Histogram
	pingCount        metric.Int64Counter
	pingLatency      metric.Float64Histogram
	subscriptions    metric.Int64UpDownCounter
	signals          metric.Int64Counter
	listenKeyCalls   metric.Int64Counter
	listenKeyLatency metric.Float64Histogram
}

// NewStreamMetrics creates the instruments for stream on exchange.
func NewStreamMetrics(exchange, stream, kind string) *StreamMetrics {
	meter := otel.Meter(meterName)
	sm := &StreamMetrics{
		environment:      coretelemetry.Environment(),
		exchange:         strings.TrimSpace(exchange),
		stream:           stream,
		kind:             kind,
		reconnects:       nil,
		restarts:         nil,
		controlMessages:  nil,
		messagesReceived: nil,
		frameBytes:       nil,
		pingCount:        nil,
		pingLatency:      nil,
		subscriptions:    nil,
		signals:          nil,
		listenKeyCalls:   nil,
		listenKeyLatency: nil,
	}

	sm.reconnects, _ = meter.Int64Counter("meltica_ws_reconnects",
		metric.WithDescription("Websocket connection attempts made by stream workers"),
		metric.WithUnit("{reconnect}"))

	sm.restarts, _ = meter.Int64Counter("meltica_ws_restarts",
		metric.WithDescription("Stream restarts requested by the supervisor"),
		metric.WithUnit("{restart}"))

	sm.controlMessages, _ = meter.Int64Counter("meltica_ws_control_messages",
		metric.WithDescription("Control frames sent on websocket streams"),
		metric.WithUnit("{message}"))

	sm.messagesReceived, _ = meter.Int64Counter("meltica_ws_messages",
		metric.WithDescription("Frames received from websocket connections"),
		metric.WithUnit("{message}"))

	sm.frameBytes, _ = meter.Int64Histogram("meltica_ws_frame_bytes",
		metric.WithDescription("Size of received websocket frames"),
		metric.WithUnit("By"))

	sm.pingCount, _ = meter.Int64Counter("meltica_ws_pings",
		metric.WithDescription("Ping frames sent by stream workers"),
		metric.WithUnit("{ping}"))

	sm.pingLatency, _ = meter.Float64Histogram("meltica_ws_ping_latency",
		metric.WithDescription("Round trip of ping frames on websocket connections"),
		metric.WithUnit("ms"))

	sm.subscriptions, _ = meter.Int64UpDownCounter("meltica_ws_active_subscriptions",
		metric.WithDescription("Active subscriptions tracked per stream"),
		metric.WithUnit("{subscription}"))

	sm.signals, _ = meter.Int64Counter("meltica_ws_signals",
		metric.WithDescription("Lifecycle signals emitted by stream workers"),
		metric.WithUnit("{signal}"))

	sm.listenKeyCalls, _ = meter.Int64Counter("meltica_ws_listen_key_calls",
		metric.WithDescription("Listen-key REST calls issued for user data streams"),
		metric.WithUnit("{call}"))

	sm.listenKeyLatency, _ = meter.Float64Histogram("meltica_ws_listen_key_latency",
		metric.WithDescription("Latency of listen-key REST calls"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *StreamMetrics) baseAttrs() []attribute.KeyValue {
	if sm == nil {
		return nil
	}
	return StreamAttributes(sm.environment, sm.exchange, sm.stream, sm.kind)
}

// RecordReconnect counts one connection attempt and its outcome.
func (sm *StreamMetrics) RecordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRestart counts one supervisor restart.
func (sm *StreamMetrics) RecordRestart(ctx context.Context, reason string) {
	if sm == nil || sm.restarts == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	if reason != "" {
		attrs = append(attrs, AttrReason.String(strings.ToLower(reason)))
	}
	sm.restarts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordControl counts count control frames of method.
func (sm *StreamMetrics) RecordControl(ctx context.Context, method string, count int) {
	if sm == nil || sm.controlMessages == nil || count == 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	if method != "" {
		attrs = append(attrs, AttrCommandType.String(strings.ToUpper(method)))
	}
	sm.controlMessages.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordMessage counts one received frame of the given size.
func (sm *StreamMetrics) RecordMessage(ctx context.Context, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.frameBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.frameBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

// RecordPing records one ping round trip.
func (sm *StreamMetrics) RecordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingCount == nil || sm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	sm.pingCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

// AdjustSubscriptions moves the active subscription gauge by delta.
func (sm *StreamMetrics) AdjustSubscriptions(ctx context.Context, delta int) {
	if sm == nil || sm.subscriptions == nil || delta == 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	sm.subscriptions.Add(ctx, int64(delta), metric.WithAttributes(attrs...))
}

// RecordSignal counts one lifecycle signal.
func (sm *StreamMetrics) RecordSignal(ctx context.Context, signal string) {
	if sm == nil || sm.signals == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(sm.baseAttrs(), AttrSignalType.String(signal))
	sm.signals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordListenKey records one listen-key REST call.
func (sm *StreamMetrics) RecordListenKey(ctx context.Context, operation string, latency time.Duration, err error) {
	if sm == nil || sm.listenKeyCalls == nil || sm.listenKeyLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := append(sm.baseAttrs(), AttrOperation.String(operation), AttrResult.String(ClassifyError(err)))
	sm.listenKeyCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.listenKeyLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ClassifyError maps err to a low-cardinality result label.
func ClassifyError(err error) string {
	if err == nil {
		return ResultSuccess
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	var e *errs.E
	if errors.As(err, &e) && e.Code != "" {
		return string(e.Code)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "dial"):
		return "dial_error"
	case strings.Contains(msg, "timeout"):
		return ResultTimeout
	case strings.Contains(msg, "websocket"):
		return "websocket_error"
	case strings.Contains(msg, "closed"):
		return "remote_closed"
	default:
		return ResultError
	}
}

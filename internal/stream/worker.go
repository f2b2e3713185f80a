package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/infra/telemetry"
	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/internal/observability"
)

const (
	readLimit         = 2 * 1024 * 1024
	frameWriteTimeout = 5 * time.Second
	readTimeout       = time.Second
	apiReadTimeout    = 100 * time.Millisecond
	maxDialBackoff    = 30 * time.Second
)

// workerExit is the typed outcome of runWorker. detail becomes the crash reason.
type workerExit struct {
	reason ExitReason
	err    error
	detail string
}

func restartExit(err error) workerExit {
	return workerExit{reason: ExitRestart, err: err, detail: err.Error()}
}

// startWorker spawns the connection worker of d on the manager task group.
func (m *Manager) startWorker(d *descriptor) *workerHandle {
	ctx, cancel := context.WithCancel(m.ctx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{}), reason: ExitShutdown}
	d.mu.Lock()
	d.worker = h
	d.mu.Unlock()
	m.tasks.Go(func() {
		defer close(h.done)
		defer cancel()
		exit := m.runWorker(ctx, d, h)
		m.finishWorker(d, h, exit)
	})
	return h
}

// runWorker owns one connection attempt of d: plan, dial, pump frames, close.
func (m *Manager) runWorker(ctx context.Context, d *descriptor, h *workerHandle) workerExit {
	if reason, ok := d.requestedExit(); ok {
		return workerExit{reason: reason, err: nil, detail: ""}
	}

	channels, markets := d.subscriptionSets()
	req := endpoint.URIRequest{Channels: channels, Markets: markets, ListenKey: "", API: d.opts.API}
	if !d.opts.API && endpoint.IsUserData(channels, markets) {
		key, err := m.acquireListenKey(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return m.canceledExit(d, h)
			}
			return m.listenKeyExit(d, err)
		}
		req.ListenKey = key
	}

	plan, err := d.dialect.PlanURI(req)
	if err != nil {
		return workerExit{reason: ExitUnrecoverable, err: err, detail: errorDetail(err)}
	}
	d.mu.Lock()
	d.uri = plan.URI
	d.subscriptions = plan.Subscriptions
	d.mu.Unlock()

	conn, resp, err := websocket.Dial(ctx, plan.URI, m.dialOpts)
	if err != nil {
		if ctx.Err() != nil {
			return m.canceledExit(d, h)
		}
		d.metrics.RecordReconnect(ctx, telemetry.ResultError)
		m.waitAfterDialFailure(ctx, d, resp)
		return restartExit(fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(readLimit)
	m.onConnected(ctx, d, plan)

	exit := m.pump(ctx, d, h, conn)
	_ = conn.CloseNow()
	return exit
}

// onConnected records a successful handshake and queues the initial frames.
func (m *Manager) onConnected(ctx context.Context, d *descriptor, plan endpoint.Plan) {
	now := m.clock.Now()
	d.mu.Lock()
	reconnect := d.connections > 0
	d.connections++
	if reconnect {
		d.reconnects++
		d.reconnectLog = append(d.reconnectLog, now)
	}
	d.socketID = uuid.NewString()
	d.status = StatusRunning
	d.stopTime = time.Time{}
	d.lastHeartbeat = now
	if d.retry != nil {
		d.retry.Reset()
	}
	delta := plan.Subscriptions - d.metricSubs
	d.metricSubs = plan.Subscriptions
	socketID := d.socketID
	d.mu.Unlock()

	if reconnect {
		m.stats.addReconnect()
	}
	d.metrics.RecordReconnect(ctx, telemetry.ResultSuccess)
	d.metrics.AdjustSubscriptions(ctx, delta)
	m.log.Info("stream connected",
		observability.Field{Key: "stream_id", Value: d.id},
		observability.Field{Key: "socket_id", Value: socketID},
		observability.Field{Key: "uri", Value: redactURI(plan.URI)},
		observability.Field{Key: "reconnect", Value: reconnect})
	m.signalConnect(d, now)
	d.markStarted()
	d.requeueFront(plan.Frames...)
}

// pump runs the read, write and ping loops of one connection until an exit condition.
func (m *Manager) pump(ctx context.Context, d *descriptor, h *workerHandle, conn *websocket.Conn) workerExit {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		errCh <- m.readLoop(connCtx, d, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- m.writeLoop(connCtx, d, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- m.pingLoop(connCtx, d, conn)
	}()

	interval := readTimeout
	if d.opts.API {
		interval = apiReadTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var exit workerExit
loop:
	for {
		select {
		case <-ctx.Done():
			exit = m.canceledExit(d, h)
			break loop
		case err := <-errCh:
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				exit = m.canceledExit(d, h)
			} else {
				exit = restartExit(err)
			}
			break loop
		case <-ticker.C:
			if reason, ok := d.requestedExit(); ok {
				exit = workerExit{reason: reason, err: nil, detail: ""}
				break loop
			}
		}
	}
	if exit.reason == ExitStopped || exit.reason == ExitCrashRequested {
		// A polite close lets the reader observe the peer's close frame.
		m.closeConn(conn, d.opts.CloseTimeout)
	}
	cancel()
	wg.Wait()
	return exit
}

func (m *Manager) readLoop(ctx context.Context, d *descriptor, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("connection closed by server: %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		m.handleFrame(d, data)
	}
}

// handleFrame accounts, classifies and delivers one inbound frame.
func (m *Manager) handleFrame(d *descriptor, frame []byte) {
	now := m.clock.Now()
	size := len(frame)
	d.recordReceive(now, size)
	m.stats.addReceive(now, size)
	d.metrics.RecordMessage(m.ctx, size)

	kind, id := d.dialect.RecognizesControlReply(frame)
	if kind != endpoint.ReplyData {
		payload := make([]byte, size)
		copy(payload, frame)
		if kind == endpoint.ReplyError {
			m.log.Error("stream received error reply",
				observability.Field{Key: "stream_id", Value: d.id},
				observability.Field{Key: "request_id", Value: id},
				observability.Field{Key: "payload", Value: string(payload)})
		}
		m.replies.deliver(Reply{StreamID: d.id, RequestID: id, Kind: kind, Payload: payload, Received: now})
		return
	}

	rec, err := m.convert(d, frame)
	if err != nil {
		m.log.Error("stream frame conversion failed",
			observability.Field{Key: "stream_id", Value: d.id},
			observability.Field{Key: "error", Value: err})
		return
	}
	d.mu.Lock()
	last := rec
	d.lastRecord = &last
	d.mu.Unlock()
	m.signalFirstData(d, now, rec)
	m.dispatch(d, rec)
}

// writeLoop drains the pending frames of d at the outbound send rate.
func (m *Manager) writeLoop(ctx context.Context, d *descriptor, conn *websocket.Conn) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if !d.opts.API {
		limiter = rate.NewLimiter(rate.Limit(m.sendRate()), 1)
	}
	for {
		f, ok := d.nextFrame()
		if !ok {
			select {
			case <-ctx.Done():
				return context.Canceled
			case <-d.pendingCh:
			}
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			d.requeueFront(f)
			return context.Canceled
		}
		payload, err := endpoint.Encode(f)
		if err != nil {
			m.log.Error("stream frame encoding failed",
				observability.Field{Key: "stream_id", Value: d.id},
				observability.Field{Key: "error", Value: err})
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			d.requeueFront(f)
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("write %s: %w", frameMethod(f), err)
		}
		d.mu.Lock()
		d.transmitted++
		d.mu.Unlock()
		m.stats.addTransmitted()
		d.metrics.RecordControl(ctx, frameMethod(f), 1)
		m.log.Debug("stream frame sent",
			observability.Field{Key: "stream_id", Value: d.id},
			observability.Field{Key: "method", Value: frameMethod(f)},
			observability.Field{Key: "request_id", Value: f.RequestID()})
	}
}

func (m *Manager) pingLoop(ctx context.Context, d *descriptor, conn *websocket.Conn) error {
	interval := d.opts.PingInterval
	if interval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, d.opts.PingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			latency := time.Since(start)
			if err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				result := telemetry.ResultError
				if errors.Is(err, context.DeadlineExceeded) {
					result = telemetry.ResultTimeout
				}
				d.metrics.RecordPing(ctx, latency, result)
				return fmt.Errorf("ping: %w", err)
			}
			d.metrics.RecordPing(ctx, latency, telemetry.ResultSuccess)
			d.setHeartbeat(m.clock.Now())
		}
	}
}

// closeConn sends a normal close frame and force-closes after timeout.
func (m *Manager) closeConn(conn *websocket.Conn, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		_ = conn.CloseNow()
		<-done
	}
}

func (m *Manager) canceledExit(d *descriptor, h *workerHandle) workerExit {
	d.mu.Lock()
	reason := h.reason
	d.mu.Unlock()
	return workerExit{reason: reason, err: nil, detail: ""}
}

// waitAfterDialFailure backs off after throttling or server errors on the handshake.
func (m *Manager) waitAfterDialFailure(ctx context.Context, d *descriptor, resp *http.Response) {
	if resp == nil {
		return
	}
	code := resp.StatusCode
	if code != http.StatusTooManyRequests && code != http.StatusTeapot && code < http.StatusInternalServerError {
		return
	}
	d.mu.Lock()
	if d.retry == nil {
		d.retry = backoff.NewExponentialBackOff()
		d.retry.MaxInterval = maxDialBackoff
	}
	wait := d.retry.NextBackOff()
	d.mu.Unlock()
	if after := retryAfter(resp); after > wait {
		wait = after
	}
	m.log.Info("stream handshake throttled",
		observability.Field{Key: "stream_id", Value: d.id},
		observability.Field{Key: "status", Value: code},
		observability.Field{Key: "wait", Value: wait})
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// acquireListenKey returns the cached listen key of d or acquires a new one.
func (m *Manager) acquireListenKey(ctx context.Context, d *descriptor) (string, error) {
	now := m.clock.Now()
	cache := m.opts.ListenKeyCacheTime
	d.mu.Lock()
	lease := d.lease
	d.mu.Unlock()
	if !lease.Empty() && freshest(lease).Add(cache).After(now) {
		return lease.Key, nil
	}
	if m.listenKeys == nil {
		return "", errs.NotSupported(d.ep.Exchange, "no listen key service configured")
	}
	start := time.Now()
	key, err := m.listenKeys.Acquire(ctx, d.opts.Credentials, d.symbol())
	d.metrics.RecordListenKey(ctx, "acquire", time.Since(start), err)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.lease = listenkey.Lease{Key: key, AcquiredAt: now, LastKeepalive: now}
	d.mu.Unlock()
	m.log.Info("listen key acquired", observability.Field{Key: "stream_id", Value: d.id})
	return key, nil
}

func freshest(l listenkey.Lease) time.Time {
	if l.LastKeepalive.After(l.AcquiredAt) {
		return l.LastKeepalive
	}
	return l.AcquiredAt
}

// listenKeyExit maps a listen-key failure to a restart or an unrecoverable crash.
func (m *Manager) listenKeyExit(d *descriptor, err error) workerExit {
	var apiErr *listenkey.APIError
	if code, ok := listenkey.FatalCode(err); ok && errors.As(err, &apiErr) {
		return workerExit{reason: ExitUnrecoverable, err: err, detail: fmt.Sprintf("%d - %s", code, apiErr.Msg)}
	}
	if unrecoverable(err) {
		return workerExit{reason: ExitUnrecoverable, err: err, detail: errorDetail(err)}
	}
	m.log.Error("listen key acquisition failed",
		observability.Field{Key: "stream_id", Value: d.id},
		observability.Field{Key: "error", Value: err})
	return restartExit(fmt.Errorf("listen key: %w", err))
}

// finishWorker applies the exit of a worker run to d.
func (m *Manager) finishWorker(d *descriptor, h *workerHandle, exit workerExit) {
	now := m.clock.Now()
	m.signalDisconnect(d, now)

	d.mu.Lock()
	switch exit.reason {
	case ExitStopped, ExitShutdown:
		d.status = StatusStopped
		d.stopTime = now
	case ExitCrashRequested:
		reason := d.crashReason
		if reason == "" {
			reason = "crash request"
		}
		d.status = crashedWith(reason)
		d.stopTime = now
	case ExitUnrecoverable:
		d.status = crashedWith(exit.detail)
		d.unrecoverable = true
		d.crashErr = exit.err
		d.stopTime = now
	case ExitRestart:
		d.status = crashedWith(exit.detail)
	case ExitKilled:
	}
	if d.worker == h {
		d.worker = nil
	}
	final := exit.reason != ExitRestart && exit.reason != ExitKilled
	deleteKey := exit.reason == ExitStopped && d.deleteKeyOnStop
	lease := d.lease
	subs := d.metricSubs
	if final {
		d.metricSubs = 0
	}
	status := d.status
	d.mu.Unlock()
	d.markStarted()

	fields := []observability.Field{
		{Key: "stream_id", Value: d.id},
		{Key: "exit", Value: exit.reason.String()},
		{Key: "status", Value: status},
	}
	if exit.err != nil {
		fields = append(fields, observability.Field{Key: "error", Value: exit.err})
	}
	switch exit.reason {
	case ExitRestart, ExitUnrecoverable:
		m.log.Error("stream worker exited", fields...)
	default:
		m.log.Info("stream worker exited", fields...)
	}

	if final {
		d.metrics.AdjustSubscriptions(m.ctx, -subs)
		if d.queue != nil {
			d.queue.Close()
		}
	}
	if exit.reason == ExitRestart {
		m.supervisor.request(d.id)
	}
	if deleteKey && !lease.Empty() {
		m.deleteListenKey(d, lease)
	}
}

// deleteListenKey releases the listen key of a stopped stream on a fresh context.
func (m *Manager) deleteListenKey(d *descriptor, lease listenkey.Lease) {
	if m.listenKeys == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	start := time.Now()
	err := m.listenKeys.Delete(ctx, d.opts.Credentials, lease.Key, d.symbol())
	d.metrics.RecordListenKey(ctx, "delete", time.Since(start), err)
	if err != nil {
		m.log.Error("listen key delete failed",
			observability.Field{Key: "stream_id", Value: d.id},
			observability.Field{Key: "error", Value: err})
		return
	}
	d.mu.Lock()
	if d.lease.Key == lease.Key {
		d.lease = listenkey.Lease{Key: "", AcquiredAt: time.Time{}, LastKeepalive: time.Time{}}
	}
	d.mu.Unlock()
}

func (m *Manager) sendRate() float64 {
	r := m.opts.MaxSendMessagesPerSecond - m.opts.MaxSendMessagesPerSecondReserve
	if r < 1 {
		r = 1
	}
	return float64(r)
}

func frameMethod(f endpoint.Frame) string {
	switch v := f.(type) {
	case endpoint.ControlFrame:
		return v.Method
	case endpoint.TopicFrame:
		return v.Method
	case endpoint.APIRequest:
		return v.Method
	default:
		return "unknown"
	}
}

func errorDetail(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// redactURI hides the listen key in user data stream URIs.
func redactURI(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 || idx == len(uri)-1 {
		return uri
	}
	tail := uri[idx+1:]
	if len(tail) >= 60 && !strings.ContainsAny(tail, "@?=") {
		return uri[:idx+1] + "***"
	}
	return uri
}

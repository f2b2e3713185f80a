package stream

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meltica-ws/errs"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/internal/observability"
	"github.com/coachpo/meltica-ws/internal/wsapi"
)

// CreateStream registers a stream for channels × markets and starts its worker. Unless the
// manager runs in high performance mode it blocks until the first connection attempt
// finished.
func (m *Manager) CreateStream(ctx context.Context, channels, markets []string, opts StreamOptions) (string, error) {
	if m.IsManagerStopping() {
		return "", errs.New(m.ep.Exchange, errs.CodeUnavailable, errs.WithMessage("stream manager is stopping"))
	}
	channels, markets = m.normalizeSets(channels, markets)
	if !opts.API && (len(channels) == 0 || len(markets) == 0) {
		return "", errs.New(m.ep.Exchange, errs.CodeInvalid, errs.WithMessage("channels and markets are required"))
	}
	opts = m.streamDefaults(opts)

	id := uuid.NewString()
	d := newDescriptor(id, m.ep, m.dialect, channels, markets, opts, m.clock.Now())
	if opts.BufferName != "" && opts.BufferMaxLen > 0 {
		m.buffers.Configure(opts.BufferName, opts.BufferMaxLen)
	}
	if opts.PerStreamBuffer {
		m.buffers.Configure(id, opts.BufferMaxLen)
	}
	m.registry.add(d)
	if d.queue != nil {
		m.tasks.Go(func() {
			if err := opts.ProcessAsyncQueue(m.ctx, id, d.queue); err != nil && m.ctx.Err() == nil {
				m.log.Error("async queue consumer failed",
					observability.Field{Key: "stream_id", Value: id},
					observability.Field{Key: "error", Value: err})
			}
		})
	}
	m.log.Info("stream created",
		observability.Field{Key: "stream_id", Value: id},
		observability.Field{Key: "label", Value: opts.Label},
		observability.Field{Key: "channels", Value: channels},
		observability.Field{Key: "markets", Value: markets},
		observability.Field{Key: "api", Value: opts.API})
	m.startWorker(d)

	if m.opts.HighPerformance {
		return id, nil
	}
	select {
	case <-d.started:
	case <-ctx.Done():
		return id, ctx.Err()
	}
	if m.opts.ThrowExceptionIfUnrepairable {
		d.mu.Lock()
		unrepairable, status, cause := d.unrecoverable, d.status, d.crashErr
		d.mu.Unlock()
		if unrepairable {
			return id, &StreamRecoveryError{StreamID: id, Reason: strings.TrimPrefix(status, StatusCrashed+" - "), Err: cause}
		}
	}
	return id, nil
}

func (m *Manager) streamDefaults(opts StreamOptions) StreamOptions {
	if !opts.Output.valid() {
		opts.Output = m.opts.OutputDefault
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = m.opts.PingIntervalDefault
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = m.opts.PingTimeoutDefault
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = m.opts.CloseTimeoutDefault
	}
	if opts.BufferMaxLen <= 0 {
		opts.BufferMaxLen = m.opts.StreamBufferMaxLen
	}
	opts.Symbols = slices.Clone(opts.Symbols)
	return opts
}

func (m *Manager) normalizeSets(channels, markets []string) ([]string, []string) {
	outChannels := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			outChannels = append(outChannels, ch)
		}
	}
	outMarkets := make([]string, 0, len(markets))
	for _, mk := range markets {
		if mk = strings.TrimSpace(mk); mk != "" {
			outMarkets = append(outMarkets, m.dialect.NormalizeMarket(mk))
		}
	}
	return endpoint.Dedupe(outChannels), endpoint.Dedupe(outMarkets)
}

func (m *Manager) lookup(id string) (*descriptor, error) {
	d, ok := m.registry.get(id)
	if !ok {
		return nil, m.notFound(id)
	}
	return d, nil
}

// SubscribeToStream adds channels and markets to stream id and queues the SUBSCRIBE frames.
// Exceeding the subscription cap crashes the stream.
func (m *Manager) SubscribeToStream(id string, channels, markets []string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.opts.API {
		return errs.New(m.ep.Exchange, errs.CodeInvalid, errs.WithMessage("websocket api streams have no subscriptions"), errs.WithStream(id))
	}
	channels, markets = m.normalizeSets(channels, markets)

	d.mu.Lock()
	allChannels := endpoint.Dedupe(append(slices.Clone(d.channels), channels...))
	allMarkets := endpoint.Dedupe(append(slices.Clone(d.markets), markets...))
	count := endpoint.CountSubscriptions(allChannels, allMarkets)
	if err := m.ep.CheckLimit(count); err != nil {
		d.crashRequested = true
		d.stopRequested = true
		d.stopRequestedAt = m.clock.Now()
		d.crashReason = endpoint.LimitExceededMessage(m.ep.MaxSubscriptions)
		d.unrecoverable = true
		d.crashErr = err
		if d.worker == nil {
			d.status = crashedWith(d.crashReason)
		}
		d.mu.Unlock()
		m.log.Error("subscription limit exceeded, stream is crashing",
			observability.Field{Key: "stream_id", Value: id},
			observability.Field{Key: "subscriptions", Value: count},
			observability.Field{Key: "unrecoverable", Value: true})
		return err
	}
	d.channels, d.markets = allChannels, allMarkets
	delta := count - d.subscriptions
	d.subscriptions = count
	d.metricSubs += delta
	d.mu.Unlock()

	d.metrics.AdjustSubscriptions(m.ctx, delta)
	d.enqueue(m.dialect.PlanSubscribe(allChannels, allMarkets)...)
	m.log.Info("stream subscriptions added",
		observability.Field{Key: "stream_id", Value: id},
		observability.Field{Key: "subscriptions", Value: count})
	return nil
}

// UnsubscribeFromStream removes channels and markets from stream id and queues the
// UNSUBSCRIBE frames.
func (m *Manager) UnsubscribeFromStream(id string, channels, markets []string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.opts.API {
		return errs.New(m.ep.Exchange, errs.CodeInvalid, errs.WithMessage("websocket api streams have no subscriptions"), errs.WithStream(id))
	}
	channels, markets = m.normalizeSets(channels, markets)

	d.mu.Lock()
	remainingChannels := slices.DeleteFunc(slices.Clone(d.channels), func(ch string) bool { return slices.Contains(channels, ch) })
	remainingMarkets := slices.DeleteFunc(slices.Clone(d.markets), func(mk string) bool { return slices.Contains(markets, mk) })
	d.channels, d.markets = remainingChannels, remainingMarkets
	count := endpoint.CountSubscriptions(remainingChannels, remainingMarkets)
	delta := count - d.subscriptions
	d.subscriptions = count
	d.metricSubs += delta
	d.mu.Unlock()

	d.metrics.AdjustSubscriptions(m.ctx, delta)
	d.enqueue(m.dialect.PlanUnsubscribe(remainingChannels, remainingMarkets, channels, markets)...)
	m.log.Info("stream subscriptions removed",
		observability.Field{Key: "stream_id", Value: id},
		observability.Field{Key: "subscriptions", Value: count})
	return nil
}

// GetStreamSubscriptions queues a LIST_SUBSCRIPTIONS request on stream id and returns its
// request id. The reply is fetched with GetResultByRequestID.
func (m *Manager) GetStreamSubscriptions(id string) (string, error) {
	d, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	f, err := m.dialect.ListSubscriptions()
	if err != nil {
		return "", err
	}
	d.enqueue(f)
	return f.RequestID(), nil
}

// ReplaceStream starts a stream for the new configuration, waits until it receives data
// and then stops the old one, keeping its listen key.
func (m *Manager) ReplaceStream(ctx context.Context, oldID string, channels, markets []string, opts StreamOptions) (string, error) {
	if _, err := m.lookup(oldID); err != nil {
		return "", err
	}
	newID, err := m.CreateStream(ctx, channels, markets, opts)
	if err != nil {
		return newID, err
	}
	if err := m.WaitTillStreamHasStarted(ctx, newID); err != nil {
		return newID, err
	}
	return newID, m.stopStream(oldID, false)
}

// StopStream asks the worker of stream id to close the connection and deletes the
// listen key of user data streams.
func (m *Manager) StopStream(id string) error {
	return m.stopStream(id, true)
}

func (m *Manager) stopStream(id string, deleteListenKey bool) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if !d.stopRequested {
		d.stopRequested = true
		d.stopRequestedAt = m.clock.Now()
	}
	d.deleteKeyOnStop = deleteListenKey
	running := d.worker != nil
	lease := d.lease
	d.mu.Unlock()
	m.supervisor.forget(id)
	m.log.Info("stream stop requested", observability.Field{Key: "stream_id", Value: id})
	if !running {
		d.mu.Lock()
		if !d.unrecoverable {
			d.status = StatusStopped
		}
		if d.stopTime.IsZero() {
			d.stopTime = m.clock.Now()
		}
		d.mu.Unlock()
		if deleteListenKey && !lease.Empty() {
			m.deleteListenKey(d, lease)
		}
	}
	return nil
}

// StopStreamAsCrash stops stream id and marks it crashed. It is not restarted.
func (m *Manager) StopStreamAsCrash(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.crashRequested = true
	d.stopRequested = true
	if d.stopRequestedAt.IsZero() {
		d.stopRequestedAt = m.clock.Now()
	}
	running := d.worker != nil
	if !running {
		d.status = crashedWith("crash request")
	}
	d.mu.Unlock()
	m.supervisor.forget(id)
	m.log.Info("stream crash requested", observability.Field{Key: "stream_id", Value: id})
	return nil
}

// KillStream makes the supervisor tear down and restart the connection of stream id.
// Unrecoverably crashed streams are refused.
func (m *Manager) KillStream(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.unrecoverable {
		d.mu.Unlock()
		return errs.New(m.ep.Exchange, errs.CodeUnrecoverable,
			errs.WithMessage("stream crashed unrecoverably and cannot be restarted"), errs.WithStream(id))
	}
	d.killRequested = true
	d.mu.Unlock()
	m.log.Info("stream kill requested", observability.Field{Key: "stream_id", Value: id})
	return nil
}

// SetRestartRequest files a restart of stream id. It returns false while the previous
// restart is younger than the restart timeout.
func (m *Manager) SetRestartRequest(id string) (bool, error) {
	if _, err := m.lookup(id); err != nil {
		return false, err
	}
	return m.supervisor.request(id), nil
}

// DeleteStreamFromStreamList removes a stream from the registry. Running streams are
// stopped first.
func (m *Manager) DeleteStreamFromStreamList(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if d.workerRunning() {
		if err := m.stopStream(id, true); err != nil {
			return err
		}
	}
	m.supervisor.forget(id)
	m.registry.remove(id)
	if d.opts.PerStreamBuffer {
		m.buffers.Delete(id)
	}
	m.log.Info("stream deleted", observability.Field{Key: "stream_id", Value: id})
	return nil
}

// AddPayloadToStream queues frames on stream id in order.
func (m *Manager) AddPayloadToStream(id string, frames ...endpoint.Frame) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.enqueue(frames...)
	return nil
}

// PopStreamDataFromStreamBuffer pops a record from the generic buffer, or from the buffer
// named name when it is not empty.
func (m *Manager) PopStreamDataFromStreamBuffer(name string, mode PopMode) (Record, bool) {
	ring := m.buffers.Generic()
	if name != "" {
		named, ok := m.buffers.Lookup(name)
		if !ok {
			return Record{}, false
		}
		ring = named
	}
	if mode == LIFO {
		return ring.PopBack()
	}
	return ring.PopFront()
}

// AddToStreamBuffer re-inserts a record at the tail of the generic or named buffer.
func (m *Manager) AddToStreamBuffer(name string, rec Record) {
	if name == "" {
		m.buffers.Generic().PushBack(rec)
		return
	}
	m.buffers.Named(name).PushBack(rec)
}

// GetStreamBufferLength returns the records held by the generic or named buffer.
func (m *Manager) GetStreamBufferLength(name string) int {
	if name == "" {
		return m.buffers.Generic().Len()
	}
	ring, ok := m.buffers.Lookup(name)
	if !ok {
		return 0
	}
	return ring.Len()
}

// ClearStreamBuffer empties the generic or named buffer.
func (m *Manager) ClearStreamBuffer(name string) {
	if name == "" {
		m.buffers.Generic().Clear()
		return
	}
	if ring, ok := m.buffers.Lookup(name); ok {
		ring.Clear()
	}
}

// GetStreamBufferNames lists the named buffers.
func (m *Manager) GetStreamBufferNames() []string { return m.buffers.Names() }

// PopStreamSignalFromStreamSignalBuffer pops the oldest signal when the signal buffer is
// enabled.
func (m *Manager) PopStreamSignalFromStreamSignalBuffer() (Signal, bool) {
	return m.signals.pop()
}

// GetStreamInfo returns a snapshot of stream id.
func (m *Manager) GetStreamInfo(id string) (Info, error) {
	d, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return d.info(), nil
}

// GetStreamList returns snapshots of every registered stream in creation order.
func (m *Manager) GetStreamList() []Info {
	all := m.registry.all()
	out := make([]Info, 0, len(all))
	for _, d := range all {
		out = append(out, d.info())
	}
	return out
}

// GetActiveStreamList returns snapshots of the running streams.
func (m *Manager) GetActiveStreamList() []Info {
	var out []Info
	for _, d := range m.registry.all() {
		if d.currentStatus() == StatusRunning {
			out = append(out, d.info())
		}
	}
	return out
}

// SetStreamLabel renames stream id.
func (m *Manager) SetStreamLabel(id, label string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.label = label
	d.mu.Unlock()
	return nil
}

// GetStreamLabel returns the label of stream id.
func (m *Manager) GetStreamLabel(id string) (string, error) {
	d, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.label, nil
}

// GetStreamIDByLabel returns the first stream carrying label.
func (m *Manager) GetStreamIDByLabel(label string) (string, bool) {
	d, ok := m.registry.byLabel(label)
	if !ok {
		return "", false
	}
	return d.id, true
}

// WaitTillStreamHasStarted blocks until stream id delivered its first record. It fails when
// the stream crashes unrecoverably or is stopped first.
func (m *Manager) WaitTillStreamHasStarted(ctx context.Context, id string) error {
	return m.waitFor(ctx, id, func(d *descriptor) (bool, error) {
		if d.lastRecord != nil {
			return true, nil
		}
		if d.unrecoverable || d.stopRequested {
			return false, fmt.Errorf("stream %s ended before receiving data: %s", id, d.status)
		}
		return false, nil
	})
}

// WaitTillStreamHasStopped blocks until the worker of stream id exited for good.
func (m *Manager) WaitTillStreamHasStopped(ctx context.Context, id string) error {
	return m.waitFor(ctx, id, func(d *descriptor) (bool, error) {
		if d.worker != nil {
			return false, nil
		}
		return d.status == StatusStopped || (IsCrashed(d.status) && (d.unrecoverable || d.crashRequested)), nil
	})
}

func (m *Manager) waitFor(ctx context.Context, id string, done func(d *descriptor) (bool, error)) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		d, err := m.lookup(id)
		if err != nil {
			return err
		}
		d.mu.Lock()
		ok, err := done(d)
		d.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetRingbufferErrorMaxSize bounds the error reply ring.
func (m *Manager) SetRingbufferErrorMaxSize(n int) { m.replies.errors.SetMax(n) }

// SetRingbufferResultMaxSize bounds the result reply ring.
func (m *Manager) SetRingbufferResultMaxSize(n int) { m.replies.results.SetMax(n) }

// GetErrorsFromEndpoints returns the error replies held in the error ring.
func (m *Manager) GetErrorsFromEndpoints() []Reply { return m.replies.errors.Snapshot() }

// GetResultsFromEndpoints returns the result replies held in the result ring.
func (m *Manager) GetResultsFromEndpoints() []Reply { return m.replies.results.Snapshot() }

// PopErrorFromEndpoints pops the oldest error reply.
func (m *Manager) PopErrorFromEndpoints() (Reply, bool) { return m.replies.errors.PopFront() }

// PopResultFromEndpoints pops the oldest result reply.
func (m *Manager) PopResultFromEndpoints() (Reply, bool) { return m.replies.results.PopFront() }

// GetResultByRequestID waits up to timeout for the reply to requestID. It reports false when
// no reply arrived.
func (m *Manager) GetResultByRequestID(ctx context.Context, requestID string, timeout time.Duration) (Reply, bool) {
	return m.replies.await(ctx, requestID, timeout, m.clock.Now())
}

// GetListenKeyStatus returns the metadata of the last listen-key REST response.
func (m *Manager) GetListenKeyStatus() (listenkey.Status, bool) {
	s, ok := m.listenKeys.(interface{ Status() listenkey.Status })
	if !ok {
		return listenkey.Status{}, false
	}
	return s.Status(), true
}

// DeleteListenKeyByStreamID invalidates the cached listen key of stream id.
func (m *Manager) DeleteListenKeyByStreamID(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	lease := d.lease
	d.mu.Unlock()
	if lease.Empty() {
		return errs.New(m.ep.Exchange, errs.CodeNotFound, errs.WithMessage("stream has no listen key"), errs.WithStream(id))
	}
	m.deleteListenKey(d, lease)
	return nil
}

// GetTheOneActiveWebsocketAPI returns the only running WebSocket API stream.
func (m *Manager) GetTheOneActiveWebsocketAPI() (string, error) {
	var found []string
	for _, d := range m.registry.all() {
		if d.opts.API && d.currentStatus() == StatusRunning {
			found = append(found, d.id)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", errs.New(m.ep.Exchange, errs.CodeNotFound,
			errs.WithMessage("no running websocket api stream"),
			errs.WithCanonicalCode(errs.CanonicalStreamNotFound),
			errs.WithCause(ErrStreamNotFound))
	default:
		return "", errs.New(m.ep.Exchange, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%d websocket api streams are running, pass a stream id", len(found))))
	}
}

// APIStream implements wsapi.Sender.
func (m *Manager) APIStream(streamID string) (string, listenkey.Credentials, error) {
	if streamID == "" {
		id, err := m.GetTheOneActiveWebsocketAPI()
		if err != nil {
			return "", listenkey.Credentials{}, err
		}
		streamID = id
	}
	d, err := m.lookup(streamID)
	if err != nil {
		return "", listenkey.Credentials{}, err
	}
	if !d.opts.API {
		return "", listenkey.Credentials{}, errs.New(m.ep.Exchange, errs.CodeInvalid,
			errs.WithMessage("stream is not a websocket api stream"), errs.WithStream(streamID))
	}
	return d.id, d.opts.Credentials, nil
}

// SendAPIRequest implements wsapi.Sender. It queues req on the API stream and, when asked,
// waits for the correlated reply.
func (m *Manager) SendAPIRequest(ctx context.Context, streamID string, req endpoint.APIRequest, call wsapi.CallOptions) ([]byte, error) {
	d, err := m.lookup(streamID)
	if err != nil {
		return nil, err
	}
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if call.ProcessResponse != nil {
		m.replies.expect(req.ID, m.clock.Now().Add(timeout), call.ProcessResponse)
	}
	d.enqueue(req)
	if !call.ReturnResponse || call.ProcessResponse != nil {
		return nil, nil
	}
	reply, ok := m.replies.await(ctx, req.ID, timeout, m.clock.Now())
	if !ok {
		return nil, errs.New(m.ep.Exchange, errs.CodeNotFound,
			errs.WithMessage("no response to request "+req.ID),
			errs.WithStream(streamID))
	}
	return reply.Payload, nil
}

// API returns a WebSocket API client bound to the manager.
func (m *Manager) API(opts ...wsapi.BuilderOption) *wsapi.Client {
	return wsapi.NewClient(m, append([]wsapi.BuilderOption{wsapi.WithClock(m.clock.Now)}, opts...)...)
}

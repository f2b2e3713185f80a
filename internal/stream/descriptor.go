package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/infra/telemetry"
	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/lib/async"
)

// workerHandle tracks one running worker goroutine.
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason ExitReason
}

// descriptor is the registry entry of one stream. Configuration fields are set at creation;
// everything below mu is guarded by it.
type descriptor struct {
	id      string
	ep      endpoint.Endpoint
	dialect endpoint.Dialect
	opts    StreamOptions
	metrics *telemetry.StreamMetrics
	queue   *async.Queue[Record]

	pendingCh chan struct{}
	started   chan struct{}
	startOnce sync.Once

	mu                    sync.Mutex
	label                 string
	channels              []string
	markets               []string
	status                string
	uri                   string
	socketID              string
	startTime             time.Time
	stopTime              time.Time
	lastHeartbeat         time.Time
	reconnects            int
	reconnectLog          []time.Time
	connections           int
	retry                 *backoff.ExponentialBackOff
	subscriptions         int
	metricSubs            int
	pending               []endpoint.Frame
	lease                 listenkey.Lease
	lastRecord            *Record
	lastSignal            SignalType
	connected             bool
	firstDataSent         bool
	stopRequested         bool
	stopRequestedAt       time.Time
	deleteKeyOnStop       bool
	crashRequested        bool
	crashReason           string
	killRequested         bool
	unrecoverable         bool
	crashErr              error
	transmitted           uint64
	received              uint64
	receivedBytes         uint64
	receivesPerSecond     map[int64]int
	bytesPerSecond        map[int64]int
	mostReceivesPerSecond int
	worker                *workerHandle
}

func newDescriptor(id string, ep endpoint.Endpoint, dialect endpoint.Dialect, channels, markets []string, opts StreamOptions, now time.Time) *descriptor {
	kind := telemetry.StreamKindMarket
	switch {
	case opts.API:
		kind = telemetry.StreamKindAPI
	case endpoint.IsUserData(channels, markets):
		kind = telemetry.StreamKindUserData
	}
	metricName := opts.Label
	if metricName == "" {
		metricName = id
	}
	var queue *async.Queue[Record]
	if opts.ProcessAsyncQueue != nil {
		queue = async.NewQueue[Record]()
	}
	return &descriptor{
		id:                    id,
		ep:                    ep,
		dialect:               dialect,
		opts:                  opts,
		metrics:               telemetry.NewStreamMetrics(ep.Exchange, metricName, kind),
		queue:                 queue,
		pendingCh:             make(chan struct{}, 1),
		started:               make(chan struct{}),
		startOnce:             sync.Once{},
		mu:                    sync.Mutex{},
		label:                 opts.Label,
		channels:              slices.Clone(channels),
		markets:               slices.Clone(markets),
		status:                StatusStarting,
		uri:                   "",
		socketID:              "",
		startTime:             now,
		stopTime:              time.Time{},
		lastHeartbeat:         time.Time{},
		reconnects:            0,
		reconnectLog:          nil,
		connections:           0,
		retry:                 nil,
		subscriptions:         0,
		metricSubs:            0,
		pending:               nil,
		lease:                 listenkey.Lease{Key: "", AcquiredAt: time.Time{}, LastKeepalive: time.Time{}},
		lastRecord:            nil,
		lastSignal:            "",
		connected:             false,
		firstDataSent:         false,
		stopRequested:         false,
		stopRequestedAt:       time.Time{},
		deleteKeyOnStop:       false,
		crashRequested:        false,
		crashReason:           "",
		killRequested:         false,
		unrecoverable:         false,
		crashErr:              nil,
		transmitted:           0,
		received:              0,
		receivedBytes:         0,
		receivesPerSecond:     make(map[int64]int),
		bytesPerSecond:        make(map[int64]int),
		mostReceivesPerSecond: 0,
		worker:                nil,
	}
}

// markStarted releases the readiness gate CreateStream waits on.
func (d *descriptor) markStarted() {
	d.startOnce.Do(func() { close(d.started) })
}

func (d *descriptor) isUserData() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return endpoint.IsUserData(d.channels, d.markets)
}

func (d *descriptor) symbol() string {
	if len(d.opts.Symbols) == 0 {
		return ""
	}
	return d.opts.Symbols[0]
}

func (d *descriptor) currentStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *descriptor) setHeartbeat(now time.Time) {
	d.mu.Lock()
	d.lastHeartbeat = now
	d.mu.Unlock()
}

// enqueue appends frames to the pending list in order and wakes the worker.
func (d *descriptor) enqueue(frames ...endpoint.Frame) {
	if len(frames) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, frames...)
	d.mu.Unlock()
	d.notifyPending()
}

func (d *descriptor) notifyPending() {
	select {
	case d.pendingCh <- struct{}{}:
	default:
	}
}

// nextFrame pops the oldest pending frame.
func (d *descriptor) nextFrame() (endpoint.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, false
	}
	f := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return f, true
}

// requeueFront puts frames ahead of everything already pending.
func (d *descriptor) requeueFront(frames ...endpoint.Frame) {
	if len(frames) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(slices.Clone(frames), d.pending...)
	d.mu.Unlock()
	d.notifyPending()
}

func (d *descriptor) subscriptionSets() ([]string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.channels), slices.Clone(d.markets)
}

// cancelWorker cancels the running worker with reason and returns its handle, or nil when
// no worker is running.
func (d *descriptor) cancelWorker(reason ExitReason) *workerHandle {
	d.mu.Lock()
	h := d.worker
	if h != nil {
		h.reason = reason
	}
	d.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	return h
}

func (d *descriptor) workerRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.worker != nil
}

// requestedExit reports a pending crash or stop request. Crash wins over stop.
func (d *descriptor) requestedExit() (ExitReason, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.crashRequested:
		return ExitCrashRequested, true
	case d.stopRequested:
		return ExitStopped, true
	}
	return 0, false
}

// recordReceive accounts one frame in the totals and the per-second counters.
func (d *descriptor) recordReceive(now time.Time, size int) {
	sec := now.Unix()
	d.mu.Lock()
	d.received++
	d.receivedBytes += uint64(size)
	d.receivesPerSecond[sec]++
	d.bytesPerSecond[sec] += size
	d.lastHeartbeat = now
	d.mu.Unlock()
}

// trimCounters keeps the last keep seconds of per-second counters and returns the most
// receives seen in one completed second.
func (d *descriptor) trimCounters(now time.Time, keep int) int {
	cutoff := now.Unix() - int64(keep)
	current := now.Unix()
	d.mu.Lock()
	defer d.mu.Unlock()
	for sec, n := range d.receivesPerSecond {
		if sec < current && n > d.mostReceivesPerSecond {
			d.mostReceivesPerSecond = n
		}
		if sec < cutoff {
			delete(d.receivesPerSecond, sec)
		}
	}
	for sec := range d.bytesPerSecond {
		if sec < cutoff {
			delete(d.bytesPerSecond, sec)
		}
	}
	return d.mostReceivesPerSecond
}

func (d *descriptor) receivesInSecond(sec int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receivesPerSecond[sec]
}

func (d *descriptor) bytesInSecond(sec int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesPerSecond[sec]
}

// reconnectsSince counts logged reconnects after since.
func (d *descriptor) reconnectsSince(since time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ts := range d.reconnectLog {
		if ts.After(since) {
			n++
		}
	}
	return n
}

func (d *descriptor) info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{
		StreamID:              d.id,
		Label:                 d.label,
		Exchange:              d.ep.Exchange,
		Channels:              slices.Clone(d.channels),
		Markets:               slices.Clone(d.markets),
		Symbols:               slices.Clone(d.opts.Symbols),
		API:                   d.opts.API,
		Output:                d.opts.Output,
		BufferName:            d.opts.BufferName,
		Status:                d.status,
		URI:                   d.uri,
		SocketID:              d.socketID,
		StartTime:             d.startTime,
		StopTime:              d.stopTime,
		LastHeartbeat:         d.lastHeartbeat,
		Reconnects:            d.reconnects,
		ReconnectLog:          slices.Clone(d.reconnectLog),
		Subscriptions:         d.subscriptions,
		Transmitted:           d.transmitted,
		Received:              d.received,
		ReceivedBytes:         d.receivedBytes,
		PendingFrames:         len(d.pending),
		MostReceivesPerSecond: d.mostReceivesPerSecond,
		LastSignal:            d.lastSignal,
		ListenKey: ListenKeyInfo{
			Key:           d.lease.Key,
			AcquiredAt:    d.lease.AcquiredAt,
			LastKeepalive: d.lease.LastKeepalive,
		},
		StopRequested:  d.stopRequested,
		CrashRequested: d.crashRequested,
		KillRequested:  d.killRequested,
		Unrecoverable:  d.unrecoverable,
		PingInterval:   d.opts.PingInterval,
		PingTimeout:    d.opts.PingTimeout,
		CloseTimeout:   d.opts.CloseTimeout,
	}
}

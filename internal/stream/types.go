// Package stream implements the stream manager: the stream registry, one connection worker
// per stream, the supervisor, the frequent checks loop, sink delivery, lifecycle signals,
// request correlation, statistics and health.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/lib/async"
)

// Status strings stored on a descriptor. Crashed streams carry a reason suffix,
// e.g. "crashed - -2015 - Invalid API-key, IP, or permissions for action.".
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusStopped    = "stopped"
	StatusCrashed    = "crashed"
)

// IsCrashed reports whether status denotes a crashed stream.
func IsCrashed(status string) bool {
	return strings.HasPrefix(status, StatusCrashed)
}

func crashedWith(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return StatusCrashed
	}
	return StatusCrashed + " - " + reason
}

// OutputMode selects how received frames are converted before delivery.
type OutputMode string

const (
	// OutputRaw delivers the frame bytes unchanged.
	OutputRaw OutputMode = "raw"
	// OutputDict decodes the frame into map[string]any.
	OutputDict OutputMode = "dict"
	// OutputNormalized passes the frame to the configured Normalizer.
	OutputNormalized OutputMode = "normalized"
)

func (m OutputMode) valid() bool {
	switch m {
	case OutputRaw, OutputDict, OutputNormalized:
		return true
	}
	return false
}

// PopMode selects which end of a buffer is popped.
type PopMode string

const (
	FIFO PopMode = "FIFO"
	LIFO PopMode = "LIFO"
)

// Record is one delivered data frame.
type Record struct {
	StreamID string
	// Stream is the combined-stream name when the frame arrived in a `{"stream","data"}` envelope.
	Stream   string
	Payload  any
	Size     int
	Received time.Time
}

// SignalType is a connection lifecycle event.
type SignalType string

const (
	SignalConnect           SignalType = "CONNECT"
	SignalFirstReceivedData SignalType = "FIRST_RECEIVED_DATA"
	SignalDisconnect        SignalType = "DISCONNECT"
)

// Signal is published on the signal buffer or the signal callback.
// Record holds the first record for FIRST_RECEIVED_DATA and the last one for DISCONNECT.
type Signal struct {
	Type      SignalType
	StreamID  string
	Timestamp time.Time
	Record    *Record
}

// AsyncQueueFunc consumes the per-stream async queue. It runs on the manager task group
// until ctx is cancelled and must call TaskDone after every item.
type AsyncQueueFunc func(ctx context.Context, streamID string, queue *async.Queue[Record]) error

// StreamOptions configures CreateStream. Zero values fall back to the manager defaults.
type StreamOptions struct {
	Label       string
	Symbols     []string
	Credentials listenkey.Credentials
	// API opens a WebSocket API stream instead of a market data stream.
	API    bool
	Output OutputMode
	// BufferName routes data to a named shared buffer.
	BufferName string
	// PerStreamBuffer routes data to a buffer named after the stream id.
	PerStreamBuffer bool
	BufferMaxLen    int
	PingInterval    time.Duration
	PingTimeout     time.Duration
	CloseTimeout    time.Duration
	// ProcessStreamData receives every data record synchronously on the worker goroutine.
	ProcessStreamData func(Record)
	// ProcessAsyncQueue enables the per-stream async queue.
	ProcessAsyncQueue AsyncQueueFunc
}

// ListenKeyInfo is the cached listen key of a user data stream.
type ListenKeyInfo struct {
	Key           string
	AcquiredAt    time.Time
	LastKeepalive time.Time
}

// Info is a snapshot of a stream descriptor.
type Info struct {
	StreamID              string
	Label                 string
	Exchange              string
	Channels              []string
	Markets               []string
	Symbols               []string
	API                   bool
	Output                OutputMode
	BufferName            string
	Status                string
	URI                   string
	SocketID              string
	StartTime             time.Time
	StopTime              time.Time
	LastHeartbeat         time.Time
	Reconnects            int
	ReconnectLog          []time.Time
	Subscriptions         int
	Transmitted           uint64
	Received              uint64
	ReceivedBytes         uint64
	PendingFrames         int
	MostReceivesPerSecond int
	LastSignal            SignalType
	ListenKey             ListenKeyInfo
	StopRequested         bool
	CrashRequested        bool
	KillRequested         bool
	Unrecoverable         bool
	PingInterval          time.Duration
	PingTimeout           time.Duration
	CloseTimeout          time.Duration
}

// ExitReason is the typed outcome of one worker run.
type ExitReason int

const (
	// ExitStopped follows a stop request.
	ExitStopped ExitReason = iota
	// ExitCrashRequested follows StopStreamAsCrash; the stream is not restarted.
	ExitCrashRequested
	// ExitRestart is a transient failure; the supervisor restarts the stream.
	ExitRestart
	// ExitUnrecoverable is a failure no restart can repair.
	ExitUnrecoverable
	// ExitKilled follows a kill request or a supervisor restart; the supervisor owns what follows.
	ExitKilled
	// ExitShutdown follows manager shutdown.
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitStopped:
		return "stopped"
	case ExitCrashRequested:
		return "crash_request"
	case ExitRestart:
		return "restart"
	case ExitUnrecoverable:
		return "unrecoverable"
	case ExitKilled:
		return "killed"
	case ExitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

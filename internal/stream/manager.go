package stream

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/cryptowatch/clock"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-ws/internal/buffer"
	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/internal/observability"
)

const (
	defaultCloseTimeout     = time.Second
	defaultPingInterval     = 5 * time.Second
	defaultPingTimeout      = 10 * time.Second
	defaultMaxSendPerSecond = 5
	defaultMaxSendReserve   = 2
	defaultShutdownGrace    = 5 * time.Second
	shutdownPollInterval    = 100 * time.Millisecond
	waitPollInterval        = 100 * time.Millisecond
)

// Options configures a Manager. Zero values select the defaults noted per field.
type Options struct {
	// Exchange selects the catalog entry, binance.com by default.
	Exchange  string
	Overrides endpoint.Overrides

	// ProcessStreamData is the global data callback used when a stream has no own sink.
	ProcessStreamData func(Record)
	// ProcessStreamSignals receives every lifecycle signal.
	ProcessStreamSignals     func(Signal)
	EnableStreamSignalBuffer bool
	// OutputDefault is the output mode of streams that do not set one, raw by default.
	OutputDefault OutputMode
	// StreamBufferMaxLen bounds every stream buffer; 0 leaves them unbounded.
	StreamBufferMaxLen int

	CloseTimeoutDefault time.Duration // 1s
	PingIntervalDefault time.Duration // 5s
	PingTimeoutDefault  time.Duration // 10s

	// ThrowExceptionIfUnrepairable makes CreateStream return an error when the stream
	// crashes unrecoverably during start.
	ThrowExceptionIfUnrepairable bool
	// HighPerformance makes CreateStream return without waiting for the connection.
	HighPerformance bool

	RestartTimeout                   time.Duration // 6s
	SupervisorInterval               time.Duration // 1s
	FrequentChecksInterval           time.Duration // 300ms
	KeepMaxReceivedLastSecondEntries int           // 5
	ListenKeyCacheTime               time.Duration // 10m
	MaxSendMessagesPerSecond         int           // 5
	MaxSendMessagesPerSecondReserve  int           // 2, capped below MaxSendMessagesPerSecond
	RingBufferResultMaxSize          int           // 500
	RingBufferErrorMaxSize           int           // 500

	Proxy     ProxyConfig
	UserAgent string

	// Debug adds call sites to the default logger.
	Debug  bool
	Logger observability.Logger
	Clock  clock.Clock
	// ListenKeys overrides the REST listen-key client.
	ListenKeys    listenkey.Service
	Normalizer    Normalizer
	UpdateChecker UpdateChecker
}

// Manager owns every stream of one exchange endpoint.
type Manager struct {
	opts       Options
	ep         endpoint.Endpoint
	dialect    endpoint.Dialect
	log        observability.Logger
	clock      clock.Clock
	normalizer Normalizer
	listenKeys listenkey.Service
	dialOpts   *websocket.DialOptions

	ctx    context.Context
	cancel context.CancelFunc
	tasks  conc.WaitGroup

	ids        *requestIDs
	registry   *registry
	supervisor *supervisor
	replies    *replyBook
	signals    *signalHub
	buffers    *buffer.Set[Record]
	stats      *statistics
	startTime  time.Time

	mu          sync.Mutex
	keepSeconds int
	stopping    atomic.Bool
}

// NewManager resolves the endpoint, starts the supervisor and the frequent checks loop and
// returns a manager ready to create streams.
func NewManager(opts Options) (*Manager, error) {
	ep, err := endpoint.Lookup(opts.Exchange, opts.Overrides)
	if err != nil {
		return nil, err
	}
	opts = withDefaults(opts)
	dialOpts, err := newDialOptions(opts.Proxy, opts.UserAgent)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStdLogger(
			log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds),
			observability.WithDebug(opts.Debug),
			observability.WithCallers(opts.Debug))
	}
	listenKeys := opts.ListenKeys
	if listenKeys == nil && ep.SupportsUserData() {
		listenKeys = listenkey.NewClient(listenkey.Options{
			Endpoint:   ep,
			HTTPClient: dialOpts.HTTPClient,
			Timeout:    0,
			MaxTries:   0,
			UserAgent:  opts.UserAgent,
			Logger:     logger,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := opts.Clock.Now()
	m := &Manager{
		opts:        opts,
		ep:          ep,
		dialect:     nil,
		log:         logger,
		clock:       opts.Clock,
		normalizer:  opts.Normalizer,
		listenKeys:  listenKeys,
		dialOpts:    dialOpts,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       conc.WaitGroup{},
		ids:         &requestIDs{mu: sync.Mutex{}, last: 0},
		registry:    newRegistry(),
		supervisor:  nil,
		replies:     newReplyBook(0),
		signals:     newSignalHub(opts.EnableStreamSignalBuffer, opts.ProcessStreamSignals),
		buffers:     buffer.NewSet[Record](opts.StreamBufferMaxLen, recordSize),
		stats:       newStatistics(now),
		startTime:   now,
		mu:          sync.Mutex{},
		keepSeconds: opts.KeepMaxReceivedLastSecondEntries,
	}
	m.dialect = ep.Dialect(m.ids)
	m.supervisor = newSupervisor(m, opts.RestartTimeout)
	m.replies.results.SetMax(opts.RingBufferResultMaxSize)
	m.replies.errors.SetMax(opts.RingBufferErrorMaxSize)

	m.tasks.Go(func() { m.supervisor.run(ctx, opts.SupervisorInterval) })
	m.tasks.Go(func() { m.frequentChecks(ctx) })
	m.log.Info("stream manager started",
		observability.Field{Key: "exchange", Value: ep.Exchange},
		observability.Field{Key: "dialect", Value: ep.Type})
	return m, nil
}

func withDefaults(opts Options) Options {
	if !opts.OutputDefault.valid() {
		opts.OutputDefault = OutputRaw
	}
	if opts.CloseTimeoutDefault <= 0 {
		opts.CloseTimeoutDefault = defaultCloseTimeout
	}
	if opts.PingIntervalDefault <= 0 {
		opts.PingIntervalDefault = defaultPingInterval
	}
	if opts.PingTimeoutDefault <= 0 {
		opts.PingTimeoutDefault = defaultPingTimeout
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = defaultRestartTimeout
	}
	if opts.SupervisorInterval <= 0 {
		opts.SupervisorInterval = defaultSupervisorInterval
	}
	if opts.FrequentChecksInterval <= 0 {
		opts.FrequentChecksInterval = defaultFrequentChecksInterval
	}
	if opts.KeepMaxReceivedLastSecondEntries <= 0 {
		opts.KeepMaxReceivedLastSecondEntries = defaultKeepSeconds
	}
	if opts.ListenKeyCacheTime <= 0 {
		opts.ListenKeyCacheTime = listenkey.DefaultCacheTime
	}
	if opts.MaxSendMessagesPerSecond <= 0 {
		opts.MaxSendMessagesPerSecond = defaultMaxSendPerSecond
	}
	if opts.MaxSendMessagesPerSecondReserve <= 0 || opts.MaxSendMessagesPerSecondReserve >= opts.MaxSendMessagesPerSecond {
		opts.MaxSendMessagesPerSecondReserve = defaultMaxSendReserve
	}
	if opts.RingBufferResultMaxSize <= 0 {
		opts.RingBufferResultMaxSize = defaultReplyRingSize
	}
	if opts.RingBufferErrorMaxSize <= 0 {
		opts.RingBufferErrorMaxSize = defaultReplyRingSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = decodeNormalizer{}
	}
	return opts
}

// GetExchange returns the exchange selector of the manager.
func (m *Manager) GetExchange() string { return m.ep.Exchange }

// GetEndpoint returns the resolved endpoint.
func (m *Manager) GetEndpoint() endpoint.Endpoint { return m.ep }

// GetStartTime returns when the manager was created.
func (m *Manager) GetStartTime() time.Time { return m.startTime }

// IsManagerStopping reports whether StopManagerWithAllStreams was called.
func (m *Manager) IsManagerStopping() bool { return m.stopping.Load() }

// NextRequestID returns a fresh process-wide request id.
func (m *Manager) NextRequestID() uint64 { return m.ids.NextRequestID() }

// StopManagerWithAllStreams stops every stream, waits for the workers to close their
// connections within ctx and stops the background loops.
func (m *Manager) StopManagerWithAllStreams(ctx context.Context) error {
	if !m.stopping.CompareAndSwap(false, true) {
		return nil
	}
	m.log.Info("stopping stream manager", observability.Field{Key: "exchange", Value: m.ep.Exchange})
	var errsList []error
	for _, d := range m.registry.all() {
		if err := m.stopStream(d.id, true); err != nil {
			errsList = append(errsList, err)
		}
	}

	grace, cancel := context.WithTimeout(ctx, m.shutdownGrace())
	defer cancel()
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
wait:
	for m.runningWorkers() > 0 {
		select {
		case <-grace.Done():
			errsList = append(errsList, fmt.Errorf("stop streams: %d workers still running: %w", m.runningWorkers(), grace.Err()))
			break wait
		case <-ticker.C:
		}
	}

	m.cancel()
	m.tasks.Wait()
	for _, d := range m.registry.all() {
		if d.queue != nil {
			d.queue.Close()
		}
	}
	m.log.Info("stream manager stopped", observability.Field{Key: "exchange", Value: m.ep.Exchange})
	return observability.AggregateErrors(m.log, "stop stream manager", errsList,
		observability.Field{Key: "exchange", Value: m.ep.Exchange})
}

func (m *Manager) shutdownGrace() time.Duration {
	grace := defaultShutdownGrace
	for _, d := range m.registry.all() {
		if t := readTimeout + d.opts.CloseTimeout; t > grace {
			grace = t
		}
	}
	return grace
}

func (m *Manager) runningWorkers() int {
	n := 0
	for _, d := range m.registry.all() {
		if d.workerRunning() {
			n++
		}
	}
	return n
}

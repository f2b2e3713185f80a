// Command streamer runs the stream manager with the streams declared in its configuration.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/infra/config"
	"github.com/coachpo/meltica-ws/internal/infra/natssink"
	httpserver "github.com/coachpo/meltica-ws/internal/infra/server/http"
	"github.com/coachpo/meltica-ws/internal/listenkey"
	"github.com/coachpo/meltica-ws/internal/observability"
	"github.com/coachpo/meltica-ws/internal/stream"
	"github.com/coachpo/meltica-ws/internal/telemetry"
)

const (
	defaultConfigPath         = "config/streamer.yaml"
	streamerLoggerPrefix      = "streamer "
	shutdownTimeout           = 30 * time.Second
	monitoringShutdownTimeout = 5 * time.Second
	managerShutdownTimeout    = 15 * time.Second
	lifecycleShutdownTimeout  = 5 * time.Second
	natsShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	streamStartTimeout        = 30 * time.Second
)

type flags struct {
	configPath    string
	listExchanges bool
}

func main() {
	opts := parseFlags()
	if opts.listExchanges {
		for _, exchange := range endpoint.Exchanges() {
			fmt.Println(exchange)
		}
		return
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newStreamerLogger()
	configPath := resolveConfigPath(opts.configPath)
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, exchange=%s, streams=%d",
		cfg.Environment, cfg.Manager.Exchange, len(cfg.Streams))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	streamLogger := observability.NewStdLogger(
		log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds),
		observability.WithDebug(cfg.Manager.Debug),
		observability.WithCallers(cfg.Manager.Debug))

	var publisher *natssink.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = natssink.Connect(natssink.Options{
			URL:           cfg.NATS.URL,
			Name:          cfg.Telemetry.ServiceName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        streamLogger,
		})
		if err != nil {
			logger.Fatalf("connect nats: %v", err)
		}
	}

	manager, err := stream.NewManager(managerOptions(cfg.Manager, streamLogger))
	if err != nil {
		logger.Fatalf("initialise stream manager: %v", err)
	}
	if publisher != nil {
		publisher.WithNames(func(id string) string {
			label, _ := manager.GetStreamLabel(id)
			return label
		})
	}
	createStreams(ctx, logger, manager, cfg.Streams, publisher)

	var lifecycle conc.WaitGroup
	var monitoring *httpserver.Server
	if cfg.Monitoring.Addr != "" {
		monitoring, err = httpserver.Listen(cfg.Monitoring.Addr,
			httpserver.NewHandler(manager, cfg.Monitoring.DocsURL, streamLogger))
		if err != nil {
			logger.Fatalf("listen monitoring: %v", err)
		}
		lifecycle.Go(func() {
			if err := monitoring.Serve(); err != nil {
				logger.Printf("monitoring server: %v", err)
			}
		})
		logger.Printf("monitoring listening on %s", monitoring.Addr())
	}
	if cfg.Monitoring.SummaryInterval > 0 {
		lifecycle.Go(func() { printSummaries(ctx, manager, cfg.Monitoring.SummaryInterval) })
	}

	logger.Print("streamer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		monitoring: monitoring,
		manager:    manager,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		publisher:  publisher,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var f flags
	pflag.StringVarP(&f.configPath, "config", "c", "", fmt.Sprintf("Path to streamer configuration file (default: %s)", defaultConfigPath))
	pflag.BoolVar(&f.listExchanges, "list-exchanges", false, "Print the supported exchanges and exit")
	pflag.Parse()
	return f
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newStreamerLogger() *log.Logger {
	return log.New(os.Stdout, streamerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func managerOptions(cfg config.ManagerConfig, logger observability.Logger) stream.Options {
	return stream.Options{
		Exchange: cfg.Exchange,
		Overrides: endpoint.Overrides{
			WebsocketBaseURI:    cfg.WebsocketBaseURI,
			WebsocketAPIBaseURI: cfg.WebsocketAPIBaseURI,
			RestfulBaseURI:      cfg.RestfulBaseURI,
			MaxSubscriptions:    cfg.MaxSubscriptions,
			ExchangeType:        endpoint.Type(cfg.ExchangeType),
		},
		EnableStreamSignalBuffer:         cfg.EnableStreamSignalBuffer,
		OutputDefault:                    stream.OutputMode(cfg.OutputDefault),
		StreamBufferMaxLen:               cfg.StreamBufferMaxLen,
		CloseTimeoutDefault:              cfg.CloseTimeout,
		PingIntervalDefault:              cfg.PingInterval,
		PingTimeoutDefault:               cfg.PingTimeout,
		ThrowExceptionIfUnrepairable:     cfg.ThrowExceptionIfUnrepairable,
		HighPerformance:                  cfg.HighPerformance,
		RestartTimeout:                   cfg.RestartTimeout,
		KeepMaxReceivedLastSecondEntries: cfg.KeepMaxReceivedLastSecondEntries,
		ListenKeyCacheTime:               cfg.ListenKeyCacheTime,
		MaxSendMessagesPerSecond:         cfg.MaxSendMessagesPerSecond,
		MaxSendMessagesPerSecondReserve:  cfg.MaxSendMessagesPerSecondReserve,
		RingBufferResultMaxSize:          cfg.RingBufferResultMaxSize,
		RingBufferErrorMaxSize:           cfg.RingBufferErrorMaxSize,
		Proxy: stream.ProxyConfig{
			Server:          cfg.Proxy.Server,
			User:            cfg.Proxy.User,
			Pass:            cfg.Proxy.Pass,
			SSLVerification: cfg.Proxy.SSLVerification,
		},
		UserAgent: cfg.UserAgent,
		Debug:     cfg.Debug,
		Logger:    logger,
	}
}

func streamOptions(cfg config.StreamConfig, publisher *natssink.Publisher) stream.StreamOptions {
	opts := stream.StreamOptions{
		Label:       cfg.Label,
		Symbols:     cfg.Symbols,
		Credentials: listenkey.Credentials{APIKey: cfg.APIKey, APISecret: cfg.APISecret},
		API:         cfg.API,
		Output:      stream.OutputMode(cfg.Output),
		BufferName:  cfg.BufferName,
	}
	if cfg.Publish && publisher != nil {
		opts.ProcessStreamData = publisher.Handle
	}
	return opts
}

func createStreams(ctx context.Context, logger *log.Logger, manager *stream.Manager, streams []config.StreamConfig, publisher *natssink.Publisher) {
	for _, sc := range streams {
		createCtx, cancel := context.WithTimeout(ctx, streamStartTimeout)
		id, err := manager.CreateStream(createCtx, sc.Channels, sc.Markets, streamOptions(sc, publisher))
		cancel()
		if err != nil {
			logger.Printf("create stream %q: %v", sc.Label, err)
			continue
		}
		logger.Printf("stream created: label=%s id=%s", sc.Label, id)
	}
}

func printSummaries(ctx context.Context, manager *stream.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = manager.PrintSummary(os.Stdout, "")
		}
	}
}

type gracefulShutdownConfig struct {
	monitoring *httpserver.Server
	manager    *stream.Manager
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	publisher  *natssink.Publisher
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.monitoring != nil {
		shutdownStep("stopping monitoring server", monitoringShutdownTimeout, cfg.monitoring.Shutdown)
	}

	if cfg.manager != nil {
		shutdownStep("stopping streams", managerShutdownTimeout, cfg.manager.StopManagerWithAllStreams)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing nats publisher", natsShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

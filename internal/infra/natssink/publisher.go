// Package natssink forwards stream records to NATS subjects.
package natssink

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/coachpo/meltica-ws/internal/observability"
	"github.com/coachpo/meltica-ws/internal/stream"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
	defaultMaxReconnects  = -1
	drainTimeout          = 5 * time.Second
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Options configures Connect.
type Options struct {
	URL           string
	Name          string
	SubjectPrefix string
	Logger        observability.Logger
}

// Publisher publishes every record it handles to <prefix>.<stream label or id>.
type Publisher struct {
	conn   Conn
	prefix string
	log    observability.Logger
	// names resolves a stream id into the subject token, usually its label.
	names func(streamID string) string

	connected atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64

	mu       sync.Mutex
	subjects map[string]string
}

// Connect dials the NATS server and returns a publisher using it.
func Connect(opts Options) (*Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStdLogger(nil)
	}
	name := opts.Name
	if name == "" {
		name = "meltica-ws"
	}
	var p *Publisher
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.Timeout(defaultConnectTimeout),
		nats.ReconnectWait(defaultReconnectWait),
		nats.MaxReconnects(defaultMaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Info("nats disconnected, reconnecting", observability.Field{Key: "error", Value: err})
			if p != nil {
				p.connected.Store(false)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", observability.Field{Key: "url", Value: nc.ConnectedUrl()})
			if p != nil {
				p.connected.Store(true)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			if p != nil {
				p.connected.Store(false)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p = New(nc, opts.SubjectPrefix, logger)
	p.connected.Store(nc.IsConnected())
	logger.Info("nats publisher ready", observability.Field{Key: "url", Value: opts.URL})
	return p, nil
}

// New wraps an established connection.
func New(conn Conn, prefix string, logger observability.Logger) *Publisher {
	if logger == nil {
		logger = observability.NewStdLogger(nil)
	}
	p := &Publisher{
		conn:     conn,
		prefix:   strings.Trim(prefix, "."),
		log:      logger,
		names:    nil,
		subjects: make(map[string]string),
	}
	p.connected.Store(true)
	return p
}

// WithNames sets the resolver used to turn stream ids into subject tokens.
func (p *Publisher) WithNames(resolve func(streamID string) string) *Publisher {
	p.names = resolve
	return p
}

// Subject returns the subject records of streamID are published to.
func (p *Publisher) Subject(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subjects[streamID]; ok {
		return s
	}
	token := streamID
	if p.names != nil {
		if name := p.names(streamID); name != "" {
			token = name
		}
	}
	token = subjectToken(token)
	subject := token
	if p.prefix != "" {
		subject = p.prefix + "." + token
	}
	p.subjects[streamID] = subject
	return subject
}

// Handle publishes rec. It is used as the manager's data callback and never blocks on the
// network beyond the client write buffer.
func (p *Publisher) Handle(rec stream.Record) {
	if err := p.Publish(rec); err != nil {
		if p.failed.Add(1) == 1 || p.failed.Load()%1000 == 0 {
			p.log.Error("nats publish failed",
				observability.Field{Key: "stream_id", Value: rec.StreamID},
				observability.Field{Key: "failed", Value: p.failed.Load()},
				observability.Field{Key: "error", Value: err})
		}
	}
}

// Publish encodes rec and sends it to its subject.
func (p *Publisher) Publish(rec stream.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(rec.StreamID), data); err != nil {
		return fmt.Errorf("publish %s: %w", rec.StreamID, err)
	}
	p.published.Add(1)
	return nil
}

// Published returns the number of records sent.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Failed returns the number of records that could not be sent.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Connected reports the last observed connection state.
func (p *Publisher) Connected() bool { return p.connected.Load() }

// Close flushes pending messages and drains the connection.
func (p *Publisher) Close() error {
	flushErr := p.conn.FlushTimeout(drainTimeout)
	drainErr := p.conn.Drain()
	p.connected.Store(false)
	p.log.Info("nats publisher closed",
		observability.Field{Key: "published", Value: p.published.Load()},
		observability.Field{Key: "failed", Value: p.failed.Load()})
	if flushErr != nil {
		return fmt.Errorf("nats flush: %w", flushErr)
	}
	if drainErr != nil {
		return fmt.Errorf("nats drain: %w", drainErr)
	}
	return nil
}

func encode(rec stream.Record) ([]byte, error) {
	switch v := rec.Payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode record of %s: %w", rec.StreamID, err)
		}
		return data, nil
	}
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

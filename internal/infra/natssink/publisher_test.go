package natssink

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/internal/observability"
	"github.com/coachpo/meltica-ws/internal/stream"
)

type message struct {
	subject string
	data    string
}

type fakeConn struct {
	mu       sync.Mutex
	messages []message
	err      error
	flushed  bool
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, message{subject: subject, data: string(data)})
	return nil
}

func (c *fakeConn) FlushTimeout(time.Duration) error {
	c.flushed = true
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func quietLogger() observability.Logger {
	return observability.NewStdLogger(log.New(io.Discard, "", 0))
}

func TestPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	labels := map[string]string{"id-1": "btc.trades"}
	p := New(conn, "meltica.ws.", quietLogger()).WithNames(func(id string) string { return labels[id] })

	require.Equal(t, "meltica.ws.btc_trades", p.Subject("id-1"))
	require.Equal(t, "meltica.ws.id-2", p.Subject("id-2"), "streams without a label use their id")

	bare := New(conn, "", quietLogger())
	require.Equal(t, "id-3", bare.Subject("id-3"))
}

func TestPublisherEncodesPayloads(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "md", quietLogger())

	p.Handle(stream.Record{StreamID: "a", Payload: []byte(`{"e":"trade"}`)})
	p.Handle(stream.Record{StreamID: "a", Payload: map[string]any{"e": "kline"}})
	p.Handle(stream.Record{StreamID: "b", Payload: "raw text"})

	require.Equal(t, uint64(3), p.Published())
	require.Len(t, conn.messages, 3)
	require.Equal(t, "md.a", conn.messages[0].subject)
	require.JSONEq(t, `{"e":"trade"}`, conn.messages[0].data)
	require.JSONEq(t, `{"e":"kline"}`, conn.messages[1].data)
	require.Equal(t, message{subject: "md.b", data: "raw text"}, conn.messages[2])
}

func TestPublisherCountsFailures(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := New(conn, "md", quietLogger())

	err := p.Publish(stream.Record{StreamID: "a", Payload: []byte("{}")})
	require.Error(t, err)
	p.Handle(stream.Record{StreamID: "a", Payload: []byte("{}")})
	p.Handle(stream.Record{StreamID: "a", Payload: make(chan int)})
	require.Equal(t, uint64(2), p.Failed())
	require.Zero(t, p.Published())
}

func TestPublisherClose(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "md", quietLogger())
	require.True(t, p.Connected())
	require.NoError(t, p.Close())
	require.True(t, conn.flushed)
	require.True(t, conn.drained)
	require.False(t, p.Connected())
}

package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStdLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0))

	logger.Info("stream connected", Field{Key: "stream_id", Value: "abc"}, Field{Key: "reconnects", Value: 2})
	logger.Debug("hidden")

	out := buf.String()
	require.Contains(t, out, "INFO stream connected stream_id=abc reconnects=2")
	require.NotContains(t, out, "hidden")
}

func TestStdLoggerDebugAndCallers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), WithDebug(true), WithCallers(true))

	logger.Debug("payload queued")

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "DEBUG payload queued"))
	require.Contains(t, out, "caller=logger_test.go:")
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0))
	require.NoError(t, AggregateErrors(logger, "stop", []error{nil, nil}))
	require.Empty(t, buf.String())

	err := AggregateErrors(logger, "stop", []error{nil, errors.New("a"), errors.New("b")}, Field{Key: "exchange", Value: "binance.com"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stop failed")
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
	require.Contains(t, buf.String(), "ERROR stop failed exchange=binance.com error_count=2")

	require.Error(t, AggregateErrors(nil, "stop", []error{errors.New("c")}))
}

package stream

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ws/internal/endpoint"
	"github.com/coachpo/meltica-ws/internal/observability"
)

// Normalizer rewrites raw exchange frames into a normalized shape. It backs OutputNormalized.
type Normalizer interface {
	Normalize(exchange string, frame []byte) (any, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(exchange string, frame []byte) (any, error)

// Normalize implements Normalizer.
func (f NormalizerFunc) Normalize(exchange string, frame []byte) (any, error) {
	return f(exchange, frame)
}

// decodeNormalizer is used when no Normalizer is configured: it decodes the frame.
type decodeNormalizer struct{}

func (decodeNormalizer) Normalize(_ string, frame []byte) (any, error) {
	var v any
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return v, nil
}

func recordSize(r Record) int { return r.Size }

// convert turns a data frame into a Record according to the stream output mode.
func (m *Manager) convert(d *descriptor, frame []byte) (Record, error) {
	rec := Record{
		StreamID: d.id,
		Stream:   "",
		Payload:  nil,
		Size:     len(frame),
		Received: m.clock.Now(),
	}
	switch d.opts.Output {
	case OutputDict:
		payload := frame
		if name, data, ok := endpoint.StreamOf(frame); ok {
			rec.Stream = name
			payload = data
		}
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return rec, fmt.Errorf("decode frame: %w", err)
		}
		rec.Payload = v
	case OutputNormalized:
		v, err := m.normalizer.Normalize(d.ep.Exchange, frame)
		if err != nil {
			return rec, err
		}
		rec.Payload = v
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		rec.Payload = raw
	}
	return rec, nil
}

// dispatch hands rec to exactly one sink: async queue, stream callback, named buffer,
// per-stream buffer, global callback, generic buffer.
func (m *Manager) dispatch(d *descriptor, rec Record) {
	switch {
	case d.queue != nil:
		if err := d.queue.Put(rec); err != nil {
			m.log.Debug("async queue closed, record dropped",
				observability.Field{Key: "stream_id", Value: d.id})
		}
	case d.opts.ProcessStreamData != nil:
		d.opts.ProcessStreamData(rec)
	case d.opts.BufferName != "":
		m.buffers.Named(d.opts.BufferName).PushBack(rec)
	case d.opts.PerStreamBuffer:
		m.buffers.Named(d.id).PushBack(rec)
	case m.opts.ProcessStreamData != nil:
		m.opts.ProcessStreamData(rec)
	default:
		m.buffers.Generic().PushBack(rec)
	}
}

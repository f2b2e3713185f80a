package stream

import (
	"time"

	"github.com/coachpo/meltica-ws/internal/buffer"
	"github.com/coachpo/meltica-ws/internal/observability"
)

// signalHub publishes lifecycle signals to the optional buffer and callback.
type signalHub struct {
	buffer   *buffer.Ring[Signal]
	callback func(Signal)
}

func newSignalHub(enabled bool, callback func(Signal)) *signalHub {
	var ring *buffer.Ring[Signal]
	if enabled {
		ring = buffer.NewRing[Signal](0, nil)
	}
	return &signalHub{buffer: ring, callback: callback}
}

func (h *signalHub) publish(s Signal) {
	if h.buffer != nil {
		h.buffer.PushBack(s)
	}
	if h.callback != nil {
		h.callback(s)
	}
}

func (h *signalHub) pop() (Signal, bool) {
	if h.buffer == nil {
		return Signal{}, false
	}
	return h.buffer.PopFront()
}

// signalConnect opens a new connection cycle for d.
func (m *Manager) signalConnect(d *descriptor, now time.Time) {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = true
	d.firstDataSent = false
	d.lastSignal = SignalConnect
	d.mu.Unlock()
	m.emit(d, SignalConnect, now, nil)
}

// signalFirstData reports the first data record of the current connection.
func (m *Manager) signalFirstData(d *descriptor, now time.Time, rec Record) {
	d.mu.Lock()
	if !d.connected || d.firstDataSent {
		d.mu.Unlock()
		return
	}
	d.firstDataSent = true
	d.lastSignal = SignalFirstReceivedData
	d.mu.Unlock()
	m.emit(d, SignalFirstReceivedData, now, &rec)
}

// signalDisconnect closes the current connection cycle. It is a no-op without a prior CONNECT.
func (m *Manager) signalDisconnect(d *descriptor, now time.Time) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	d.lastSignal = SignalDisconnect
	last := d.lastRecord
	d.mu.Unlock()
	m.emit(d, SignalDisconnect, now, last)
}

func (m *Manager) emit(d *descriptor, typ SignalType, now time.Time, rec *Record) {
	d.metrics.RecordSignal(m.ctx, string(typ))
	m.log.Debug("stream signal",
		observability.Field{Key: "stream_id", Value: d.id},
		observability.Field{Key: "signal", Value: typ})
	m.signals.publish(Signal{Type: typ, StreamID: d.id, Timestamp: now, Record: rec})
}

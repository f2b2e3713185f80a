package stream

import (
	"context"
	"time"

	"github.com/coachpo/meltica-ws/internal/observability"
)

const (
	defaultFrequentChecksInterval = 300 * time.Millisecond
	defaultKeepSeconds            = 5
)

func (m *Manager) frequentChecks(ctx context.Context) {
	interval := m.opts.FrequentChecksInterval
	if interval <= 0 {
		interval = defaultFrequentChecksInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// runChecks trims counters, folds peaks, sweeps expired reply callbacks and keeps listen
// keys alive.
func (m *Manager) runChecks(ctx context.Context) {
	now := m.clock.Now()
	keep := m.KeepMaxReceivedLastSecondEntries()
	last := now.Unix() - 1
	total := 0
	for _, d := range m.registry.all() {
		d.trimCounters(now, keep)
		total += d.receivesInSecond(last)
	}
	m.stats.observe(now, total, keep)
	if n := m.replies.sweep(now); n > 0 {
		m.log.Debug("expired response callbacks removed", observability.Field{Key: "count", Value: n})
	}
	m.keepaliveListenKeys(ctx, now)
}

// keepaliveListenKeys extends the listen key of every running user data stream whose key
// and last keepalive are both older than the cache time.
func (m *Manager) keepaliveListenKeys(ctx context.Context, now time.Time) {
	if m.listenKeys == nil {
		return
	}
	cache := m.opts.ListenKeyCacheTime
	for _, d := range m.registry.all() {
		if d.opts.API || !d.isUserData() {
			continue
		}
		d.mu.Lock()
		lease := d.lease
		due := d.status == StatusRunning &&
			d.startTime.Add(cache).Before(now) &&
			lease.KeepaliveDue(now, cache)
		d.mu.Unlock()
		if !due {
			continue
		}

		start := time.Now()
		err := m.listenKeys.Keepalive(ctx, d.opts.Credentials, lease.Key, d.symbol())
		d.metrics.RecordListenKey(ctx, "keepalive", time.Since(start), err)
		d.mu.Lock()
		if d.lease.Key == lease.Key {
			d.lease = d.lease.Touch(now)
		}
		d.lastHeartbeat = now
		d.mu.Unlock()
		if err != nil {
			m.log.Error("listen key keepalive failed",
				observability.Field{Key: "stream_id", Value: d.id},
				observability.Field{Key: "error", Value: err})
			continue
		}
		m.log.Info("listen key kept alive", observability.Field{Key: "stream_id", Value: d.id})
	}
}

// KeepMaxReceivedLastSecondEntries returns how many seconds of per-second counters are kept.
func (m *Manager) KeepMaxReceivedLastSecondEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepSeconds
}

// SetKeepMaxReceivedLastSecondEntries changes how many seconds of per-second counters are kept.
func (m *Manager) SetKeepMaxReceivedLastSecondEntries(n int) {
	if n <= 0 {
		n = defaultKeepSeconds
	}
	m.mu.Lock()
	m.keepSeconds = n
	m.mu.Unlock()
}

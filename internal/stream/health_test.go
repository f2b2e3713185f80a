package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/stretchr/testify/require"
)

type staticUpdate string

func (s staticUpdate) UpdateMessage(string) string { return string(s) }

func newHealthManager(t *testing.T, updates UpdateChecker) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMockOpt(clock.MockOpt{Gosched: func() {}})
	mock.Set(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, nil, func(o *Options) {
		o.Clock = mock
		o.UpdateChecker = updates
	})
	return m, mock
}

// addStream registers a descriptor without a worker, as if it had reconnected at the given
// offsets before now.
func addStream(m *Manager, status string, reconnectsAgo ...time.Duration) *descriptor {
	now := m.clock.Now()
	d := newDescriptor(fmt.Sprintf("stream-%d", m.registry.len()+1), m.ep, m.dialect,
		[]string{"trade"}, []string{"btcusdt"}, m.streamDefaults(StreamOptions{}), now)
	d.status = status
	for _, ago := range reconnectsAgo {
		d.reconnectLog = append(d.reconnectLog, now.Add(-ago))
		d.reconnects++
	}
	m.registry.add(d)
	return d
}

func repeat(n int, d time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestMonitoringStatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m *Manager)
		want    int
		text    string
		highest int
	}{
		{
			name: "four disconnects spread over four streams",
			setup: func(m *Manager) {
				for range 4 {
					addStream(m, StatusRunning, time.Minute)
				}
			},
			want: HealthOK, text: "OK", highest: 1,
		},
		{
			name:  "two restarts on one stream",
			setup: func(m *Manager) { addStream(m, StatusRunning, repeat(2, time.Minute)...) },
			want:  HealthOK, text: "OK", highest: 2,
		},
		{
			name:  "four restarts on one stream",
			setup: func(m *Manager) { addStream(m, StatusRunning, repeat(4, time.Minute)...) },
			want:  HealthWarning, text: "WARNING", highest: 4,
		},
		{
			name:  "ten restarts on one stream",
			setup: func(m *Manager) { addStream(m, StatusRunning, repeat(10, 10*time.Minute)...) },
			want:  HealthCritical, text: "CRITICAL", highest: 10,
		},
		{
			name:  "restarts older than an hour are ignored",
			setup: func(m *Manager) { addStream(m, StatusRunning, repeat(10, 2*time.Hour)...) },
			want:  HealthOK, text: "OK", highest: 0,
		},
		{
			name: "crashed stream",
			setup: func(m *Manager) {
				addStream(m, StatusRunning)
				addStream(m, crashedWith("-2015 - Invalid API-key, IP, or permissions for action."))
			},
			want: HealthCritical, text: "CRITICAL", highest: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newHealthManager(t, nil)
			tc.setup(m)
			status := m.GetMonitoringStatusPlain("")
			require.Equal(t, tc.want, status.ReturnCode)
			require.Equal(t, tc.text, status.StatusText)
			require.Equal(t, tc.highest, status.HighestRestartPerStreamLastHour)
		})
	}
}

func TestMonitoringStatusCounts(t *testing.T) {
	m, _ := newHealthManager(t, nil)
	addStream(m, StatusRunning)
	addStream(m, StatusRunning)
	addStream(m, StatusRestarting)
	addStream(m, StatusStopped)
	addStream(m, crashedWith("crash request"))

	status := m.GetMonitoringStatusPlain("")
	require.Equal(t, 2, status.ActiveStreams)
	require.Equal(t, 1, status.RestartingStreams)
	require.Equal(t, 1, status.StoppedStreams)
	require.Equal(t, 1, status.CrashedStreams)
}

func TestMonitoringStatusUpdateWarning(t *testing.T) {
	m, _ := newHealthManager(t, staticUpdate("update available: 2.1.0"))
	addStream(m, StatusRunning)

	status := m.GetMonitoringStatusPlain("1.0")
	require.Equal(t, HealthWarning, status.ReturnCode)
	require.Equal(t, " update available: 2.1.0", status.UpdateMsg)
}

func TestMonitoringStatusAveragesSinceLastCheck(t *testing.T) {
	m, mock := newHealthManager(t, nil)
	m.GetMonitoringStatusPlain("")

	for range 20 {
		m.stats.addReceive(mock.Now(), 512)
	}
	mock.Add(10 * time.Second)
	status := m.GetMonitoringStatusPlain("")
	require.InDelta(t, 2.0, status.AverageReceivesPerSecond, 0.001)
	require.InDelta(t, 1.0, status.AverageSpeedPerSecond, 0.001)
	require.Equal(t, uint64(20), status.TotalReceivedLength)

	mock.Add(10 * time.Second)
	status = m.GetMonitoringStatusPlain("")
	require.Zero(t, status.AverageReceivesPerSecond)
}

func TestMonitoringStatusIcingaLine(t *testing.T) {
	m, mock := newHealthManager(t, nil)
	addStream(m, StatusRunning, repeat(4, time.Minute)...)
	mock.Add(12 * time.Hour)

	icinga := m.GetMonitoringStatusIcinga("")
	require.Equal(t, HealthOK, icinga.ReturnCode, "the reconnects aged out after twelve hours")
	require.Equal(t,
		"BINANCE WEBSOCKETS (binance.com) - OK: O:1/R:0/C:0/S:0 | "+
			"active streams=1;;;0 average_receives_per_second=0;;;0 current_receiving_speed_per_second=0KB;;;0 "+
			"total_received_length=0c;;;0 total_received_size=0MB;;;0 stream_buffer_size=0MB;;;0 "+
			"stream_buffer_length=0;;;0 reconnects=0c;;;0 uptime_days=0.5c;;;0",
		icinga.Text)
	require.InDelta(t, float64(mock.Now().Unix()), icinga.Time, 0.001)
}

func TestMonitoringStatusIcingaWarningMessage(t *testing.T) {
	m, _ := newHealthManager(t, nil)
	addStream(m, StatusRunning, repeat(3, time.Minute)...)

	icinga := m.GetMonitoringStatusIcinga("")
	require.Equal(t, HealthWarning, icinga.ReturnCode)
	require.Contains(t, icinga.Text, "- WARNING: O:1/R:0/C:0/S:0 - Restart rate per stream last hour: 3 | ")
}

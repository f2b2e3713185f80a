package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Return codes of the monitoring status, as understood by Icinga and Nagios.
const (
	HealthOK       = 0
	HealthWarning  = 1
	HealthCritical = 2
)

const (
	criticalRestartsPerHour = 10
	warningRestartsPerHour  = 3
)

// UpdateChecker reports available updates to the monitoring status. It returns an empty
// message when everything is current.
type UpdateChecker interface {
	UpdateMessage(checkCommandVersion string) string
}

// MonitoringStatus is the plain health report of the manager.
type MonitoringStatus struct {
	ActiveStreams                   int     `json:"active_streams"`
	CrashedStreams                  int     `json:"crashed_streams"`
	RestartingStreams               int     `json:"restarting_streams"`
	StoppedStreams                  int     `json:"stopped_streams"`
	HighestRestartPerStreamLastHour int     `json:"highest_restart_per_stream_last_hour"`
	ReturnCode                      int     `json:"return_code"`
	StatusText                      string  `json:"status_text"`
	StatusMsg                       string  `json:"status_msg"`
	UpdateMsg                       string  `json:"update_msg"`
	Timestamp                       float64 `json:"timestamp"`
	AverageReceivesPerSecond        float64 `json:"average_receives_per_second"`
	AverageSpeedPerSecond           float64 `json:"average_speed_per_second"`
	TotalReceivedMB                 float64 `json:"total_received_mb"`
	TotalReceivedLength             uint64  `json:"total_received_length"`
	StreamBufferItems               int     `json:"stream_buffer_items"`
	StreamBufferMB                  float64 `json:"stream_buffer_mb"`
	Reconnects                      int     `json:"reconnects"`
	UptimeDays                      float64 `json:"uptime"`
}

// IcingaStatus is the single-line check result.
type IcingaStatus struct {
	Text       string  `json:"text"`
	Time       float64 `json:"time"`
	ReturnCode int     `json:"return_code"`
}

// GetMonitoringStatusPlain classifies the manager health and returns the averages since
// the previous call.
func (m *Manager) GetMonitoringStatusPlain(checkCommandVersion string) MonitoringStatus {
	now := m.clock.Now()
	hourAgo := now.Add(-time.Hour)
	status := MonitoringStatus{
		ReturnCode: HealthOK,
		StatusText: "OK",
		Timestamp:  float64(now.UnixNano()) / float64(time.Second),
	}
	for _, d := range m.registry.all() {
		if n := d.reconnectsSince(hourAgo); n > status.HighestRestartPerStreamLastHour {
			status.HighestRestartPerStreamLastHour = n
		}
		switch s := d.currentStatus(); {
		case s == StatusRunning:
			status.ActiveStreams++
		case s == StatusStopped:
			status.StoppedStreams++
		case s == StatusRestarting:
			status.RestartingStreams++
		case IsCrashed(s):
			status.CrashedStreams++
		}
	}
	if m.opts.UpdateChecker != nil {
		if msg := m.opts.UpdateChecker.UpdateMessage(checkCommandVersion); msg != "" {
			status.UpdateMsg = " " + strings.TrimSpace(msg)
			status.StatusText = "WARNING"
			status.ReturnCode = HealthWarning
		}
	}
	restartMsg := " Restart rate per stream last hour: " + strconv.Itoa(status.HighestRestartPerStreamLastHour)
	switch {
	case status.HighestRestartPerStreamLastHour >= criticalRestartsPerHour:
		status.StatusText = "CRITICAL"
		status.ReturnCode = HealthCritical
		status.StatusMsg = restartMsg
	case status.CrashedStreams > 0:
		status.StatusText = "CRITICAL"
		status.ReturnCode = HealthCritical
	case status.HighestRestartPerStreamLastHour >= warningRestartsPerHour:
		status.StatusText = "WARNING"
		status.ReturnCode = HealthWarning
		status.StatusMsg = restartMsg
	}

	receives, speed := m.stats.sinceLastCheck(now)
	status.AverageReceivesPerSecond = round2(receives)
	status.AverageSpeedPerSecond = round2(speed / 1024)
	status.TotalReceivedMB = round2(float64(m.GetTotalReceivedBytes()) / (1024 * 1024))
	status.TotalReceivedLength = m.GetTotalReceives()
	status.StreamBufferItems = m.GetStreamBufferItems()
	status.StreamBufferMB = roundN(float64(m.GetStreamBufferByteSize())/(1024*1024), 4)
	status.Reconnects = m.GetReconnects()
	status.UptimeDays = roundN(now.Sub(m.startTime).Hours()/24, 3)
	return status
}

// GetMonitoringStatusIcinga renders the plain status as an Icinga check line with perfdata.
func (m *Manager) GetMonitoringStatusIcinga(checkCommandVersion string) IcingaStatus {
	s := m.GetMonitoringStatusPlain(checkCommandVersion)
	msg := ""
	if s.StatusMsg != "" || s.UpdateMsg != "" {
		msg = " -" + s.StatusMsg + s.UpdateMsg
	}
	var b strings.Builder
	fmt.Fprintf(&b, "BINANCE WEBSOCKETS (%s) - %s: O:%d/R:%d/C:%d/S:%d%s | ",
		m.ep.Exchange, s.StatusText, s.ActiveStreams, s.RestartingStreams, s.CrashedStreams, s.StoppedStreams, msg)
	fmt.Fprintf(&b, "active streams=%d;;;0 ", s.ActiveStreams)
	fmt.Fprintf(&b, "average_receives_per_second=%s;;;0 ", formatFloat(s.AverageReceivesPerSecond))
	fmt.Fprintf(&b, "current_receiving_speed_per_second=%sKB;;;0 ", formatFloat(s.AverageSpeedPerSecond))
	fmt.Fprintf(&b, "total_received_length=%dc;;;0 ", s.TotalReceivedLength)
	fmt.Fprintf(&b, "total_received_size=%sMB;;;0 ", formatFloat(s.TotalReceivedMB))
	fmt.Fprintf(&b, "stream_buffer_size=%sMB;;;0 ", formatFloat(s.StreamBufferMB))
	fmt.Fprintf(&b, "stream_buffer_length=%d;;;0 ", s.StreamBufferItems)
	fmt.Fprintf(&b, "reconnects=%dc;;;0 ", s.Reconnects)
	fmt.Fprintf(&b, "uptime_days=%sc;;;0", formatFloat(s.UptimeDays))
	return IcingaStatus{Text: b.String(), Time: s.Timestamp, ReturnCode: s.ReturnCode}
}

func roundN(v float64, digits int) float64 {
	p := 1.0
	for range digits {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package stream

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	red    = color.RedString
	yellow = color.YellowString
	green  = color.GreenString
	bold   = color.New(color.Bold).SprintFunc()
)

// PrintSummary writes an overview of every stream and the manager totals to w.
func (m *Manager) PrintSummary(w io.Writer, title string) error {
	now := m.clock.Now()
	var active, restarting, stopped, crashed int
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if title == "" {
		title = "meltica-ws stream manager"
	}
	fmt.Fprintf(tw, "%s\n", bold(title))
	fmt.Fprintf(tw, " exchange:\t%s\n", m.ep.Exchange)
	fmt.Fprintf(tw, " uptime:\t%s (since %s)\n", now.Sub(m.startTime).Truncate(time.Second), m.startTime.Format(time.RFC3339))
	fmt.Fprintf(tw, " streams:\t%d\n", m.registry.len())

	rows := make([]string, 0, m.registry.len())
	for _, d := range m.registry.all() {
		info := d.info()
		switch {
		case info.Status == StatusRunning:
			active++
		case info.Status == StatusRestarting:
			restarting++
		case info.Status == StatusStopped:
			stopped++
		case IsCrashed(info.Status):
			crashed++
		}
		name := info.StreamID
		if info.Label != "" {
			name = info.Label
		}
		receives, _ := m.GetStreamReceivesLastSecond(info.StreamID)
		rows = append(rows, fmt.Sprintf(" %s\t%s\t%d\t%d\t%d\t%s",
			name, colorStatus(info, now), info.Subscriptions, receives, info.Reconnects, humanBytes(int(info.ReceivedBytes))))
	}
	fmt.Fprintf(tw, " active:\t%d\n", active)
	if restarting > 0 {
		fmt.Fprintf(tw, " restarting:\t%s\n", yellow("%d", restarting))
	}
	if stopped > 0 {
		fmt.Fprintf(tw, " stopped:\t%s\n", yellow("%d", stopped))
	}
	if crashed > 0 {
		fmt.Fprintf(tw, " crashed:\t%s\n", red("%d", crashed))
	}
	peak, peakAt := m.GetReceivingSpeedPeak()
	fmt.Fprintf(tw, " subscriptions:\t%d\n", m.GetNumberOfAllSubscriptions())
	fmt.Fprintf(tw, " current receiving speed:\t%s/s\n", humanBytes(m.GetCurrentReceivingSpeedGlobal()))
	if !peakAt.IsZero() {
		fmt.Fprintf(tw, " highest receiving speed:\t%s/s (reached at %s)\n", humanBytes(peak), peakAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, " total received:\t%d frames, %s\n", m.GetTotalReceives(), humanBytes(int(m.GetTotalReceivedBytes())))
	fmt.Fprintf(tw, " total transmitted:\t%d frames\n", m.GetTotalTransmitted())
	fmt.Fprintf(tw, " most receives per second:\t%d\n", m.GetMostReceivesPerSecond())
	fmt.Fprintf(tw, " reconnects:\t%d\n", m.GetReconnects())
	fmt.Fprintf(tw, " stream buffer:\t%d items, %s\n", m.GetStreamBufferItems(), humanBytes(m.GetStreamBufferByteSize()))
	if m.opts.Proxy.enabled() {
		fmt.Fprintf(tw, " proxy:\t%s (ssl verification: %t)\n", m.opts.Proxy.Server, m.opts.Proxy.SSLVerification)
	}
	if len(rows) > 0 {
		fmt.Fprintf(tw, "\n stream\tstatus\tsubscriptions\treceives/s\treconnects\treceived\n")
		fmt.Fprintln(tw, strings.Join(rows, "\n"))
	}
	return tw.Flush()
}

// PrintStreamInfo writes the details of stream id to w.
func (m *Manager) PrintStreamInfo(w io.Writer, id string) error {
	info, err := m.GetStreamInfo(id)
	if err != nil {
		return err
	}
	stat, err := m.GetStreamStatistic(id)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\n", bold("stream "+info.StreamID))
	if info.Label != "" {
		fmt.Fprintf(tw, " label:\t%s\n", info.Label)
	}
	fmt.Fprintf(tw, " status:\t%s\n", colorStatus(info, now))
	fmt.Fprintf(tw, " channels:\t%s\n", strings.Join(info.Channels, ", "))
	fmt.Fprintf(tw, " markets:\t%s\n", strings.Join(info.Markets, ", "))
	fmt.Fprintf(tw, " subscriptions:\t%d\n", info.Subscriptions)
	if info.API {
		fmt.Fprintf(tw, " mode:\twebsocket api\n")
	}
	fmt.Fprintf(tw, " output:\t%s\n", info.Output)
	if info.URI != "" {
		fmt.Fprintf(tw, " uri:\t%s\n", redactURI(info.URI))
	}
	fmt.Fprintf(tw, " socket id:\t%s\n", info.SocketID)
	fmt.Fprintf(tw, " uptime:\t%s\n", stat.Uptime.Truncate(time.Second))
	fmt.Fprintf(tw, " reconnects:\t%d\n", info.Reconnects)
	fmt.Fprintf(tw, " pending frames:\t%d\n", info.PendingFrames)
	fmt.Fprintf(tw, " transmitted:\t%d\n", info.Transmitted)
	fmt.Fprintf(tw, " received:\t%d frames, %s\n", info.Received, humanBytes(int(info.ReceivedBytes)))
	fmt.Fprintf(tw, " receives per second:\t%.2f (most %d)\n", stat.ReceivesPerSecond, info.MostReceivesPerSecond)
	if !info.LastHeartbeat.IsZero() {
		fmt.Fprintf(tw, " last heartbeat:\t%s ago\n", now.Sub(info.LastHeartbeat).Truncate(time.Millisecond))
	}
	if info.ListenKey.Key != "" {
		fmt.Fprintf(tw, " listen key:\tacquired %s, kept alive %s\n",
			info.ListenKey.AcquiredAt.Format(time.RFC3339), info.ListenKey.LastKeepalive.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, " ping:\tevery %s, timeout %s, close timeout %s\n", info.PingInterval, info.PingTimeout, info.CloseTimeout)
	if info.LastSignal != "" {
		fmt.Fprintf(tw, " last signal:\t%s\n", info.LastSignal)
	}
	return tw.Flush()
}

// colorStatus highlights fresh reconnects and every non-running state.
func colorStatus(info Info, now time.Time) string {
	switch {
	case IsCrashed(info.Status):
		return red("%s", info.Status)
	case info.Status == StatusStopped, info.Status == StatusRestarting, info.Status == StatusStarting:
		return yellow("%s", info.Status)
	}
	if n := len(info.ReconnectLog); n > 0 {
		age := now.Sub(info.ReconnectLog[n-1])
		switch {
		case age < time.Second:
			return red("%s", info.Status)
		case age < 2*time.Second:
			return yellow("%s", info.Status)
		case age < 4*time.Second:
			return green("%s", info.Status)
		}
	}
	return info.Status
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}

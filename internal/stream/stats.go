package stream

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// statistics holds the manager-wide counters.
type statistics struct {
	receives    atomic.Uint64
	bytes       atomic.Uint64
	transmitted atomic.Uint64
	reconnects  atomic.Int64

	mu                    sync.Mutex
	bytesPerSecond        map[int64]int
	mostReceivesPerSecond int
	speedPeak             int
	speedPeakAt           time.Time
	lastCheck             time.Time
	lastCheckReceives     uint64
	lastCheckBytes        uint64
}

func newStatistics(now time.Time) *statistics {
	return &statistics{
		mu:                    sync.Mutex{},
		bytesPerSecond:        make(map[int64]int),
		mostReceivesPerSecond: 0,
		speedPeak:             0,
		speedPeakAt:           time.Time{},
		lastCheck:             now,
		lastCheckReceives:     0,
		lastCheckBytes:        0,
	}
}

func (s *statistics) addReceive(now time.Time, size int) {
	s.receives.Add(1)
	s.bytes.Add(uint64(size))
	s.mu.Lock()
	s.bytesPerSecond[now.Unix()] += size
	s.mu.Unlock()
}

func (s *statistics) addTransmitted() { s.transmitted.Add(1) }

func (s *statistics) addReconnect() { s.reconnects.Add(1) }

func (s *statistics) bytesInSecond(sec int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesPerSecond[sec]
}

// observe folds the receives of the last completed second and the current speed into the
// peaks, then trims the per-second counters to keep seconds.
func (s *statistics) observe(now time.Time, lastSecondReceives int, keep int) {
	last := now.Unix() - 1
	cutoff := now.Unix() - int64(keep)
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastSecondReceives > s.mostReceivesPerSecond {
		s.mostReceivesPerSecond = lastSecondReceives
	}
	if speed := s.bytesPerSecond[last]; speed > s.speedPeak {
		s.speedPeak = speed
		s.speedPeakAt = now
	}
	for sec := range s.bytesPerSecond {
		if sec < cutoff {
			delete(s.bytesPerSecond, sec)
		}
	}
}

// sinceLastCheck returns the average receives and bytes per second since the previous call
// and starts a new measurement window.
func (s *statistics) sinceLastCheck(now time.Time) (float64, float64) {
	receives, bytes := s.receives.Load(), s.bytes.Load()
	s.mu.Lock()
	elapsed := now.Sub(s.lastCheck).Seconds()
	dr := receives - s.lastCheckReceives
	db := bytes - s.lastCheckBytes
	s.lastCheck = now
	s.lastCheckReceives = receives
	s.lastCheckBytes = bytes
	s.mu.Unlock()
	if elapsed <= 0 {
		return 0, 0
	}
	return float64(dr) / elapsed, float64(db) / elapsed
}

// Statistic is the per-stream view returned by GetStreamStatistic.
type Statistic struct {
	StreamID          string
	Uptime            time.Duration
	Received          uint64
	ReceivedBytes     uint64
	Transmitted       uint64
	ReceivesPerSecond float64
	ReceivesPerMinute float64
	ReceivesPerHour   float64
	ReceivesPerDay    float64
	ReceivesPerMonth  float64
	ReceivesPerYear   float64
}

// GetTotalReceives returns the number of frames received by every stream.
func (m *Manager) GetTotalReceives() uint64 { return m.stats.receives.Load() }

// GetTotalReceivedBytes returns the number of bytes received by every stream.
func (m *Manager) GetTotalReceivedBytes() uint64 { return m.stats.bytes.Load() }

// GetTotalTransmitted returns the number of frames sent by every stream.
func (m *Manager) GetTotalTransmitted() uint64 { return m.stats.transmitted.Load() }

// GetReconnects returns the number of reconnects of every stream.
func (m *Manager) GetReconnects() int { return int(m.stats.reconnects.Load()) }

// GetMostReceivesPerSecond returns the highest number of frames received in one second.
func (m *Manager) GetMostReceivesPerSecond() int {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return m.stats.mostReceivesPerSecond
}

// GetReceivingSpeedPeak returns the highest bytes per second seen and when.
func (m *Manager) GetReceivingSpeedPeak() (int, time.Time) {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return m.stats.speedPeak, m.stats.speedPeakAt
}

// GetAllReceivesLastSecond sums the frames received by every stream in the last second.
func (m *Manager) GetAllReceivesLastSecond() int {
	last := m.clock.Now().Unix() - 1
	total := 0
	for _, d := range m.registry.all() {
		total += d.receivesInSecond(last)
	}
	return total
}

// GetStreamReceivesLastSecond returns the frames stream id received in the last second.
func (m *Manager) GetStreamReceivesLastSecond(id string) (int, error) {
	d, ok := m.registry.get(id)
	if !ok {
		return 0, m.notFound(id)
	}
	return d.receivesInSecond(m.clock.Now().Unix() - 1), nil
}

// GetCurrentReceivingSpeed returns the bytes stream id received in the last second.
func (m *Manager) GetCurrentReceivingSpeed(id string) (int, error) {
	d, ok := m.registry.get(id)
	if !ok {
		return 0, m.notFound(id)
	}
	return d.bytesInSecond(m.clock.Now().Unix() - 1), nil
}

// GetCurrentReceivingSpeedGlobal returns the bytes every stream received in the last second.
func (m *Manager) GetCurrentReceivingSpeedGlobal() int {
	return m.stats.bytesInSecond(m.clock.Now().Unix() - 1)
}

// GetStreamStatistic returns uptime and receive rates of stream id.
func (m *Manager) GetStreamStatistic(id string) (Statistic, error) {
	d, ok := m.registry.get(id)
	if !ok {
		return Statistic{}, m.notFound(id)
	}
	now := m.clock.Now()
	d.mu.Lock()
	end := now
	if !d.stopTime.IsZero() {
		end = d.stopTime
	}
	uptime := end.Sub(d.startTime)
	received, bytes, transmitted := d.received, d.receivedBytes, d.transmitted
	d.mu.Unlock()

	perSecond := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		perSecond = float64(received) / secs
	}
	return Statistic{
		StreamID:          id,
		Uptime:            uptime,
		Received:          received,
		ReceivedBytes:     bytes,
		Transmitted:       transmitted,
		ReceivesPerSecond: round2(perSecond),
		ReceivesPerMinute: round2(perSecond * 60),
		ReceivesPerHour:   round2(perSecond * 3600),
		ReceivesPerDay:    round2(perSecond * 86400),
		ReceivesPerMonth:  round2(perSecond * 86400 * 30),
		ReceivesPerYear:   round2(perSecond * 86400 * 365),
	}, nil
}

// GetNumberOfAllSubscriptions sums the subscriptions of every stream.
func (m *Manager) GetNumberOfAllSubscriptions() int {
	total := 0
	for _, d := range m.registry.all() {
		d.mu.Lock()
		total += d.subscriptions
		d.mu.Unlock()
	}
	return total
}

// GetLimitOfSubscriptionsPerStream returns the subscription cap of the endpoint.
func (m *Manager) GetLimitOfSubscriptionsPerStream() int { return m.ep.MaxSubscriptions }

// GetNumberOfFreeSubscriptionSlots returns how many subscriptions stream id can still add.
func (m *Manager) GetNumberOfFreeSubscriptionSlots(id string) (int, error) {
	d, ok := m.registry.get(id)
	if !ok {
		return 0, m.notFound(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return m.ep.MaxSubscriptions - d.subscriptions, nil
}

// GetStreamBufferByteSize returns the bytes held by every stream buffer.
func (m *Manager) GetStreamBufferByteSize() int { return m.buffers.Bytes() }

// GetStreamBufferItems returns the records held by every stream buffer.
func (m *Manager) GetStreamBufferItems() int { return m.buffers.Len() }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/meltica-ws/internal/observability"
)

const (
	defaultSupervisorInterval = time.Second
	defaultRestartTimeout     = 6 * time.Second
)

type restartState string

const (
	restartNew       restartState = "new"
	restartRestarted restartState = "restarted"
)

type restartRequest struct {
	state       restartState
	lastRestart time.Time
}

// supervisor is the only component that restarts workers. Workers and control operations
// file restart requests; the supervisor loop acts on them.
type supervisor struct {
	m       *Manager
	timeout time.Duration

	mu       sync.Mutex
	requests map[string]*restartRequest
}

func newSupervisor(m *Manager, timeout time.Duration) *supervisor {
	if timeout <= 0 {
		timeout = defaultRestartTimeout
	}
	return &supervisor{
		m:        m,
		timeout:  timeout,
		mu:       sync.Mutex{},
		requests: make(map[string]*restartRequest),
	}
}

// request files a restart for id. It is refused while the previous restart of id is younger
// than the restart timeout.
func (s *supervisor) request(id string) bool {
	now := s.m.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[id]; ok && r.state == restartRestarted && r.lastRestart.Add(s.timeout).After(now) {
		return false
	}
	s.requests[id] = &restartRequest{state: restartNew, lastRestart: time.Time{}}
	return true
}

func (s *supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

func (s *supervisor) pending(id string) (restartState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return "", false
	}
	return r.state, true
}

func (s *supervisor) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSupervisorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick expires stale restarts, restarts requested and killed streams and force-stops workers
// that ignored a stop request.
func (s *supervisor) tick() {
	if s.m.IsManagerStopping() {
		return
	}
	now := s.m.clock.Now()
	var due []*descriptor

	s.mu.Lock()
	for id, r := range s.requests {
		d, ok := s.m.registry.get(id)
		if !ok {
			delete(s.requests, id)
			continue
		}
		d.mu.Lock()
		status, stopping, unrecoverable := d.status, d.stopRequested || d.crashRequested, d.unrecoverable
		d.mu.Unlock()
		if stopping || unrecoverable {
			delete(s.requests, id)
			continue
		}
		if r.state == restartRestarted && r.lastRestart.Add(s.timeout).Before(now) {
			if status == StatusRunning {
				delete(s.requests, id)
				continue
			}
			r.state = restartNew
		}
		if r.state == restartNew {
			due = append(due, d)
		}
	}
	s.mu.Unlock()

	for _, d := range s.m.registry.all() {
		d.mu.Lock()
		killed := d.killRequested && !d.stopRequested && !d.unrecoverable
		overdue := d.stopRequested && d.worker != nil &&
			d.stopRequestedAt.Add(readTimeout+d.opts.CloseTimeout).Before(now)
		d.mu.Unlock()
		if killed {
			if _, ok := s.pending(d.id); !ok {
				due = append(due, d)
			}
		}
		if overdue {
			s.m.log.Info("stream stop overdue, closing",
				observability.Field{Key: "stream_id", Value: d.id})
			d.cancelWorker(ExitStopped)
		}
	}

	for _, d := range due {
		s.restart(d, now)
	}
}

// restart kills the worker of d, resets its per-connection state and spawns a new worker.
func (s *supervisor) restart(d *descriptor, now time.Time) {
	if h := d.cancelWorker(ExitKilled); h != nil {
		<-h.done
	}
	s.mu.Lock()
	s.requests[d.id] = &restartRequest{state: restartRestarted, lastRestart: now}
	s.mu.Unlock()

	d.mu.Lock()
	reason := "restart_request"
	if d.killRequested {
		reason = "kill_request"
	}
	d.status = StatusRestarting
	d.killRequested = false
	d.pending = nil
	d.mu.Unlock()

	d.metrics.RecordRestart(s.m.ctx, reason)
	s.m.log.Info("stream restarting",
		observability.Field{Key: "stream_id", Value: d.id},
		observability.Field{Key: "reason", Value: reason})
	s.m.startWorker(d)
}

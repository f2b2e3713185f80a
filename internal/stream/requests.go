package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/meltica-ws/internal/buffer"
	"github.com/coachpo/meltica-ws/internal/endpoint"
)

const (
	defaultReplyRingSize  = 500
	defaultRequestTimeout = 10 * time.Second
)

// requestIDs hands out process-wide, strictly increasing request ids.
type requestIDs struct {
	mu   sync.Mutex
	last uint64
}

// NextRequestID implements endpoint.IDSource.
func (r *requestIDs) NextRequestID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	return r.last
}

// Reply is a control-plane or WebSocket API reply correlated by request id.
type Reply struct {
	StreamID  string
	RequestID string
	Kind      endpoint.Reply
	Payload   []byte
	Received  time.Time
}

type waiter struct {
	ch       chan Reply
	callback func([]byte)
	expires  time.Time
}

// replyBook stores replies in bounded rings and wakes waiters registered by request id.
type replyBook struct {
	mu      sync.Mutex
	results *buffer.Ring[Reply]
	errors  *buffer.Ring[Reply]
	waiters map[string]*waiter
}

func replySize(r Reply) int { return len(r.Payload) }

func newReplyBook(size int) *replyBook {
	if size <= 0 {
		size = defaultReplyRingSize
	}
	return &replyBook{
		mu:      sync.Mutex{},
		results: buffer.NewRing[Reply](size, replySize),
		errors:  buffer.NewRing[Reply](size, replySize),
		waiters: make(map[string]*waiter),
	}
}

// deliver routes r to its waiter, or to the ring matching its kind.
func (b *replyBook) deliver(r Reply) {
	b.mu.Lock()
	w, ok := b.waiters[r.RequestID]
	if ok && r.RequestID != "" {
		delete(b.waiters, r.RequestID)
		b.mu.Unlock()
		if w.callback != nil {
			w.callback(r.Payload)
			return
		}
		w.ch <- r
		return
	}
	if r.Kind == endpoint.ReplyError {
		b.errors.PushBack(r)
	} else {
		b.results.PushBack(r)
	}
	b.mu.Unlock()
}

// expect registers a callback for id that replaces ring delivery.
func (b *replyBook) expect(id string, expires time.Time, callback func([]byte)) {
	b.mu.Lock()
	b.waiters[id] = &waiter{ch: nil, callback: callback, expires: expires}
	b.mu.Unlock()
}

// await returns the reply for id, blocking until it arrives, ctx ends or timeout elapses.
func (b *replyBook) await(ctx context.Context, id string, timeout time.Duration, now time.Time) (Reply, bool) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	b.mu.Lock()
	if r, ok := takeByID(b.results, id); ok {
		b.mu.Unlock()
		return r, true
	}
	if r, ok := takeByID(b.errors, id); ok {
		b.mu.Unlock()
		return r, true
	}
	w := &waiter{ch: make(chan Reply, 1), callback: nil, expires: now.Add(timeout)}
	b.waiters[id] = w
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r, true
	case <-timer.C:
	case <-ctx.Done():
	}
	b.mu.Lock()
	if b.waiters[id] == w {
		delete(b.waiters, id)
	}
	b.mu.Unlock()
	// The reply may have raced the timeout.
	select {
	case r := <-w.ch:
		return r, true
	default:
		return Reply{}, false
	}
}

// sweep drops waiters whose deadline passed and returns how many were removed.
func (b *replyBook) sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, w := range b.waiters {
		if w.callback != nil && now.After(w.expires) {
			delete(b.waiters, id)
			n++
		}
	}
	return n
}

// takeByID removes the newest reply matching id from ring.
func takeByID(ring *buffer.Ring[Reply], id string) (Reply, bool) {
	return ring.TakeLast(func(r Reply) bool { return r.RequestID == id })
}

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/internal/endpoint"
)

func TestRequestIDsUniqueAndIncreasing(t *testing.T) {
	ids := &requestIDs{}
	const workers, perWorker = 8, 250

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := uint64(0)
			for range perWorker {
				id := ids.NextRequestID()
				if id <= prev {
					t.Errorf("id %d not greater than %d", id, prev)
				}
				prev = id
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
	require.Equal(t, uint64(workers*perWorker), ids.NextRequestID()-1)
}

func TestReplyBookDeliverBeforeAwait(t *testing.T) {
	book := newReplyBook(0)
	book.deliver(Reply{StreamID: "s", RequestID: "7", Kind: endpoint.ReplyResult, Payload: []byte(`{"result":null,"id":7}`)})

	reply, ok := book.await(context.Background(), "7", time.Second, time.Now())
	require.True(t, ok)
	require.JSONEq(t, `{"result":null,"id":7}`, string(reply.Payload))
	require.Equal(t, 0, book.results.Len(), "awaited reply must leave the ring")
}

func TestReplyBookAwaitBeforeDeliver(t *testing.T) {
	book := newReplyBook(0)
	got := make(chan Reply, 1)
	go func() {
		r, ok := book.await(context.Background(), "9", 2*time.Second, time.Now())
		if ok {
			got <- r
		}
		close(got)
	}()

	require.Eventually(t, func() bool {
		book.mu.Lock()
		defer book.mu.Unlock()
		return book.waiters["9"] != nil
	}, time.Second, 5*time.Millisecond)
	book.deliver(Reply{StreamID: "s", RequestID: "9", Kind: endpoint.ReplyError, Payload: []byte(`{"error":{"code":2},"id":9}`)})

	select {
	case r, ok := <-got:
		if !ok {
			t.Fatal("await returned without a reply")
		}
		require.Equal(t, endpoint.ReplyError, r.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	require.Equal(t, 0, book.errors.Len())
}

func TestReplyBookAwaitTimeout(t *testing.T) {
	book := newReplyBook(0)
	start := time.Now()
	_, ok := book.await(context.Background(), "missing", 50*time.Millisecond, start)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	book.mu.Lock()
	require.Empty(t, book.waiters)
	book.mu.Unlock()

	// A late reply lands in the ring instead of a stale waiter.
	book.deliver(Reply{RequestID: "missing", Kind: endpoint.ReplyResult, Payload: []byte(`{}`)})
	require.Equal(t, 1, book.results.Len())
}

func TestReplyBookCallbackAndSweep(t *testing.T) {
	book := newReplyBook(0)
	now := time.Now()
	var payloads []string
	book.expect("1", now.Add(time.Second), func(p []byte) { payloads = append(payloads, string(p)) })
	book.expect("2", now.Add(time.Second), func(p []byte) { payloads = append(payloads, string(p)) })

	book.deliver(Reply{RequestID: "1", Kind: endpoint.ReplyResult, Payload: []byte(`{"id":"1"}`)})
	require.Equal(t, []string{`{"id":"1"}`}, payloads)
	require.Equal(t, 0, book.results.Len(), "callback replies bypass the ring")

	require.Equal(t, 0, book.sweep(now))
	require.Equal(t, 1, book.sweep(now.Add(2*time.Second)))
	book.deliver(Reply{RequestID: "2", Kind: endpoint.ReplyResult, Payload: []byte(`{"id":"2"}`)})
	require.Len(t, payloads, 1)
	require.Equal(t, 1, book.results.Len())
}

func TestReplyBookRingsBounded(t *testing.T) {
	book := newReplyBook(3)
	for i := range 5 {
		book.deliver(Reply{RequestID: string(rune('a' + i)), Kind: endpoint.ReplyError, Payload: []byte("x")})
	}
	require.Equal(t, 3, book.errors.Len())
	first, ok := book.errors.PopFront()
	require.True(t, ok)
	require.Equal(t, "c", first.RequestID)
}

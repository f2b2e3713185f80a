package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-ws/errs"
)

func TestQueueFIFOAndJoin(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(i))
	}
	require.Equal(t, 5, q.Len())

	var got []int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			v, err := q.Get(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			q.TaskDone()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Join(ctx))
	<-done
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueGetHonoursContext(t *testing.T) {
	q := NewQueue[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueJoinWaitsForTaskDone(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Join(context.Background()))
	require.NoError(t, q.Put(1))
	_, err := q.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, q.Join(ctx))

	q.TaskDone()
	require.NoError(t, q.Join(context.Background()))
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Put(7))
	q.Close()
	require.True(t, errs.HasCode(q.Put(8), errs.CodeUnavailable))

	v, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = q.Get(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	PID string
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := New[job](1)
	result := make(chan job, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), job{PID: "p1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "p1", got.PID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New[job](1).Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualError(t, err, "dequeue canceled: context canceled")

	full := New[job](1)
	require.NoError(t, full.Enqueue(context.Background(), job{PID: "primed"}))
	assert.Equal(t, 1, full.Len())
	err = full.Enqueue(ctx, job{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, full.Len())
}

func TestQueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := New[job](1)
	require.NoError(t, q.Enqueue(context.Background(), job{PID: "p1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, job{PID: "p2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := New[job](2)
	require.NoError(t, q.Enqueue(context.Background(), job{PID: "p1"}))
	q.Close()

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice should be safe.
	q.Close()
}

package bodyfile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestChannelFIFOOrdering holds the first submission in flight
// long enough to deterministically queue two more behind it (confirmed
// by polling the channel's own queue length, not a guessed sleep), then
// asserts the dispatcher delivers them in exactly the order submitted.
func TestRequestChannelFIFOOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	ch := NewRequestChannel("brain", 1, func(ctx context.Context, id string, payload any) (any, error) {
		n := payload.(int)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		if n == 0 {
			<-release
		}
		return n, nil
	})

	go ch.Submit(context.Background(), 0)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, time.Millisecond, "job 0 never started")

	go ch.Submit(context.Background(), 1)
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.queue) == 1
	}, time.Second, time.Millisecond, "job 1 never queued")

	go ch.Submit(context.Background(), 2)
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.queue) == 2
	}, time.Second, time.Millisecond, "job 2 never queued")

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond, "not all jobs processed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRequestChannelReturnsResponse(t *testing.T) {
	ch := NewRequestChannel("brain", 1, func(ctx context.Context, id string, payload any) (any, error) {
		return "echo:" + payload.(string), nil
	})

	_, resp, err := ch.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", resp)
}

func TestRequestChannelShutdownAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	ch := NewRequestChannel("brain", 1, func(ctx context.Context, id string, payload any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := ch.Submit(context.Background(), "x")
		resultCh <- err
	}()

	<-started
	ch.Shutdown()

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort")
	}
}

func TestRequestChannelBoundedWindow(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32

	ch := NewRequestChannel("brain", 1, func(ctx context.Context, id string, payload any) (any, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	})

	for i := 0; i < 5; i++ {
		go ch.Submit(context.Background(), i)
	}
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

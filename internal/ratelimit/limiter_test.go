package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitEnforcesMinimumSpacing(t *testing.T) {
	period := 20 * time.Millisecond
	l := New(period, period)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(ctx, ClassSubmit))
		stamps = append(stamps, time.Now())
	}

	// The first call may pass immediately; every later pair must be spaced.
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, period-2*time.Millisecond,
			"calls %d and %d too close together", i-1, i)
	}
}

func TestSpacingHoldsUnderConcurrentDemand(t *testing.T) {
	period := 15 * time.Millisecond
	l := New(period, time.Hour)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Wait(ctx, ClassSubmit))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 5)
	for i := 0; i < len(stamps); i++ {
		for j := i + 1; j < len(stamps); j++ {
			gap := stamps[j].Sub(stamps[i])
			if gap < 0 {
				gap = -gap
			}
			assert.GreaterOrEqual(t, gap, period-2*time.Millisecond)
		}
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l := New(time.Hour, 0)
	ctx := context.Background()

	// Burn the submit slot; describe must still pass immediately.
	require.NoError(t, l.Wait(ctx, ClassSubmit))

	done := make(chan struct{})
	go func() {
		_ = l.Wait(ctx, ClassDescribe)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("describe class blocked behind submit class")
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	l := New(time.Hour, time.Hour)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, ClassSubmit))

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Wait(cancelCtx, ClassSubmit) }()
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

func TestUnknownClass(t *testing.T) {
	l := New(0, 0)
	assert.Error(t, l.Wait(context.Background(), Class("bogus")))
}

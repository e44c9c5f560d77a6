package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Do(t *testing.T) {
	r := NewRegistry[int]()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := r.Do(context.TODO(), "key", fn)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	// give every goroutine a chance to join the flight
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.EqualValues(t, 42, v)
	}
}

func TestRegistry_CancelledCaller(t *testing.T) {
	r := NewRegistry[string]()

	started := make(chan struct{})
	release := make(chan struct{})
	var innerErr error
	var startOnce, doneOnce sync.Once
	done := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		startOnce.Do(func() { close(started) })
		<-release
		doneOnce.Do(func() {
			innerErr = ctx.Err()
			close(done)
		})
		return "ok", nil
	}

	ctx, cancel := context.WithCancel(context.TODO())
	errs := make(chan error, 1)
	go func() {
		_, _, err := r.Do(ctx, "key", fn)
		errs <- err
	}()
	<-started

	// a second caller joins the flight
	second := make(chan string, 1)
	go func() {
		v, _, err := r.Do(context.TODO(), "key", fn)
		assert.NoError(t, err)
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(release)
	<-done
	assert.NoError(t, innerErr)
	assert.EqualValues(t, "ok", <-second)
}

func TestRegistry_Error(t *testing.T) {
	r := NewRegistry[int]()
	errFailed := errors.New("failed")

	_, _, err := r.Do(context.TODO(), "key", func(context.Context) (int, error) {
		return 0, errFailed
	})
	require.ErrorIs(t, err, errFailed)

	// failures are not cached
	v, _, err := r.Do(context.TODO(), "key", func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

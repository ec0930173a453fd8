package sdk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsWorkInSubmissionOrder(t *testing.T) {
	t.Parallel()

	d := newDispatcher(16)
	defer d.close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, d.do(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDispatcher_CallReturnsValueAndError(t *testing.T) {
	t.Parallel()

	d := newDispatcher(4)
	defer d.close()

	value, err := d.call(func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, value)

	boom := errors.New("boom")
	_, err = d.call(func() (interface{}, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestDispatcher_CloseDrainsQueuedWork(t *testing.T) {
	t.Parallel()

	d := newDispatcher(16)

	var mu sync.Mutex
	ran := 0
	gate := make(chan struct{})
	require.NoError(t, d.do(func() { <-gate }))
	for i := 0; i < 4; i++ {
		require.NoError(t, d.do(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}

	closed := make(chan struct{})
	go func() {
		d.close()
		close(closed)
	}()
	close(gate)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 4, ran)
}

func TestDispatcher_SubmitAfterCloseFails(t *testing.T) {
	t.Parallel()

	d := newDispatcher(4)
	d.close()
	d.close() // idempotent

	require.ErrorIs(t, d.do(func() {}), errDispatcherClosed)
	_, err := d.call(func() (interface{}, error) { return nil, nil })
	require.ErrorIs(t, err, errDispatcherClosed)
}

package negotiation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueRunsOneTaskAtATime(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			assert.NoError(t, q.Submit(func() {
				defer wg.Done()
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning)
}

func TestQueueCloseDrainsQueuedTasks(t *testing.T) {
	q := NewQueue()

	gate := make(chan struct{})
	var ran []int
	require.NoError(t, q.Submit(func() { <-gate }))
	require.NoError(t, q.Submit(func() { ran = append(ran, 1) }))
	require.NoError(t, q.Submit(func() { ran = append(ran, 2) }))

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Submit(func() { ran = append(ran, 3) }), ErrQueueClosed)

	close(gate)
	select {
	case <-q.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, []int{1, 2}, ran)
}

func TestQueueCloseFromInsideTask(t *testing.T) {
	q := NewQueue()

	after := false
	require.NoError(t, q.Submit(q.Close))
	require.NoError(t, q.Submit(func() { after = true }))

	select {
	case <-q.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
	assert.True(t, after)
}

func TestQueueRecoversFromPanic(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	done := make(chan struct{})
	require.NoError(t, q.Submit(func() { panic("boom") }))
	require.NoError(t, q.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("worker died after panic")
	}
}

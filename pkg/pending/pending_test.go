package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndHandleResponse(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, nil))
	assert.Equal(t, 1, m.Count())

	done := make(chan any, 1)
	go func() {
		v, err := m.Wait(context.Background(), "c1")
		require.NoError(t, err)
		done <- v
	}()

	// Give the waiter a moment to park.
	time.Sleep(10 * time.Millisecond)
	assert.True(t, m.HandleResponse("c1", "payload"))

	select {
	case v := <-done:
		assert.Equal(t, "payload", v)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
	assert.Equal(t, 0, m.Count())
}

func TestWaitNotFound(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	_, err := m.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 0, nil))
	_, err := m.Wait(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, m.Count())
}

func TestConcurrentHandleResponseFirstWins(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, nil))

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if m.HandleResponse("c1", n) {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for n := range wins {
		winners = append(winners, n)
	}
	require.Len(t, winners, 1)

	v, err := m.Wait(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], v)
}

func TestHandleError(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, nil))
	boom := errors.New("boom")
	assert.True(t, m.HandleError("c1", boom))
	assert.False(t, m.HandleError("c1", boom))

	_, err := m.Wait(context.Background(), "c1")
	assert.ErrorIs(t, err, boom)
}

func TestSweeperExpiresEntries(t *testing.T) {
	m := NewManager(WithCleanupInterval(20 * time.Millisecond))
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 0, nil))

	assert.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 10*time.Millisecond)

	// Sweeper already removed the entry; no waiter ever observed it.
	_, err := m.Wait(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopFailsInFlightRequests(t *testing.T) {
	m := NewManager()
	m.Start()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, m.Create(id, 30, nil))
	}

	errs := make(chan error, 3)
	for _, id := range []string{"c1", "c2", "c3"} {
		go func(id string) {
			_, err := m.Wait(context.Background(), id)
			errs <- err
		}(id)
	}
	time.Sleep(10 * time.Millisecond)

	m.Stop()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrShutdown)
		case <-time.After(time.Second):
			t.Fatal("waiter did not observe shutdown")
		}
	}
}

func TestCreateAfterStop(t *testing.T) {
	m := NewManager()
	m.Start()
	m.Stop()

	err := m.Create("c1", 30, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestCreateOverwrites(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, nil))
	require.NoError(t, m.Create("c1", 30, nil))
	assert.Equal(t, 1, m.Count())
}

func TestWaitContextCancelled(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.Wait(ctx, "c1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetInfo(t *testing.T) {
	m := NewManager()
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Create("c1", 30, map[string]any{"agent": "writer"}))

	info := m.GetInfo("c1")
	require.NotNil(t, info)
	assert.Equal(t, "c1", info.CorrelationID)
	assert.Equal(t, 30, info.TimeoutSeconds)
	assert.False(t, info.IsCompleted)
	assert.False(t, info.IsExpired)

	assert.Nil(t, m.GetInfo("missing"))
}

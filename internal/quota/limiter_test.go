package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBlocksUntilOldestAgesOut(t *testing.T) {
	const window = 300 * time.Millisecond
	l := NewLimiter(logrus.New(), WithWindows(window, time.Hour))
	l.SetLimits("price", Limits{PerMinute: 10})
	ctx := context.Background()

	first := time.Now()
	for i := 0; i < 9; i++ {
		require.NoError(t, l.Acquire(ctx, "price", 0))
	}
	assert.Equal(t, 9, l.Usage("price").RequestsMinute)

	// the 10th still fits
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "price", 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// the 11th waits for the first to leave the window
	require.NoError(t, l.Acquire(ctx, "price", 0))
	assert.GreaterOrEqual(t, time.Since(first), window)
	assert.LessOrEqual(t, l.Usage("price").RequestsMinute, 10)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(logrus.New())
	l.SetLimits("api", Limits{PerHour: 1})

	require.NoError(t, l.Acquire(context.Background(), "api", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "api", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Usage("api").RequestsHour, "a cancelled acquire is not counted")
}

func TestByteBudget(t *testing.T) {
	l := NewLimiter(logrus.New(), WithWindows(200*time.Millisecond, time.Hour))
	l.SetLimits("price", Limits{BytesPerMinute: 1000})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "price", 100))
	l.AddBytes("price", 900)
	assert.Equal(t, int64(1000), l.Usage("price").BytesMinute)

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "price", 100))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReservationCorrectsItsOwnRequest(t *testing.T) {
	l := NewLimiter(logrus.New())
	ctx := context.Background()

	first, err := l.Reserve(ctx, "price", 100)
	require.NoError(t, err)
	second, err := l.Reserve(ctx, "price", 100)
	require.NoError(t, err)

	// the first response arrives after the second request was recorded
	first.AddBytes(4900)
	second.AddBytes(-50)

	l.mu.Lock()
	events := append([]event(nil), l.sources["price"].events...)
	l.mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, int64(5000), events[0].bytes)
	assert.Equal(t, int64(50), events[1].bytes)
	assert.Equal(t, int64(5050), l.Usage("price").BytesHour)

	var none *Reservation
	none.AddBytes(10)
}

func TestSourcesAreIndependent(t *testing.T) {
	l := NewLimiter(logrus.New())
	l.SetLimits("api", Limits{PerMinute: 1})
	l.SetLimits("web", Limits{PerMinute: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, "api", 0))
	require.NoError(t, l.Acquire(ctx, "web", 0))
	// unlimited source
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx, "modbus", 0))
	}
	assert.ElementsMatch(t, []string{"api", "web", "modbus"}, l.Sources())
}

func TestConcurrentAcquireNeverExceedsWindow(t *testing.T) {
	const max = 5
	l := NewLimiter(logrus.New(), WithWindows(100*time.Millisecond, time.Hour))
	l.SetLimits("web", Limits{PerMinute: max})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx, "web", 0))
			assert.LessOrEqual(t, l.Usage("web").RequestsMinute, max)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, l.Usage("web").RequestsHour)
}

func TestWindowWait(t *testing.T) {
	now := time.Now()
	events := []event{
		{at: now.Add(-90 * time.Second)},
		{at: now.Add(-50 * time.Second)},
		{at: now.Add(-30 * time.Second)},
	}
	assert.Zero(t, windowWait(events, now, time.Minute, 3, 0))
	assert.Equal(t, 10*time.Second, windowWait(events, now, time.Minute, 2, 0))
	assert.Equal(t, 30*time.Second, windowWait(events, now, time.Minute, 1, 0))
	assert.Zero(t, windowWait(events, now, time.Minute, 0, 0))
}

func TestPacer(t *testing.T) {
	p := NewPacer(100 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)

	free := NewPacer(0)
	start = time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, free.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	c.Advance(time.Second)

	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, 2*time.Second, c.Slept())
}

func TestFakeClock_CancelledContext(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Unix(0, 0), c.Now(), "a cancelled sleep must not advance time")
}

func TestRealClock_SleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := New().Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

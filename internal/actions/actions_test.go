package actions_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rerollctl/internal/actions"
	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/mocks"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

func setup(t *testing.T, cfg actions.Config) (*actions.Actor, *mocks.FakeDevice, *clock.Fake) {
	t.Helper()
	dev := mocks.NewFakeDevice("127.0.0.1:5555")
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return actions.New(dev, clk, cfg, zaptest.NewLogger(t)), dev, clk
}

func TestActor_InputAndSettle(t *testing.T) {
	ctx := context.Background()
	a, dev, clk := setup(t, actions.Config{ActionDelay: 250 * time.Millisecond, SwipeSpeed: 500 * time.Millisecond})

	require.NoError(t, a.Tap(ctx, vision.Point{X: 10, Y: 20}))
	assert.Equal(t, 250*time.Millisecond, clk.Slept())

	require.NoError(t, a.TapNow(ctx, vision.Point{X: 1, Y: 2}))
	assert.Equal(t, 250*time.Millisecond, clk.Slept(), "TapNow must not settle")

	require.NoError(t, a.Text(ctx, "Ash"))
	assert.Equal(t, 500*time.Millisecond, clk.Slept())
	require.NoError(t, a.Key(ctx, device.KeyDel))
	assert.Equal(t, 750*time.Millisecond, clk.Slept(), "a key event settles like any other input")

	// Zero duration falls back to the adaptive speed, then settles 1.2x.
	require.NoError(t, a.Swipe(ctx, vision.Point{X: 100, Y: 500}, vision.Point{X: 400, Y: 500}, 0))
	assert.Equal(t, 1350*time.Millisecond, clk.Slept())

	assert.Equal(t, []string{
		"tap 10,20",
		"tap 1,2",
		"text Ash",
		"key 67",
		"swipe 100,500 400,500 500ms",
	}, dev.Calls())
}

func TestActor_KeysSettleOnceAfterBurst(t *testing.T) {
	ctx := context.Background()
	a, dev, clk := setup(t, actions.Config{ActionDelay: 250 * time.Millisecond})

	require.NoError(t, a.Keys(ctx, device.KeyDel, 16))
	assert.Len(t, dev.CallsWithPrefix("key 67"), 16)
	assert.Equal(t, 250*time.Millisecond, clk.Slept())

	dev.Err = errors.New("device offline")
	err := a.Keys(ctx, device.KeyDel, 3)
	require.ErrorIs(t, err, device.ErrTransport)
	assert.Len(t, dev.CallsWithPrefix("key 67"), 17, "the burst stops at the first failure")
	assert.Equal(t, 250*time.Millisecond, clk.Slept())
}

func TestActor_RestartApp(t *testing.T) {
	a, dev, clk := setup(t, actions.Config{})

	require.NoError(t, a.RestartApp(context.Background(), "jp.pokemon.pokemontcgp", ".UnityPlayerActivity"))
	assert.Equal(t, []string{
		"stop jp.pokemon.pokemontcgp",
		"start jp.pokemon.pokemontcgp/.UnityPlayerActivity",
	}, dev.Calls())
	assert.Equal(t, 2*time.Second, clk.Slept())
}

func TestActor_WrapsTransportErrors(t *testing.T) {
	ctx := context.Background()
	a, dev, _ := setup(t, actions.Config{})
	dev.Err = errors.New("device offline")

	err := a.Tap(ctx, vision.Point{X: 5, Y: 6})
	require.ErrorIs(t, err, device.ErrTransport)
	assert.Contains(t, err.Error(), "tap (5,6)")

	_, err = a.Capture(ctx)
	require.ErrorIs(t, err, device.ErrTransport)

	err = a.RestartApp(ctx, "pkg", "act")
	require.ErrorIs(t, err, device.ErrTransport)
	assert.Contains(t, err.Error(), "stop app")
}

func TestActor_SettleHonorsCancel(t *testing.T) {
	a, _, _ := setup(t, actions.Config{ActionDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, a.Tap(ctx, vision.Point{}), context.Canceled)
}

func TestActor_AdaptiveSwipeSpeed(t *testing.T) {
	a, _, _ := setup(t, actions.Config{SwipeSpeed: 500 * time.Millisecond, MaxSwipeSpeed: 600 * time.Millisecond})

	assert.Equal(t, 500*time.Millisecond, a.AdaptSwipeSpeed(500*time.Millisecond, 1))
	assert.Equal(t, 550*time.Millisecond, a.AdaptSwipeSpeed(500*time.Millisecond, 2))
	assert.Equal(t, 600*time.Millisecond, a.AdaptSwipeSpeed(580*time.Millisecond, 5), "capped")

	a.SettleSwipeSpeed(600*time.Millisecond, 3)
	assert.Equal(t, 600*time.Millisecond, a.SwipeSpeed())

	a.SettleSwipeSpeed(600*time.Millisecond, 1)
	assert.Equal(t, 590*time.Millisecond, a.SwipeSpeed())

	a.SettleSwipeSpeed(505*time.Millisecond, 0)
	assert.Equal(t, 500*time.Millisecond, a.SwipeSpeed(), "never below the floor")
}

func TestActor_MaxSwipeSpeedDefaultsToFloor(t *testing.T) {
	a, _, _ := setup(t, actions.Config{SwipeSpeed: 400 * time.Millisecond})
	assert.Equal(t, 400*time.Millisecond, a.AdaptSwipeSpeed(400*time.Millisecond, 3))
}

func TestActor_RandomSuffix(t *testing.T) {
	a, _, _ := setup(t, actions.Config{Rng: rand.New(rand.NewSource(7))})
	for range 200 {
		n := a.RandomSuffix()
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 999)
	}
}

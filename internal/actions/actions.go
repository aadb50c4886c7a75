// Package actions wraps raw device input with the settle delays the client
// needs before the next observation is meaningful.
package actions

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// Config holds the timing of one instance's input.
type Config struct {
	// ActionDelay is slept after taps and text entry.
	ActionDelay time.Duration
	// SwipeSpeed is the starting swipe duration and the floor it adapts to.
	SwipeSpeed time.Duration
	// MaxSwipeSpeed caps the adaptive swipe duration.
	MaxSwipeSpeed time.Duration
	// Rng drives name suffixes; seeded from the clock when nil.
	Rng *rand.Rand
}

// swipeSettleFactor stretches the wait after a swipe past its duration so the
// gesture has fully landed.
const swipeSettleFactor = 1.2

// Actor issues input to one device. It is used by a single instance
// goroutine; the mutex only guards the adaptive state read by Status calls.
type Actor struct {
	dev    device.Transport
	clock  clock.Clock
	logger *zap.Logger
	cfg    Config

	mu         sync.Mutex
	swipeSpeed time.Duration
	rng        *rand.Rand
}

// New creates an Actor for dev.
func New(dev device.Transport, clk clock.Clock, cfg Config, logger *zap.Logger) *Actor {
	if cfg.MaxSwipeSpeed < cfg.SwipeSpeed {
		cfg.MaxSwipeSpeed = cfg.SwipeSpeed
	}
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	return &Actor{
		dev:        dev,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
		swipeSpeed: cfg.SwipeSpeed,
		rng:        rng,
	}
}

// Device is the underlying transport.
func (a *Actor) Device() device.Transport { return a.dev }

// ActionDelay is the configured settle delay.
func (a *Actor) ActionDelay() time.Duration { return a.cfg.ActionDelay }

// Tap taps p and waits for the settle delay.
func (a *Actor) Tap(ctx context.Context, p vision.Point) error {
	if err := a.TapNow(ctx, p); err != nil {
		return err
	}
	return a.clock.Sleep(ctx, a.cfg.ActionDelay)
}

// TapNow taps p without settling; callers pace themselves.
func (a *Actor) TapNow(ctx context.Context, p vision.Point) error {
	if err := a.dev.Tap(ctx, p.X, p.Y); err != nil {
		return fmt.Errorf("tap %s: %w", p, err)
	}
	return nil
}

// Swipe drags from one point to another over d, or over the current adaptive
// swipe speed when d is zero, then waits a little longer than the gesture.
func (a *Actor) Swipe(ctx context.Context, from, to vision.Point, d time.Duration) error {
	if d <= 0 {
		d = a.SwipeSpeed()
	}
	if err := a.dev.Swipe(ctx, from.X, from.Y, to.X, to.Y, d); err != nil {
		return fmt.Errorf("swipe %s->%s: %w", from, to, err)
	}
	return a.clock.Sleep(ctx, time.Duration(float64(d)*swipeSettleFactor))
}

// Text types s into the focused field and settles.
func (a *Actor) Text(ctx context.Context, s string) error {
	if err := a.dev.SendText(ctx, s); err != nil {
		return fmt.Errorf("text input: %w", err)
	}
	return a.clock.Sleep(ctx, a.cfg.ActionDelay)
}

// Key sends a single key event and settles.
func (a *Actor) Key(ctx context.Context, code int) error {
	return a.Keys(ctx, code, 1)
}

// Keys sends the same key event n times back to back and settles once
// after the burst.
func (a *Actor) Keys(ctx context.Context, code, n int) error {
	for range n {
		if err := a.dev.SendKeyEvent(ctx, code); err != nil {
			return fmt.Errorf("key event %d: %w", code, err)
		}
	}
	return a.clock.Sleep(ctx, a.cfg.ActionDelay)
}

// Capture grabs the current screen.
func (a *Actor) Capture(ctx context.Context) (image.Image, error) {
	img, err := a.dev.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return img, nil
}

// Pause sleeps for d.
func (a *Actor) Pause(ctx context.Context, d time.Duration) error {
	return a.clock.Sleep(ctx, d)
}

// RestartApp force-stops and relaunches the target application.
func (a *Actor) RestartApp(ctx context.Context, pkg, activity string) error {
	a.logger.Info("Restarting app.", zap.String("package", pkg))
	if err := a.dev.StopApp(ctx, pkg); err != nil {
		return fmt.Errorf("stop app: %w", err)
	}
	if err := a.clock.Sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := a.dev.StartApp(ctx, pkg, activity); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	return a.clock.Sleep(ctx, time.Second)
}

// SwipeSpeed returns the current adaptive swipe duration.
func (a *Actor) SwipeSpeed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swipeSpeed
}

// AdaptSwipeSpeed returns the duration to use for the next swipe in a
// sequence: after the second attempt each swipe is 50ms slower, up to the cap.
func (a *Actor) AdaptSwipeSpeed(current time.Duration, attempts int) time.Duration {
	if attempts > 1 {
		return min(current+50*time.Millisecond, a.cfg.MaxSwipeSpeed)
	}
	return current
}

// SettleSwipeSpeed records the speed a sequence ended on. A sequence that
// needed fewer than two swipes lets the speed drift back towards the
// configured floor.
func (a *Actor) SettleSwipeSpeed(last time.Duration, attempts int) {
	if attempts < 2 {
		last = max(last-10*time.Millisecond, a.cfg.SwipeSpeed)
	}
	a.mu.Lock()
	a.swipeSpeed = last
	a.mu.Unlock()
}

// RandomSuffix returns a number in [1,999] for account names.
func (a *Actor) RandomSuffix() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(999) + 1
}

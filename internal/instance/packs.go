package instance

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/classifier"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/metrics"
	"github.com/xkilldash9x/rerollctl/internal/notify"
	"github.com/xkilldash9x/rerollctl/internal/templates"
)

// tutorialSwipeLimit bounds the swipe-up loop of the scripted pack.
const tutorialSwipeLimit = 45 * time.Second

// openPacks selects the configured pack and opens the remaining packs of
// the account, stopping early once one of them needs the operator.
func (i *Instance) openPacks(ctx context.Context) error {
	if i.cfg.MaxPacks < 2 {
		return nil
	}
	route, err := layout.RouteFor(i.cfg.Pack)
	if err != nil {
		return err
	}
	step := i.layout.Step(route.Step)
	if route.Click != nil {
		step = step.WithClick(*route.Click)
	}
	if _, err := i.waitFor(ctx, i.request(step)); err != nil {
		return err
	}
	if route.Settle > 0 {
		if err := i.actor.Pause(ctx, route.Settle); err != nil {
			return err
		}
	}
	if route.Tap != nil {
		if err := i.actor.Tap(ctx, *route.Tap); err != nil {
			return err
		}
	}

	for n := 2; n <= i.cfg.MaxPacks && i.Phase() != RareOutcomeFound; n++ {
		if err := i.openPack(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// openPack opens pack n of the account. Pack 0 is the scripted tutorial
// pack, pack 1 the first real one; only packs after that are classified.
func (i *Instance) openPack(ctx context.Context, n int) error {
	series := layout.TutorialSeries
	if n > 1 {
		series = i.cfg.Pack.Series
	}
	icon := i.layout.Step("pack_icon").WithTemplate(series)

	if n > 0 {
		i.currentPack.Add(1)
		skip := "skip"
		if n > 3 {
			skip = "skip_late"
		}
		if _, err := i.until(ctx, skip); err != nil {
			return err
		}
		if _, err := i.waitFor(ctx, i.request(icon)); err != nil {
			return err
		}
	} else if _, err := i.until(ctx, "to_swipe"); err != nil {
		return err
	}

	if err := i.setSpeed(ctx, "speed_menu", "speed_1x"); err != nil {
		return err
	}
	if err := i.swipeOpen(ctx, icon); err != nil {
		return err
	}
	if n == 0 {
		return i.finishTutorialPack(ctx)
	}

	if err := i.setSpeed(ctx, "speed_3x", "speed_close"); err != nil {
		return err
	}
	if _, err := i.until(ctx, "result"); err != nil {
		return err
	}
	i.totalPacks.Add(1)
	metrics.RecordPack(i.dev.Serial())
	if err := i.actor.Pause(ctx, i.cfg.ActionDelay); err != nil {
		return err
	}

	if n > 1 {
		frame, err := i.waitRendered(ctx)
		if err != nil {
			return err
		}
		out, err := i.classifier.Classify(ctx, frame)
		if err != nil {
			return err
		}
		if err := i.handleOutcome(ctx, out, n); err != nil {
			return err
		}
	}

	if err := i.tap(ctx, "result_next"); err != nil {
		return err
	}
	switch n {
	case 1:
		return i.untilAll(ctx, "dex", "unlock")
	case 3:
		return i.untilAll(ctx, "dex", "hourglass", "timer_open", "use_hourglass", "timer_done")
	default:
		return i.untilAll(ctx, "dex", "pack_home")
	}
}

// swipeOpen drags across the pack until its series icon is gone, slowing
// the swipe down when the client ignores it.
func (i *Instance) swipeOpen(ctx context.Context, icon layout.Step) error {
	sw := i.layout.Swipe("open_pack")
	speed := i.actor.SwipeSpeed()
	start := i.clock.Now()
	attempts := 0
	for {
		ok, err := i.poller.Visible(ctx, ref(icon))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if elapsed := i.clock.Now().Sub(start); elapsed >= i.cfg.Timeout {
			return i.stuck(icon.Template, elapsed, "pack did not open")
		}
		speed = i.actor.AdaptSwipeSpeed(speed, attempts)
		if err := i.actor.Swipe(ctx, sw.From, sw.To, speed); err != nil {
			return err
		}
		attempts++
	}
	i.actor.SettleSwipeSpeed(speed, attempts)
	return nil
}

// finishTutorialPack walks through the scripted card reveal.
func (i *Instance) finishTutorialPack(ctx context.Context) error {
	if err := i.setSpeed(ctx, "speed_2x"); err != nil {
		return err
	}
	if _, err := i.until(ctx, "weak"); err != nil {
		return err
	}
	if err := i.setSpeed(ctx, "speed_1x"); err != nil {
		return err
	}

	up := i.layout.Swipe("tutorial_swipe_up")
	start := i.clock.Now()
	for {
		ok, err := i.visible(ctx, "weak")
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := i.actor.Swipe(ctx, up.From, up.To, time.Duration(up.DurationMS)*time.Millisecond); err != nil {
			return err
		}
		if elapsed := i.clock.Now().Sub(start); elapsed > tutorialSwipeLimit {
			return i.stuck(i.layout.Step("weak").Template, elapsed, "card reveal did not advance")
		}
	}

	if err := i.setSpeed(ctx, "speed_3x", "speed_close"); err != nil {
		return err
	}
	if _, err := i.until(ctx, "move"); err != nil {
		return err
	}
	return i.tap(ctx, "tutorial_pack_next", "tutorial_pack_done")
}

// waitRendered captures the result screen once no card slot shows the
// loading placeholder.
func (i *Instance) waitRendered(ctx context.Context) (image.Image, error) {
	frame, err := i.actor.Capture(ctx)
	if err != nil {
		return nil, err
	}
	blank := i.layout.Step("blank").Template
	start := i.clock.Now()
	for _, slot := range i.layout.Slots {
		for {
			ok, err := i.poller.VisibleIn(frame, templates.Ref{Name: blank, Region: &slot})
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if elapsed := i.clock.Now().Sub(start); elapsed >= i.cfg.Timeout {
				return nil, i.stuck(blank, elapsed, "cards did not render")
			}
			if err := i.actor.Pause(ctx, time.Second); err != nil {
				return nil, err
			}
			if frame, err = i.actor.Capture(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := i.actor.Pause(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}
	return i.actor.Capture(ctx)
}

// handleOutcome moves the account to a rare phase and tells the operator.
// Notification failures are logged and never fail the workflow.
func (i *Instance) handleOutcome(ctx context.Context, out classifier.Outcome, n int) error {
	if !out.Rare && !out.DoubleRare {
		return nil
	}

	label := metrics.OutcomeDoubleRare
	if out.Rare {
		label = metrics.OutcomeRejected
		if out.NeedsConfirmation {
			label = metrics.OutcomeFound
		}
	}
	metrics.RecordOutcome(i.dev.Serial(), label)

	switch {
	case out.NeedsConfirmation && i.Phase() != RareOutcomeFound:
		if err := i.transition(RareOutcomeFound); err != nil {
			return err
		}
		i.found = &finding{outcome: out, pack: n}
	case !out.NeedsConfirmation && i.Phase() == PostTutorial:
		if err := i.transition(RareOutcomeRejected); err != nil {
			return err
		}
		i.found = &finding{outcome: out, pack: n}
	}
	if out.NeedsConfirmation {
		i.needsVerification.Store(true)
	}

	i.mu.Lock()
	report := notify.Report{
		Account:  i.account,
		Stars:    out.StarCount,
		Pack:     n,
		Port:     i.port,
		Verified: out.NeedsConfirmation,
	}
	i.mu.Unlock()
	text := notify.GodPackText(report)
	if !out.Rare {
		text = notify.DoubleRareText(report)
	}
	msg := notify.Message{Text: text, EvidencePath: out.EvidencePath, Mention: out.NeedsConfirmation}
	if err := i.notifier.Notify(ctx, msg); err != nil {
		i.logger.Warn("Failed to send notification.", zap.Error(err), zap.Int("pack", n))
	}
	i.logger.Info("Rare outcome.",
		zap.Int("pack", n),
		zap.Bool("double_rare", out.DoubleRare),
		zap.Bool("needs_confirmation", out.NeedsConfirmation),
		zap.Stringer("phase", i.Phase()),
		zap.String("evidence", out.EvidencePath),
	)
	return nil
}

func (f *finding) String() string {
	if f == nil {
		return "none"
	}
	return fmt.Sprintf("pack %d (%d stars)", f.pack, f.outcome.StarCount)
}

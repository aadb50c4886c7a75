package instance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/metrics"
	"github.com/xkilldash9x/rerollctl/internal/poll"
	"github.com/xkilldash9x/rerollctl/internal/templates"
)

func ref(s layout.Step) templates.Ref {
	return templates.Ref{Name: s.Template, Region: s.Region}
}

func (i *Instance) request(s layout.Step) poll.Request {
	return poll.Request{
		Template:    ref(s),
		Click:       s.Click,
		ActionDelay: s.Delay(i.cfg.ActionDelay),
		Timeout:     s.Timeout(i.cfg.Timeout),
		SoftTimeout: s.Soft(),
	}
}

func (i *Instance) waitFor(ctx context.Context, req poll.Request) (bool, error) {
	start := i.clock.Now()
	ok, err := i.poller.Until(ctx, req)
	metrics.ObserveWait(req.Template.Name, i.clock.Now().Sub(start))
	return ok, err
}

// until waits for the named layout step.
func (i *Instance) until(ctx context.Context, name string) (bool, error) {
	return i.waitFor(ctx, i.request(i.layout.Step(name)))
}

// untilAll waits for each named step in order.
func (i *Instance) untilAll(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := i.until(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// untilAfter waits for a step with part of the budget already spent.
func (i *Instance) untilAfter(ctx context.Context, name string, elapsed time.Duration) (bool, error) {
	req := i.request(i.layout.Step(name))
	req.AlreadyElapsed = elapsed
	return i.waitFor(ctx, req)
}

func (i *Instance) visible(ctx context.Context, name string) (bool, error) {
	return i.poller.Visible(ctx, ref(i.layout.Step(name)))
}

func (i *Instance) tap(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := i.actor.Tap(ctx, i.layout.Tap(name)); err != nil {
			return err
		}
	}
	return nil
}

// tapUntilVisible taps the named points in turn until the step's template
// shows up.
func (i *Instance) tapUntilVisible(ctx context.Context, step string, taps ...string) error {
	start := i.clock.Now()
	for {
		ok, err := i.visible(ctx, step)
		if err != nil || ok {
			return err
		}
		if elapsed := i.clock.Now().Sub(start); elapsed >= i.cfg.Timeout {
			return i.stuck(i.layout.Step(step).Template, elapsed, "")
		}
		if err := i.tap(ctx, taps...); err != nil {
			return err
		}
	}
}

func (i *Instance) stuck(template string, elapsed time.Duration, reason string) *poll.StuckError {
	return &poll.StuckError{Template: template, Device: i.dev.Serial(), Elapsed: elapsed, Reason: reason}
}

func (i *Instance) setSpeed(ctx context.Context, names ...string) error {
	if i.cfg.GameSpeed != 3 {
		return nil
	}
	return i.tap(ctx, names...)
}

// register creates a new account. It reports false when the title screen
// led to an existing account, which is deleted instead.
func (i *Instance) register(ctx context.Context) (bool, error) {
	start := i.clock.Now()
	var elapsed time.Duration
	for {
		if err := i.tap(ctx, "title"); err != nil {
			return false, err
		}
		ok, err := i.untilAfter(ctx, "title_region", elapsed)
		if err != nil {
			return false, err
		}
		if ok {
			break
		}
		ok, err = i.untilAfter(ctx, "title_menu", i.clock.Now().Sub(start))
		if err != nil {
			return false, err
		}
		if ok {
			i.logger.Info("Found an existing account on the title screen, deleting it.")
			return false, i.deleteAccount(ctx, false)
		}
		frame, err := i.actor.Capture(ctx)
		if err != nil {
			return false, err
		}
		if err := i.Escalate(ctx, i.layout.Step("title_region").Template, frame); err != nil {
			return false, err
		}
		elapsed = i.clock.Now().Sub(start)
		i.logger.Info("Title screen not found yet.", zap.Duration("elapsed", elapsed))
	}

	if i.cfg.GameSpeed > 1 && i.prev != ResettingForRetry {
		speed := "speed_2x"
		if i.cfg.GameSpeed == 3 {
			speed = "speed_3x"
		}
		if err := i.tap(ctx, "speed_menu", speed, "speed_close"); err != nil {
			return false, err
		}
	}

	if err := i.selectBirth(ctx); err != nil {
		return false, err
	}
	if err := i.untilAll(ctx, "tos_open", "tos_close_terms", "tos_back", "tos_close_privacy", "tos_back"); err != nil {
		return false, err
	}
	if err := i.tap(ctx, "consent_terms", "consent_privacy", "consent_ok", "consent_confirm"); err != nil {
		return false, err
	}

	pending, err := i.visible(ctx, "data_uncomplete")
	if err != nil {
		return false, err
	}
	if !pending {
		if err := i.untilAll(ctx, "data_download", "data_complete"); err != nil {
			return false, err
		}
	}
	if err := i.tap(ctx, "data_later"); err != nil {
		return false, err
	}

	if err := i.setSpeed(ctx, "speed_menu", "speed_1x"); err != nil {
		return false, err
	}
	if _, err := i.until(ctx, "welcome"); err != nil {
		return false, err
	}
	if err := i.setSpeed(ctx, "speed_3x", "speed_close"); err != nil {
		return false, err
	}

	if err := i.enterName(ctx); err != nil {
		return false, err
	}
	return true, i.tap(ctx, "name_done", "name_done_confirm")
}

// selectBirth fills in region, year and month until the birth date can be
// confirmed.
func (i *Instance) selectBirth(ctx context.Context) error {
	start := i.clock.Now()
	var elapsed time.Duration
	for {
		ok, err := i.untilAfter(ctx, "confirm_birth", elapsed)
		if err != nil || ok {
			return err
		}
		frame, err := i.actor.Capture(ctx)
		if err != nil {
			return err
		}
		unselected, err := i.poller.VisibleIn(frame, ref(i.layout.Step("region_unselected")))
		if err != nil {
			return err
		}
		choose, err := i.poller.VisibleIn(frame, ref(i.layout.Step("choose_region")))
		if err != nil {
			return err
		}
		switch {
		case unselected:
			err = i.tap(ctx, "region_list", "region_pick", "region_ok")
		case choose:
			err = i.tap(ctx, "region_pick", "region_ok")
		}
		if err != nil {
			return err
		}

		for _, f := range []struct{ step, list, pick string }{
			{"year_selected", "year_list", "year_pick"},
			{"month_selected", "month_list", "month_pick"},
		} {
			ok, err := i.visible(ctx, f.step)
			if err != nil {
				return err
			}
			if !ok {
				if err := i.tap(ctx, f.list, f.pick); err != nil {
					return err
				}
			}
		}
		elapsed = i.clock.Now().Sub(start)
	}
}

// enterName types the account name, appending a 1 each time the client
// rejects it.
func (i *Instance) enterName(ctx context.Context) error {
	if _, err := i.until(ctx, "name_prompt"); err != nil {
		return err
	}
	if err := i.tap(ctx, "name_field", "name_field"); err != nil {
		return err
	}
	name := fmt.Sprintf("%s%d", i.cfg.AccountName, i.actor.RandomSuffix())
	if err := i.actor.Text(ctx, name); err != nil {
		return err
	}
	if err := i.tap(ctx, "name_ok"); err != nil {
		return err
	}

	start := i.clock.Now()
	for {
		ok, err := i.until(ctx, "name_confirm")
		if err != nil {
			return err
		}
		if ok {
			break
		}
		elapsed := i.clock.Now().Sub(start)
		i.logger.Info("Name was not accepted.", zap.String("name", name), zap.Duration("elapsed", elapsed))
		if elapsed > i.cfg.Timeout {
			return i.stuck(i.layout.Step("name_confirm").Template, elapsed, "name rejected")
		}
		if err := i.tap(ctx, "name_field", "name_field"); err != nil {
			return err
		}
		if err := i.actor.Text(ctx, "1"); err != nil {
			return err
		}
		name += "1"
		if err := i.tap(ctx, "name_ok"); err != nil {
			return err
		}
	}
	i.setAccount(name)
	i.logger.Info("Registered account.", zap.String("name", name), zap.String("run", i.runID))
	return nil
}

// tutorial plays the guided part: one scripted pack, one real pack and a
// wonder pick.
func (i *Instance) tutorial(ctx context.Context) error {
	if _, err := i.until(ctx, "tutorial_back"); err != nil {
		return err
	}
	if err := i.openPack(ctx, 0); err != nil {
		return err
	}
	if err := i.untilAll(ctx, "dex_task", "reward", "reward_full", "notification"); err != nil {
		return err
	}
	if err := i.tap(ctx, "notification_dismiss"); err != nil {
		return err
	}
	if err := i.openPack(ctx, 1); err != nil {
		return err
	}
	if err := i.untilAll(ctx, "wonder_icon_tutorial", "wonder", "wonder_back"); err != nil {
		return err
	}
	if err := i.untilAll(ctx, "wonder_confirm", "wonder_choose", "wonder_get", "wonder_dex", "wonder_tutorial"); err != nil {
		return err
	}
	_, err := i.until(ctx, "task")
	return err
}

// markProfile sets the profile badge so the operator can spot the account.
func (i *Instance) markProfile(ctx context.Context) error {
	return i.untilAll(ctx, "wonder_icon_home", "profile", "badge_checked", "badge")
}

// deleteAccount removes the current account, from the settings menu when
// inGame, otherwise from the title screen.
func (i *Instance) deleteAccount(ctx context.Context, inGame bool) error {
	if inGame {
		if err := i.untilAll(ctx, "setting", "account_menu", "nin_account"); err != nil {
			return err
		}
	} else if err := i.tap(ctx, "title_delete"); err != nil {
		return err
	}
	if err := i.untilAll(ctx, "delete_warning", "delete_confirm", "deleted"); err != nil {
		return err
	}
	if err := i.tap(ctx, "deleted_ok"); err != nil {
		return err
	}
	i.logger.Info("Deleted account.", zap.String("run", i.runID))
	i.resetAccount()
	return nil
}

package instance

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"
)

// Escalate looks for the screens a wait cannot get past on its own: an
// error dialog is dismissed, the launcher means the app died, and a date
// change during the daily maintenance window needs a restart. It is called
// by every wait that has used a third of its budget. sought names the
// template that wait is after and is what a stuck error reports; it may be
// empty outside a wait.
func (i *Instance) Escalate(ctx context.Context, sought string, frame image.Image) error {
	dialog := i.layout.Step("error_dialog")
	isErr, err := i.poller.VisibleIn(frame, ref(dialog))
	if err != nil {
		return err
	}
	if isErr {
		i.logger.Warn("Error dialog on screen, dismissing.")
		if dialog.Click != nil {
			if err := i.actor.TapNow(ctx, *dialog.Click); err != nil {
				return err
			}
		}
		if err := i.actor.Pause(ctx, time.Second); err != nil {
			return err
		}
	} else {
		home, err := i.poller.VisibleIn(frame, ref(i.layout.Step("home_screen")))
		if err != nil {
			return err
		}
		if home {
			return i.stuck(i.soughtOr(sought, "home_screen"), 0, "stuck at home page")
		}
	}

	if !i.inMaintenance(i.clock.Now()) {
		return nil
	}
	changed, err := i.poller.VisibleIn(frame, ref(i.layout.Step("date_change")))
	if err != nil || !changed {
		return err
	}
	i.logger.Info("Date changed, restarting app.", zap.Time("now", i.clock.Now()))
	if err := i.actor.RestartApp(ctx, i.layout.App.Package, i.layout.App.Activity); err != nil {
		return err
	}
	e := i.stuck(i.soughtOr(sought, "date_change"), 0, "date change")
	e.AppRestarted = true
	return e
}

// inMaintenance reports whether t falls in the daily UTC window.
func (i *Instance) inMaintenance(t time.Time) bool {
	t = t.UTC()
	offset := t.Sub(t.Truncate(24 * time.Hour))
	return offset >= i.cfg.MaintenanceStart && offset < i.cfg.MaintenanceStart+i.cfg.MaintenanceLength
}

// soughtOr returns sought, or the template of step when nothing was being
// waited for.
func (i *Instance) soughtOr(sought, step string) string {
	if sought != "" {
		return sought
	}
	return i.layout.Step(step).Template
}

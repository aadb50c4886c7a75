package instance

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/validation"
)

// maxUnfriend bounds the unfriend loop; the friend list holds at most this
// many entries.
const maxUnfriend = 99

// connectionIDs merges the external codes with the next pending identifier
// of the validation store. Failures of either source are logged and leave
// the list shorter.
func (i *Instance) connectionIDs(ctx context.Context) []string {
	var ids []string
	if i.codes != nil {
		codes, err := i.codes.Codes(ctx)
		if err != nil {
			i.logger.Warn("Failed to load friend codes.", zap.Error(err))
		}
		ids = append(ids, codes...)
	}
	if i.store != nil {
		id, ok, err := i.store.FetchNextPending(ctx)
		switch {
		case err != nil:
			i.logger.Warn("Failed to fetch pending identifier.", zap.Error(err), zap.Bool("store", errors.Is(err, validation.ErrStore)))
		case ok && !slices.Contains(ids, id):
			ids = append(ids, id)
		}
	}
	return ids
}

// addConnections sends a friend request to every known code and waits a
// bounded time for the requests to be accepted.
func (i *Instance) addConnections(ctx context.Context) error {
	ids := i.connectionIDs(ctx)
	i.logger.Info("Adding friends.", zap.Int("count", len(ids)))

	if err := i.untilAll(ctx, "on_commu", "friend_num"); err != nil {
		return err
	}
	if err := i.tapUntilVisible(ctx, "search", "search_open", "search_field"); err != nil {
		return err
	}

	for n, id := range ids {
		if n > 0 {
			if err := i.tapUntilVisible(ctx, "search", "search_open"); err != nil {
				return err
			}
			if err := i.tapUntilVisible(ctx, "search_ok", "search_input"); err != nil {
				return err
			}
			if err := i.actor.Keys(ctx, device.KeyDel, validation.IDLength); err != nil {
				return err
			}
		}
		if err := i.actor.Text(ctx, id); err != nil {
			return err
		}
		if _, err := i.until(ctx, "friend_result"); err != nil {
			return err
		}

		missing, err := i.visible(ctx, "not_found")
		if err != nil {
			return err
		}
		if missing {
			i.logger.Info("Friend code not found.", zap.String("id", id))
			if err := i.tap(ctx, "not_found_ok"); err != nil {
				return err
			}
			if _, err := i.until(ctx, "commu_dismiss"); err != nil {
				return err
			}
			continue
		}

		apply, err := i.visible(ctx, "apply")
		if err != nil {
			return err
		}
		if apply {
			if err := i.tap(ctx, "apply"); err != nil {
				return err
			}
			if err := i.actor.Pause(ctx, i.cfg.ActionDelay); err != nil {
				return err
			}
		}
	}

	if _, err := i.until(ctx, "commu"); err != nil {
		return err
	}
	if err := i.waitAccepted(ctx); err != nil {
		return err
	}
	return i.untilAll(ctx, "commu", "wonder_icon_social")
}

// waitAccepted reopens the friend list until every request was accepted or
// the wait budget runs out.
func (i *Instance) waitAccepted(ctx context.Context) error {
	start := i.clock.Now()
	for {
		if _, err := i.until(ctx, "friend_num_wide"); err != nil {
			return err
		}
		if err := i.tap(ctx, "friend_list"); err != nil {
			return err
		}
		all, err := i.visible(ctx, "friend_all")
		if err != nil {
			return err
		}
		if all {
			return nil
		}
		if _, err := i.until(ctx, "commu"); err != nil {
			return err
		}
		if i.clock.Now().Sub(start) > i.cfg.MaxFriendWait {
			i.logger.Info("Not every friend request was accepted in time.")
			return nil
		}
	}
}

// removeConnections unfriends everybody on the list.
func (i *Instance) removeConnections(ctx context.Context) error {
	if _, err := i.until(ctx, "commu_open"); err != nil {
		return err
	}
	for range maxUnfriend {
		if _, err := i.until(ctx, "friend_num"); err != nil {
			return err
		}
		empty, err := i.visible(ctx, "no_friend")
		if err != nil {
			return err
		}
		if empty {
			_, err := i.until(ctx, "commu")
			return err
		}
		if _, err := i.until(ctx, "friended"); err != nil {
			return err
		}
		if err := i.tap(ctx, "unfriend"); err != nil {
			return err
		}
		if err := i.untilAll(ctx, "unfriend_confirm", "commu"); err != nil {
			return err
		}
	}
	return i.stuck(i.layout.Step("no_friend").Template, 0, "friend list did not empty")
}

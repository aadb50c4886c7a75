package instance

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/validation"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

// resolveOwnCode reads the account's friend code from the search screen.
// It returns "" when no recognizer is configured or the read fails.
func (i *Instance) resolveOwnCode(ctx context.Context) string {
	if i.recognizer == nil {
		return ""
	}
	if err := i.untilAll(ctx, "on_commu", "friend_num"); err != nil {
		i.logger.Warn("Could not reach the friend screen.", zap.Error(err))
		return ""
	}
	if err := i.tap(ctx, "search_open"); err != nil {
		i.logger.Warn("Could not open the search screen.", zap.Error(err))
		return ""
	}
	frame, err := i.actor.Capture(ctx)
	if err != nil {
		i.logger.Warn("Failed to capture own code.", zap.Error(err))
		return ""
	}
	code, err := i.recognizer.RecognizeDigits(ctx, vision.Crop(frame, i.layout.Region("own_code")))
	if err != nil {
		i.logger.Warn("Failed to read own code.", zap.Error(err))
		return ""
	}
	if !validation.ValidID(code) {
		i.logger.Warn("Own code is malformed.", zap.String("code", code))
		return ""
	}
	i.logger.Info("Read own friend code.", zap.String("code", code))
	return code
}

// submitOwnCode registers the found pack with the validation store so other
// accounts can check whether it is still claimable.
func (i *Instance) submitOwnCode(ctx context.Context, code string) {
	if code == "" || i.store == nil {
		return
	}
	group := 1
	if i.found != nil {
		group = i.found.pack
	}
	ok, err := i.store.Submit(ctx, code, group)
	switch {
	case err != nil:
		i.logger.Warn("Failed to submit own code.", zap.Error(err))
	case !ok:
		i.logger.Warn("Own code was rejected by the store.", zap.String("code", code))
	default:
		i.logger.Info("Submitted own code.", zap.String("code", code), zap.Stringer("finding", i.found))
	}
}

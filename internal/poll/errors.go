package poll

import (
	"errors"
	"fmt"
	"time"
)

// ErrStuck is matched by every StuckError.
var ErrStuck = errors.New("instance stuck")

// StuckError reports a wait that can no longer succeed.
type StuckError struct {
	Template string
	Device   string
	Elapsed  time.Duration
	// Reason is set when the wait was aborted by a diagnostic rather than
	// by running out of time.
	Reason string
	// AppRestarted is set when the app was already relaunched before the
	// error was raised.
	AppRestarted bool
}

func (e *StuckError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("instance %s stuck at %s: %s", e.Device, e.Template, e.Reason)
	}
	return fmt.Sprintf("instance %s stuck at %s after %s", e.Device, e.Template, e.Elapsed.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrStuck) hold.
func (e *StuckError) Is(target error) bool { return target == ErrStuck }

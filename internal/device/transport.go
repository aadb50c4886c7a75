// Package device talks to emulator instances over adb.
package device

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrTransport marks every failure to communicate with a device. The
// workflow treats it like a stuck wait and restarts the app.
var ErrTransport = errors.New("device transport failure")

// KeyDel is the Android keycode for backspace.
const KeyDel = 67

// Transport is the set of primitive device operations the workflow uses.
// Implementations are owned by a single instance and need not be safe for
// concurrent use.
type Transport interface {
	// Serial identifies the device, e.g. "127.0.0.1:5555".
	Serial() string
	Capture(ctx context.Context) (image.Image, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error
	SendText(ctx context.Context, text string) error
	SendKeyEvent(ctx context.Context, code int) error
	StopApp(ctx context.Context, pkg string) error
	StartApp(ctx context.Context, pkg, activity string) error
	// Shell runs cmd on the device and returns its output. A non-zero exit
	// status of cmd itself is reported through the output, not as an error.
	Shell(ctx context.Context, cmd string) (string, error)
	// Pull copies remote to local and returns the number of bytes written.
	Pull(ctx context.Context, remote, local string) (int64, error)
}

// File: internal/mocks/fake_device.go
package mocks

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/rerollctl/internal/device"
)

// FakeDevice is a scriptable device.Transport that records every call.
type FakeDevice struct {
	mu sync.Mutex

	serial string
	frame  image.Image
	calls  []string

	// ShellFunc answers Shell; nil returns empty output.
	ShellFunc func(cmd string) string
	// PullData is written to the local path on Pull.
	PullData []byte
	// Err, when set, is returned (wrapped in device.ErrTransport) by every call.
	Err error
	// OnInput runs after each tap, swipe, text or key event with its call
	// string, so tests can change what the screen shows.
	OnInput func(call string)
}

var _ device.Transport = (*FakeDevice)(nil)

// NewFakeDevice creates a fake whose captures return a blank 540x960 frame.
func NewFakeDevice(serial string) *FakeDevice {
	return &FakeDevice{serial: serial, frame: image.NewGray(image.Rect(0, 0, 540, 960))}
}

// Calls returns a copy of the call log.
func (f *FakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsWithPrefix returns the logged calls that start with prefix.
func (f *FakeDevice) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeDevice) record(call string, input bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.Err
	hook := f.OnInput
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrTransport, err)
	}
	if input && hook != nil {
		hook(call)
	}
	return nil
}

func (f *FakeDevice) Serial() string { return f.serial }

func (f *FakeDevice) Capture(ctx context.Context) (image.Image, error) {
	if err := f.record("capture", false); err != nil {
		return nil, err
	}
	return f.frame, nil
}

func (f *FakeDevice) Tap(ctx context.Context, x, y int) error {
	return f.record(fmt.Sprintf("tap %d,%d", x, y), true)
}

func (f *FakeDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	return f.record(fmt.Sprintf("swipe %d,%d %d,%d %dms", x1, y1, x2, y2, d.Milliseconds()), true)
}

func (f *FakeDevice) SendText(ctx context.Context, text string) error {
	return f.record("text "+text, true)
}

func (f *FakeDevice) SendKeyEvent(ctx context.Context, code int) error {
	return f.record(fmt.Sprintf("key %d", code), true)
}

func (f *FakeDevice) StopApp(ctx context.Context, pkg string) error {
	return f.record("stop "+pkg, false)
}

func (f *FakeDevice) StartApp(ctx context.Context, pkg, activity string) error {
	return f.record("start "+pkg+"/"+activity, false)
}

func (f *FakeDevice) Shell(ctx context.Context, cmd string) (string, error) {
	if err := f.record("shell "+cmd, false); err != nil {
		return "", err
	}
	if f.ShellFunc == nil {
		return "", nil
	}
	return f.ShellFunc(cmd), nil
}

func (f *FakeDevice) Pull(ctx context.Context, remote, local string) (int64, error) {
	if err := f.record("pull "+remote+" "+local, false); err != nil {
		return 0, err
	}
	if err := os.WriteFile(local, f.PullData, 0o600); err != nil {
		return 0, fmt.Errorf("%w: %v", device.ErrTransport, err)
	}
	return int64(len(f.PullData)), nil
}

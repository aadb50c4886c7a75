package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client runs the adb binary.
type Client struct {
	bin    string
	logger *zap.Logger

	// execCommandContext is swapped in tests.
	execCommandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewClient creates a client for the adb binary at bin ("adb" if empty).
func NewClient(bin string, logger *zap.Logger) *Client {
	if bin == "" {
		bin = "adb"
	}
	return &Client{bin: bin, logger: logger.Named("adb"), execCommandContext: exec.CommandContext}
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := c.execCommandContext(ctx, c.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	c.logger.Debug("exec", zap.Strings("args", args))
	err := cmd.Run()
	return stdout.Bytes(), strings.TrimSpace(stderr.String()), err
}

// run executes adb with args and returns stdout. Any failure is an
// ErrTransport.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	out, stderr, err := c.exec(ctx, args...)
	if err != nil {
		return out, transportError(args, err, stderr)
	}
	return out, nil
}

func transportError(args []string, err error, stderr string) error {
	return fmt.Errorf("%w: adb %s: %v: %s", ErrTransport, strings.Join(args, " "), err, stderr)
}

// ADB is the Transport for one device serial.
type ADB struct {
	client *Client
	serial string
}

var _ Transport = (*ADB)(nil)

// Device returns the transport for serial.
func (c *Client) Device(serial string) *ADB {
	return &ADB{client: c, serial: serial}
}

func (a *ADB) Serial() string { return a.serial }

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	return a.client.run(ctx, append([]string{"-s", a.serial}, args...)...)
}

func (a *ADB) shell(ctx context.Context, args ...string) error {
	_, err := a.run(ctx, append([]string{"shell"}, args...)...)
	return err
}

func (a *ADB) Capture(ctx context.Context) (image.Image, error) {
	out, err := a.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("%w: decode screencap from %s: %v", ErrTransport, a.serial, err)
	}
	return img, nil
}

func (a *ADB) Tap(ctx context.Context, x, y int) error {
	return a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
}

func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	return a.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(d.Milliseconds(), 10))
}

// SendText types text into the focused field. Spaces are encoded the way
// `input text` expects them.
func (a *ADB) SendText(ctx context.Context, text string) error {
	return a.shell(ctx, "input", "text", strings.ReplaceAll(text, " ", "%s"))
}

func (a *ADB) SendKeyEvent(ctx context.Context, code int) error {
	return a.shell(ctx, "input", "keyevent", strconv.Itoa(code))
}

func (a *ADB) StopApp(ctx context.Context, pkg string) error {
	return a.shell(ctx, "am", "force-stop", pkg)
}

func (a *ADB) StartApp(ctx context.Context, pkg, activity string) error {
	return a.shell(ctx, "am", "start", "-n", pkg+"/"+activity)
}

func (a *ADB) Shell(ctx context.Context, cmd string) (string, error) {
	args := []string{"-s", a.serial, "shell", cmd}
	out, stderr, err := a.client.exec(ctx, args...)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return strings.TrimSpace(string(out)), nil
	case ctx.Err() == nil && errors.As(err, &exitErr) && !strings.HasPrefix(stderr, "error:"):
		// The remote command failed; adb itself worked. adb reports its own
		// problems (offline, unauthorized) with an "error:" prefix.
		return strings.TrimSpace(strings.TrimSpace(string(out)) + "\n" + stderr), nil
	default:
		return "", transportError(args, err, stderr)
	}
}

func (a *ADB) Pull(ctx context.Context, remote, local string) (int64, error) {
	if _, err := a.run(ctx, "pull", remote, local); err != nil {
		return 0, err
	}
	info, err := os.Stat(local)
	if err != nil {
		return 0, fmt.Errorf("%w: pulled file missing: %v", ErrTransport, err)
	}
	return info.Size(), nil
}

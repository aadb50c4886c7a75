package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Info is one line of `adb devices`.
type Info struct {
	Serial string
	State  string
}

// Online reports whether the device accepts commands.
func (i Info) Online() bool { return i.State == "device" }

// Connect attaches a TCP emulator at addr to the adb server.
func (c *Client) Connect(ctx context.Context, addr string) error {
	out, err := c.run(ctx, "connect", addr)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(string(out))
	if strings.Contains(msg, "connected to") {
		return nil
	}
	return fmt.Errorf("%w: connect %s: %s", ErrTransport, addr, msg)
}

// List returns every device the adb server knows about.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	out, err := c.run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out []byte) []Info {
	var devices []Info
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Info{Serial: fields[0], State: fields[1]})
	}
	return devices
}

// Discover connects every port on 127.0.0.1 and returns the devices that
// came up in the "device" state. Connection failures are logged and skipped.
func (c *Client) Discover(ctx context.Context, ports []int) ([]Info, error) {
	for _, port := range ports {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if err := c.Connect(ctx, addr); err != nil {
			c.logger.Warn("Failed to connect device.", zap.String("addr", addr), zap.Error(err))
		}
	}
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	online := all[:0]
	for _, d := range all {
		if !d.Online() {
			c.logger.Warn("Device is not connected.", zap.String("serial", d.Serial), zap.String("state", d.State))
			continue
		}
		online = append(online, d)
	}
	return online, nil
}

// Port returns the part of serial after the last colon, which is how
// emulators are told apart in logs and file names.
func Port(serial string) string {
	if i := strings.LastIndexByte(serial, ':'); i >= 0 {
		return serial[i+1:]
	}
	return serial
}

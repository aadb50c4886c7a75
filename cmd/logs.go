// File: cmd/logs.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/rerollctl/internal/device"
)

// logEntry is the subset of a JSON log line the viewer prints.
type logEntry struct {
	Level  string `json:"level"`
	TS     string `json:"ts"`
	Logger string `json:"logger"`
	Msg    string `json:"msg"`
	Device string `json:"device"`
	Error  string `json:"error"`
}

type logFilter struct {
	device   string
	minLevel zapcore.Level
	raw      bool
}

// format returns the line to print, or false when the filter drops it.
// Lines that are not JSON pass through unless a device filter is set.
func (f logFilter) format(line string) (string, bool) {
	var e logEntry
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(line, &e); err != nil {
		return line, f.device == ""
	}
	if f.device != "" && e.Device != f.device && device.Port(e.Device) != f.device {
		return "", false
	}
	if lvl, err := zapcore.ParseLevel(strings.ToLower(e.Level)); err == nil && lvl < f.minLevel {
		return "", false
	}
	if f.raw {
		return line, true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s %s", e.TS, e.Level, e.Logger, e.Msg)
	if e.Device != "" {
		fmt.Fprintf(&b, " device=%s", e.Device)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String(), true
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		file   string
		follow bool
		lines  int
		level  string
		filter logFilter
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or follow the JSON log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = a.cfg.Logger().LogFile
			}
			if file == "" {
				return fmt.Errorf("logger.log_file is not set")
			}
			if err := filter.minLevel.UnmarshalText([]byte(level)); err != nil {
				return fmt.Errorf("invalid --level: %w", err)
			}
			return printLogs(cmd.Context(), cmd.OutOrStdout(), file, lines, follow, filter)
		},
	}
	flags := logsCmd.Flags()
	flags.StringVar(&file, "file", "", "log file to read (default logger.log_file)")
	flags.BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are written")
	flags.IntVarP(&lines, "lines", "n", 50, "print the last n matching lines first (0 for all)")
	flags.StringVar(&level, "level", "debug", "hide lines below this level")
	flags.StringVarP(&filter.device, "device", "d", "", "only lines for this device serial or port")
	flags.BoolVar(&filter.raw, "raw", false, "print the JSON lines unchanged")
	return logsCmd
}

// printLogs prints the last n matching lines of path and, when follow is
// set, every matching line appended afterwards until ctx is done.
func printLogs(ctx context.Context, w io.Writer, path string, n int, follow bool, f logFilter) error {
	t, err := tail.TailFile(path, tail.Config{MustExist: true, Logger: tail.DiscardingLogger})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	var (
		backlog []string
		offset  int64
	)
	for line := range t.Lines {
		if line.Err != nil {
			t.Cleanup()
			return line.Err
		}
		offset += int64(len(line.Text)) + 1
		if out, ok := f.format(line.Text); ok {
			backlog = append(backlog, out)
			if n > 0 && len(backlog) > n {
				backlog = backlog[1:]
			}
		}
	}
	t.Cleanup()
	for _, out := range backlog {
		fmt.Fprintln(w, out)
	}
	if !follow {
		return nil
	}

	t, err = tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer t.Cleanup()
	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			if out, ok := f.format(line.Text); ok {
				fmt.Fprintln(w, out)
			}
		}
	}
}

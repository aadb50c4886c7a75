// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/device"
	"github.com/xkilldash9x/rerollctl/internal/evidence"
	"github.com/xkilldash9x/rerollctl/internal/fleet"
	"github.com/xkilldash9x/rerollctl/internal/instance"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/metrics"
	"github.com/xkilldash9x/rerollctl/internal/templates"
	"github.com/xkilldash9x/rerollctl/internal/vision"
)

func newRunCmd(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reroll workflow on every online emulator",
		Long: `Connects to the configured emulator ports, then drives one workflow
instance per online device until every instance finishes or the
process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}

	flags := runCmd.Flags()
	flags.IntSlice("ports", nil, "emulator ADB ports on 127.0.0.1 (overrides devices.ports)")
	flags.Int("max-workers", 0, "maximum instances running at once (overrides devices.max_workers)")
	flags.String("pack", "", "pack series to open (overrides instance.pack)")
	flags.Int("max-packs", 0, "packs to open per account (overrides instance.max_packs)")

	_ = a.v.BindPFlag("devices.ports", flags.Lookup("ports"))
	_ = a.v.BindPFlag("devices.max_workers", flags.Lookup("max-workers"))
	_ = a.v.BindPFlag("instance.pack", flags.Lookup("pack"))
	_ = a.v.BindPFlag("instance.max_packs", flags.Lookup("max-packs"))
	return runCmd
}

func (a *app) run(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	clk := clock.New()
	paths := cfg.Paths()

	lay, err := loadLayout(paths)
	if err != nil {
		return err
	}
	icfg, err := instanceConfig(cfg)
	if err != nil {
		return err
	}

	client := device.NewClient(cfg.Devices().ADBPath, logger)
	online, err := client.Discover(ctx, cfg.Devices().Ports)
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}
	if len(online) == 0 {
		return errors.New("no emulator is online on the configured ports")
	}

	store, err := openStore(ctx, cfg.Validation(), clk, logger)
	if err != nil {
		return fmt.Errorf("failed to open validation store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	notifier, err := newNotifier(cfg.Notify(), cfg.Notify().WebhookURL, logger)
	if err != nil {
		return err
	}
	heartbeat, err := newNotifier(cfg.Notify(), cfg.Notify().HeartbeatURL, logger)
	if err != nil {
		return err
	}

	catalog := templates.NewCatalog(paths.Templates, paths.Language)
	if err := catalog.Preload(stepTemplates(lay)); err != nil {
		return err
	}

	var recognizer vision.Recognizer
	if paths.Tesseract != "" {
		recognizer = vision.NewTesseract(paths.Tesseract)
	}

	if cfg.Metrics().Enabled {
		srv := metrics.SetupMetricsEndpoint(cfg.Metrics().Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	deps := instance.Deps{
		Probe:      vision.NewTemplateMatcher(),
		Templates:  catalog,
		Layout:     lay,
		Clock:      clk,
		Evidence:   evidence.NewWriter(paths.Evidence, clk),
		Recognizer: recognizer,
		Notifier:   notifier,
		Store:      store,
		Codes:      newCodeSource(cfg.Codes(), logger),
		Logger:     logger,
	}

	workers := make([]fleet.Worker, 0, len(online))
	for _, info := range online {
		d := deps
		d.Device = client.Device(info.Serial)
		inst, err := instance.New(icfg, d)
		if err != nil {
			return fmt.Errorf("failed to create instance for %s: %w", info.Serial, err)
		}
		workers = append(workers, inst)
	}

	logger.Info("Starting fleet.",
		zap.Int("devices", len(workers)),
		zap.String("pack", icfg.Pack.Name),
		zap.Int("max_packs", icfg.MaxPacks))

	supervisor, err := fleet.New(fleet.Config{
		MaxWorkers:        cfg.Devices().MaxWorkers,
		PollInterval:      cfg.Devices().PollInterval,
		HeartbeatInterval: cfg.Notify().HeartbeatInterval,
		AccountName:       icfg.AccountName,
		Offline:           offlinePorts(cfg.Devices().Ports, online),
	}, workers, heartbeat, clk, logger)
	if err != nil {
		return err
	}
	return supervisor.Run(ctx)
}

// offlinePorts returns the configured ports with no online device, in
// configuration order.
func offlinePorts(ports []int, online []device.Info) []string {
	up := make(map[string]struct{}, len(online))
	for _, info := range online {
		up[device.Port(info.Serial)] = struct{}{}
	}
	var out []string
	for _, p := range ports {
		port := strconv.Itoa(p)
		if _, ok := up[port]; !ok {
			out = append(out, port)
		}
	}
	return out
}

// stepTemplates lists the distinct templates the layout steps wait on.
func stepTemplates(l *layout.Layout) []string {
	seen := make(map[string]struct{}, len(l.Steps))
	for _, s := range l.Steps {
		if s.Template != "" {
			seen[s.Template] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

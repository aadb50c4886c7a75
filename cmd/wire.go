package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/clock"
	"github.com/xkilldash9x/rerollctl/internal/codesource"
	"github.com/xkilldash9x/rerollctl/internal/config"
	"github.com/xkilldash9x/rerollctl/internal/instance"
	"github.com/xkilldash9x/rerollctl/internal/layout"
	"github.com/xkilldash9x/rerollctl/internal/notify"
	"github.com/xkilldash9x/rerollctl/internal/validation"
)

// openStore opens the configured validation backend. It returns a nil
// Store for the "none" backend.
func openStore(ctx context.Context, cfg config.ValidationConfig, clk clock.Clock, logger *zap.Logger) (validation.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendLocal:
		store, err := validation.OpenLocal(cfg.SQLitePath, clk, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRemote:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		store, err := validation.NewRemote(ctx, pool, clk, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, nil
}

// newNotifier returns a Discord notifier for url, or nil when url is empty.
func newNotifier(cfg config.NotifyConfig, url string, logger *zap.Logger) (notify.Notifier, error) {
	if url == "" {
		return nil, nil
	}
	d, err := notify.NewDiscord(notify.Config{
		WebhookURL:    url,
		UserID:        cfg.UserID,
		Attempts:      cfg.Attempts,
		RetryInterval: cfg.RetryInterval,
		Timeout:       cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newCodeSource(cfg config.CodesConfig, logger *zap.Logger) codesource.Source {
	return codesource.New(codesource.Config{
		Remote:    cfg.Remote,
		URL:       cfg.URL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		LocalPath: cfg.LocalPath,
		Timeout:   cfg.Timeout,
	}, logger)
}

// loadLayout returns the layout file when one is configured and the built
// in layout otherwise.
func loadLayout(cfg config.PathsConfig) (*layout.Layout, error) {
	l := layout.Default()
	if cfg.Layout != "" {
		var err error
		if l, err = layout.Load(cfg.Layout); err != nil {
			return nil, err
		}
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	return l, nil
}

func instanceConfig(cfg *config.Config) (instance.Config, error) {
	ic := cfg.Instance()
	pack, err := layout.LookupPack(ic.Pack)
	if err != nil {
		return instance.Config{}, err
	}
	return instance.Config{
		ActionDelay:       ic.ActionDelay,
		SwipeSpeed:        ic.SwipeSpeed,
		MaxSwipeSpeed:     ic.MaxSwipeSpeed,
		GameSpeed:         ic.GameSpeed,
		Confidence:        ic.Confidence,
		Timeout:           ic.Timeout,
		PollInterval:      ic.PollInterval,
		MaxPacks:          ic.MaxPacks,
		CheckDoubleRare:   ic.CheckDoubleRare,
		CommonThreshold:   ic.CommonThreshold,
		AccountName:       ic.AccountName,
		Pack:              pack,
		BackupDir:         cfg.Paths().Backup,
		DebugCapture:      ic.DebugCapture,
		MaxFriendWait:     ic.MaxFriendWait,
		MaintenanceStart:  ic.MaintenanceStart,
		MaintenanceLength: ic.MaintenanceLength,
		MaxDeviceFailures: ic.MaxDeviceFailures,
	}, nil
}

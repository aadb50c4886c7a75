// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "rerollctl", cfg.Logger().ServiceName)
	assert.Equal(t, 250*time.Millisecond, cfg.Instance().ActionDelay)
	assert.Equal(t, 45*time.Second, cfg.Instance().Timeout)
	assert.Equal(t, 4, cfg.Instance().MaxPacks)
	assert.Equal(t, "MEWTWO", cfg.Instance().Pack)
	assert.Equal(t, 6*time.Hour, cfg.Instance().MaintenanceStart)
	assert.Equal(t, 5, cfg.Instance().MaxDeviceFailures)
	assert.Equal(t, 30*time.Minute, cfg.Notify().HeartbeatInterval)
	assert.Equal(t, BackendLocal, cfg.Validation().Backend)
	assert.Equal(t, time.Second, cfg.Devices().PollInterval)
	assert.Empty(t, cfg.Devices().Ports)
	assert.NoError(t, cfg.Validate(), "defaults must be valid")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Instance Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		invalid := *cfg
		invalid.InstanceCfg.GameSpeed = 4
		err := invalid.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "instance.game_speed must be 1, 2 or 3")

		invalid = *cfg
		invalid.InstanceCfg.MaxPacks = 5
		invalid.InstanceCfg.Confidence = 1.5
		err = invalid.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "instance.max_packs must be between 1 and 4")
		assert.Contains(t, err.Error(), "instance.confidence must be in (0, 1]")
	})

	t.Run("Devices Validation", func(t *testing.T) {
		d := DevicesConfig{Ports: []int{5555, 5565}}
		assert.NoError(t, d.Validate())

		d.Ports = append(d.Ports, 70000)
		assert.ErrorContains(t, d.Validate(), "70000 is not a valid port")

		d = DevicesConfig{MaxWorkers: -1}
		assert.Error(t, d.Validate())
	})

	t.Run("Validation Backend", func(t *testing.T) {
		tests := []struct {
			name    string
			cfg     ValidationConfig
			wantErr string
		}{
			{"none", ValidationConfig{Backend: BackendNone}, ""},
			{"local", ValidationConfig{Backend: BackendLocal, SQLitePath: "v.db"}, ""},
			{"local without path", ValidationConfig{Backend: BackendLocal}, "sqlite_path is required"},
			{"remote", ValidationConfig{Backend: BackendRemote, PostgresURL: "postgres://x"}, ""},
			{"remote without url", ValidationConfig{Backend: BackendRemote}, "REROLL_POSTGRES_URL"},
			{"unknown", ValidationConfig{Backend: "redis"}, "is not one of"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.cfg.Validate()
				if tt.wantErr == "" {
					assert.NoError(t, err)
					return
				}
				assert.ErrorContains(t, err, tt.wantErr)
			})
		}
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
devices:
  ports: [5555, 5565]
  max_workers: 2
instance:
  game_speed: 3
  max_packs: 2
  pack: pikachu
  timeout: 1m
validation:
  backend: none
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, []int{5555, 5565}, cfg.Devices().Ports)
		assert.Equal(t, 2, cfg.Devices().MaxWorkers)
		assert.Equal(t, 3, cfg.Instance().GameSpeed)
		assert.Equal(t, time.Minute, cfg.Instance().Timeout)
		assert.Equal(t, "pikachu", cfg.Instance().Pack)
		// Defaults still apply to keys the file leaves out.
		assert.Equal(t, 250*time.Millisecond, cfg.Instance().ActionDelay)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("instance.max_packs", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv("REROLL_WEBHOOK_URL", "https://discord.example/api/webhooks/1/abc")
		t.Setenv("REROLL_POSTGRES_URL", "postgres://reroll@db/reroll")

		v := viper.New()
		SetDefaults(v)
		v.Set("validation.backend", BackendRemote)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "https://discord.example/api/webhooks/1/abc", cfg.Notify().WebhookURL)
		assert.Equal(t, "postgres://reroll@db/reroll", cfg.Validation().PostgresURL)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("paths.backup", "~/reroll/backup")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "reroll", "backup"), cfg.Paths().Backup)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg
	iface.SetDevicePorts([]int{5555})
	iface.SetMaxWorkers(3)
	assert.Equal(t, []int{5555}, cfg.Devices().Ports)
	assert.Equal(t, 3, cfg.Devices().MaxWorkers)
}

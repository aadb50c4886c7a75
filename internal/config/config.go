// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// REROLL_INSTANCE_MAX_PACKS.
const EnvPrefix = "REROLL"

// Interface defines the contract for accessing application configuration.
type Interface interface {
	Logger() LoggerConfig
	Devices() DevicesConfig
	Instance() InstanceConfig
	Paths() PathsConfig
	Notify() NotifyConfig
	Validation() ValidationConfig
	Codes() CodesConfig
	Metrics() MetricsConfig

	SetDevicePorts([]int)
	SetMaxWorkers(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DevicesCfg    DevicesConfig    `mapstructure:"devices" yaml:"devices"`
	InstanceCfg   InstanceConfig   `mapstructure:"instance" yaml:"instance"`
	PathsCfg      PathsConfig      `mapstructure:"paths" yaml:"paths"`
	NotifyCfg     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	ValidationCfg ValidationConfig `mapstructure:"validation" yaml:"validation"`
	CodesCfg      CodesConfig      `mapstructure:"codes" yaml:"codes"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Devices() DevicesConfig       { return c.DevicesCfg }
func (c *Config) Instance() InstanceConfig     { return c.InstanceCfg }
func (c *Config) Paths() PathsConfig           { return c.PathsCfg }
func (c *Config) Notify() NotifyConfig         { return c.NotifyCfg }
func (c *Config) Validation() ValidationConfig { return c.ValidationCfg }
func (c *Config) Codes() CodesConfig           { return c.CodesCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }

// Setters for values that flags may override after loading.

func (c *Config) SetDevicePorts(p []int) { c.DevicesCfg.Ports = p }
func (c *Config) SetMaxWorkers(n int)    { c.DevicesCfg.MaxWorkers = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DevicesConfig lists the emulators to drive.
type DevicesConfig struct {
	// Ports are connected on 127.0.0.1 before discovery.
	Ports   []int  `mapstructure:"ports" yaml:"ports"`
	ADBPath string `mapstructure:"adb_path" yaml:"adb_path"`
	// MaxWorkers caps concurrently running instances; 0 means all of them.
	MaxWorkers   int           `mapstructure:"max_workers" yaml:"max_workers"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// InstanceConfig tunes the per-device workflow.
type InstanceConfig struct {
	ActionDelay       time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	SwipeSpeed        time.Duration `mapstructure:"swipe_speed" yaml:"swipe_speed"`
	MaxSwipeSpeed     time.Duration `mapstructure:"max_swipe_speed" yaml:"max_swipe_speed"`
	GameSpeed         int           `mapstructure:"game_speed" yaml:"game_speed"`
	Confidence        float64       `mapstructure:"confidence" yaml:"confidence"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPacks          int           `mapstructure:"max_packs" yaml:"max_packs"`
	CheckDoubleRare   bool          `mapstructure:"check_double_rare" yaml:"check_double_rare"`
	CommonThreshold   int           `mapstructure:"common_threshold" yaml:"common_threshold"`
	AccountName       string        `mapstructure:"account_name" yaml:"account_name"`
	Pack              string        `mapstructure:"pack" yaml:"pack"`
	MaxFriendWait     time.Duration `mapstructure:"max_friend_wait" yaml:"max_friend_wait"`
	DebugCapture      bool          `mapstructure:"debug_capture" yaml:"debug_capture"`
	MaintenanceStart  time.Duration `mapstructure:"maintenance_start" yaml:"maintenance_start"`
	MaintenanceLength time.Duration `mapstructure:"maintenance_length" yaml:"maintenance_length"`
	MaxDeviceFailures int           `mapstructure:"max_device_failures" yaml:"max_device_failures"`
}

// PathsConfig holds every file system location.
type PathsConfig struct {
	Templates string `mapstructure:"templates" yaml:"templates"`
	Language  string `mapstructure:"language" yaml:"language"`
	// Layout overrides the built-in screen layout when set.
	Layout    string `mapstructure:"layout" yaml:"layout"`
	Evidence  string `mapstructure:"evidence" yaml:"evidence"`
	Backup    string `mapstructure:"backup" yaml:"backup"`
	Tesseract string `mapstructure:"tesseract" yaml:"tesseract"`
}

// NotifyConfig configures the webhooks.
type NotifyConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url" yaml:"-"`
	HeartbeatURL      string        `mapstructure:"heartbeat_url" yaml:"-"`
	UserID            string        `mapstructure:"user_id" yaml:"user_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	Attempts          int           `mapstructure:"attempts" yaml:"attempts"`
	RetryInterval     time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Validation backends.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// ValidationConfig selects the identifier validation store.
type ValidationConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"-"`
}

// CodesConfig selects where friend codes come from.
type CodesConfig struct {
	Remote    bool          `mapstructure:"remote" yaml:"remote"`
	URL       string        `mapstructure:"url" yaml:"url"`
	Username  string        `mapstructure:"username" yaml:"username"`
	Password  string        `mapstructure:"password" yaml:"-"`
	LocalPath string        `mapstructure:"local_path" yaml:"local_path"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rerollctl")
	v.SetDefault("logger.log_file", "rerollctl.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Devices --
	v.SetDefault("devices.ports", []int{})
	v.SetDefault("devices.adb_path", "adb")
	v.SetDefault("devices.max_workers", 0)
	v.SetDefault("devices.poll_interval", "1s")

	// -- Instance --
	v.SetDefault("instance.action_delay", "250ms")
	v.SetDefault("instance.swipe_speed", "350ms")
	v.SetDefault("instance.max_swipe_speed", "1s")
	v.SetDefault("instance.game_speed", 1)
	v.SetDefault("instance.confidence", 0.8)
	v.SetDefault("instance.timeout", "45s")
	v.SetDefault("instance.poll_interval", "100ms")
	v.SetDefault("instance.max_packs", 4)
	v.SetDefault("instance.check_double_rare", false)
	v.SetDefault("instance.common_threshold", 1)
	v.SetDefault("instance.account_name", "reroll")
	v.SetDefault("instance.pack", "MEWTWO")
	v.SetDefault("instance.max_friend_wait", "15s")
	v.SetDefault("instance.debug_capture", false)
	v.SetDefault("instance.maintenance_start", "6h")
	v.SetDefault("instance.maintenance_length", "5m")
	v.SetDefault("instance.max_device_failures", 5)

	// -- Paths --
	v.SetDefault("paths.templates", "templates")
	v.SetDefault("paths.language", "en")
	v.SetDefault("paths.evidence", "screenshots")
	v.SetDefault("paths.backup", "backup")
	v.SetDefault("paths.tesseract", "tesseract")

	// -- Notify --
	v.SetDefault("notify.heartbeat_interval", "30m")
	v.SetDefault("notify.attempts", 10)
	v.SetDefault("notify.retry_interval", "250ms")
	v.SetDefault("notify.timeout", "10s")

	// -- Validation --
	v.SetDefault("validation.backend", BackendLocal)
	v.SetDefault("validation.sqlite_path", "validation.db")

	// -- Codes --
	v.SetDefault("codes.remote", false)
	v.SetDefault("codes.local_path", "ids.json")
	v.SetDefault("codes.timeout", "10s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are usually supplied through the environment only.
	_ = v.BindEnv("notify.webhook_url", EnvPrefix+"_WEBHOOK_URL")
	_ = v.BindEnv("notify.heartbeat_url", EnvPrefix+"_HEARTBEAT_URL")
	_ = v.BindEnv("validation.postgres_url", EnvPrefix+"_POSTGRES_URL")
	_ = v.BindEnv("codes.password", EnvPrefix+"_CODES_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in every path setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.PathsCfg.Templates,
		&c.PathsCfg.Layout,
		&c.PathsCfg.Evidence,
		&c.PathsCfg.Backup,
		&c.ValidationCfg.SQLitePath,
		&c.CodesCfg.LocalPath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	return errors.Join(
		c.DevicesCfg.Validate(),
		c.InstanceCfg.Validate(),
		c.ValidationCfg.Validate(),
	)
}

// Validate checks the device settings.
func (d *DevicesConfig) Validate() error {
	if d.MaxWorkers < 0 {
		return fmt.Errorf("devices.max_workers must not be negative")
	}
	for _, p := range d.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("devices.ports: %d is not a valid port", p)
		}
	}
	return nil
}

// Validate checks the workflow settings.
func (i *InstanceConfig) Validate() error {
	var errs []error
	if i.GameSpeed < 1 || i.GameSpeed > 3 {
		errs = append(errs, fmt.Errorf("instance.game_speed must be 1, 2 or 3"))
	}
	if i.Confidence <= 0 || i.Confidence > 1 {
		errs = append(errs, fmt.Errorf("instance.confidence must be in (0, 1]"))
	}
	if i.MaxPacks < 1 || i.MaxPacks > 4 {
		errs = append(errs, fmt.Errorf("instance.max_packs must be between 1 and 4"))
	}
	if i.ActionDelay <= 0 || i.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("instance.action_delay and instance.timeout must be positive"))
	}
	if i.MaintenanceStart < 0 || i.MaintenanceStart >= 24*time.Hour {
		errs = append(errs, fmt.Errorf("instance.maintenance_start must be within a day"))
	}
	return errors.Join(errs...)
}

// Validate checks the store selection.
func (v *ValidationConfig) Validate() error {
	switch strings.ToLower(v.Backend) {
	case BackendNone:
	case BackendLocal:
		if v.SQLitePath == "" {
			return fmt.Errorf("validation.sqlite_path is required for the local backend")
		}
	case BackendRemote:
		if v.PostgresURL == "" {
			return fmt.Errorf("validation.postgres_url is required for the remote backend. Ensure %s_POSTGRES_URL is set", EnvPrefix)
		}
	default:
		return fmt.Errorf("validation.backend %q is not one of none, local, remote", v.Backend)
	}
	return nil
}

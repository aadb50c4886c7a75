// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rerollctl/internal/config"
	"github.com/xkilldash9x/rerollctl/internal/observability"
)

// app carries what PersistentPreRunE resolves to the subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:           "rerollctl",
		Short:         "rerollctl drives a fleet of emulators through the reroll workflow.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logger.level")
	_ = a.v.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newDevicesCmd(a),
		newCodesCmd(a),
		newLogsCmd(a),
		newVersionCmd(),
	)
	return rootCmd, a
}

// setup reads the config file and environment, validates the result and
// starts logging.
func (a *app) setup() error {
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "rerollctl"})
		return err
	}
	a.cfg = cfg
	observability.InitializeLogger(cfg.Logger())
	a.logger = observability.GetLogger()
	a.logger.Debug("Configuration loaded.", zap.String("version", Version), zap.String("file", a.v.ConfigFileUsed()))
	return nil
}

// initializeConfig reads in the config file and REROLL_ environment
// variables. A missing default config file is not an error.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// Execute runs the command tree with ctx and reports a failure on stderr.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

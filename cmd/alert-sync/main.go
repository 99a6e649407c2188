package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alertsync/sophos-autotask/internal/config"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	c := &cobra.Command{
		Use:           "alert-sync",
		Short:         "Sync Sophos Central alerts into Autotask tickets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindRootFlags(c.PersistentFlags(), opts)

	c.AddCommand(
		newRunCommand(opts),
		newScheduleCommand(opts),
	)
	return c
}

func bindRootFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults to $ALERT_SYNC_CONFIG)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	fs.BoolVar(&opts.logJSON, "log-json", false, "Emit JSON logs")
}

// load reads configuration and builds the logger, letting flags win over the
// file and environment.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", o.configPath), slog.Any("error", err))
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSON = o.logJSON
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

package main

import (
	"github.com/spf13/cobra"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	appLog "cfevents/internal/log"
)

// cli holds the global flags and the configuration they resolve to.
type cli struct {
	configPath string
	envPath    string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "cfevents",
		Short: "Local events importer",
		Long: `cfevents pulls events from APIs, feeds, calendars, spreadsheets and web
pages, drops the ones already known, and keeps imported rows in sync with
their source.`,
		Version:           version,
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "/etc/cfevents/config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&c.envPath, "env", ".env", "dotenv file with source secrets")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, error (overrides config)")

	root.AddCommand(
		c.newImportCommand(),
		c.newUpdateCommand(),
		c.newServeCommand(),
		c.newSourcesCommand(),
		c.newInvalidateCommand(),
	)
	return root
}

// setup loads secrets and configuration before any command runs.
func (c *cli) setup(_ *cobra.Command, _ []string) error {
	if err := config.LoadEnv(c.envPath); err != nil {
		return apperrors.NewConfigError("env", "load "+c.envPath, err)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	appLog.Debug("effective config",
		"config_path", c.configPath,
		"timezone", cfg.Timezone,
		"database_driver", cfg.Database.Driver,
		"provenance_backend", cfg.Provenance.Backend,
		"dedup_window", cfg.Dedup.Window.String(),
		"sources", len(cfg.Sources),
	)
	c.cfg = cfg
	return nil
}

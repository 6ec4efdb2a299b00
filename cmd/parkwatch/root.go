package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parkwatch/internal/config"
	"parkwatch/internal/database"
	"parkwatch/internal/logging"
)

// app is the state shared by every subcommand once flags and config are read.
type app struct {
	v          *viper.Viper
	configPath string
	settings   *config.Settings
	logger     *logrus.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "parkwatch",
		Short:         "Parking lot occupancy, vehicle counting and space allocation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initialize()
		},
	}

	if err := setupFlags(rootCmd, a); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serveCommand(a),
		statsCommand(a),
		spacesCommand(a),
		allocationsCommand(a),
	)
	return rootCmd
}

// setupFlags defines the global flags and binds them to the viper keys they
// override.
func setupFlags(rootCmd *cobra.Command, a *app) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to parkwatch.yaml")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")
	flags.String("db", "parkwatch.db", "SQLite database path")

	for key, flag := range map[string]string{
		"log.level":     "log-level",
		"log.format":    "log-format",
		"database.path": "db",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

func (a *app) initialize() error {
	settings, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(settings.Log.Level, settings.Log.Format)
	if err != nil {
		return err
	}
	a.settings = settings
	a.logger = logger
	return nil
}

// openDatabase opens and migrates the configured database.
func (a *app) openDatabase() (*database.Database, error) {
	db, err := database.New(a.settings.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

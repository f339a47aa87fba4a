// Package cmd implements the topic-monitor command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const envPrefix = "TOPIC_MONITOR"

var rootCmd = &cobra.Command{
	Use:           "topic-monitor",
	Short:         "Monitor sources per topic, summarize new items and notify channels",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initViper)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default $CONFIG_PATH or ./config.yml)")
	flags.Bool("debug", false, "enable debug logging and gin debug mode")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(
		serveCommand(),
		workerCommand(),
		processCommand(),
		revertCommand(),
		cleanCommand(),
		tasksCommand(),
		migrateCommand(),
		initDBCommand(),
		versionCommand(),
	)
}

func initViper() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// loadConfig resolves the config path and applies the global flag
// overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = config.GetConfigPath(config.DefaultPath)
	}
	cfg, err := bootstrap.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("debug") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
		cfg.Server.Debug = true
	}
	if lvl := viper.GetString("log_level"); lvl != "" {
		if err = config.ValidateLogLevel(lvl); err != nil {
			return nil, err
		}
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// withApp loads configuration, builds the App and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx := logger.WithContext(cmd.Context(), log)
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Error("Startup failed", logger.Error(err))
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			log.Error("Shutdown cleanup failed", logger.Error(closeErr))
		}
	}()
	return fn(ctx, app)
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "topic-monitor %s\n", Version)
		},
	}
}

// Version is set at build time with -ldflags.
var Version = "dev"

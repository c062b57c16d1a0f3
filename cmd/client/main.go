package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
	"github.com/xynoxa/xynoxa-desktop/internal/version"
)

const envPrefix = "XYNOXA"

var consoleLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:     "xynoxa",
	Short:   "Xynoxa desktop sync client",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Xynoxa config file")
	rootCmd.PersistentFlags().String("server", "", "Xynoxa server url, overrides the config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for indexes and logs, overrides the config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Console log level (debug, info, warn, error)")
}

func main() {
	logFile := &lumberjack.Logger{
		Filename:   config.DefaultLogFilePath,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	defer logFile.Close()

	if err := utils.EnsureParent(config.DefaultLogFilePath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig binds flags, XYNOXA_* environment variables and a local .env
// file into viper and reads the config file.
func loadConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	flags := cmd.Flags()
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("server_url", flags.Lookup("server"))
	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log_level"))); err != nil {
		return fmt.Errorf("invalid log level %q", viper.GetString("log_level"))
	}
	consoleLevel.Set(level)

	viper.SetConfigFile(viper.GetString("config"))
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}
	return nil
}

// readConfig loads the config file and applies flag and environment
// overrides on top of it. Overrides are never written back unless a command
// saves the config explicitly.
func readConfig() (*config.Config, error) {
	path, err := utils.ResolvePath(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(viper.GetString("server_url")); v != "" {
		cfg.ServerURL = v
	}
	if v := strings.TrimSpace(viper.GetString("sync_path")); v != "" {
		cfg.SyncPath = v
	}
	if v := strings.TrimSpace(viper.GetString("data_dir")); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config '%s': %w", cfg.Path, err)
	}
	return cfg, nil
}

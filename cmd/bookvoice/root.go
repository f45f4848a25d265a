package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/bookvoice/internal/config"
	"github.com/example/bookvoice/internal/download"
	"github.com/example/bookvoice/internal/orchestrator"
	"github.com/example/bookvoice/internal/provision"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "bookvoice",
		Short: "Bookvoice command line",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newConvertCmd())
	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := parseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ResourcesDir == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// newOrchestrator builds the fully wired orchestrator for CLI commands.
func newOrchestrator(cfg config.Config) *orchestrator.Orchestrator {
	dl := download.New(
		download.WithIdleTimeout(time.Duration(cfg.Provision.DownloadIdleTimeout) * time.Second),
	)
	prov := provision.New(cfg.Paths.ResourcesDir, dl, slog.Default())
	prov.InstallerTimeout = time.Duration(cfg.Provision.InstallerTimeoutMin) * time.Minute
	prov.ToolchainTimeout = time.Duration(cfg.Provision.ToolchainTimeoutMin) * time.Minute
	prov.VerifyRetries = cfg.Provision.VerifyRetries
	prov.VerifyRetryDelay = time.Duration(cfg.Provision.VerifyRetryDelaySec) * time.Second
	return orchestrator.New(cfg, prov, slog.Default())
}

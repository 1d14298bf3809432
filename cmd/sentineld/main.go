// Command sentineld is the endpoint quarantine daemon's entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentinel/sentineld/internal/config"
	"github.com/sentinel/sentineld/internal/logging"
	"github.com/sentinel/sentineld/internal/orchestrator"
	"github.com/sentinel/sentineld/internal/systemd"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentineld",
		Short: "Endpoint quarantine daemon",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", resolveConfigPath(), "path to config YAML")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("sentineld", version)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var configOut, unitOut string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configOut, unitOut)
		},
	}
	cmd.Flags().StringVar(&configOut, "config-out", "/etc/sentineld/config.yaml", "where to write the default config")
	cmd.Flags().StringVar(&unitOut, "unit-out", "/etc/systemd/system/sentineld.service", "where to write the systemd unit")
	return cmd
}

// resolveConfigPath follows flag > env > default, matching the
// teacher's resolveConfig precedence.
func resolveConfigPath() string {
	if v := os.Getenv("SENTINEL_CONFIG"); v != "" {
		return v
	}
	return "/etc/sentineld/config.yaml"
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.LogEnv)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if warn := systemd.CheckUnitFileIntegrity(); warn != "" {
		log.Warn(warn)
	}

	daemon, err := orchestrator.New(cfg, log)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx)
}

func runInit(configOut, unitOut string) error {
	if err := os.MkdirAll(filepath.Dir(configOut), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(configOut, []byte(config.DefaultConfigYAML()), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Println("wrote", configOut)

	if err := os.MkdirAll(filepath.Dir(unitOut), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(unitOut, []byte(systemd.DaemonUnit()), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	fmt.Println("wrote", unitOut)

	if err := systemd.RecordUnitFileHash(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not record unit file hash:", err)
	}
	return nil
}

// Package cmd provides the CLI commands for the leanserve tool.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leanserve/leanserve/internal/config"
	"github.com/leanserve/leanserve/internal/logging"
	"github.com/leanserve/leanserve/internal/workspace"
)

// Version is the leanserve release version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "leanserve",
	Short:   "Supervised Lean REPL workspace",
	Version: Version,
	Long: `leanserve drives Lean REPL subprocesses under supervision.

It frames requests over the REPL's JSON wire protocol, restarts crashed or
memory-exhausted subprocesses automatically, keeps sessions (environments and
proof states) alive across restarts, and routes per-file work to dedicated
subprocesses with dependency-aware invalidation.`,
	SilenceUsage: true,
}

var (
	flagConfig   string
	flagWorkDir  string
	flagLogLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (TOML)")
	rootCmd.PersistentFlags().StringVarP(&flagWorkDir, "workdir", "C", "", "Lean project directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error")
}

// Execute runs the root command and returns the process exit code. SIGINT and
// SIGTERM cancel in-flight requests so subprocesses are torn down cleanly.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// loadConfig builds the effective configuration from file, environment, and
// flags, in that order.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagWorkDir != "" {
		cfg.WorkDir = flagWorkDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if cfg.WorkDir == "" {
		// No explicit directory: look for a Lean project above the cwd.
		root, err := workspace.FindFromCwd()
		if err != nil {
			return nil, err
		}
		cfg.WorkDir = root
	}
	if cfg.ReplPath == "" {
		return nil, fmt.Errorf("no REPL executable configured (set repl_path or LEANSERVE_REPL_PATH)")
	}
	return cfg, nil
}

// openWorkspace is the common preamble for commands that talk to the REPL.
func openWorkspace() (*workspace.Workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return workspace.Open(cfg, logging.New(os.Stderr, cfg.LogLevel))
}

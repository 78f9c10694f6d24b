package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leanserve/leanserve/internal/config"
	"github.com/leanserve/leanserve/internal/style"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the leanserve version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("leanserve %s\n", Version)

		// Best effort: show the project toolchain when a workspace is in
		// reach, without requiring full configuration.
		cfg := config.New()
		cfg.WorkDir = flagWorkDir
		if cfg.WorkDir == "" {
			cfg.WorkDir = "."
		}
		cfg.ResolveToolchain()
		if cfg.ToolchainVersion != "" {
			fmt.Println(style.Dim.Render("toolchain " + cfg.ToolchainVersion))
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

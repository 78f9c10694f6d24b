package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leanserve/leanserve/internal/style"
)

var depsCmd = &cobra.Command{
	Use:   "deps <unit>",
	Short: "List a unit's transitive dependencies",
	Long: `Deps prints every unit the given unit depends on, directly or transitively,
according to the workspace's import graph artifact. Without a graph artifact
there is no dependency information and the list is empty.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeps,
}

func init() {
	rootCmd.AddCommand(depsCmd)
}

func runDeps(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	units, err := ws.Dependencies(args[0])
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Println(style.Dim.Render("no dependency information"))
		return nil
	}
	for _, unit := range units {
		fmt.Println(unit)
	}
	return nil
}

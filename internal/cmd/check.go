package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/style"
	"github.com/leanserve/leanserve/internal/workspace"
)

var checkCmd = &cobra.Command{
	Use:   "check <unit>...",
	Short: "Elaborate units and report their diagnostics",
	Long: `Check elaborates each unit (a .lean file path relative to the workspace
root) on its dedicated subprocess and summarizes the diagnostics. Units that
changed since their last elaboration, and units depending on them, get a
fresh subprocess automatically.

The exit code is non-zero when any unit reports errors.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

var checkVerbose bool

func init() {
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "print every diagnostic, not just the summary")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	tbl := style.NewTable(
		style.Column{Name: "Unit", Width: 40},
		style.Column{Name: "Status", Width: 8},
		style.Column{Name: "Errors", Width: 6, Align: style.AlignRight},
	)

	failed := 0
	for _, unit := range args {
		resp, err := ws.Run(cmd.Context(), repl.UnitCommand{Path: unit}, workspace.RunOptions{Unit: unit})
		if err != nil {
			return fmt.Errorf("checking %s: %w", unit, err)
		}

		switch r := resp.(type) {
		case repl.StateResponse:
			errs := 0
			for _, m := range r.Messages {
				if m.Severity == "error" {
					errs++
				}
			}
			if checkVerbose {
				printMessages(r.Messages)
			}
			status := style.SuccessPrefix
			if errs > 0 {
				status = style.ErrorPrefix
				failed++
			}
			tbl.AddRow(unit, status, strconv.Itoa(errs))
		case repl.ErrorResponse:
			failed++
			tbl.AddRow(unit, style.ErrorPrefix, "-")
			if checkVerbose {
				fmt.Printf("%s %s: %s\n", style.ErrorPrefix, unit, r.Message)
			}
		}
	}

	fmt.Print(tbl.Render())
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed", failed, len(args))
	}
	return nil
}

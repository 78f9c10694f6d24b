package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/style"
	"github.com/leanserve/leanserve/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run [lean code]",
	Short: "Run a Lean command on a supervised REPL",
	Long: `Run elaborates the given Lean code (or stdin when no code is given) on a
supervised REPL subprocess and prints the resulting diagnostics.

With --env the code runs on top of an earlier environment: either a raw
subprocess id or a negative session handle printed by a previous --cache run.
With --cache the resulting environment is kept as a session that survives
subprocess restarts; its handle is printed with the result.`,
	RunE: runRun,
}

var (
	runUnit       string
	runEnv        int64
	runCache      bool
	runAllTactics bool
)

func init() {
	runCmd.Flags().StringVarP(&runUnit, "unit", "u", "", "bind the command to a unit's dedicated subprocess")
	runCmd.Flags().Int64VarP(&runEnv, "env", "e", 0, "parent environment id or session handle")
	runCmd.Flags().BoolVar(&runCache, "cache", false, "keep the resulting environment as a session")
	runCmd.Flags().BoolVar(&runAllTactics, "all-tactics", false, "report every tactic invocation")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code := strings.TrimSpace(strings.Join(args, " "))
	if code == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = strings.TrimSpace(string(data))
	}
	if code == "" {
		return fmt.Errorf("nothing to run: pass Lean code or pipe it on stdin")
	}

	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()

	req := repl.Command{Cmd: code, AllTactics: runAllTactics}
	if cmd.Flags().Changed("env") {
		req.Env = repl.ID(runEnv)
	}

	resp, err := ws.Run(cmd.Context(), req, workspace.RunOptions{Unit: runUnit, Cache: runCache})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// printResponse renders any response variant for the terminal. An
// ErrorResponse makes the command fail after printing.
func printResponse(resp repl.Response) error {
	switch r := resp.(type) {
	case repl.StateResponse:
		printMessages(r.Messages)
		for _, s := range r.Sorries {
			line := fmt.Sprintf("sorry at %d:%d: %s", s.Pos.Line, s.Pos.Column, s.Goal)
			fmt.Printf("%s %s\n", style.WarningPrefix, line)
		}
		fmt.Printf("%s %s\n", style.SuccessPrefix, style.Dim.Render(fmt.Sprintf("env %d", r.Env)))
		return nil
	case repl.ProofStepResponse:
		printMessages(r.Messages)
		for _, g := range r.Goals {
			fmt.Println(g)
		}
		status := r.Status
		if status == "" && r.Completed() {
			status = "Completed"
		}
		fmt.Printf("%s %s\n", style.SuccessPrefix,
			style.Dim.Render(fmt.Sprintf("proof state %d (%s)", r.ProofState, status)))
		return nil
	case repl.ErrorResponse:
		fmt.Printf("%s %s\n", style.ErrorPrefix, r.Message)
		return fmt.Errorf("repl error")
	}
	return fmt.Errorf("unrecognized response %T", resp)
}

func printMessages(msgs []repl.Message) {
	for _, m := range msgs {
		sev := style.Severity(m.Severity).Render(m.Severity)
		fmt.Printf("%s %d:%d %s\n", sev, m.Pos.Line, m.Pos.Column, m.Data)
	}
}

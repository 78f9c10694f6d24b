// Package testutil provides test doubles for the REPL subprocess.
//
// The fake REPL runs inside the test binary itself via the helper-process
// pattern: a test package declares
//
//	func TestHelperProcess(t *testing.T) { testutil.RunHelper() }
//
// and builds supervisor configs with HelperConfig, which re-executes the test
// binary with -test.run targeting that function. The fake speaks the real
// wire framing (JSON in, JSON + blank line out) so the whole codec and
// supervisor stack is exercised end to end without a Lean toolchain.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// helperEnv marks a process as the fake REPL helper.
const helperEnv = "LEANSERVE_FAKE_REPL"

// Env knobs understood by the fake REPL.
const (
	// EnvExitOnStart makes the helper exit immediately, before serving.
	EnvExitOnStart = "FAKE_REPL_EXIT_ON_START"

	// EnvStartupDelay delays serving by the given duration string.
	EnvStartupDelay = "FAKE_REPL_STARTUP_DELAY"
)

// RunHelper runs the fake REPL loop if the current process is the helper,
// and returns immediately otherwise. Call it from TestHelperProcess.
func RunHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	if os.Getenv(EnvExitOnStart) == "1" {
		os.Exit(3)
	}
	if v := os.Getenv(EnvStartupDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			time.Sleep(d)
		}
	}
	serve()
	os.Exit(0)
}

// HelperPath returns the executable path for the fake REPL: the test binary.
func HelperPath() string { return os.Args[0] }

// HelperArgs returns the arguments that re-enter the test binary as the
// fake REPL.
func HelperArgs() []string {
	return []string{"-test.run=TestHelperProcess", "--"}
}

// HelperEnv returns the environment marking the child as the fake REPL,
// plus any extra KEY=VALUE entries.
func HelperEnv(extra ...string) []string {
	return append([]string{helperEnv + "=1"}, extra...)
}

// serve implements the fake REPL: one JSON request per blank-line-terminated
// frame, one JSON response per frame. State ids are assigned from
// per-process counters, like the real REPL.
func serve() {
	in := bufio.NewReader(os.Stdin)
	out := bufio.NewWriter(os.Stdout)

	var envCounter, proofCounter int64

	for {
		req, err := readRequest(in)
		if err != nil {
			return
		}

		resp := handle(req, &envCounter, &proofCounter)
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		out.Write(data)
		out.WriteString("\r\n\r\n")
		out.Flush()
	}
}

func readRequest(in *bufio.Reader) (map[string]any, error) {
	var body strings.Builder
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\n" || line == "\r\n" {
			if body.Len() > 0 {
				break
			}
			continue
		}
		body.WriteString(line)
	}

	var req map[string]any
	if err := json.Unmarshal([]byte(body.String()), &req); err != nil {
		return nil, err
	}
	return req, nil
}

func handle(req map[string]any, envCounter, proofCounter *int64) map[string]any {
	if cmd, ok := req["cmd"].(string); ok {
		return handleCommand(cmd, req, envCounter, proofCounter)
	}
	if _, ok := req["path"]; ok {
		return stateResponse(next(envCounter))
	}
	if tactic, ok := req["tactic"].(string); ok {
		if id, bad := negativeID(req, "proofState"); bad {
			return errorResponse(fmt.Sprintf("unknown proof state %d", id))
		}
		return proofResponse(tactic, next(proofCounter))
	}
	if to, ok := req["pickleTo"].(string); ok {
		return handlePickle(to, req)
	}
	if from, ok := req["unpickleEnvFrom"].(string); ok {
		if _, err := os.Stat(from); err != nil {
			return errorResponse("cannot unpickle: " + err.Error())
		}
		return stateResponse(next(envCounter))
	}
	if from, ok := req["unpickleProofStateFrom"].(string); ok {
		if _, err := os.Stat(from); err != nil {
			return errorResponse("cannot unpickle: " + err.Error())
		}
		return map[string]any{"proofState": next(proofCounter), "goals": []string{"⊢ True"}}
	}
	return errorResponse("unrecognized request")
}

// Command strings with special behavior, for driving failure paths.
const (
	// CmdCrash makes the fake REPL exit mid-request.
	CmdCrash = "#crash"

	// CmdSleepPrefix delays the response: "#sleep 200ms".
	CmdSleepPrefix = "#sleep "

	// CmdErrorPrefix yields an ErrorResponse with the rest as message.
	CmdErrorPrefix = "#error "
)

func handleCommand(cmd string, req map[string]any, envCounter, proofCounter *int64) map[string]any {
	switch {
	case cmd == CmdCrash:
		os.Exit(4)
	case strings.HasPrefix(cmd, CmdSleepPrefix):
		if d, err := time.ParseDuration(strings.TrimPrefix(cmd, CmdSleepPrefix)); err == nil {
			time.Sleep(d)
		}
	case strings.HasPrefix(cmd, CmdErrorPrefix):
		return errorResponse(strings.TrimPrefix(cmd, CmdErrorPrefix))
	}

	if id, bad := negativeID(req, "env"); bad {
		return errorResponse(fmt.Sprintf("unknown environment %d", id))
	}

	resp := stateResponse(next(envCounter))
	if strings.Contains(cmd, "sorry") {
		resp["sorries"] = []map[string]any{{
			"pos":        map[string]int{"line": 1, "column": 0},
			"goal":       "⊢ False",
			"proofState": next(proofCounter),
		}}
	}
	return resp
}

func handlePickle(to string, req map[string]any) map[string]any {
	artifact, err := json.Marshal(req)
	if err != nil {
		return errorResponse(err.Error())
	}
	if err := os.WriteFile(to, artifact, 0644); err != nil {
		return errorResponse("cannot pickle: " + err.Error())
	}
	if ps, ok := req["proofState"]; ok {
		return map[string]any{"proofState": ps, "goals": []string{"⊢ True"}}
	}
	return map[string]any{"env": req["env"]}
}

// negativeID reports whether req carries a negative id in the given field.
// The real REPL only knows non-negative ids, so a negative one leaking
// through the resolution layer is a contract violation worth surfacing.
func negativeID(req map[string]any, field string) (int64, bool) {
	v, ok := req[field]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f < 0 {
		return int64(f), true
	}
	return 0, false
}

func next(counter *int64) int64 {
	v := *counter
	*counter++
	return v
}

func stateResponse(env int64) map[string]any {
	return map[string]any{"env": env, "messages": []any{}}
}

func proofResponse(tactic string, id int64) map[string]any {
	if strings.TrimSpace(tactic) == "rfl" {
		return map[string]any{"proofState": id, "goals": []string{}, "proofStatus": "Completed"}
	}
	return map[string]any{"proofState": id, "goals": []string{"⊢ True"}, "proofStatus": "Incomplete"}
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"message": msg}
}

// Package repl defines the typed request and response surface of the Lean
// REPL wire protocol, plus the line-delimited JSON codec used to frame it.
//
// The REPL speaks a flat keyed JSON dialect: one request object per frame,
// terminated by a blank line, answered by one response object terminated the
// same way. Requests and responses form closed sums; code that dispatches on
// them switches over the concrete types.
package repl

// Request is a REPL request variant. The set of implementations is closed:
// Command, UnitCommand, ProofStep, SerializeEnv, SerializeProof,
// DeserializeEnv, and DeserializeProof.
//
// Requests are immutable once issued. Anything that needs to rewrite a
// request (id substitution, replay) must operate on a Clone.
type Request interface {
	isRequest()

	// Clone returns a deep copy of the request that is safe to mutate
	// without affecting the original.
	Clone() Request
}

// Command runs a snippet of Lean code, optionally on top of an existing
// environment.
type Command struct {
	// Cmd is the Lean source text to elaborate.
	Cmd string `json:"cmd"`

	// Env is the parent environment id, if any. May hold a negative
	// session handle until resolved against a concrete supervisor.
	Env *int64 `json:"env,omitempty"`

	// AllTactics asks the REPL to report every tactic invocation.
	AllTactics bool `json:"allTactics,omitempty"`

	// InfoTree selects the info tree detail level ("full", "tactics", ...).
	InfoTree string `json:"infotree,omitempty"`
}

func (Command) isRequest() {}

// Clone implements Request.
func (r Command) Clone() Request {
	c := r
	c.Env = cloneID(r.Env)
	return c
}

// UnitCommand elaborates a whole unit (a Lean file) instead of inline text.
type UnitCommand struct {
	// Path is the unit's file path, relative to the workspace root.
	Path string `json:"path"`

	// AllTactics asks the REPL to report every tactic invocation.
	AllTactics bool `json:"allTactics,omitempty"`
}

func (UnitCommand) isRequest() {}

// Clone implements Request.
func (r UnitCommand) Clone() Request { return r }

// ProofStep applies a tactic to an open proof state.
type ProofStep struct {
	// Tactic is the tactic text to run.
	Tactic string `json:"tactic"`

	// ProofState is the parent proof state id. May hold a negative
	// session handle until resolved.
	ProofState int64 `json:"proofState"`
}

func (ProofStep) isRequest() {}

// Clone implements Request.
func (r ProofStep) Clone() Request { return r }

// SerializeEnv asks the REPL to pickle an environment to a file.
type SerializeEnv struct {
	Env int64 `json:"env"`

	// To is the artifact path the REPL writes.
	To string `json:"pickleTo"`
}

func (SerializeEnv) isRequest() {}

// Clone implements Request.
func (r SerializeEnv) Clone() Request { return r }

// SerializeProof asks the REPL to pickle a proof state to a file.
type SerializeProof struct {
	ProofState int64 `json:"proofState"`

	// To is the artifact path the REPL writes.
	To string `json:"pickleTo"`
}

func (SerializeProof) isRequest() {}

// Clone implements Request.
func (r SerializeProof) Clone() Request { return r }

// DeserializeEnv reloads a previously pickled environment.
type DeserializeEnv struct {
	From string `json:"unpickleEnvFrom"`
}

func (DeserializeEnv) isRequest() {}

// Clone implements Request.
func (r DeserializeEnv) Clone() Request { return r }

// DeserializeProof reloads a previously pickled proof state, optionally
// rebasing it on an environment.
type DeserializeProof struct {
	From string `json:"unpickleProofStateFrom"`
	Env  *int64 `json:"env,omitempty"`
}

func (DeserializeProof) isRequest() {}

// Clone implements Request.
func (r DeserializeProof) Clone() Request {
	c := r
	c.Env = cloneID(r.Env)
	return c
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// ID returns a pointer to v, for building requests with optional id fields.
func ID(v int64) *int64 { return &v }

// EnvRef reports the environment id referenced by req, if it carries one.
func EnvRef(req Request) (int64, bool) {
	switch r := req.(type) {
	case Command:
		if r.Env != nil {
			return *r.Env, true
		}
	case DeserializeProof:
		if r.Env != nil {
			return *r.Env, true
		}
	case SerializeEnv:
		return r.Env, true
	case UnitCommand, ProofStep, SerializeProof, DeserializeEnv:
	}
	return 0, false
}

// ProofRef reports the proof state id referenced by req, if it carries one.
func ProofRef(req Request) (int64, bool) {
	switch r := req.(type) {
	case ProofStep:
		return r.ProofState, true
	case SerializeProof:
		return r.ProofState, true
	case Command, UnitCommand, SerializeEnv, DeserializeEnv, DeserializeProof:
	}
	return 0, false
}

// WithEnv returns a copy of req with its environment reference replaced.
// Requests without an environment field are returned unchanged.
func WithEnv(req Request, id int64) Request {
	switch r := req.(type) {
	case Command:
		c := r.Clone().(Command)
		c.Env = &id
		return c
	case DeserializeProof:
		c := r.Clone().(DeserializeProof)
		c.Env = &id
		return c
	case SerializeEnv:
		c := r
		c.Env = id
		return c
	}
	return req
}

// WithProof returns a copy of req with its proof state reference replaced.
// Requests without a proof state field are returned unchanged.
func WithProof(req Request, id int64) Request {
	switch r := req.(type) {
	case ProofStep:
		c := r
		c.ProofState = id
		return c
	case SerializeProof:
		c := r
		c.ProofState = id
		return c
	}
	return req
}

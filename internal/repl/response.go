package repl

// Response is a REPL response variant: StateResponse, ProofStepResponse, or
// ErrorResponse. Exactly one variant is produced per request.
type Response interface {
	isResponse()
}

// Pos is a source position reported by the REPL.
type Pos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Message is a diagnostic attached to a response.
type Message struct {
	Severity string `json:"severity"`
	Pos      Pos    `json:"pos"`
	EndPos   *Pos   `json:"endPos,omitempty"`
	Data     string `json:"data"`
}

// Sorry describes an open goal left by a sorry placeholder, together with the
// proof state the REPL opened for it.
type Sorry struct {
	Pos        Pos    `json:"pos"`
	EndPos     *Pos   `json:"endPos,omitempty"`
	Goal       string `json:"goal"`
	ProofState *int64 `json:"proofState,omitempty"`
}

// StateResponse is the successful answer to a command-like request. It
// carries the new environment id and any diagnostics.
type StateResponse struct {
	Env      int64     `json:"env"`
	Messages []Message `json:"messages,omitempty"`
	Sorries  []Sorry   `json:"sorries,omitempty"`
}

func (StateResponse) isResponse() {}

// HasErrors reports whether any diagnostic has error severity.
func (r StateResponse) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Severity == "error" {
			return true
		}
	}
	return false
}

// ProofStepResponse is the successful answer to a proof-step-like request.
type ProofStepResponse struct {
	ProofState int64     `json:"proofState"`
	Goals      []string  `json:"goals"`
	Messages   []Message `json:"messages,omitempty"`
	Status     string    `json:"proofStatus,omitempty"`
}

func (ProofStepResponse) isResponse() {}

// Completed reports whether the proof is finished.
func (r ProofStepResponse) Completed() bool {
	return r.Status == "Completed" || (r.Status == "" && len(r.Goals) == 0)
}

// ErrorResponse is a well-formed but semantically negative answer from the
// REPL. It is a normal value, not a Go error.
type ErrorResponse struct {
	Message string `json:"message"`
}

func (ErrorResponse) isResponse() {}

// StateID reports the subprocess-local state id carried by resp, and whether
// it denotes a proof state (true) or an environment (false). ErrorResponse
// carries no id.
func StateID(resp Response) (id int64, proof bool, ok bool) {
	switch r := resp.(type) {
	case StateResponse:
		return r.Env, false, true
	case ProofStepResponse:
		return r.ProofState, true, true
	case ErrorResponse:
	}
	return 0, false, false
}

// WithStateID returns a copy of resp with its state id replaced. Used when a
// cached response is handed back to a caller under a session handle instead
// of the raw subprocess-local id. ErrorResponse is returned unchanged.
func WithStateID(resp Response, id int64) Response {
	switch r := resp.(type) {
	case StateResponse:
		r.Env = id
		return r
	case ProofStepResponse:
		r.ProofState = id
		return r
	}
	return resp
}

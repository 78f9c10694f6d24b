package repl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Terminator ends every request frame written to the REPL. The REPL answers
// with a response block ended the same way.
const Terminator = "\n\n"

// EncodeRequest serializes req to its wire form, including the frame
// terminator. Optional fields that are unset are omitted entirely rather
// than sent as null.
func EncodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("encoding request: nil request")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return append(data, Terminator...), nil
}

// ReadFrame reads one response block from r: everything up to the first
// blank line after the block's content. Leading blank lines are skipped.
// The REPL emits CRLF line endings; callers get the raw bytes and
// DecodeResponse normalizes them.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if isBlankLine(line) {
				if buf.Len() > 0 {
					return buf.Bytes(), nil
				}
				// Blank noise before the block; keep scanning.
			} else {
				buf.WriteString(line)
			}
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				// Process died after emitting a complete body but
				// before the terminator. Let the caller decode what
				// arrived; a truncated body fails decode anyway.
				return buf.Bytes(), io.EOF
			}
			return nil, err
		}
	}
}

func isBlankLine(line string) bool {
	return line == "\n" || line == "\r\n"
}

// DecodeResponse parses a raw response block into the typed variant matching
// the request that produced it. Command-like requests yield StateResponse,
// proof-step-like requests yield ProofStepResponse, and a body whose only
// field is "message" (or an empty body) yields ErrorResponse regardless of
// the request kind.
func DecodeResponse(raw []byte, req Request) (Response, error) {
	body := cleanOutput(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("decoding response: no JSON object in output %q", truncate(raw))
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decoding response %q: %w", truncate(body), err)
	}

	if len(probe) == 0 {
		return ErrorResponse{}, nil
	}
	if _, ok := probe["message"]; ok && len(probe) == 1 {
		var resp ErrorResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding error response: %w", err)
		}
		return resp, nil
	}

	if producesProofState(req) {
		var resp ProofStepResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding proof step response: %w", err)
		}
		return resp, nil
	}
	var resp StateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding state response: %w", err)
	}
	return resp, nil
}

// producesProofState reports whether req is answered with a
// ProofStepResponse rather than a StateResponse.
func producesProofState(req Request) bool {
	switch req.(type) {
	case ProofStep, SerializeProof, DeserializeProof:
		return true
	case Command, UnitCommand, SerializeEnv, DeserializeEnv:
		return false
	}
	return false
}

// cleanOutput normalizes line endings and strips any shell or REPL noise
// preceding the first JSON object.
func cleanOutput(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if i := bytes.Index(out, []byte(`{"`)); i >= 0 {
		return out[i:]
	}
	if bytes.Contains(out, []byte("{}")) {
		return []byte("{}")
	}
	return nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

package supervisor

// State describes where a Supervisor is in its lifecycle.
//
// Transitions:
//
//	Stopped → Starting → Ready ⇄ Busy
//	Busy → Restarting → Ready      (crash or memory recovery)
//	Ready|Busy → Stopped           (subprocess lost: timeout kill, crash)
//	any → Dead                     (explicit Kill or exhausted restarts)
//
// Dead is terminal: a dead Supervisor never serves again and a new one must
// be constructed.
type State int32

const (
	// StateStopped means no subprocess is running, but Start or Restart
	// can bring one up.
	StateStopped State = iota

	// StateStarting means the subprocess is being spawned.
	StateStarting

	// StateReady means the subprocess is up and idle.
	StateReady

	// StateBusy means a request is in flight.
	StateBusy

	// StateRestarting means the subprocess is being killed and respawned.
	StateRestarting

	// StateDead is terminal: explicit kill or exhausted restart attempts.
	StateDead
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateRestarting:
		return "restarting"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

package plugin

// InstanceState is a node of the instance lifecycle state machine.
type InstanceState int

const (
	StateCreated  InstanceState = iota // record exists, never started
	StateStarting                      // spawn in flight
	StateRunning                       // backend handle held
	StatePaused                        // handle held, work suspended
	StateStopping                      // release in flight
	StateStopped                       // handle released
	StateError                         // start or execution failed
	StateCrashed                       // unexpected exit while running
)

// String returns a human-readable state name.
func (s InstanceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s InstanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanStart reports whether Start is valid from s.
func (s InstanceState) CanStart() bool {
	return s == StateCreated || s.CanRestart()
}

// CanStop reports whether Stop is valid from s.
func (s InstanceState) CanStop() bool {
	return s == StateRunning || s == StatePaused
}

// CanRestart is true for Stopped, Error and Crashed. It is false while running
// or mid-transition.
func (s InstanceState) CanRestart() bool {
	return s == StateStopped || s == StateError || s == StateCrashed
}

// IsTransient returns true while a transition is in flight.
func (s InstanceState) IsTransient() bool {
	return s == StateStarting || s == StateStopping
}

// IsTerminal returns true once the handle is released by a stop.
func (s InstanceState) IsTerminal() bool {
	return s == StateStopped
}

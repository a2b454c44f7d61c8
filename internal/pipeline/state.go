package pipeline

// State is the pipeline lifecycle position. Transitions only move
// forward: Created -> Running -> Draining -> Stopped.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String implements fmt.Stringer for stats and logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

package reactor

// State is the lifecycle of a Reactor. It only moves forward:
// Running -> ShuttingDown -> Stopped.
type State int32

const (
	Running State = iota
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// State returns the current lifecycle state. Safe from any goroutine.
func (r *Reactor) State() State { return State(r.state.Load()) }

func (r *Reactor) advance(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

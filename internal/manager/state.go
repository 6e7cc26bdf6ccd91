package manager

// State is the supervisor lifecycle state.
//
//	stopped -> starting -> running -> stopping -> stopped
//	running -> (unrequested exit) -> stopped -> starting ...   (restart)
//	running -> (unrequested exit, budget exhausted) -> gave_up
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateGaveUp
)

var allStates = []string{"stopped", "starting", "running", "stopping", "gave_up"}

func (s State) String() string {
	if s >= 0 && int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}

package task

import "fmt"

// State tracks a task's flow-control status between the retry buffer and
// the host worker's fetch pausing.
type State int

const (
	// Running accepts fresh records.
	Running State = iota
	// BufferFull means the retry buffer is at capacity; the host should
	// pause fetching for the task's partitions.
	BufferFull
	// Paused acknowledges the host stopped fetching. Buffered records
	// keep being retried via Process(nil).
	Paused
	// Resumed means the buffer drained below capacity; the host should
	// resume fetching, after which the task returns to Running.
	Resumed
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case BufferFull:
		return "BUFFER_FULL"
	case Paused:
		return "PAUSED"
	case Resumed:
		return "RESUMED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type stateEvent int

const (
	eventBufferFilled stateEvent = iota
	eventFetchPaused
	eventBufferDrained
	eventFetchResumed
	eventBufferCleared
)

// transition is the pure flow-control state machine. Events that do not
// apply to the current state leave it unchanged.
func transition(s State, ev stateEvent) State {
	switch ev {
	case eventBufferFilled:
		return BufferFull
	case eventFetchPaused:
		if s == BufferFull {
			return Paused
		}
	case eventBufferDrained:
		if s == BufferFull || s == Paused {
			return Resumed
		}
	case eventFetchResumed:
		if s == Resumed {
			return Running
		}
	case eventBufferCleared:
		return Running
	}
	return s
}

package experiment

// Event is a lifecycle transition request.
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventStop   Event = "stop"
	EventCancel Event = "cancel"

	// Pseudo-events used only in rejection errors; neither appears in
	// the transition table.
	EventEdit    Event = "edit"
	EventArchive Event = "archive"
)

// transitions is the full legal transition table. Anything absent here
// is rejected with InvalidStateError.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventStart:  StateRunning,
		EventCancel: StateCancelled,
	},
	StateRunning: {
		EventPause:  StatePaused,
		EventStop:   StateCompleted,
		EventCancel: StateCancelled,
	},
	StatePaused: {
		EventResume: StateRunning,
		EventStop:   StateCompleted,
		EventCancel: StateCancelled,
	},
}

// NextState resolves an event against the transition table. On an illegal
// event the current state is returned unchanged alongside the error.
func NextState(id string, from State, ev Event) (State, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, &InvalidStateError{ExperimentID: id, From: from, Event: ev}
}

// CanTransition reports whether ev is legal from the given state.
func CanTransition(from State, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

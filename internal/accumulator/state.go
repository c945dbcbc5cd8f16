package accumulator

import "fmt"

// FileState is one stage of the sequential per-file ingest state machine.
type FileState int

const (
	StateNew FileState = iota
	StateParsing
	StateAccumulating
	StateDumpingLocations
	StateDumpingMeasurements
	StateFinalized
	StateQuarantined
)

func (s FileState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateParsing:
		return "PARSING"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateDumpingLocations:
		return "DUMPING_LOCATIONS"
	case StateDumpingMeasurements:
		return "DUMPING_MEASUREMENTS"
	case StateFinalized:
		return "FINALIZED"
	case StateQuarantined:
		return "QUARANTINED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates the only state jumps the per-file machine
// permits. Any failure transition goes to StateQuarantined instead of
// continuing the happy path; StateFinalized and StateQuarantined are
// terminal.
var validTransitions = map[FileState][]FileState{
	StateNew:     {StateParsing, StateQuarantined},
	StateParsing: {StateAccumulating, StateQuarantined},
	// Realtime/pipeline streams dump measurements directly from here,
	// skipping StateDumpingLocations; only the metadata stream passes
	// through it first.
	StateAccumulating:        {StateDumpingLocations, StateDumpingMeasurements, StateQuarantined},
	StateDumpingLocations:    {StateDumpingMeasurements, StateQuarantined},
	StateDumpingMeasurements: {StateFinalized, StateQuarantined},
	StateFinalized:           {},
	StateQuarantined:         {},
}

// FileMachine tracks the current state of one file's ingest and rejects
// invalid transitions, so a bug can never leave a file simultaneously
// FINALIZED and quarantined.
type FileMachine struct {
	current FileState
}

// NewFileMachine returns a machine starting at StateNew.
func NewFileMachine() *FileMachine {
	return &FileMachine{current: StateNew}
}

// Current returns the machine's current state.
func (m *FileMachine) Current() FileState { return m.current }

// Transition moves the machine to next, returning an error if the jump
// isn't one of the states permitted from the current one.
func (m *FileMachine) Transition(next FileState) error {
	for _, allowed := range validTransitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("invalid file state transition: %s -> %s", m.current, next)
}

// Quarantine is a convenience that transitions to StateQuarantined from any
// non-terminal state.
func (m *FileMachine) Quarantine() error {
	if m.current == StateFinalized || m.current == StateQuarantined {
		return fmt.Errorf("cannot quarantine a file already in terminal state %s", m.current)
	}
	m.current = StateQuarantined
	return nil
}

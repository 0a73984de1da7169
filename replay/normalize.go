package replay

import (
	"fmt"
	"sort"
)

// normalizeTape checks the header and returns a copy with steps in turn order.
func normalizeTape(tape Tape) (Tape, error) {
	if tape.TapeVersion == 0 {
		tape.TapeVersion = TapeVersion
	}
	if tape.TapeVersion != TapeVersion {
		return tape, &ReplayError{
			StepIndex: -1,
			Reason:    "unsupported_version",
			Message:   fmt.Sprintf("tape version %d, want %d", tape.TapeVersion, TapeVersion),
		}
	}
	if err := tape.Initial.Validate(); err != nil {
		return tape, &ReplayError{StepIndex: -1, Reason: "invalid_initial_world", Message: err.Error()}
	}

	steps := append([]Step(nil), tape.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Turn < steps[j].Turn })
	for i := 1; i < len(steps); i++ {
		if steps[i].Turn == steps[i-1].Turn {
			return tape, &ReplayError{
				StepIndex: int32(i),
				Reason:    "duplicate_turn",
				Message:   fmt.Sprintf("turn %d recorded twice", steps[i].Turn),
			}
		}
	}
	tape.Steps = steps
	return tape, nil
}

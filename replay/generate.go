package replay

import (
	"fmt"

	"bazaar-lite/bazaar"
)

// Verify re-applies every executed step of the tape through a fresh mutator
// and checks each recorded digest. The first divergence is returned as a
// *ReplayError naming its step.
func Verify(tape Tape) (Report, error) {
	tape, err := normalizeTape(tape)
	if err != nil {
		return Report{}, err
	}

	w := tape.Initial.Clone()
	if tape.InitialDigest != "" {
		if got := bazaar.Digest(w); got != tape.InitialDigest {
			return Report{}, &ReplayError{
				StepIndex: -1,
				Reason:    "initial_digest_mismatch",
				Message:   "initial world does not match its digest",
				Expected:  tape.InitialDigest,
				Actual:    got,
			}
		}
	}

	m := bazaar.NewMutator()
	report := Report{SessionID: tape.SessionID, Steps: len(tape.Steps)}
	for i, step := range tape.Steps {
		if step.Executed {
			w, _ = m.Apply(step.Intent, w)
			report.Executed++
		}
		if err := w.Validate(); err != nil {
			return Report{}, &ReplayError{StepIndex: int32(i), Reason: "invariant_violated", Message: err.Error()}
		}
		if step.Digest == "" {
			continue
		}
		if got := bazaar.Digest(w); got != step.Digest {
			return Report{}, &ReplayError{
				StepIndex: int32(i),
				Reason:    "digest_mismatch",
				Message:   fmt.Sprintf("turn %d (%s) diverged", step.Turn, step.Intent.Kind),
				Expected:  step.Digest,
				Actual:    got,
			}
		}
	}
	report.Final = w
	report.FinalDigest = bazaar.Digest(w)
	return report, nil
}

// Record builds a tape by running intents through the mutator, stamping the
// digest after each one. It is how tests and tools produce reference tapes.
func Record(sessionID string, initial bazaar.World, intents []bazaar.Intent) Tape {
	tape := Tape{
		TapeVersion:   TapeVersion,
		SessionID:     sessionID,
		Initial:       initial.Clone(),
		InitialDigest: bazaar.Digest(initial),
	}
	m := bazaar.NewMutator()
	w := initial.Clone()
	for i, in := range intents {
		w, _ = m.Apply(in, w)
		tape.Steps = append(tape.Steps, Step{
			Turn:      i + 1,
			Utterance: in.Transcript,
			Intent:    in,
			Executed:  true,
			Digest:    bazaar.Digest(w),
		})
	}
	return tape
}

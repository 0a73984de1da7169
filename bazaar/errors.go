package bazaar

import "errors"

var ErrNoNPC = errors.New("world has no npc")

// InvariantError reports a World that broke one of the model invariants.
type InvariantError string

func (e InvariantError) Error() string { return "invariant violated: " + string(e) }

func errInvariant(msg string) error { return InvariantError(msg) }

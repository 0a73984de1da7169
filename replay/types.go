package replay

import "bazaar-lite/bazaar"

const TapeVersion = 1

// Tape is the recorded history of one session: where it started and every
// intent the pipeline settled on, with the state digest after each turn.
type Tape struct {
	TapeVersion   int          `json:"tape_version"`
	SessionID     string       `json:"session_id"`
	Initial       bazaar.World `json:"initial"`
	InitialDigest string       `json:"initial_digest,omitempty"`
	Steps         []Step       `json:"steps"`
}

// Step is one committed turn.
type Step struct {
	Turn      int           `json:"turn"`
	Utterance string        `json:"utterance,omitempty"`
	Intent    bazaar.Intent `json:"intent"`
	Executed  bool          `json:"executed"`
	Digest    string        `json:"digest,omitempty"`
}

// Report summarizes a successful replay.
type Report struct {
	SessionID   string       `json:"session_id"`
	Steps       int          `json:"steps"`
	Executed    int          `json:"executed"`
	FinalDigest string       `json:"final_digest"`
	Final       bazaar.World `json:"-"`
}

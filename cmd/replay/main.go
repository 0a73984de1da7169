// Command replay re-applies a recorded turn tape and checks every state
// digest. Tapes come from GET /api/ledger/{id}/tape and may be zstd
// compressed (.zst).
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"bazaar-lite/replay"
)

type verifyResponse struct {
	OK     bool                `json:"ok"`
	Report *replay.Report      `json:"report,omitempty"`
	Error  *replay.ReplayError `json:"error,omitempty"`
}

func main() {
	var (
		tapePath = flag.String("tape", "", "path to a tape file (.json or .json.zst)")
		outPath  = flag.String("out", "", "rewrite the tape to this path (.zst compresses, optional)")
		dump     = flag.Bool("dump", false, "print the decoded tape before verifying")
	)
	flag.Parse()

	if *tapePath == "" {
		fmt.Fprintln(os.Stderr, "missing -tape")
		os.Exit(2)
	}

	tape, err := replay.ReadTape(*tapePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read tape:", err)
		os.Exit(1)
	}
	if *dump {
		if err := replay.CopyTape(os.Stdout, tape); err != nil {
			fmt.Fprintln(os.Stderr, "dump tape:", err)
			os.Exit(1)
		}
	}

	resp := verify(tape)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintln(os.Stderr, "write report:", err)
		os.Exit(1)
	}
	if !resp.OK {
		os.Exit(1)
	}

	if *outPath != "" {
		if err := replay.WriteTape(*outPath, tape); err != nil {
			fmt.Fprintln(os.Stderr, "write tape:", err)
			os.Exit(1)
		}
	}
}

func verify(tape replay.Tape) verifyResponse {
	report, err := replay.Verify(tape)
	if err != nil {
		var replayErr *replay.ReplayError
		if errors.As(err, &replayErr) {
			return verifyResponse{OK: false, Error: replayErr}
		}
		return verifyResponse{
			OK:    false,
			Error: &replay.ReplayError{StepIndex: -1, Reason: "internal_error", Message: err.Error()},
		}
	}
	return verifyResponse{OK: true, Report: &report}
}

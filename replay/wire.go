package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header every zstd stream starts with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// EncodeTape serializes a tape as JSON, zstd-compressed when compress is set.
func EncodeTape(tape Tape, compress bool) ([]byte, error) {
	raw, err := json.Marshal(tape)
	if err != nil {
		return nil, fmt.Errorf("marshal tape: %w", err)
	}
	if !compress {
		return raw, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodeTape accepts plain JSON or a zstd-compressed JSON tape.
func DecodeTape(data []byte) (Tape, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return Tape{}, err
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return Tape{}, fmt.Errorf("decompress tape: %w", err)
		}
	}
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return Tape{}, &ReplayError{StepIndex: -1, Reason: "invalid_json", Message: err.Error()}
	}
	return tape, nil
}

// ReadTape loads a tape from a file.
func ReadTape(path string) (Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tape{}, fmt.Errorf("read tape: %w", err)
	}
	return DecodeTape(data)
}

// WriteTape stores a tape; paths ending in .zst are compressed.
func WriteTape(path string, tape Tape) error {
	data, err := EncodeTape(tape, strings.HasSuffix(path, ".zst"))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CopyTape streams a decoded tape to w as indented JSON.
func CopyTape(w io.Writer, tape Tape) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tape)
}

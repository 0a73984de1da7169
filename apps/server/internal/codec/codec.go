// Package codec defines the real-time channel messages and their two wire
// encodings: JSON text frames and protobuf (google.protobuf.Struct) binary
// frames.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bazaar-lite/bazaar"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// Server message types.
const (
	TypeTranscript = "transcript"
	TypeReasoning  = "reasoning"
	TypeTurnResult = "turn_result"
	TypeWorldState = "world_state"
	TypeNPCAudio   = "npc_audio"
	TypePong       = "pong"
	TypeError      = "error"
)

// Client message types.
const (
	TypePing       = "ping"
	TypeAudioChunk = "audio_chunk"
)

var ErrUnknownFormat = errors.New("unknown wire format")

// Envelope wraps every server message.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
	Payload   any    `json:"payload,omitempty"`
}

type TranscriptPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type ReasoningPayload struct {
	Turn    int            `json:"turn"`
	Stage   string         `json:"stage"`
	Agent   string         `json:"agent"`
	Attempt int            `json:"attempt"`
	Details map[string]any `json:"details,omitempty"`
}

type TurnResultPayload struct {
	Turn     int           `json:"turn"`
	Intent   bazaar.Intent `json:"intent"`
	Valid    bool          `json:"valid"`
	Executed bool          `json:"executed"`
	Retries  int           `json:"retries"`
	Feedback []string      `json:"feedback"`
	Diff     *bazaar.Diff  `json:"diff,omitempty"`
}

type WorldStatePayload struct {
	World bazaar.World `json:"world"`
}

type NPCAudioPayload struct {
	NPCID    string `json:"npc_id"`
	NPCName  string `json:"npc_name"`
	Dialogue string `json:"dialogue"`
	Mood     string `json:"mood"`
	MIMEType string `json:"mime_type"`
	AudioB64 string `json:"audio_b64"`
}

type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ClientMessage is the flat form every client message takes.
type ClientMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	IsFinal   *bool  `json:"is_final,omitempty"`
	Data      string `json:"data,omitempty"`
	EndOfTurn bool   `json:"end_of_turn,omitempty"`
}

// Final reports whether a transcript is complete. Missing means final.
func (m ClientMessage) Final() bool {
	return m.IsFinal == nil || *m.IsFinal
}

func ParseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatProto, "protobuf":
		return FormatProto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Encode serializes env in the given format.
func Encode(env Envelope, format string) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	switch format {
	case FormatJSON:
		return raw, nil
	case FormatProto:
		st, err := jsonToStruct(raw)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(st)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// DecodeEnvelope is the inverse of Encode; the payload comes back as a
// generic map.
func DecodeEnvelope(data []byte, format string) (Envelope, error) {
	raw, err := toJSON(data, format)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodeClient parses one client frame.
func DecodeClient(data []byte, format string) (ClientMessage, error) {
	raw, err := toJSON(data, format)
	if err != nil {
		return ClientMessage{}, err
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("unmarshal client message: %w", err)
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("missing message type")
	}
	return msg, nil
}

// EncodeClient is used by tests and tools that play the client side.
func EncodeClient(msg ClientMessage, format string) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if format == FormatJSON {
		return raw, nil
	}
	st, err := jsonToStruct(raw)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func toJSON(data []byte, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return data, nil
	case FormatProto:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("unmarshal proto: %w", err)
		}
		return st.MarshalJSON()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func jsonToStruct(raw []byte) (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if err := st.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return st, nil
}

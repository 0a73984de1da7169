package oracle

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"bazaar-lite/bazaar"

	"google.golang.org/api/option"
	"google.golang.org/api/texttospeech/v1"
)

// Audio is one synthesized line.
type Audio struct {
	Data     []byte
	MIMEType string
}

type voiceStyle struct {
	rate  float64
	pitch float64
}

// moodStyles keep the same voice across moods and shift delivery instead.
var moodStyles = map[bazaar.Mood]voiceStyle{
	bazaar.MoodFriendly: {rate: 1.05, pitch: 2.0},
	bazaar.MoodNeutral:  {rate: 1.0, pitch: 0},
	bazaar.MoodAnnoyed:  {rate: 1.1, pitch: -1.5},
	bazaar.MoodAngry:    {rate: 1.15, pitch: -4.0},
}

type synthesizer interface {
	Synthesize(ctx context.Context, req *texttospeech.SynthesizeSpeechRequest) (*texttospeech.SynthesizeSpeechResponse, error)
}

type cloudSynthesizer struct {
	svc *texttospeech.Service
}

func (c cloudSynthesizer) Synthesize(ctx context.Context, req *texttospeech.SynthesizeSpeechRequest) (*texttospeech.SynthesizeSpeechResponse, error) {
	return c.svc.Text.Synthesize(req).Context(ctx).Do()
}

// Speaker voices NPC dialogue. Callers treat every error as "no audio".
type Speaker struct {
	backend synthesizer
	voice   string
}

// NewSpeaker connects to the speech service. An empty apiKey gives a
// speaker that always returns ErrUnavailable.
func NewSpeaker(ctx context.Context, apiKey, voice string) (*Speaker, error) {
	if strings.TrimSpace(apiKey) == "" {
		return &Speaker{voice: voice}, nil
	}
	svc, err := texttospeech.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("tts client: %w", err)
	}
	return &Speaker{backend: cloudSynthesizer{svc: svc}, voice: voice}, nil
}

func (s *Speaker) Synthesize(ctx context.Context, text string, mood bazaar.Mood) (Audio, error) {
	if s == nil || s.backend == nil {
		return Audio{}, ErrUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, fmt.Errorf("empty text")
	}
	resp, err := s.backend.Synthesize(ctx, speechRequest(text, mood, s.voice))
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return Audio{}, fmt.Errorf("decode audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("no audio in response")
	}
	return Audio{Data: data, MIMEType: "audio/wav"}, nil
}

func speechRequest(text string, mood bazaar.Mood, voice string) *texttospeech.SynthesizeSpeechRequest {
	style, ok := moodStyles[mood]
	if !ok {
		style = moodStyles[bazaar.MoodNeutral]
	}
	return &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: languageCode(voice),
			Name:         voice,
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding: "LINEAR16",
			SpeakingRate:  style.rate,
			Pitch:         style.pitch,
		},
	}
}

// languageCode takes the locale prefix of a voice name such as
// "en-GB-Neural2-B".
func languageCode(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 2 {
		return "en-GB"
	}
	return parts[0] + "-" + parts[1]
}

// Package oracle talks to the hosted language services: intent
// interpretation, objective planning, and NPC speech synthesis.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/api/option"
)

// ErrUnavailable is returned by every service when no API key is configured.
var ErrUnavailable = errors.New("language service unavailable")

// generator is the slice of *genai.GenerativeModel the services use.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Client owns the Gemini connection shared by the interpreter and planner.
type Client struct {
	genai     *genai.Client
	textModel string
}

// NewClient connects to Gemini. An empty apiKey yields a nil client and
// ErrUnavailable; callers then use the offline services.
func NewClient(ctx context.Context, apiKey, textModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrUnavailable
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{genai: c, textModel: textModel}, nil
}

func (c *Client) Close() error {
	if c == nil || c.genai == nil {
		return nil
	}
	return c.genai.Close()
}

func (c *Client) model(systemPrompt string, temperature float32) *genai.GenerativeModel {
	m := c.genai.GenerativeModel(c.textModel)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	m.SetTemperature(temperature)
	m.ResponseMIMEType = "application/json"
	return m
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty response")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	if b.Len() == 0 {
		return "", errors.New("response has no text")
	}
	return b.String(), nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// decodeChecked validates text against schema and then decodes it into out.
func decodeChecked(schema *jsonschema.Schema, text string, out any) error {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return json.Unmarshal([]byte(text), out)
}

// Package parse extracts the model, prompt, and sampling parameters from an
// intercepted LLM request body. It is a pure function of (body, uri,
// headers): provider detection keys off the request URI and headers, and
// each provider codec understands that provider's JSON shape.
//
// Parsing never aborts the audit pipeline: callers turn an error into the
// Fallback record plus a parsing-failure diagnostic event.
package parse

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Provider names recorded on extraction events.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderUnknown   = "unknown"
)

// ParsedRequest is the extracted essence of an intercepted request body.
type ParsedRequest struct {
	Provider     string
	ModelVersion string
	Prompt       string
	Parameters   map[string]any
}

// Parse extracts a ParsedRequest from a raw request body.
// The uri and headers are the intercepted request's target path and headers,
// used only for provider detection.
func Parse(body []byte, uri string, headers map[string]string) (ParsedRequest, error) {
	if len(body) == 0 {
		return ParsedRequest{}, fmt.Errorf("parse: empty body")
	}
	if !utf8.Valid(body) {
		return ParsedRequest{}, fmt.Errorf("parse: body is not valid UTF-8")
	}

	provider := detectProvider(uri, headers)
	switch provider {
	case ProviderAnthropic:
		return parseAnthropic(body)
	case ProviderOpenAI:
		return parseOpenAI(body)
	default:
		// Try both shapes before giving up; proxies sometimes rewrite paths.
		if req, err := parseAnthropic(body); err == nil {
			return req, nil
		}
		if req, err := parseOpenAI(body); err == nil {
			return req, nil
		}
		return ParsedRequest{}, fmt.Errorf("parse: unrecognized provider for uri %q", uri)
	}
}

// Fallback builds the degraded record used when parsing failed. The audit
// trail keeps a row for every intercepted request, parseable or not.
func Fallback(parseErr error) ParsedRequest {
	msg := "parse failed"
	if parseErr != nil {
		msg = "parse failed: " + parseErr.Error()
	}
	return ParsedRequest{
		Provider:     ProviderUnknown,
		ModelVersion: "unknown-model",
		Prompt:       msg,
	}
}

func detectProvider(uri string, headers map[string]string) string {
	for k := range headers {
		switch strings.ToLower(k) {
		case "x-api-key", "anthropic-version":
			return ProviderAnthropic
		}
	}
	switch {
	case strings.Contains(uri, "/v1/messages"):
		return ProviderAnthropic
	case strings.Contains(uri, "/v1/chat/completions"), strings.Contains(uri, "/v1/completions"):
		return ProviderOpenAI
	default:
		return ProviderUnknown
	}
}

type anthropicRequest struct {
	Model     string   `json:"model"`
	System    any      `json:"system,omitempty"`
	MaxTokens int      `json:"max_tokens"`
	Temp      *float64 `json:"temperature,omitempty"`
	Messages  []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func parseAnthropic(body []byte) (ParsedRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ParsedRequest{}, fmt.Errorf("parse: anthropic request: %w", err)
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return ParsedRequest{}, fmt.Errorf("parse: anthropic request missing model or messages")
	}

	var prompt strings.Builder
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		writeContent(&prompt, m.Content)
	}

	params := map[string]any{}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.Temp != nil {
		params["temperature"] = *req.Temp
	}

	return ParsedRequest{
		Provider:     ProviderAnthropic,
		ModelVersion: req.Model,
		Prompt:       strings.TrimSpace(prompt.String()),
		Parameters:   params,
	}, nil
}

type openAIRequest struct {
	Model    string   `json:"model"`
	Prompt   any      `json:"prompt,omitempty"` // legacy completions
	Temp     *float64 `json:"temperature,omitempty"`
	MaxTok   int      `json:"max_tokens,omitempty"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages,omitempty"`
}

func parseOpenAI(body []byte) (ParsedRequest, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ParsedRequest{}, fmt.Errorf("parse: openai request: %w", err)
	}
	if req.Model == "" {
		return ParsedRequest{}, fmt.Errorf("parse: openai request missing model")
	}

	var prompt strings.Builder
	switch {
	case len(req.Messages) > 0:
		for _, m := range req.Messages {
			if m.Role != "user" {
				continue
			}
			writeContent(&prompt, m.Content)
		}
	case req.Prompt != nil:
		if s, ok := req.Prompt.(string); ok {
			prompt.WriteString(s)
		}
	default:
		return ParsedRequest{}, fmt.Errorf("parse: openai request has neither messages nor prompt")
	}

	params := map[string]any{}
	if req.MaxTok > 0 {
		params["max_tokens"] = req.MaxTok
	}
	if req.Temp != nil {
		params["temperature"] = *req.Temp
	}

	return ParsedRequest{
		Provider:     ProviderOpenAI,
		ModelVersion: req.Model,
		Prompt:       strings.TrimSpace(prompt.String()),
		Parameters:   params,
	}, nil
}

// writeContent appends message content to the prompt. Content is either a
// bare string or an array of typed blocks; only text blocks contribute.
func writeContent(b *strings.Builder, raw json.RawMessage) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
		return
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return
	}
	for _, blk := range blocks {
		if blk.Type != "text" || blk.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(blk.Text)
	}
}

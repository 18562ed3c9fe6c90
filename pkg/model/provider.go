package model

import (
	"context"
	"strings"
	"time"
)

// Provider maps a chat request to a model response. Concrete providers
// (LM Studio, llama.cpp server, Ollama, or anything else reachable over
// HTTP) are external collaborators: the agent loop only depends on this
// interface, never on a specific transport or API key.
type Provider interface {
	ID() string
	FetchCatalog() (*ModelCatalog, error)
	GetModelInfo(modelID string) (*ModelInfo, error)
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

// TimeoutConfigurer is an optional interface for providers that can adjust request timeouts.
type TimeoutConfigurer interface {
	SetTimeout(timeout time.Duration)
}

// messageContentToText extracts plain text from a Message's Content field,
// which may be a string or multimodal []ContentPart.
func messageContentToText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []ContentPart:
		var out []string
		for _, part := range v {
			if part.Type == "text" {
				out = append(out, part.Text)
			}
		}
		return strings.Join(out, "\n")
	case []any:
		parts := make([]ContentPart, 0, len(v))
		for _, val := range v {
			if partMap, ok := val.(map[string]any); ok {
				part := ContentPart{}
				if t, ok := partMap["type"].(string); ok {
					part.Type = t
				}
				if txt, ok := partMap["text"].(string); ok {
					part.Text = txt
				}
				parts = append(parts, part)
			}
		}
		return messageContentToText(parts)
	default:
		return ""
	}
}

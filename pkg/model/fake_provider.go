package model

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is a scripted, in-memory Provider used to drive the agent
// loop deterministically in tests and by the cmd/localagent demo driver. It
// is not a network client: real providers (LM Studio, llama.cpp server,
// Ollama) are external collaborators supplied by the embedding program.
type FakeProvider struct {
	id string

	mu    sync.Mutex
	steps []ChatResponse
	calls int
}

// NewFakeProvider returns a Provider that replays steps in order, one per
// ChatCompletion call, and errors once the script is exhausted.
func NewFakeProvider(id string, steps ...ChatResponse) *FakeProvider {
	return &FakeProvider{id: id, steps: steps}
}

func (f *FakeProvider) ID() string { return f.id }

func (f *FakeProvider) FetchCatalog() (*ModelCatalog, error) {
	return &ModelCatalog{Data: []ModelInfo{{ID: f.id, Name: f.id}}}, nil
}

func (f *FakeProvider) GetModelInfo(modelID string) (*ModelInfo, error) {
	return &ModelInfo{ID: modelID, Name: modelID}, nil
}

func (f *FakeProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.steps) {
		return nil, fmt.Errorf("fake provider: script exhausted after %d calls", f.calls)
	}
	resp := f.steps[f.calls]
	f.calls++
	return &resp, nil
}

func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 1)
	errs := make(chan error, 1)
	resp, err := f.ChatCompletion(ctx, req)
	if err != nil {
		errs <- err
		close(chunks)
		close(errs)
		return chunks, errs
	}
	for _, choice := range resp.Choices {
		chunks <- StreamChunk{
			ID:    resp.ID,
			Model: resp.Model,
			Choices: []StreamChoice{{
				Index:        choice.Index,
				Delta:        MessageDelta{Role: choice.Message.Role, Content: messageContentToText(choice.Message.Content)},
				FinishReason: &choice.FinishReason,
			}},
			Usage: &resp.Usage,
		}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

package main

import (
	"context"
	"fmt"

	"github.com/localagent/localagent/pkg/model"
)

// circuitBreakerProvider wraps a Provider's blocking ChatCompletion call
// with a CircuitBreaker so a run-of-failures trips open rather than
// burning the remaining wall-clock budget on a provider that is down.
// Streaming and catalog calls pass through unguarded: they are either
// unused by the loop (ChatCompletionStream) or cheap metadata reads
// (FetchCatalog, GetModelInfo).
type circuitBreakerProvider struct {
	model.Provider
	breaker *model.CircuitBreaker
}

func withCircuitBreaker(p model.Provider, breaker *model.CircuitBreaker) model.Provider {
	return &circuitBreakerProvider{Provider: p, breaker: breaker}
}

func (c *circuitBreakerProvider) ChatCompletion(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	var resp *model.ChatResponse
	err := c.breaker.Call(func() error {
		var callErr error
		resp, callErr = c.Provider.ChatCompletion(ctx, req)
		return callErr
	})
	if err != nil && resp == nil {
		return nil, fmt.Errorf("provider %s: %w", c.Provider.ID(), err)
	}
	return resp, err
}

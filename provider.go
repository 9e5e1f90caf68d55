package linger

import "context"

// Provider abstracts the LLM backend. Tool definitions, extended thinking,
// and provider-side web tools all travel inside the request; the provider
// maps them onto its own API.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic").
	Name() string
}

package models

import "context"

// Fragment is one unit of streamed model output. A fragment with a non-nil
// Err is terminal; the stream channel is closed right after it.
type Fragment struct {
	Text string
	Err  error
}

// Generator is the interface all text-generation backends must implement.
// Never call a specific backend directly — always inject this interface.
type Generator interface {
	// GenerateStream starts generation and returns a channel of fragments.
	// The channel is closed when generation ends. Each send is a cooperative
	// yield point, so relaying stays fairly interleaved across connections.
	GenerateStream(ctx context.Context, params *Params, prompt string) (<-chan Fragment, error)
	// HandlesSystemPrompt reports whether the backend consumes the system
	// prompt through its own API. When false, the worker prepends it to the
	// prompt text instead.
	HandlesSystemPrompt() bool
	// Name returns the backend identifier (e.g., "openai", "script").
	Name() string
}

// Embedder is the interface all embedding backends must implement.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Name() string
}

// Package script provides a deterministic backend for tests and local
// development: it replays a fixed list of fragments instead of sampling a
// model.
package script

import (
	"context"
	"hash/fnv"

	"github.com/promptq/promptq/pkg/models"
)

const embeddingDimensions = 8

// Backend implements models.Generator and models.Embedder with canned
// output. Each fragment send is a cooperative yield point, matching the
// contract real backends follow.
type Backend struct {
	fragments []string
}

func NewBackend(fragments []string) *Backend {
	if len(fragments) == 0 {
		fragments = []string{"scripted ", "response"}
	}
	return &Backend{fragments: fragments}
}

func (b *Backend) Name() string { return "script" }

// HandlesSystemPrompt is false: like local models, the script backend
// expects the system prompt prepended to the prompt text.
func (b *Backend) HandlesSystemPrompt() bool { return false }

func (b *Backend) GenerateStream(ctx context.Context, _ *models.Params, _ string) (<-chan models.Fragment, error) {
	out := make(chan models.Fragment)
	go func() {
		defer close(out)
		for _, f := range b.fragments {
			select {
			case out <- models.Fragment{Text: f}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Embed returns a stable pseudo-embedding derived from the text, so equal
// inputs produce equal vectors.
func (b *Backend) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, embeddingDimensions)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = float64(h.Sum64()%2000)/1000.0 - 1.0
	}
	return vec, nil
}

var _ models.Generator = (*Backend)(nil)
var _ models.Embedder = (*Backend)(nil)

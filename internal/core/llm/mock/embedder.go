package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// TextEmbedder is a test double for core.TextEmbedder.
type TextEmbedder struct {
	// EmbedTextsFunc is called by EmbedTexts if set.
	EmbedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls int
	texts []string
}

var _ core.TextEmbedder = (*TextEmbedder)(nil)

func NewTextEmbedder() *TextEmbedder { return &TextEmbedder{} }

func (m *TextEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.texts = append(m.texts, texts...)
	fn := m.EmbedTextsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, models.TextEmbeddingDim)
	}
	return out, nil
}

func (m *TextEmbedder) Dimensions() int { return models.TextEmbeddingDim }

// CallCount returns the number of EmbedTexts calls.
func (m *TextEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Texts returns every text passed to EmbedTexts, in call order.
func (m *TextEmbedder) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// MultimodalEmbedder is a test double for core.MultimodalEmbedder.
type MultimodalEmbedder struct {
	// EmbedMultimodalFunc is called by EmbedMultimodal if set.
	EmbedMultimodalFunc func(ctx context.Context, in core.MultimodalInput) ([]float32, error)

	mu     sync.Mutex
	calls  int
	inputs []core.MultimodalInput
}

var _ core.MultimodalEmbedder = (*MultimodalEmbedder)(nil)

func NewMultimodalEmbedder() *MultimodalEmbedder { return &MultimodalEmbedder{} }

func (m *MultimodalEmbedder) EmbedMultimodal(ctx context.Context, in core.MultimodalInput) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.inputs = append(m.inputs, in)
	fn := m.EmbedMultimodalFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	seed := in.Text
	if in.Media != nil {
		seed += in.Media.MimeType + string(in.Media.Data)
	}
	return Vector(seed, models.MultimodalEmbeddingDim), nil
}

func (m *MultimodalEmbedder) Dimensions() int { return models.MultimodalEmbeddingDim }

// CallCount returns the number of EmbedMultimodal calls.
func (m *MultimodalEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Inputs returns every input passed to EmbedMultimodal, in call order.
func (m *MultimodalEmbedder) Inputs() []core.MultimodalInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.MultimodalInput(nil), m.inputs...)
}

// Vector derives a unit vector of dim from text. Equal texts give equal
// vectors.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	v := make([]float32, dim)
	var sum float64
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000)/1000.0 + 0.001
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

// NewLimiter builds a client-side limiter allowing rps calls per second.
// A non-positive rps disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.New(retry.ClassRateLimited, err)
	}
	return nil
}

type limitedText struct {
	next    core.TextEmbedder
	limiter *rate.Limiter
}

// LimitText throttles a text embedder.
func LimitText(next core.TextEmbedder, l *rate.Limiter) core.TextEmbedder {
	return &limitedText{next: next, limiter: l}
}

func (t *limitedText) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := wait(ctx, t.limiter); err != nil {
		return nil, err
	}
	return t.next.EmbedTexts(ctx, texts)
}

func (t *limitedText) Dimensions() int { return t.next.Dimensions() }

type limitedMultimodal struct {
	next    core.MultimodalEmbedder
	limiter *rate.Limiter
}

// LimitMultimodal throttles a multimodal embedder.
func LimitMultimodal(next core.MultimodalEmbedder, l *rate.Limiter) core.MultimodalEmbedder {
	return &limitedMultimodal{next: next, limiter: l}
}

func (m *limitedMultimodal) EmbedMultimodal(ctx context.Context, in core.MultimodalInput) ([]float32, error) {
	if err := wait(ctx, m.limiter); err != nil {
		return nil, err
	}
	return m.next.EmbedMultimodal(ctx, in)
}

func (m *limitedMultimodal) Dimensions() int { return m.next.Dimensions() }

type limitedMedia struct {
	next    core.MediaAnalyzer
	limiter *rate.Limiter
}

// LimitMedia throttles a media analyzer.
func LimitMedia(next core.MediaAnalyzer, l *rate.Limiter) core.MediaAnalyzer {
	return &limitedMedia{next: next, limiter: l}
}

func (m *limitedMedia) DescribeImage(ctx context.Context, img core.Media) (core.ImageAnalysis, error) {
	if err := wait(ctx, m.limiter); err != nil {
		return core.ImageAnalysis{}, err
	}
	return m.next.DescribeImage(ctx, img)
}

func (m *limitedMedia) Transcribe(ctx context.Context, audio core.Media) (string, error) {
	if err := wait(ctx, m.limiter); err != nil {
		return "", err
	}
	return m.next.Transcribe(ctx, audio)
}

func (m *limitedMedia) DescribeVideo(ctx context.Context, clip core.Media) (string, error) {
	if err := wait(ctx, m.limiter); err != nil {
		return "", err
	}
	return m.next.DescribeVideo(ctx, clip)
}

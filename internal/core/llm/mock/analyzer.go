package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// MediaAnalyzer is a test double for core.MediaAnalyzer.
type MediaAnalyzer struct {
	DescribeImageFunc func(ctx context.Context, img core.Media) (core.ImageAnalysis, error)
	TranscribeFunc    func(ctx context.Context, audio core.Media) (string, error)
	DescribeVideoFunc func(ctx context.Context, clip core.Media) (string, error)

	mu          sync.Mutex
	images      int
	transcripts int
	videos      int
}

var _ core.MediaAnalyzer = (*MediaAnalyzer)(nil)

func NewMediaAnalyzer() *MediaAnalyzer { return &MediaAnalyzer{} }

func (m *MediaAnalyzer) DescribeImage(ctx context.Context, img core.Media) (core.ImageAnalysis, error) {
	m.mu.Lock()
	m.images++
	fn := m.DescribeImageFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, img)
	}
	return core.ImageAnalysis{
		Description: fmt.Sprintf("an image of %d bytes", len(img.Data)),
		Text:        "",
	}, nil
}

func (m *MediaAnalyzer) Transcribe(ctx context.Context, audio core.Media) (string, error) {
	m.mu.Lock()
	m.transcripts++
	n := m.transcripts
	fn := m.TranscribeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio)
	}
	return fmt.Sprintf("transcript %d", n), nil
}

func (m *MediaAnalyzer) DescribeVideo(ctx context.Context, clip core.Media) (string, error) {
	m.mu.Lock()
	m.videos++
	n := m.videos
	fn := m.DescribeVideoFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, clip)
	}
	return fmt.Sprintf("scene %d", n), nil
}

// Calls returns the number of image, transcription and video calls.
func (m *MediaAnalyzer) Calls() (images, transcripts, videos int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images, m.transcripts, m.videos
}

package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// ImageProcessor produces exactly one multimodal chunk per image: recognised
// text as content, the generated description as context.
type ImageProcessor struct {
	analyzer core.MediaAnalyzer
}

func NewImageProcessor(analyzer core.MediaAnalyzer) *ImageProcessor {
	return &ImageProcessor{analyzer: analyzer}
}

func (p *ImageProcessor) Process(ctx context.Context, s *Session, src Source) (*Output, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, retry.Validation("the image could not be decoded; it may be corrupt", err)
	}

	if err := s.Report(ctx, progress.At(progress.StageAnalyzing)); err != nil {
		return nil, err
	}
	var analysis core.ImageAnalysis
	err = s.Guard(ctx, "describe image", func(ctx context.Context) error {
		a, err := p.analyzer.DescribeImage(ctx, core.Media{MimeType: src.MimeType, Data: data})
		if err != nil {
			return err
		}
		analysis = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	description := analysis.Description
	if description == "" && analysis.Text == "" {
		description = src.FileName
	}
	return &Output{
		Space: models.MultimodalSpace,
		Drafts: []Draft{{
			Content: analysis.Text,
			Context: description,
			Metadata: map[string]any{
				"width":    cfg.Width,
				"height":   cfg.Height,
				"format":   format,
				"has_text": analysis.Text != "",
			},
			MediaPath: src.Path,
			MediaType: src.MimeType,
		}},
	}, nil
}

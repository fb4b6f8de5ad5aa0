package ingestion_engine

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DocumentProcessor extracts structured text and chunks it by section.
type DocumentProcessor struct {
	extractor core.DocumentExtractor
	cfg       *IngestConfig
}

func NewDocumentProcessor(extractor core.DocumentExtractor, cfg *IngestConfig) *DocumentProcessor {
	return &DocumentProcessor{extractor: extractor, cfg: cfg.withDefaults()}
}

func (p *DocumentProcessor) Process(ctx context.Context, s *Session, src Source) (*Output, error) {
	if err := s.Report(ctx, progress.At(progress.StageExtracting)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	// extract -> blocks -> drafts, any error cancels the rest
	g, gctx := errgroup.WithContext(ctx)
	blocks, err := p.extractor.ExtractBlocks(gctx, g, data, src.MimeType)
	if err != nil {
		return nil, err
	}
	drafts := streamChunk(gctx, g, blocks, p.cfg)

	var out []Draft
	g.Go(func() error {
		for d := range drafts {
			out = append(out, d)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.Logger().Info("document chunked", "chunks", len(out), "bytes", len(data))
	return &Output{Space: models.TextSpace, Drafts: out}, nil
}

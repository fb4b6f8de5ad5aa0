package ingestion_engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/media"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const clipMimeType = "video/mp4"

// VideoProcessor splits a video into batches and keeps, per batch, what was
// said (content) and what was shown (context) as separate channels.
type VideoProcessor struct {
	analyzer core.MediaAnalyzer
	splitter core.MediaSplitter
	cfg      *IngestConfig
}

func NewVideoProcessor(analyzer core.MediaAnalyzer, splitter core.MediaSplitter, cfg *IngestConfig) *VideoProcessor {
	return &VideoProcessor{analyzer: analyzer, splitter: splitter, cfg: cfg.withDefaults()}
}

func (p *VideoProcessor) Process(ctx context.Context, s *Session, src Source) (*Output, error) {
	if err := s.Report(ctx, progress.At(progress.StageSplitting)); err != nil {
		return nil, err
	}
	total, err := mediaDuration(ctx, s, p.splitter, src.Path)
	if err != nil {
		return nil, err
	}
	windows := media.Plan(total, p.cfg.VideoBatch)
	n := len(windows)

	out := &Output{Space: models.MultimodalSpace}
	var lastErr error
	skipped := 0
	for k, w := range windows {
		if err := s.Report(ctx, progress.Unit(progress.StageProcessing, k+1, n)); err != nil {
			return nil, err
		}

		span := fmt.Sprintf("%s-%s", clock(w.Start), clock(w.End))

		var clip string
		err := s.Tool(ctx, "cut video batch", func(ctx context.Context) error {
			c, err := p.splitter.CutVideo(ctx, src.Path, w, src.Dir)
			if err != nil {
				return err
			}
			clip = c
			return nil
		})
		if err != nil {
			if !skippableCut(err) {
				return nil, err
			}
			lastErr = err
			skipped++
			out.Warnings = append(out.Warnings, fmt.Sprintf("batch %d of %d (%s) skipped: %v", k+1, n, span, err))
			s.Logger().Warn("video batch skipped", "batch", k+1, "of", n, "err", err)
			continue
		}
		data, err := os.ReadFile(clip)
		if err != nil {
			return nil, fmt.Errorf("read clip: %w", err)
		}
		m := core.Media{MimeType: clipMimeType, Data: data}

		var transcript, scene string
		terr := s.Guard(ctx, "transcribe", func(ctx context.Context) error {
			t, err := p.analyzer.Transcribe(ctx, m)
			if err != nil {
				return err
			}
			transcript = strings.TrimSpace(t)
			return nil
		})
		if terr != nil && !skippable(terr) {
			return nil, terr
		}
		derr := s.Guard(ctx, "describe video", func(ctx context.Context) error {
			d, err := p.analyzer.DescribeVideo(ctx, m)
			if err != nil {
				return err
			}
			scene = strings.TrimSpace(d)
			return nil
		})
		if derr != nil && !skippable(derr) {
			return nil, derr
		}

		switch {
		case terr != nil && derr != nil:
			lastErr = derr
			skipped++
			_ = os.Remove(clip)
			out.Warnings = append(out.Warnings, fmt.Sprintf("batch %d of %d (%s) skipped: %v", k+1, n, span, derr))
			s.Logger().Warn("video batch skipped", "batch", k+1, "of", n, "err", derr)
			continue
		case terr != nil:
			out.Warnings = append(out.Warnings, fmt.Sprintf("batch %d of %d (%s) has no transcript: %v", k+1, n, span, terr))
		case derr != nil:
			out.Warnings = append(out.Warnings, fmt.Sprintf("batch %d of %d (%s) has no description: %v", k+1, n, span, derr))
		}

		out.Drafts = append(out.Drafts, Draft{
			Content: transcript,
			Context: scene,
			Metadata: map[string]any{
				"batch":         k + 1,
				"batches":       n,
				"start_seconds": w.Start,
				"end_seconds":   w.End,
				"has_speech":    transcript != "",
			},
			MediaPath: clip,
			MediaType: clipMimeType,
		})
	}

	if skipped == n {
		return nil, lastErr
	}
	return out, nil
}

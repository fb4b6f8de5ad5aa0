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

// AudioProcessor transcribes fixed-length segments so one failed segment
// does not invalidate the file.
type AudioProcessor struct {
	analyzer core.MediaAnalyzer
	splitter core.MediaSplitter
	cfg      *IngestConfig
}

func NewAudioProcessor(analyzer core.MediaAnalyzer, splitter core.MediaSplitter, cfg *IngestConfig) *AudioProcessor {
	return &AudioProcessor{analyzer: analyzer, splitter: splitter, cfg: cfg.withDefaults()}
}

func (p *AudioProcessor) Process(ctx context.Context, s *Session, src Source) (*Output, error) {
	if err := s.Report(ctx, progress.At(progress.StageSplitting)); err != nil {
		return nil, err
	}
	total, err := mediaDuration(ctx, s, p.splitter, src.Path)
	if err != nil {
		return nil, err
	}
	windows := media.Plan(total, p.cfg.AudioSegment)
	n := len(windows)

	out := &Output{Space: models.TextSpace}
	var lastErr error
	skipped := 0
	skip := func(k int, w core.Window, err error) {
		lastErr = err
		skipped++
		out.Warnings = append(out.Warnings, fmt.Sprintf("segment %d of %d (%s-%s) skipped: %v",
			k+1, n, clock(w.Start), clock(w.End), err))
		s.Logger().Warn("audio segment skipped", "segment", k+1, "of", n, "err", err)
	}

	for k, w := range windows {
		if err := s.Report(ctx, progress.Unit(progress.StageTranscribing, k+1, n)); err != nil {
			return nil, err
		}

		mt, path := src.MimeType, src.Path
		if n > 1 {
			err := s.Tool(ctx, "cut audio segment", func(ctx context.Context) error {
				seg, err := p.splitter.CutAudio(ctx, src.Path, w, src.Dir)
				if err != nil {
					return err
				}
				path = seg
				return nil
			})
			if err != nil {
				if !skippableCut(err) {
					return nil, err
				}
				skip(k, w, err)
				continue
			}
			mt = "audio/mpeg"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}

		var text string
		err = s.Guard(ctx, "transcribe", func(ctx context.Context) error {
			t, err := p.analyzer.Transcribe(ctx, core.Media{MimeType: mt, Data: data})
			if err != nil {
				return err
			}
			text = t
			return nil
		})
		if path != src.Path {
			_ = os.Remove(path)
		}
		if err != nil {
			if !skippable(err) {
				return nil, err
			}
			skip(k, w, err)
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		out.Drafts = append(out.Drafts, Draft{
			Content: text,
			Context: fmt.Sprintf("%s, %s to %s", src.FileName, clock(w.Start), clock(w.End)),
			Metadata: map[string]any{
				"segment":       k + 1,
				"segments":      n,
				"start_seconds": w.Start,
				"end_seconds":   w.End,
			},
		})
	}

	if skipped == n {
		return nil, lastErr
	}
	return out, nil
}

// mediaDuration probes the length of the file at path.
func mediaDuration(ctx context.Context, s *Session, splitter core.MediaSplitter, path string) (float64, error) {
	var total float64
	err := s.Tool(ctx, "probe duration", func(ctx context.Context) error {
		d, err := splitter.Duration(ctx, path)
		if err != nil {
			return err
		}
		total = d
		return nil
	})
	return total, err
}

// clock renders seconds as m:ss or h:mm:ss.
func clock(seconds float64) string {
	t := int(seconds)
	h, m, sec := t/3600, (t%3600)/60, t%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

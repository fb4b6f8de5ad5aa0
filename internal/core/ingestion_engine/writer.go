package ingestion_engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Writer embeds drafts in the space of their pipeline and commits them in
// batches.
type Writer struct {
	text       core.TextEmbedder
	multimodal core.MultimodalEmbedder
	batchSize  int
	logger     *slog.Logger
}

func NewWriter(text core.TextEmbedder, multimodal core.MultimodalEmbedder, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultIngestConfig().BatchSize
	}
	return &Writer{
		text:       text,
		multimodal: multimodal,
		batchSize:  batchSize,
		logger:     slog.Default().With("component", "writer"),
	}
}

// Supports reports whether an embedder for space is configured.
func (w *Writer) Supports(space models.EmbeddingSpace) bool {
	if space == models.MultimodalSpace {
		return w.multimodal != nil
	}
	return w.text != nil
}

// Write embeds and commits drafts, returning the number of chunks written.
func (w *Writer) Write(ctx context.Context, s *Session, doc *models.Document, space models.EmbeddingSpace, drafts []Draft) (int, error) {
	if !w.Supports(space) {
		return 0, fmt.Errorf("%w: %s embeddings", ErrNoProvider, space)
	}

	written := 0
	for start := 0; start < len(drafts); start += w.batchSize {
		end := min(start+w.batchSize, len(drafts))
		batch := drafts[start:end]

		vecs, err := w.embed(ctx, s, space, batch)
		if err != nil {
			return written, err
		}

		rows := make([]models.Chunk, len(batch))
		for k, d := range batch {
			rows[k] = models.Chunk{
				ID:         uuid.NewString(),
				OwnerID:    doc.OwnerID,
				DocumentID: doc.ID,
				Index:      start + k,
				Content:    d.Content,
				Context:    d.Context,
				Metadata:   d.Metadata,
			}
			if space == models.MultimodalSpace {
				rows[k].MultimodalEmbedding = vecs[k]
			} else {
				rows[k].TextEmbedding = vecs[k]
			}
		}

		if err := s.Commit(ctx, rows); err != nil {
			return written, err
		}
		written += len(rows)
		w.logger.Debug("batch committed", "document_id", doc.ID, "from", start, "count", len(rows))
	}
	return written, nil
}

func (w *Writer) embed(ctx context.Context, s *Session, space models.EmbeddingSpace, batch []Draft) ([][]float32, error) {
	if space == models.TextSpace {
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = embedText(d)
		}
		var vecs [][]float32
		err := s.Guard(ctx, "embed", func(ctx context.Context) error {
			v, err := w.text.EmbedTexts(ctx, texts)
			if err != nil {
				return err
			}
			if len(v) != len(texts) {
				return fmt.Errorf("embed size mismatch: got %d want %d", len(v), len(texts))
			}
			vecs = v
			return nil
		})
		return vecs, err
	}

	vecs := make([][]float32, len(batch))
	for i, d := range batch {
		in := core.MultimodalInput{Text: embedText(d)}
		if d.MediaPath != "" {
			data, err := os.ReadFile(d.MediaPath)
			if err != nil {
				return nil, fmt.Errorf("read media: %w", err)
			}
			in.Media = &core.Media{MimeType: d.MediaType, Data: data}
		}
		err := s.Guard(ctx, "embed", func(ctx context.Context) error {
			v, err := w.multimodal.EmbedMultimodal(ctx, in)
			if err != nil {
				return err
			}
			vecs[i] = v
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// embedText is what a draft is searchable by: its context then its content.
func embedText(d Draft) string {
	parts := make([]string, 0, 2)
	if c := strings.TrimSpace(d.Context); c != "" {
		parts = append(parts, c)
	}
	if c := strings.TrimSpace(d.Content); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, "\n\n")
}

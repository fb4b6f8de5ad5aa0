// Package search runs owner-scoped similarity queries against the text and
// multimodal embedding spaces.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	// queryRetries caps retries of a query embedding; search is interactive.
	queryRetries = 1
)

var (
	ErrOwnerRequired = errors.New("owner is required")
	ErrEmptyQuery    = errors.New("either query text or a vector is required")
	ErrBadThreshold  = errors.New("threshold must be between -1 and 1")
	ErrNoEmbedder    = errors.New("no embedder configured for this space")
)

// Request is one similarity query. Either Query or Vector is set; Vector
// wins when both are.
type Request struct {
	OwnerID   string
	Query     string
	Vector    []float32
	Threshold float64
	Limit     int
}

// Service resolves query vectors and delegates ranking to the store.
type Service struct {
	store      core.SearchStore
	text       core.TextEmbedder
	multimodal core.MultimodalEmbedder
	exec       *retry.Executor
	logger     *slog.Logger
}

// NewService creates a search service. Either embedder may be nil, in
// which case that space only accepts raw vectors.
func NewService(store core.SearchStore, text core.TextEmbedder, multimodal core.MultimodalEmbedder, exec *retry.Executor) *Service {
	return &Service{
		store:      store,
		text:       text,
		multimodal: multimodal,
		exec:       exec,
		logger:     slog.Default().With("component", "search"),
	}
}

// Text searches the 768-dimension text space.
func (s *Service) Text(ctx context.Context, req Request) ([]models.SearchResult, error) {
	var embed embedFunc
	if s.text != nil {
		embed = func(ctx context.Context, text string) ([]float32, error) {
			vecs, err := s.text.EmbedTexts(ctx, []string{text})
			if err != nil {
				return nil, err
			}
			if len(vecs) != 1 {
				return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
			}
			return vecs[0], nil
		}
	}
	q, err := s.prepare(ctx, req, models.TextSpace, embed)
	if err != nil {
		return nil, err
	}
	return s.store.SearchText(ctx, q)
}

// Multimodal searches the 1408-dimension multimodal space. A text query is
// embedded into the same space as images and video, so it can match content
// that only ever appeared in a chunk's visual context.
func (s *Service) Multimodal(ctx context.Context, req Request) ([]models.SearchResult, error) {
	var embed embedFunc
	if s.multimodal != nil {
		embed = func(ctx context.Context, text string) ([]float32, error) {
			return s.multimodal.EmbedMultimodal(ctx, core.MultimodalInput{Text: text})
		}
	}
	q, err := s.prepare(ctx, req, models.MultimodalSpace, embed)
	if err != nil {
		return nil, err
	}
	return s.store.SearchMultimodal(ctx, q)
}

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (s *Service) prepare(ctx context.Context, req Request, space models.EmbeddingSpace, embed embedFunc) (core.SearchQuery, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return core.SearchQuery{}, ErrOwnerRequired
	}
	if req.Threshold < -1 || req.Threshold > 1 {
		return core.SearchQuery{}, ErrBadThreshold
	}

	vec := req.Vector
	if len(vec) == 0 {
		text := strings.TrimSpace(req.Query)
		if text == "" {
			return core.SearchQuery{}, ErrEmptyQuery
		}
		if embed == nil {
			return core.SearchQuery{}, ErrNoEmbedder
		}
		err := s.exec.Do(ctx, retry.NewLocalBudget(queryRetries), "embed query", func(ctx context.Context) error {
			v, err := embed(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if err != nil {
			return core.SearchQuery{}, fmt.Errorf("embed query: %w", err)
		}
	}
	if len(vec) != space.Dimensions() {
		return core.SearchQuery{}, fmt.Errorf("%w: got %d want %d", core.ErrDimensionMismatch, len(vec), space.Dimensions())
	}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	s.logger.Debug("search", "space", space, "owner_id", req.OwnerID, "limit", limit, "threshold", req.Threshold)
	return core.SearchQuery{
		OwnerID:   req.OwnerID,
		Vector:    vec,
		Threshold: req.Threshold,
		Limit:     limit,
	}, nil
}

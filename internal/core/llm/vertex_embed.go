package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"

	aiplatform "google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// maxMultimodalText bounds the text half of a multimodal instance.
const maxMultimodalText = 1000

// VertexMultimodalEmbedder calls the Vertex AI multimodal embedding model.
// When an instance carries both text and media, the returned vectors are
// averaged and re-normalised into one.
type VertexMultimodalEmbedder struct {
	svc      *aiplatform.Service
	endpoint string
	logger   *slog.Logger
}

var _ core.MultimodalEmbedder = (*VertexMultimodalEmbedder)(nil)

func NewVertexMultimodalEmbedder(ctx context.Context, project, location, model, credentialsFile string) (*VertexMultimodalEmbedder, error) {
	if project == "" {
		return nil, fmt.Errorf("GCP_PROJECT not set")
	}
	if location == "" {
		location = "us-central1"
	}
	if model == "" {
		model = "multimodalembedding@001"
	}

	opts := []option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("https://%s-aiplatform.googleapis.com/", location)),
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := aiplatform.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vertex client: %w", err)
	}
	return &VertexMultimodalEmbedder{
		svc:      svc,
		endpoint: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", project, location, model),
		logger:   slog.Default().With("component", "vertex-embedder"),
	}, nil
}

func (v *VertexMultimodalEmbedder) Dimensions() int { return models.MultimodalEmbeddingDim }

func (v *VertexMultimodalEmbedder) EmbedMultimodal(ctx context.Context, in core.MultimodalInput) ([]float32, error) {
	instance, err := buildInstance(in)
	if err != nil {
		return nil, err
	}

	req := &aiplatform.GoogleCloudAiplatformV1PredictRequest{
		Instances:  []interface{}{instance},
		Parameters: map[string]any{"dimension": models.MultimodalEmbeddingDim},
	}
	resp, err := v.svc.Projects.Locations.Publishers.Models.Predict(v.endpoint, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("vertex predict: %w", err)
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("vertex predict returned no predictions")
	}

	vecs, err := predictionVectors(resp.Predictions[0])
	if err != nil {
		return nil, err
	}
	out := Combine(vecs...)
	if len(out) != v.Dimensions() {
		return nil, fmt.Errorf("%w: got %d want %d", core.ErrDimensionMismatch, len(out), v.Dimensions())
	}
	return out, nil
}

func buildInstance(in core.MultimodalInput) (map[string]any, error) {
	instance := map[string]any{}
	if text := TruncateRunes(strings.TrimSpace(in.Text), maxMultimodalText); text != "" {
		instance["text"] = text
	}
	if in.Media != nil && len(in.Media.Data) > 0 {
		payload := map[string]any{"bytesBase64Encoded": base64.StdEncoding.EncodeToString(in.Media.Data)}
		switch {
		case strings.HasPrefix(in.Media.MimeType, "image/"):
			instance["image"] = payload
		case strings.HasPrefix(in.Media.MimeType, "video/"):
			payload["videoSegmentConfig"] = map[string]any{"intervalSec": 120}
			instance["video"] = payload
		default:
			return nil, fmt.Errorf("unsupported multimodal media type %q", in.Media.MimeType)
		}
	}
	if len(instance) == 0 {
		return nil, fmt.Errorf("multimodal input has neither text nor media")
	}
	return instance, nil
}

func predictionVectors(pred any) ([][]float32, error) {
	m, ok := pred.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected prediction shape %T", pred)
	}
	var out [][]float32
	for _, key := range []string{"textEmbedding", "imageEmbedding"} {
		if raw, ok := m[key]; ok {
			v, err := toVector(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, v)
		}
	}
	if segs, ok := m["videoEmbeddings"].([]any); ok {
		for _, seg := range segs {
			sm, ok := seg.(map[string]any)
			if !ok {
				continue
			}
			v, err := toVector(sm["embedding"])
			if err != nil {
				return nil, fmt.Errorf("videoEmbeddings: %w", err)
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("prediction carried no embeddings")
	}
	return out, nil
}

func toVector(raw any) ([]float32, error) {
	vals, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected embedding shape %T", raw)
	}
	out := make([]float32, len(vals))
	for i, x := range vals {
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("unexpected embedding value %T", x)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Combine averages equally sized vectors and L2-normalises the result.
// Vectors of a different length than the first are ignored.
func Combine(vecs ...[]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	var norm float64
	for i := range sum {
		sum[i] /= float64(n)
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dim)
	for i, x := range sum {
		if norm > 0 {
			x /= norm
		}
		out[i] = float32(x)
	}
	return out
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

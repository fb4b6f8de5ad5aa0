package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

const (
	imagePrompt = `Describe this image for a search index. Respond with JSON of the form
{"description": "...", "text": "..."} where "description" covers the scene, objects,
people, layout and any charts, and "text" is every piece of legible text in reading
order, or "" if there is none.`

	transcribePrompt = `Transcribe the speech in this audio verbatim. Return only the transcript
text with no commentary. Return an empty response if there is no speech.`

	videoPrompt = `Describe what is shown in this video clip: scenes, people, actions, on-screen
text and visual changes. Do not transcribe the dialogue. Return plain prose.`
)

// GeminiMedia analyzes images, audio and video with a Gemini generative model.
type GeminiMedia struct {
	client    *genai.Client
	modelName string
	logger    *slog.Logger
}

var _ core.MediaAnalyzer = (*GeminiMedia)(nil)

func NewGeminiMedia(ctx context.Context, apiKey, modelName string) (*GeminiMedia, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiMedia{
		client:    cl,
		modelName: modelName,
		logger:    slog.Default().With("component", "gemini-media"),
	}, nil
}

func (g *GeminiMedia) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiMedia) DescribeImage(ctx context.Context, img core.Media) (core.ImageAnalysis, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.ResponseMIMEType = "application/json"

	text, err := g.generate(ctx, m, img, imagePrompt)
	if err != nil {
		return core.ImageAnalysis{}, err
	}

	var out core.ImageAnalysis
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		g.logger.Warn("image analysis was not valid JSON, keeping raw text", "err", err)
		return core.ImageAnalysis{Description: strings.TrimSpace(text)}, nil
	}
	out.Description = strings.TrimSpace(out.Description)
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

func (g *GeminiMedia) Transcribe(ctx context.Context, audio core.Media) (string, error) {
	text, err := g.generate(ctx, g.client.GenerativeModel(g.modelName), audio, transcribePrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (g *GeminiMedia) DescribeVideo(ctx context.Context, clip core.Media) (string, error) {
	text, err := g.generate(ctx, g.client.GenerativeModel(g.modelName), clip, videoPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (g *GeminiMedia) generate(ctx context.Context, m *genai.GenerativeModel, media core.Media, prompt string) (string, error) {
	resp, err := m.GenerateContent(ctx, genai.Blob{MIMEType: media.MimeType, Data: media.Data}, genai.Text(prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", retry.Validation("the file's content was rejected by the analysis service", err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

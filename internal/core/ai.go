package core

import "context"

// TextEmbedder produces vectors in the 768-dimension text space.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Media is an in-memory media payload handed to a provider.
type Media struct {
	MimeType string
	Data     []byte
}

// MultimodalInput pairs optional text with optional media. At least one is
// set.
type MultimodalInput struct {
	Text  string
	Media *Media
}

// MultimodalEmbedder produces vectors in the 1408-dimension multimodal space.
type MultimodalEmbedder interface {
	EmbedMultimodal(ctx context.Context, in MultimodalInput) ([]float32, error)
	Dimensions() int
}

// ImageAnalysis is the generated description of an image and any text
// recognised in it.
type ImageAnalysis struct {
	Description string `json:"description"`
	Text        string `json:"text"`
}

// MediaAnalyzer turns media into text.
type MediaAnalyzer interface {
	DescribeImage(ctx context.Context, img Media) (ImageAnalysis, error)
	Transcribe(ctx context.Context, audio Media) (string, error)
	DescribeVideo(ctx context.Context, clip Media) (string, error)
}

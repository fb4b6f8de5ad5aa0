package ingestion_engine

import "time"

// IngestConfig tunes the pipelines.
//
// TargetTokens:   approximate tokens at which a section chunk is closed.
// MaxTokens:      hard upper bound per chunk; larger paragraphs are split.
// OverlapTokens:  tokens carried from the end of one chunk into the next
// within the same section.
// BatchSize:      how many chunks to embed and commit in one batch.
// AudioSegment:   length of an audio transcription segment.
// VideoBatch:     length of a video batch.
// ScratchDir:     parent of per-attempt scratch directories ("" = os temp).
// UseReadability: strip boilerplate from HTML before chunking.
type IngestConfig struct {
	TargetTokens   int
	MaxTokens      int
	OverlapTokens  int
	BatchSize      int
	AudioSegment   time.Duration
	VideoBatch     time.Duration
	ScratchDir     string
	UseReadability bool
}

// DefaultIngestConfig returns the settings used when none are given.
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		TargetTokens: 350,
		MaxTokens:    800,
		BatchSize:    16,
		AudioSegment: 2 * time.Minute,
		VideoBatch:   time.Minute,
	}
}

func (c *IngestConfig) withDefaults() *IngestConfig {
	d := DefaultIngestConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.TargetTokens <= 0 {
		out.TargetTokens = d.TargetTokens
	}
	if out.MaxTokens < out.TargetTokens {
		out.MaxTokens = max(d.MaxTokens, out.TargetTokens)
	}
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.AudioSegment <= 0 {
		out.AudioSegment = d.AudioSegment
	}
	if out.VideoBatch <= 0 {
		out.VideoBatch = d.VideoBatch
	}
	return &out
}

package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BlockKind is the structural role of an extracted block.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockTable     BlockKind = "table"
)

// Block is one structural unit of an extracted document.
type Block struct {
	Kind  BlockKind
	Text  string
	Level int // heading depth, 1 based
	Page  int // 1 based, 0 when the format has no pages
}

// DocumentExtractor defines the interface for extracting structured text from
// various document types.
type DocumentExtractor interface {
	// ExtractBlocks runs extraction on g and streams blocks in document order.
	// The contentType hint helps the extractor choose the right parsing strategy.
	ExtractBlocks(ctx context.Context, g *errgroup.Group, data []byte, contentType string) (<-chan Block, error)
}

// Window is a half-open time range of a media file.
type Window struct {
	Index int
	Start float64 // seconds
	End   float64 // seconds
}

// MediaSplitter cuts audio and video files into temporal windows.
type MediaSplitter interface {
	Duration(ctx context.Context, path string) (float64, error)
	CutAudio(ctx context.Context, src string, w Window, dstDir string) (string, error)
	CutVideo(ctx context.Context, src string, w Window, dstDir string) (string, error)
}

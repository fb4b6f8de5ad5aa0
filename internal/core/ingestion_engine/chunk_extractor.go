package ingestion_engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// streamChunk groups blocks into section-bounded chunks.
//
// A heading closes the current chunk and starts a new section. Paragraphs
// accumulate until TargetTokens is reached; a paragraph that would push the
// chunk past MaxTokens closes it first. Tables and paragraphs larger than
// MaxTokens become chunks of their own, split on line and word boundaries.
func streamChunk(
	ctx context.Context,
	g *errgroup.Group,
	blocks <-chan core.Block,
	cfg *IngestConfig,
) <-chan Draft {
	out := make(chan Draft, 8)

	g.Go(func() error {
		defer close(out)

		c := &sectionChunker{cfg: cfg}
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.MaxTokens*4),
			textsplitter.WithChunkOverlap(cfg.OverlapTokens*4),
		)

		emit := func(ds ...Draft) error {
			for _, d := range ds {
				select {
				case out <- d:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}

		for b := range blocks {
			if err := ctx.Err(); err != nil {
				return err
			}

			switch {
			case b.Kind == core.BlockHeading:
				if err := emit(c.flush(false)...); err != nil {
					return err
				}
				c.enter(b)

			case b.Kind == core.BlockTable || approxTokens(b.Text) > cfg.MaxTokens:
				if err := emit(c.flush(false)...); err != nil {
					return err
				}
				pieces := []string{b.Text}
				if approxTokens(b.Text) > cfg.MaxTokens {
					split, err := splitter.SplitText(b.Text)
					if err != nil {
						return fmt.Errorf("split oversized %s: %w", b.Kind, err)
					}
					pieces = split
				}
				for _, piece := range pieces {
					c.add(core.Block{Kind: b.Kind, Text: piece, Page: b.Page})
					if err := emit(c.flush(true)...); err != nil {
						return err
					}
				}

			default:
				if c.tokens > 0 && c.tokens+approxTokens(b.Text) > cfg.MaxTokens {
					if err := emit(c.flush(false)...); err != nil {
						return err
					}
				}
				c.add(b)
				if c.tokens >= cfg.TargetTokens {
					if err := emit(c.flush(false)...); err != nil {
						return err
					}
				}
			}
		}

		return emit(c.flush(true)...)
	})

	return out
}

// sectionChunker holds the chunk being built and the heading path above it.
type sectionChunker struct {
	cfg *IngestConfig

	path   []heading
	buf    []core.Block
	tokens int
	fresh  int // tokens added since the last flush
}

type heading struct {
	level int
	text  string
}

// enter replaces headings at or below b's level with b.
func (c *sectionChunker) enter(b core.Block) {
	level := max(b.Level, 1)
	keep := c.path[:0]
	for _, h := range c.path {
		if h.level < level {
			keep = append(keep, h)
		}
	}
	c.path = append(keep, heading{level: level, text: b.Text})
	c.buf = nil
	c.tokens = 0
	c.fresh = 0
}

func (c *sectionChunker) add(b core.Block) {
	n := approxTokens(b.Text)
	c.buf = append(c.buf, b)
	c.tokens += n
	c.fresh += n
}

// flush emits the buffered blocks as a draft. Unless noOverlap is set, a
// tail of about OverlapTokens is kept to seed the next chunk.
func (c *sectionChunker) flush(noOverlap bool) []Draft {
	if c.fresh == 0 {
		return nil
	}
	c.fresh = 0

	texts := make([]string, len(c.buf))
	kinds := map[string]bool{}
	var kindList []string
	first, last := c.buf[0].Page, c.buf[len(c.buf)-1].Page
	for i, b := range c.buf {
		texts[i] = b.Text
		if !kinds[string(b.Kind)] {
			kinds[string(b.Kind)] = true
			kindList = append(kindList, string(b.Kind))
		}
	}

	titles := make([]string, len(c.path))
	for i, h := range c.path {
		titles[i] = h.text
	}
	section := strings.Join(titles, " > ")

	meta := map[string]any{
		"tokens":      c.tokens,
		"block_kinds": kindList,
	}
	if section != "" {
		meta["section"] = section
		meta["heading_path"] = titles
	}
	if first > 0 {
		meta["page_start"] = first
		meta["page_end"] = last
	}

	d := Draft{
		Content:  strings.Join(texts, "\n\n"),
		Context:  describeLocation(section, first, last),
		Metadata: meta,
	}

	if noOverlap || c.cfg.OverlapTokens <= 0 {
		c.buf = nil
		c.tokens = 0
		return []Draft{d}
	}

	// keep a tail whose token sum is about OverlapTokens
	var keep []core.Block
	remain := c.cfg.OverlapTokens
	for j := len(c.buf) - 1; j >= 0 && remain > 0; j-- {
		keep = append([]core.Block{c.buf[j]}, keep...)
		remain -= approxTokens(c.buf[j].Text)
	}
	if len(keep) == len(c.buf) {
		// the whole chunk would be carried over
		keep = nil
	}
	c.buf = keep
	c.tokens = 0
	for _, b := range keep {
		c.tokens += approxTokens(b.Text)
	}
	return []Draft{d}
}

func describeLocation(section string, first, last int) string {
	var pages string
	switch {
	case first <= 0:
	case first == last:
		pages = fmt.Sprintf("page %d", first)
	default:
		pages = fmt.Sprintf("pages %d-%d", first, last)
	}
	switch {
	case section != "" && pages != "":
		return section + " (" + pages + ")"
	case section != "":
		return section
	default:
		return pages
	}
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

package ingestion_engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"unicode"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
// Plain text and markdown are scanned directly.
type DocconvExtractor struct {
	useReadability bool
	lookPath       func(string) (string, error)
	logger         *slog.Logger
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{
		useReadability: useReadability,
		lookPath:       exec.LookPath,
		logger:         slog.Default().With("component", "docconv"),
	}
}

// converterTools are the programs docconv runs for each content type.
var converterTools = map[string][]string{
	"application/pdf":         {"pdftotext", "pdfinfo"},
	"application/msword":      {"wvText"},
	"application/vnd.ms-word": {"wvText"},
	"application/rtf":         {"unrtf"},
	"application/x-rtf":       {"unrtf"},
	"text/rtf":                {"unrtf"},
	"text/richtext":           {"unrtf"},
}

// checkTools fails with a system error when a converter program for
// contentType is not installed. The document itself is not at fault.
func (e *DocconvExtractor) checkTools(contentType string) error {
	for _, tool := range converterTools[contentType] {
		if _, err := e.lookPath(tool); err != nil {
			return retry.New(retry.ClassSystem, fmt.Errorf("converter for %s unavailable: %w", contentType, err))
		}
	}
	return nil
}

// convertError classifies a docconv failure. docconv flattens the errors of
// the programs it runs into text, so environment faults are recognised by
// message; anything else is a document that could not be parsed.
func convertError(contentType string, err error) error {
	wrapped := fmt.Errorf("docconv %s: %w", contentType, err)
	msg := err.Error()
	switch {
	case errors.Is(err, exec.ErrNotFound),
		strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "error creating local file"),
		strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "signal: killed"):
		return retry.New(retry.ClassSystem, wrapped)
	}
	return retry.Validation("the document could not be read; it may be corrupt or password protected", wrapped)
}

// ExtractBlocks streams the structural blocks of data in document order.
func (e *DocconvExtractor) ExtractBlocks(ctx context.Context, g *errgroup.Group, data []byte, contentType string) (<-chan core.Block, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, retry.Validation("the document is empty", ErrEmptyContent)
	}
	if err := e.checkTools(contentType); err != nil {
		return nil, err
	}
	out := make(chan core.Block, 32)

	g.Go(func() error {
		defer close(out)

		var r io.Reader
		paged := false
		switch contentType {
		case "text/plain", "text/markdown":
			r = bytes.NewReader(data)
		default:
			res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
			if err != nil {
				return convertError(contentType, err)
			}
			if strings.TrimSpace(res.Body) == "" {
				e.logger.Warn("extracted empty text", "content_type", contentType)
				return nil
			}
			paged = strings.Contains(res.Body, "\f")
			r = strings.NewReader(res.Body)
		}
		return scanBlocks(ctx, r, paged, out)
	})

	return out, nil
}

// scanBlocks reads lines from r and emits blocks. Blank lines end
// paragraphs; form feeds end pages when paged is set.
func scanBlocks(ctx context.Context, r io.Reader, paged bool, out chan<- core.Block) error {
	p := &blockParser{paged: paged}
	if paged {
		p.page = 1
	}
	emit := func(b core.Block) error {
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			for _, b := range p.feed(line) {
				if err := emit(b); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return retry.Validation("the document could not be read", err)
		}
	}
	for _, b := range p.flush() {
		if err := emit(b); err != nil {
			return err
		}
	}
	return nil
}

var (
	mdHeading       = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*$`)
	numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\p{Lu}`)
)

type blockParser struct {
	paged bool
	page  int
	lines []string
}

func (p *blockParser) feed(line string) []core.Block {
	var out []core.Block
	for {
		ff := strings.IndexByte(line, '\f')
		if ff < 0 {
			break
		}
		out = append(out, p.feedLine(line[:ff])...)
		out = append(out, p.flush()...)
		if p.paged {
			p.page++
		}
		line = line[ff+1:]
	}
	return append(out, p.feedLine(line)...)
}

func (p *blockParser) feedLine(line string) []core.Block {
	line = strings.TrimRightFunc(line, unicode.IsSpace)
	if strings.TrimSpace(line) == "" {
		return p.flush()
	}
	if level, text, ok := headingOf(line); ok && !isTableLine(line) {
		out := p.flush()
		return append(out, core.Block{Kind: core.BlockHeading, Text: text, Level: level, Page: p.page})
	}
	p.lines = append(p.lines, line)
	return nil
}

func (p *blockParser) flush() []core.Block {
	if len(p.lines) == 0 {
		return nil
	}
	lines := p.lines
	p.lines = nil

	table := len(lines) > 1
	for _, l := range lines {
		if !isTableLine(l) {
			table = false
			break
		}
	}
	if table {
		return []core.Block{{Kind: core.BlockTable, Text: strings.Join(lines, "\n"), Page: p.page}}
	}

	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = strings.TrimSpace(l)
	}
	return []core.Block{{Kind: core.BlockParagraph, Text: strings.Join(parts, " "), Page: p.page}}
}

// headingOf recognises markdown headings, numbered section titles and short
// all-caps lines.
func headingOf(line string) (int, string, bool) {
	s := strings.TrimSpace(line)
	if m := mdHeading.FindStringSubmatch(s); m != nil {
		return len(m[1]), m[2], true
	}
	if len([]rune(s)) > 80 || strings.HasSuffix(s, ".") || strings.HasSuffix(s, ":") {
		return 0, "", false
	}
	if m := numberedHeading.FindStringSubmatch(s); m != nil {
		return strings.Count(m[1], ".") + 1, s, true
	}
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 3 && letters == upper && len([]rune(s)) <= 60 {
		return 1, s, true
	}
	return 0, "", false
}

func isTableLine(s string) bool {
	t := strings.TrimSpace(s)
	return strings.Count(t, "|") >= 2 || strings.Contains(t, "\t")
}

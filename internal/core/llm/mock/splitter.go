package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// Splitter is a test double for core.MediaSplitter. By default it reports
// DurationSeconds and writes a small placeholder file per window.
type Splitter struct {
	DurationSeconds float64
	DurationFunc    func(ctx context.Context, path string) (float64, error)
	CutFunc         func(ctx context.Context, src string, w core.Window, dstDir string) (string, error)

	mu   sync.Mutex
	cuts []core.Window
}

var _ core.MediaSplitter = (*Splitter)(nil)

func NewSplitter(seconds float64) *Splitter { return &Splitter{DurationSeconds: seconds} }

func (s *Splitter) Duration(ctx context.Context, path string) (float64, error) {
	if s.DurationFunc != nil {
		return s.DurationFunc(ctx, path)
	}
	return s.DurationSeconds, nil
}

func (s *Splitter) CutAudio(ctx context.Context, src string, w core.Window, dstDir string) (string, error) {
	return s.cut(ctx, src, w, dstDir, "mp3")
}

func (s *Splitter) CutVideo(ctx context.Context, src string, w core.Window, dstDir string) (string, error) {
	return s.cut(ctx, src, w, dstDir, "mp4")
}

func (s *Splitter) cut(ctx context.Context, src string, w core.Window, dstDir, ext string) (string, error) {
	s.mu.Lock()
	s.cuts = append(s.cuts, w)
	fn := s.CutFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, src, w, dstDir)
	}
	dst := filepath.Join(dstDir, fmt.Sprintf("part-%03d.%s", w.Index, ext))
	if err := os.WriteFile(dst, []byte(fmt.Sprintf("%s[%.0f-%.0f]", ext, w.Start, w.End)), 0o600); err != nil {
		return "", err
	}
	return dst, nil
}

// Windows returns every window cut so far.
func (s *Splitter) Windows() []core.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Window(nil), s.cuts...)
}

package objectclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// LocalClient stores objects as files under root/<bucket>/<key>. Uploads
// land under a dot-prefixed temporary name and are renamed into place, so a
// watcher only ever sees finalized objects.
type LocalClient struct {
	root   string
	logger *slog.Logger
}

var _ core.ObjectClient = (*LocalClient)(nil)

func NewLocalClient(root string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalClient{root: abs, logger: slog.Default().With("component", "local-storage")}, nil
}

// Root returns the absolute storage root.
func (c *LocalClient) Root() string { return c.root }

func (c *LocalClient) path(bucket, key string) (string, error) {
	p := filepath.Join(c.root, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(p, c.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("object key %q escapes storage root", key)
	}
	return p, nil
}

func (c *LocalClient) UploadFile(ctx context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	dst, err := c.path(bucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.partial")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return "file://" + filepath.ToSlash(dst), nil
}

func (c *LocalClient) DeleteFile(_ context.Context, bucket, key string) error {
	p, err := c.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (c *LocalClient) GetObjectReader(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := c.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", classifyFS(err))
	}
	return f, nil
}

// ObjectFor maps an absolute path under root back to bucket and key.
func (c *LocalClient) ObjectFor(path string) (bucket, key string, ok bool) {
	rel, err := filepath.Rel(c.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

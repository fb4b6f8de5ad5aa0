package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
)

// FFmpeg implements core.MediaSplitter by shelling out to ffprobe and ffmpeg.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

var _ core.MediaSplitter = (*FFmpeg)(nil)

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		logger:  slog.Default().With("component", "ffmpeg"),
	}
}

// Duration returns the container duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// CutAudio writes w of src as mono 16kHz mp3.
func (f *FFmpeg) CutAudio(ctx context.Context, src string, w core.Window, dstDir string) (string, error) {
	dst := filepath.Join(dstDir, fmt.Sprintf("segment-%04d.mp3", w.Index))
	args := append(window(w, src),
		"-vn", "-ac", "1", "-ar", "16000",
		"-c:a", "libmp3lame", "-b:a", "64k",
		dst)
	if _, err := f.run(ctx, f.ffmpeg, args...); err != nil {
		return "", err
	}
	return dst, nil
}

// CutVideo writes w of src as a 480p mp4 small enough to send inline.
func (f *FFmpeg) CutVideo(ctx context.Context, src string, w core.Window, dstDir string) (string, error) {
	dst := filepath.Join(dstDir, fmt.Sprintf("batch-%04d.mp4", w.Index))
	args := append(window(w, src),
		"-vf", "scale=-2:480",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "28",
		"-c:a", "aac", "-b:a", "64k",
		"-movflags", "+faststart",
		dst)
	if _, err := f.run(ctx, f.ffmpeg, args...); err != nil {
		return "", err
	}
	return dst, nil
}

func window(w core.Window, src string) []string {
	args := []string{"-y", "-v", "error", "-ss", formatSeconds(w.Start)}
	if w.End > w.Start {
		args = append(args, "-t", formatSeconds(w.End-w.Start))
	}
	return append(args, "-i", src)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	f.logger.Debug("running", "cmd", name, "args", strings.Join(args, " "))
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", retry.New(retry.ClassSystem, fmt.Errorf("%s not installed: %w", name, err))
	}

	msg := strings.TrimSpace(stderr.String())
	if undecodable(msg) {
		return "", retry.Validation("the media file is corrupt or in an unsupported encoding",
			fmt.Errorf("%s: %s", name, msg))
	}
	return "", fmt.Errorf("%s: %w: %s", name, err, msg)
}

func undecodable(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"invalid data found",
		"moov atom not found",
		"does not contain any stream",
		"could not find codec parameters",
		"output file #0 does not contain",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

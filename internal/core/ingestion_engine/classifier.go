package ingestion_engine

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Format is the resolved pipeline and canonical MIME type of an upload.
type Format struct {
	Category models.Category
	MimeType string
}

var mimeCategories = map[string]models.Category{
	"application/pdf":    models.CategoryDocument,
	"application/msword": models.CategoryDocument,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   models.CategoryDocument,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": models.CategoryDocument,
	"application/vnd.oasis.opendocument.text":                                   models.CategoryDocument,

	"application/rtf":  models.CategoryDocument,
	"text/rtf":         models.CategoryDocument,
	"text/plain":       models.CategoryDocument,
	"text/markdown":    models.CategoryDocument,
	"text/html":        models.CategoryDocument,
	"application/xml":  models.CategoryDocument,
	"text/xml":         models.CategoryDocument,
	"image/jpeg":       models.CategoryImage,
	"image/png":        models.CategoryImage,
	"image/gif":        models.CategoryImage,
	"audio/mpeg":       models.CategoryAudio,
	"audio/mp3":        models.CategoryAudio,
	"audio/wav":        models.CategoryAudio,
	"audio/x-wav":      models.CategoryAudio,
	"audio/aac":        models.CategoryAudio,
	"audio/ogg":        models.CategoryAudio,
	"audio/flac":       models.CategoryAudio,
	"audio/mp4":        models.CategoryAudio,
	"audio/x-m4a":      models.CategoryAudio,
	"video/mp4":        models.CategoryVideo,
	"video/quicktime":  models.CategoryVideo,
	"video/webm":       models.CategoryVideo,
	"video/x-matroska": models.CategoryVideo,
	"video/mpeg":       models.CategoryVideo,
	"video/x-msvideo":  models.CategoryVideo,
}

var extMimes = map[string]string{
	".pdf":      "application/pdf",
	".doc":      "application/msword",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx":     "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":      "application/vnd.oasis.opendocument.text",
	".rtf":      "application/rtf",
	".txt":      "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".xml":      "application/xml",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".png":      "image/png",
	".gif":      "image/gif",
	".mp3":      "audio/mpeg",
	".wav":      "audio/wav",
	".aac":      "audio/aac",
	".ogg":      "audio/ogg",
	".flac":     "audio/flac",
	".m4a":      "audio/mp4",
	".mp4":      "video/mp4",
	".mov":      "video/quicktime",
	".webm":     "video/webm",
	".mkv":      "video/x-matroska",
	".mpeg":     "video/mpeg",
	".mpg":      "video/mpeg",
	".avi":      "video/x-msvideo",
}

// Classify maps a declared MIME type, falling back to the file extension,
// to a pipeline. It is pure and never retried.
func Classify(mimeType, fileName string) (Format, error) {
	mt := normalizeMime(mimeType)
	if c, ok := mimeCategories[mt]; ok {
		return Format{Category: c, MimeType: mt}, nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if byExt, ok := extMimes[ext]; ok {
		return Format{Category: mimeCategories[byExt], MimeType: byExt}, nil
	}
	return Format{}, fmt.Errorf("%w: type %q, extension %q", ErrUnsupportedFormat, mimeType, ext)
}

func normalizeMime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return mt
}

// IsSupported reports whether Classify accepts the pair.
func IsSupported(mimeType, fileName string) bool {
	_, err := Classify(mimeType, fileName)
	return err == nil
}

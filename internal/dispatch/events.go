// Package dispatch turns object-finalized notifications into worker launches.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// ErrMalformedEvent is returned for a notification body that cannot be
// parsed.
var ErrMalformedEvent = errors.New("malformed storage event")

type s3Notification struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      int64  `json:"size"`
			ETag      string `json:"eTag"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseS3Event extracts ObjectCreated records from an S3 event notification
// body. Keys arrive form-encoded and are decoded here. Other event types and
// the s3:TestEvent probe yield no events.
func ParseS3Event(body []byte) ([]core.ObjectEvent, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	var out []core.ObjectEvent
	for i, r := range n.Records {
		if !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %w", ErrMalformedEvent, i, r.S3.Object.Key, err)
		}
		if r.S3.Bucket.Name == "" || key == "" {
			return nil, fmt.Errorf("%w: record %d has no bucket or key", ErrMalformedEvent, i)
		}
		out = append(out, core.ObjectEvent{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			Size:      r.S3.Object.Size,
			ETag:      strings.Trim(r.S3.Object.ETag, `"`),
			Sequencer: r.S3.Object.Sequencer,
		})
	}
	return out, nil
}

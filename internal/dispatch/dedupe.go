package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

const eventKeyPrefix = "evt/"

// EventDeduper remembers delivered events for a TTL so at-least-once
// storage notifications launch a job at most once per delivery identity.
type EventDeduper struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// OpenEventDeduper opens a deduper backed by badger at dir, or in memory
// when dir is empty.
func OpenEventDeduper(dir string, ttl time.Duration) (*EventDeduper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("dedupe ttl must be positive")
	}
	logger := slog.Default().With("component", "dedupe")

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dedupe dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dedupe store: %w", err)
	}
	return &EventDeduper{db: db, ttl: ttl, logger: logger}, nil
}

func (d *EventDeduper) Close() error {
	return d.db.Close()
}

func eventKey(ev core.ObjectEvent) []byte {
	return []byte(eventKeyPrefix + strings.Join([]string{ev.Bucket, ev.Key, ev.ETag, ev.Sequencer}, "\x00"))
}

// Seen records ev and reports whether it had already been recorded within
// the TTL. A write conflict means a concurrent delivery recorded it first.
func (d *EventDeduper) Seen(ev core.ObjectEvent) (bool, error) {
	key := eventKey(ev)
	seen := false
	err := d.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			seen = true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(d.ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return seen, nil
}

// Forget drops ev so a redelivery is dispatched again.
func (d *EventDeduper) Forget(ev core.ObjectEvent) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(eventKey(ev))
	})
}

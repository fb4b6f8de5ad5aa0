package ingestion_engine

import "errors"

var (
	// ErrUnsupportedFormat is returned by Classify for types no pipeline handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyContent means a pipeline produced nothing to index.
	ErrEmptyContent = errors.New("no content extracted")

	// ErrNoProvider means a pipeline's provider is not configured.
	ErrNoProvider = errors.New("provider not configured")
)

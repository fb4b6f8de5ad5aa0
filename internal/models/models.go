package models

import (
	"time"
)

// Category selects the processing pipeline for an uploaded object.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
)

// DocumentStatus is the lifecycle of an uploaded object.
type DocumentStatus string

const (
	DocumentUploading  DocumentStatus = "uploading"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentError      DocumentStatus = "error"
)

// JobStatus is the lifecycle of a processing job.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobProcessing         JobStatus = "processing"
	JobProcessed          JobStatus = "processed"
	JobError              JobStatus = "error"
	JobRetryPending       JobStatus = "retry_pending"
	JobCancelled          JobStatus = "cancelled"
	JobPartiallyProcessed JobStatus = "partially_processed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobProcessed, JobError, JobCancelled:
		return true
	}
	return false
}

// ActiveJobStatuses are the statuses the polling read path treats as in flight.
var ActiveJobStatuses = []JobStatus{JobPending, JobProcessing, JobRetryPending, JobPartiallyProcessed}

// EmbeddingSpace names one of the two vector spaces a chunk can live in.
type EmbeddingSpace string

const (
	TextSpace       EmbeddingSpace = "text"
	MultimodalSpace EmbeddingSpace = "multimodal"
)

const (
	TextEmbeddingDim       = 768
	MultimodalEmbeddingDim = 1408
)

// Dimensions returns the fixed vector width of the space.
func (s EmbeddingSpace) Dimensions() int {
	if s == MultimodalSpace {
		return MultimodalEmbeddingDim
	}
	return TextEmbeddingDim
}

// Document represents one uploaded object.
type Document struct {
	ID            string         `db:"id" json:"id"`
	OwnerID       string         `db:"owner_id" json:"owner_id"`
	FileName      string         `db:"file_name" json:"file_name"`
	SizeBytes     int64          `db:"size_bytes" json:"size_bytes"`
	MimeType      string         `db:"mime_type" json:"mime_type"`
	Category      Category       `db:"category" json:"category"`
	StorageBucket string         `db:"storage_bucket" json:"storage_bucket"`
	StorageKey    string         `db:"storage_key" json:"storage_key"`
	Status        DocumentStatus `db:"status" json:"status"`
	ChunkCount    int            `db:"chunk_count" json:"chunk_count"`
	ErrorMessage  string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	ProcessedAt   *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// ProcessingJob is the unit of work and the authoritative progress record
// for one Document.
type ProcessingJob struct {
	ID                  string     `db:"id" json:"id"`
	DocumentID          string     `db:"document_id" json:"document_id"`
	Status              JobStatus  `db:"status" json:"status"`
	Stage               string     `db:"stage" json:"stage"`
	StageIndex          int        `db:"stage_index" json:"stage_index,omitempty"`
	StageTotal          int        `db:"stage_total" json:"stage_total,omitempty"`
	Progress            int        `db:"progress" json:"progress"`
	RetryCount          int        `db:"retry_count" json:"retry_count"`
	MaxRetryCount       int        `db:"max_retry_count" json:"max_retry_count"`
	ErrorMessage        string     `db:"error_message" json:"error_message,omitempty"`
	ErrorDetail         string     `db:"error_detail" json:"-"`
	ErrorType           string     `db:"error_type" json:"error_type,omitempty"`
	CommittedChunks     int        `db:"committed_chunks" json:"committed_chunks"`
	Warnings            []string   `db:"warnings" json:"warnings,omitempty"`
	NextRetryAt         *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Chunk is one retrievable unit derived from a Document. Exactly one of
// TextEmbedding and MultimodalEmbedding is populated.
type Chunk struct {
	ID                  string         `db:"id" json:"id"`
	OwnerID             string         `db:"owner_id" json:"owner_id"`
	DocumentID          string         `db:"document_id" json:"document_id"`
	Index               int            `db:"chunk_index" json:"index"`
	Content             string         `db:"content" json:"content"`
	Context             string         `db:"context" json:"context"`
	Metadata            map[string]any `db:"metadata" json:"metadata,omitempty"`
	TextEmbedding       []float32      `db:"text_embedding" json:"-"`
	MultimodalEmbedding []float32      `db:"multimodal_embedding" json:"-"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// Space reports which index the chunk participates in, derived from the
// populated embedding field.
func (c *Chunk) Space() (EmbeddingSpace, bool) {
	switch {
	case len(c.TextEmbedding) > 0 && len(c.MultimodalEmbedding) == 0:
		return TextSpace, true
	case len(c.MultimodalEmbedding) > 0 && len(c.TextEmbedding) == 0:
		return MultimodalSpace, true
	}
	return "", false
}

// SearchResult is one ranked chunk returned by similarity search.
type SearchResult struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	FileName   string         `json:"file_name"`
	Index      int            `json:"index"`
	Content    string         `json:"content"`
	Context    string         `json:"context"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Similarity float64        `json:"similarity"`
	CreatedAt  time.Time      `json:"created_at"`
}

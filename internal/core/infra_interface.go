package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// JobExpectation is the precondition of a conditional job update. Empty
// fields are not checked.
type JobExpectation struct {
	Statuses      []models.JobStatus
	RetryCount    *int
	UpdatedBefore *time.Time
}

// JobUpdate lists the job columns to write. Nil fields are left untouched.
// Progress is merged with the stored value so it never decreases.
type JobUpdate struct {
	Status              *models.JobStatus
	Stage               *string
	StageIndex          *int
	StageTotal          *int
	Progress            *int
	RetryCount          *int
	MaxRetryCount       *int
	ErrorMessage        *string
	ErrorDetail         *string
	ErrorType           *string
	CommittedChunks     *int
	Warnings            []string
	NextRetryAt         *time.Time
	ClearNextRetryAt    bool
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time

	// DocumentStatus and DocumentError update the owning document in the
	// same transaction.
	DocumentStatus *models.DocumentStatus
	DocumentError  *string
}

// JobStore owns the job state machine rows.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)
	ListJobsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.ProcessingJob, error)
	ListActiveJobsByOwner(ctx context.Context, ownerID string) ([]models.ProcessingJob, error)
	FindActiveJobByStorageKey(ctx context.Context, bucket, key string) (*models.ProcessingJob, error)

	// TransitionJob applies upd only if the job matches exp, returning
	// ErrJobConflict otherwise.
	TransitionJob(ctx context.Context, id string, exp JobExpectation, upd JobUpdate) (*models.ProcessingJob, error)

	// CompleteJob marks the job processed at progress 100 and the document
	// completed with its chunk count, in one transaction.
	CompleteJob(ctx context.Context, id string, exp JobExpectation, warnings []string) (*models.ProcessingJob, error)

	ListStuckJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error)
	ListStalePendingJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error)
	ListOrphanedRetryJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error)
}

// DocumentStore persists documents. Documents are only created together
// with their job.
type DocumentStore interface {
	CreateDocumentWithJob(ctx context.Context, doc *models.Document, job *models.ProcessingJob) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]models.Document, error)

	// DeleteDocument removes the owner's document, cascading to its job and
	// chunks, and returns the deleted row.
	DeleteDocument(ctx context.Context, ownerID, id string) (*models.Document, error)
}

// ChunkStore persists chunks.
type ChunkStore interface {
	// CommitChunks inserts one batch of chunks in a transaction that first
	// checks the owning job against exp. The job's committed boundary is
	// advanced in the same transaction.
	CommitChunks(ctx context.Context, jobID string, exp JobExpectation, chunks []models.Chunk) (*models.ProcessingJob, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) (int, error)
	CountChunksByDocument(ctx context.Context, documentID string) (int, error)
}

// SearchQuery is an owner-scoped nearest-neighbour query.
type SearchQuery struct {
	OwnerID   string
	Vector    []float32
	Threshold float64
	Limit     int
}

// SearchStore runs similarity queries. Only chunks of completed documents
// are visible.
type SearchStore interface {
	SearchText(ctx context.Context, q SearchQuery) ([]models.SearchResult, error)
	SearchMultimodal(ctx context.Context, q SearchQuery) ([]models.SearchResult, error)
}

// Store is the relational job/chunk store shared by all worker instances.
type Store interface {
	JobStore
	DocumentStore
	ChunkStore
	SearchStore
	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Launcher starts one isolated worker instance for a job.
type Launcher interface {
	Launch(ctx context.Context, jobID string) error
}

// ObjectEvent is an object-finalized notification from the storage layer.
type ObjectEvent struct {
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	Sequencer string
}

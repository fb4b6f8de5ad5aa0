package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	engine "github.com/markdave123-py/contexta-ingest/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var (
	ErrOwnerRequired    = errors.New("owner is required")
	ErrFileNameRequired = errors.New("file name is required")
)

// Upload is an intake request.
type Upload struct {
	OwnerID     string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DocumentService is the upload intake and document management surface.
type DocumentService struct {
	store    core.Store
	storage  core.ObjectClient
	tracker  *jobstatus.Tracker
	launcher core.Launcher
	bucket   string
	logger   *slog.Logger
}

// NewDocumentService creates the service. launcher may be nil, in which
// case jobs start from storage events.
func NewDocumentService(store core.Store, storage core.ObjectClient, tracker *jobstatus.Tracker, launcher core.Launcher, bucket string) *DocumentService {
	return &DocumentService{
		store:    store,
		storage:  storage,
		tracker:  tracker,
		launcher: launcher,
		bucket:   bucket,
		logger:   slog.Default().With("component", "intake"),
	}
}

// UploadAndCreate creates the Document and its pending Job in one
// transaction, then streams the bytes to storage. Unsupported types are
// accepted here and rejected by the worker, so the failure is visible on
// the job like any other.
func (s *DocumentService) UploadAndCreate(ctx context.Context, in Upload) (*models.Document, *models.ProcessingJob, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, nil, ErrOwnerRequired
	}
	fileName := strings.TrimSpace(path.Base(strings.ReplaceAll(in.FileName, "\\", "/")))
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, nil, ErrFileNameRequired
	}

	category := models.CategoryDocument
	mimeType := in.ContentType
	if f, err := engine.Classify(in.ContentType, fileName); err == nil {
		category, mimeType = f.Category, f.MimeType
	}

	docID := uuid.NewString()
	doc := &models.Document{
		ID:            docID,
		OwnerID:       in.OwnerID,
		FileName:      fileName,
		SizeBytes:     max(in.Size, 0),
		MimeType:      mimeType,
		Category:      category,
		StorageBucket: s.bucket,
		StorageKey:    s.objectKey(in.OwnerID, docID, fileName),
		Status:        models.DocumentUploading,
	}
	job := &models.ProcessingJob{
		ID:            uuid.NewString(),
		DocumentID:    docID,
		Status:        models.JobPending,
		Stage:         "pending",
		MaxRetryCount: s.tracker.Ceiling(),
	}
	if err := s.store.CreateDocumentWithJob(ctx, doc, job); err != nil {
		return nil, nil, fmt.Errorf("create document: %w", err)
	}
	log := s.logger.With("job_id", job.ID, "document_id", doc.ID, "owner_id", doc.OwnerID)

	if _, err := s.storage.UploadFile(ctx, doc.StorageBucket, doc.StorageKey, in.Body, in.ContentType); err != nil {
		log.Error("upload failed", "err", err)
		if _, rerr := s.tracker.Reject(context.WithoutCancel(ctx), job, retry.New(retry.ClassSystem, err)); rerr != nil {
			log.Error("could not mark job failed", "err", rerr)
		}
		return nil, nil, fmt.Errorf("upload %s: %w", doc.FileName, err)
	}
	log.Info("document uploaded", "file_name", doc.FileName, "category", doc.Category, "size", doc.SizeBytes)

	if s.launcher != nil {
		if err := s.launcher.Launch(ctx, job.ID); err != nil {
			log.Warn("launch after upload failed, recovery sweep will pick the job up", "err", err)
		}
	}
	return doc, job, nil
}

// Get returns the owner's document.
func (s *DocumentService) Get(ctx context.Context, ownerID, id string) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, core.ErrNotFound
	}
	return doc, nil
}

func (s *DocumentService) ListByOwner(ctx context.Context, ownerID string) ([]models.Document, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	return s.store.ListDocumentsByOwner(ctx, ownerID)
}

// Delete cancels any in-flight job, removes the document with its job and
// chunks, then deletes the stored object. A failed object delete is logged;
// the rows are already gone.
func (s *DocumentService) Delete(ctx context.Context, ownerID, id string) error {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if job, err := s.store.FindActiveJobByStorageKey(ctx, doc.StorageBucket, doc.StorageKey); err == nil && job.DocumentID == doc.ID {
		if _, err := s.tracker.Cancel(ctx, job.ID); err != nil && !errors.Is(err, jobstatus.ErrAlreadyTerminal) {
			s.logger.Warn("cancel before delete failed", "job_id", job.ID, "err", err)
		}
	}

	deleted, err := s.store.DeleteDocument(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.storage.DeleteFile(ctx, deleted.StorageBucket, deleted.StorageKey); err != nil {
		s.logger.Warn("stored object not deleted", "document_id", id, "key", deleted.StorageKey, "err", err)
	}
	return nil
}

// objectKey creates a consistent storage key layout.
func (s *DocumentService) objectKey(ownerID, docID, filename string) string {
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", ownerID, "documents", docID, filename)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DatabaseClient is the Postgres/pgvector core.Store shared by every worker
// instance. All job writes are conditional on the expected current state.
type DatabaseClient struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ core.Store = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, logger: slog.Default().With("component", "database")}, nil
}

// buildDSN appends verify-ca SSL parameters when a root certificate is
// configured.
func buildDSN(databaseURL, certPath string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (c *DatabaseClient) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Documents

const documentColumns = `id, owner_id, file_name, size_bytes, mime_type, category, storage_bucket,
	storage_key, status, chunk_count, error_message, created_at, updated_at, processed_at`

func scanDocument(row scanner) (*models.Document, error) {
	var (
		d         models.Document
		processed sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.OwnerID, &d.FileName, &d.SizeBytes, &d.MimeType, &d.Category, &d.StorageBucket,
		&d.StorageKey, &d.Status, &d.ChunkCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt, &processed,
	)
	if err != nil {
		return nil, err
	}
	d.ProcessedAt = nullTime(processed)
	return &d, nil
}

func (c *DatabaseClient) CreateDocumentWithJob(ctx context.Context, doc *models.Document, job *models.ProcessingJob) error {
	if doc == nil || job == nil {
		return errors.New("document and job are required")
	}
	if job.DocumentID != doc.ID {
		return fmt.Errorf("job %s does not reference document %s", job.ID, doc.ID)
	}
	warnings, err := encodeWarnings(job.Warnings)
	if err != nil {
		return err
	}

	return c.inTx(ctx, func(tx *sql.Tx) error {
		const qd = `
			INSERT INTO documents
				(id, owner_id, file_name, size_bytes, mime_type, category, storage_bucket, storage_key,
				 status, chunk_count, error_message, created_at, updated_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()), now())
			RETURNING created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, qd,
			doc.ID, doc.OwnerID, doc.FileName, doc.SizeBytes, doc.MimeType, doc.Category, doc.StorageBucket, doc.StorageKey,
			doc.Status, doc.ChunkCount, doc.ErrorMessage, zeroAsNull(doc.CreatedAt),
		).Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		const qj = `
			INSERT INTO processing_jobs
				(id, document_id, status, stage, progress, retry_count, max_retry_count, warnings, created_at, updated_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8::jsonb, COALESCE($9, now()), now())
			RETURNING created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, qj,
			job.ID, job.DocumentID, job.Status, job.Stage, job.Progress, job.RetryCount, job.MaxRetryCount, warnings,
			zeroAsNull(job.CreatedAt),
		).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (c *DatabaseClient) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return d, err
}

func (c *DatabaseClient) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, ownerID, id string) (*models.Document, error) {
	q := `DELETE FROM documents WHERE id = $1 AND owner_id = $2 RETURNING ` + documentColumns
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("document deleted", "document_id", id, "owner_id", ownerID)
	return d, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const jobColumns = `j.id, j.document_id, j.status, j.stage, j.stage_index, j.stage_total, j.progress,
	j.retry_count, j.max_retry_count, j.error_message, j.error_detail, j.error_type, j.committed_chunks,
	j.warnings, j.next_retry_at, j.processing_started_at, j.completed_at, j.created_at, j.updated_at`

func scanJob(row scanner) (*models.ProcessingJob, error) {
	var (
		j                         models.ProcessingJob
		warnings                  []byte
		nextRetry, started, ended sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.DocumentID, &j.Status, &j.Stage, &j.StageIndex, &j.StageTotal, &j.Progress,
		&j.RetryCount, &j.MaxRetryCount, &j.ErrorMessage, &j.ErrorDetail, &j.ErrorType, &j.CommittedChunks,
		&warnings, &nextRetry, &started, &ended, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if j.Warnings, err = decodeWarnings(warnings); err != nil {
		return nil, err
	}
	j.NextRetryAt = nullTime(nextRetry)
	j.ProcessingStartedAt = nullTime(started)
	j.CompletedAt = nullTime(ended)
	return &j, nil
}

func (c *DatabaseClient) queryJobs(ctx context.Context, q string, params ...any) ([]models.ProcessingJob, error) {
	rows, err := c.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + ` FROM processing_jobs j WHERE j.id = $1`
	j, err := scanJob(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return j, err
}

func (c *DatabaseClient) ListJobsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.ProcessingJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var a args
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		JOIN documents d ON d.id = j.document_id
		WHERE d.owner_id = ` + a.add(ownerID) + ` AND j.id IN (` + a.list(ids) + `)`
	return c.queryJobs(ctx, q, a...)
}

func (c *DatabaseClient) ListActiveJobsByOwner(ctx context.Context, ownerID string) ([]models.ProcessingJob, error) {
	var a args
	statuses := make([]string, len(models.ActiveJobStatuses))
	for i, s := range models.ActiveJobStatuses {
		statuses[i] = string(s)
	}
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		JOIN documents d ON d.id = j.document_id
		WHERE d.owner_id = ` + a.add(ownerID) + ` AND j.status IN (` + a.list(statuses) + `)
		ORDER BY j.created_at ASC`
	return c.queryJobs(ctx, q, a...)
}

func (c *DatabaseClient) FindActiveJobByStorageKey(ctx context.Context, bucket, key string) (*models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		JOIN documents d ON d.id = j.document_id
		WHERE d.storage_bucket = $1 AND d.storage_key = $2 AND j.status IN ('pending', 'processing')
		ORDER BY j.created_at DESC
		LIMIT 1`
	j, err := scanJob(c.db.QueryRowContext(ctx, q, bucket, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return j, err
}

// missOrConflict distinguishes a missing job from one whose state did not
// match the expectation.
func missOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM processing_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound
	}
	return core.ErrJobConflict
}

func (c *DatabaseClient) TransitionJob(ctx context.Context, id string, exp core.JobExpectation, upd core.JobUpdate) (*models.ProcessingJob, error) {
	var a args
	sets, err := setClause(&a, upd)
	if err != nil {
		return nil, err
	}
	q := `UPDATE processing_jobs AS j SET ` + sets + ` WHERE ` + expectationClause(&a, id, exp) + ` RETURNING ` + jobColumns

	var out *models.ProcessingJob
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, q, a...))
		if errors.Is(err, sql.ErrNoRows) {
			return missOrConflict(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("transition job %s: %w", id, err)
		}
		if upd.DocumentStatus != nil || upd.DocumentError != nil {
			if err := updateDocumentState(ctx, tx, j.DocumentID, upd.DocumentStatus, upd.DocumentError); err != nil {
				return err
			}
		}
		out = j
		return nil
	})
	return out, err
}

func updateDocumentState(ctx context.Context, tx *sql.Tx, docID string, status *models.DocumentStatus, msg *string) error {
	var a args
	var sets []string
	if status != nil {
		sets = append(sets, "status = "+a.add(string(*status)))
	}
	if msg != nil {
		sets = append(sets, "error_message = "+a.add(*msg))
	}
	sets = append(sets, "updated_at = now()")
	q := `UPDATE documents SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + a.add(docID)
	if _, err := tx.ExecContext(ctx, q, a...); err != nil {
		return fmt.Errorf("update document %s: %w", docID, err)
	}
	return nil
}

func (c *DatabaseClient) CompleteJob(ctx context.Context, id string, exp core.JobExpectation, warnings []string) (*models.ProcessingJob, error) {
	w, err := encodeWarnings(warnings)
	if err != nil {
		return nil, err
	}
	var a args
	q := `UPDATE processing_jobs AS j
		SET status = 'processed', stage = 'completed', stage_index = 0, stage_total = 0, progress = 100,
			error_message = '', error_detail = '', error_type = '', warnings = ` + a.add(w) + `::jsonb,
			next_retry_at = NULL, completed_at = now(), updated_at = now()
		WHERE ` + expectationClause(&a, id, exp) + `
		RETURNING ` + jobColumns

	var out *models.ProcessingJob
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, q, a...))
		if errors.Is(err, sql.ErrNoRows) {
			return missOrConflict(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("complete job %s: %w", id, err)
		}
		const qd = `
			UPDATE documents
			SET status = 'completed',
				chunk_count = (SELECT count(*) FROM document_chunks WHERE document_id = $1),
				error_message = '', processed_at = now(), updated_at = now()
			WHERE id = $1
		`
		res, err := tx.ExecContext(ctx, qd, j.DocumentID)
		if err != nil {
			return fmt.Errorf("complete document %s: %w", j.DocumentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.ErrNotFound
		}
		out = j
		return nil
	})
	return out, err
}

func (c *DatabaseClient) ListStuckJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		WHERE j.status = 'processing' AND j.processing_started_at < $1 AND j.updated_at < $1
		ORDER BY j.updated_at ASC
		LIMIT $2`
	return c.queryJobs(ctx, q, before, sqlLimit(limit))
}

func (c *DatabaseClient) ListStalePendingJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		WHERE j.status = 'pending' AND j.created_at < $1 AND j.updated_at < $1
		ORDER BY j.created_at ASC
		LIMIT $2`
	return c.queryJobs(ctx, q, before, sqlLimit(limit))
}

func (c *DatabaseClient) ListOrphanedRetryJobs(ctx context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + `
		FROM processing_jobs j
		WHERE j.status IN ('retry_pending', 'partially_processed') AND j.next_retry_at < $1
		ORDER BY j.next_retry_at ASC
		LIMIT $2`
	return c.queryJobs(ctx, q, before, sqlLimit(limit))
}

// sqlLimit maps a non-positive limit to LIMIT NULL, which Postgres treats
// as no limit.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// CommitChunks locks the job row, verifies exp, inserts the batch and
// advances committed_chunks, all in one transaction.
func (c *DatabaseClient) CommitChunks(ctx context.Context, jobID string, exp core.JobExpectation, chunks []models.Chunk) (*models.ProcessingJob, error) {
	var out *models.ProcessingJob
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		var a args
		lock := `SELECT d.id, d.owner_id FROM processing_jobs j
			JOIN documents d ON d.id = j.document_id
			WHERE ` + expectationClause(&a, jobID, exp) + `
			FOR UPDATE OF j`
		var docID, ownerID string
		err := tx.QueryRowContext(ctx, lock, a...).Scan(&docID, &ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return missOrConflict(ctx, tx, jobID)
		}
		if err != nil {
			return fmt.Errorf("lock job %s: %w", jobID, err)
		}

		if len(chunks) > 0 {
			if err := insertChunks(ctx, tx, docID, ownerID, chunks); err != nil {
				return err
			}
		}

		q := `UPDATE processing_jobs AS j
			SET committed_chunks = j.committed_chunks + $2, updated_at = now()
			WHERE j.id = $1
			RETURNING ` + jobColumns
		j, err := scanJob(tx.QueryRowContext(ctx, q, jobID, len(chunks)))
		if err != nil {
			return fmt.Errorf("advance committed chunks: %w", err)
		}
		out = j
		return nil
	})
	return out, err
}

func insertChunks(ctx context.Context, tx *sql.Tx, docID, ownerID string, chunks []models.Chunk) error {
	const q = `
		INSERT INTO document_chunks
			(id, owner_id, document_id, chunk_index, content, context, metadata,
			 text_embedding, multimodal_embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, COALESCE($10, now()))
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if err := core.CheckChunk(ch, docID, ownerID); err != nil {
			return err
		}
		meta, err := encodeMetadata(ch.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.OwnerID, ch.DocumentID, ch.Index, ch.Content, ch.Context, meta,
			vectorArg(ch.TextEmbedding), vectorArg(ch.MultimodalEmbedding), zeroAsNull(ch.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Index, err)
		}
	}
	return nil
}

func (c *DatabaseClient) DeleteChunksByDocument(ctx context.Context, documentID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *DatabaseClient) CountChunksByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

func (c *DatabaseClient) SearchText(ctx context.Context, q core.SearchQuery) ([]models.SearchResult, error) {
	return c.search(ctx, searchSQL("text_embedding"), q)
}

func (c *DatabaseClient) SearchMultimodal(ctx context.Context, q core.SearchQuery) ([]models.SearchResult, error) {
	return c.search(ctx, searchSQL("multimodal_embedding"), q)
}

// searchSQL ranks one embedding column by cosine similarity. The owner
// predicate comes first and also applies to the parent document. The inner
// query orders by distance alone so the HNSW index serves it; ties are
// broken on the limited set.
func searchSQL(column string) string {
	return `
		SELECT id, document_id, file_name, chunk_index, content, context, metadata,
			1 - distance AS similarity, created_at
		FROM (
			SELECT c.id, c.document_id, d.file_name, c.chunk_index, c.content, c.context, c.metadata,
				c.` + column + ` <=> $2 AS distance, c.created_at
			FROM document_chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE c.owner_id = $1
				AND d.owner_id = $1
				AND d.status = 'completed'
				AND c.` + column + ` IS NOT NULL
				AND 1 - (c.` + column + ` <=> $2) >= $3
			ORDER BY c.` + column + ` <=> $2
			LIMIT $4
		) ranked
		ORDER BY distance ASC, created_at DESC, id ASC
	`
}

func (c *DatabaseClient) search(ctx context.Context, query string, q core.SearchQuery) ([]models.SearchResult, error) {
	if q.OwnerID == "" {
		return nil, errors.New("search requires an owner")
	}
	rows, err := c.db.QueryContext(ctx, query, q.OwnerID, pgvector.NewVector(q.Vector), q.Threshold, sqlLimit(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var (
			r    models.SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FileName, &r.Index, &r.Content, &r.Context, &meta, &r.Similarity, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package document

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (owner_id, filename, file_size, storage_key, processing_status, embedding_status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		doc.OwnerID, doc.Filename, doc.FileSize, doc.StorageKey, doc.ProcessingStatus, doc.EmbeddingStatus).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id, ownerID string) (*Document, error) {
	doc := &Document{}
	var processingError sql.NullString
	query := `SELECT id, owner_id, filename, file_size, storage_key, page_count, processing_status, embedding_status, processing_error, progress, vector_ids, created_at, updated_at
		FROM documents WHERE id = $1 AND owner_id = $2`
	err := r.db.QueryRowContext(ctx, query, id, ownerID).Scan(
		&doc.ID, &doc.OwnerID, &doc.Filename, &doc.FileSize, &doc.StorageKey,
		&doc.PageCount, &doc.ProcessingStatus, &doc.EmbeddingStatus, &processingError,
		&doc.Progress, pq.Array(&doc.VectorIDs), &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		// A malformed id fails the uuid cast (22P02). Treat it the same as
		// an unknown id.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	doc.ProcessingError = processingError.String
	return doc, nil
}

func (r *PostgresRepo) List(ctx context.Context, ownerID string) ([]Document, error) {
	query := `SELECT id, owner_id, filename, file_size, page_count, processing_status, embedding_status, processing_error, progress, created_at, updated_at
		FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var processingError sql.NullString
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.FileSize,
			&doc.PageCount, &doc.ProcessingStatus, &doc.EmbeddingStatus, &processingError,
			&doc.Progress, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.ProcessingError = processingError.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, id, ownerID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountReady(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM documents WHERE processing_status = 'completed' AND embedding_status = 'completed'`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (r *PostgresRepo) SetStatuses(ctx context.Context, id, processingStatus, embeddingStatus string) error {
	query := `UPDATE documents SET processing_status = $1, embedding_status = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, processingStatus, embeddingStatus, id)
	return err
}

func (r *PostgresRepo) SetPageCount(ctx context.Context, id string, pageCount int) error {
	query := `UPDATE documents SET page_count = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, pageCount, id)
	return err
}

func (r *PostgresRepo) SetProgress(ctx context.Context, id string, progress int) error {
	query := `UPDATE documents SET progress = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, progress, id)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, vectorIDs []string) error {
	query := `UPDATE documents SET processing_status = 'completed', embedding_status = 'completed',
		processing_error = NULL, progress = 100, vector_ids = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, pq.Array(vectorIDs), id)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, message string) error {
	query := `UPDATE documents SET processing_status = 'failed', embedding_status = 'failed',
		processing_error = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, message, id)
	return err
}

func (r *PostgresRepo) ResetForRetry(ctx context.Context, id string) error {
	query := `UPDATE documents SET processing_status = 'pending', embedding_status = 'pending',
		processing_error = NULL, progress = 0, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

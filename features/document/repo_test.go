package document_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"pdfchat/features/document"
)

func TestPostgresRepo_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		doc := &document.Document{
			OwnerID:          "owner1",
			Filename:         "report.pdf",
			FileSize:         1024,
			StorageKey:       "owner1/abc_report.pdf",
			ProcessingStatus: "pending",
			EmbeddingStatus:  "pending",
		}

		now := time.Now()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (owner_id, filename, file_size, storage_key, processing_status, embedding_status)")).
			WithArgs(doc.OwnerID, doc.Filename, doc.FileSize, doc.StorageKey, doc.ProcessingStatus, doc.EmbeddingStatus).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("doc1", now, now))

		err := repo.Save(context.Background(), doc)
		assert.NoError(t, err)
		assert.Equal(t, "doc1", doc.ID)
	})
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)
	cols := []string{"id", "owner_id", "filename", "file_size", "storage_key", "page_count", "processing_status", "embedding_status", "processing_error", "progress", "vector_ids", "created_at", "updated_at"}

	t.Run("Success", func(t *testing.T) {
		pageCount := 12
		now := time.Now()
		rows := sqlmock.NewRows(cols).
			AddRow("doc1", "owner1", "report.pdf", 1024, "owner1/abc_report.pdf", pageCount, "completed", "completed", nil, 100, pq.Array([]string{"v1", "v2"}), now, now)

		mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("doc1", "owner1").
			WillReturnRows(rows)

		doc, err := repo.Get(context.Background(), "doc1", "owner1")
		assert.NoError(t, err)
		assert.Equal(t, "doc1", doc.ID)
		assert.Equal(t, []string{"v1", "v2"}, doc.VectorIDs)
		assert.True(t, doc.IsReady())
		assert.Empty(t, doc.ProcessingError)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("missing", "owner1").
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := repo.Get(context.Background(), "missing", "owner1")
		assert.ErrorIs(t, err, document.ErrNotFound)
	})

	t.Run("OtherOwner", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("doc1", "intruder").
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := repo.Get(context.Background(), "doc1", "intruder")
		assert.ErrorIs(t, err, document.ErrNotFound)
	})

	t.Run("MalformedID", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("not-a-uuid", "owner1").
			WillReturnError(&pq.Error{Code: "22P02"})

		_, err := repo.Get(context.Background(), "not-a-uuid", "owner1")
		assert.ErrorIs(t, err, document.ErrNotFound)
	})
}

func TestPostgresRepo_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "owner_id", "filename", "file_size", "page_count", "processing_status", "embedding_status", "processing_error", "progress", "created_at", "updated_at"}).
			AddRow("doc1", "owner1", "a.pdf", 10, nil, "pending", "pending", nil, 0, now, now).
			AddRow("doc2", "owner1", "b.pdf", 20, 3, "failed", "failed", "extract: bad xref", 30, now, now)

		mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE owner_id = $1 ORDER BY created_at DESC")).
			WithArgs("owner1").
			WillReturnRows(rows)

		docs, err := repo.List(context.Background(), "owner1")
		assert.NoError(t, err)
		assert.Len(t, docs, 2)
		assert.Equal(t, "extract: bad xref", docs[1].ProcessingError)
	})
}

func TestPostgresRepo_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("doc1", "owner1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Delete(context.Background(), "doc1", "owner1")
		assert.NoError(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1 AND owner_id = $2")).
			WithArgs("missing", "owner1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Delete(context.Background(), "missing", "owner1")
		assert.ErrorIs(t, err, document.ErrNotFound)
	})
}

func TestPostgresRepo_MarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET processing_status = 'completed', embedding_status = 'completed'")).
		WithArgs(pq.Array([]string{"v1", "v2"}), "doc1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkCompleted(context.Background(), "doc1", []string{"v1", "v2"})
	assert.NoError(t, err)
}

func TestPostgresRepo_MarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET processing_status = 'failed', embedding_status = 'failed'")).
		WithArgs("failed after 3 attempts: embed: quota", "doc1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkFailed(context.Background(), "doc1", "failed after 3 attempts: embed: quota")
	assert.NoError(t, err)
}

func TestPostgresRepo_ResetForRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET processing_status = 'pending', embedding_status = 'pending'")).
		WithArgs("doc1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.ResetForRetry(context.Background(), "doc1")
	assert.NoError(t, err)
}

func TestPostgresRepo_Counts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := document.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	count, err := repo.Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 5, count)

	mock.ExpectQuery(regexp.QuoteMeta("processing_status = 'completed' AND embedding_status = 'completed'")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	ready, err := repo.CountReady(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, ready)
}

package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pdfchat/internal/config"
	"pdfchat/internal/middleware"
	"pdfchat/internal/worker"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidFile     = errors.New("file is not a valid PDF")
	ErrRetryNotAllowed = errors.New("only failed documents can be retried")
	ErrIngestInFlight  = errors.New("document ingestion already in flight")
)

// Statuses for both processing_status and embedding_status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Document struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"-"`
	Filename         string    `json:"filename"`
	FileSize         int64     `json:"file_size"`
	StorageKey       string    `json:"-"`
	PageCount        *int      `json:"page_count,omitempty"`
	ProcessingStatus string    `json:"processing_status"`
	EmbeddingStatus  string    `json:"embedding_status"`
	ProcessingError  string    `json:"processing_error,omitempty"`
	Progress         int       `json:"progress"`
	VectorIDs        []string  `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsReady reports whether the document can answer questions.
func (d *Document) IsReady() bool {
	return d.ProcessingStatus == StatusCompleted && d.EmbeddingStatus == StatusCompleted
}

type Repository interface {
	Save(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id, ownerID string) (*Document, error)
	List(ctx context.Context, ownerID string) ([]Document, error)
	Delete(ctx context.Context, id, ownerID string) error
	Count(ctx context.Context) (int, error)
	CountReady(ctx context.Context) (int, error)

	// Pipeline-facing updates, unscoped by owner since the worker acts on
	// behalf of the system.
	SetStatuses(ctx context.Context, id, processingStatus, embeddingStatus string) error
	SetPageCount(ctx context.Context, id string, pageCount int) error
	SetProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string, vectorIDs []string) error
	MarkFailed(ctx context.Context, id, message string) error
	ResetForRetry(ctx context.Context, id string) error
}

type BlobStore interface {
	Store(ctx context.Context, key string, data []byte) error
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type ChunkStore interface {
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type CacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

type Service struct {
	repo    Repository
	blobs   BlobStore
	chunks  ChunkStore
	pub     EventPublisher
	cache   CacheInvalidator
	lockTTL time.Duration
}

func NewService(repo Repository, blobs BlobStore, chunks ChunkStore, pub EventPublisher, cache CacheInvalidator, lockTTL time.Duration) *Service {
	return &Service{
		repo:    repo,
		blobs:   blobs,
		chunks:  chunks,
		pub:     pub,
		cache:   cache,
		lockTTL: lockTTL,
	}
}

// Upload stores the PDF, creates the document row and enqueues ingestion.
// The document starts in pending/pending and moves through the pipeline
// asynchronously.
func (s *Service) Upload(ctx context.Context, ownerID, filename string, data []byte) (*Document, error) {
	if !isPDF(filename, data) {
		return nil, ErrInvalidFile
	}

	doc := &Document{
		OwnerID:          ownerID,
		Filename:         filename,
		FileSize:         int64(len(data)),
		StorageKey:       fmt.Sprintf("%s/%s_%s", ownerID, uuid.New().String(), filename),
		ProcessingStatus: StatusPending,
		EmbeddingStatus:  StatusPending,
	}

	if err := s.blobs.Store(ctx, doc.StorageKey, data); err != nil {
		return nil, fmt.Errorf("store pdf: %w", err)
	}

	if err := s.repo.Save(ctx, doc); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, doc, data); err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *Service) Get(ctx context.Context, id, ownerID string) (*Document, error) {
	return s.repo.Get(ctx, id, ownerID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Document, error) {
	return s.repo.List(ctx, ownerID)
}

// DownloadURL returns a short-lived link to the original PDF.
func (s *Service) DownloadURL(ctx context.Context, id, ownerID string) (string, error) {
	doc, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignedURL(ctx, doc.StorageKey, 15*time.Minute)
}

// Delete removes the document everywhere: vector index, blob store, cached
// answers, then the database row. Chat history goes with the row via
// cascade.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	doc, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if len(doc.VectorIDs) > 0 {
		if err := s.chunks.DeleteByIDs(ctx, doc.VectorIDs); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
	} else {
		// No recorded IDs, a failed or in-flight ingest may still have
		// written some. Sweep by document instead.
		if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
	}

	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		slog.WarnContext(ctx, "blob delete failed", "document_id", id, "error", err)
	}

	s.cache.DeleteByPattern(ctx, fmt.Sprintf("chat:%s:*", id))

	return s.repo.Delete(ctx, id, ownerID)
}

// Retry re-enqueues a terminally failed document. The PDF is re-fetched
// from the blob store, the client does not upload again.
func (s *Service) Retry(ctx context.Context, id, ownerID string) (*Document, error) {
	doc, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if doc.ProcessingStatus != StatusFailed {
		return nil, ErrRetryNotAllowed
	}

	data, err := s.blobs.Fetch(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch pdf: %w", err)
	}

	// The failed run may have committed some vector batches before dying.
	// The retried job arrives with a fresh attempt counter, so the index
	// has to be cleared here or the rerun would duplicate chunks.
	if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
		return nil, fmt.Errorf("clear stale vectors: %w", err)
	}

	if err := s.repo.ResetForRetry(ctx, id); err != nil {
		return nil, err
	}
	doc.ProcessingStatus = StatusPending
	doc.EmbeddingStatus = StatusPending
	doc.ProcessingError = ""
	doc.Progress = 0

	if err := s.enqueue(ctx, doc, data); err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *Service) enqueue(ctx context.Context, doc *Document, data []byte) error {
	acquired, err := s.cache.AcquireLock(ctx, worker.IngestLockKey(doc.ID), s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !acquired {
		return ErrIngestInFlight
	}

	payload, err := json.Marshal(worker.IngestTaskPayload{
		DocumentID:    doc.ID,
		OwnerID:       doc.OwnerID,
		Filename:      doc.Filename,
		Data:          data,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}

	if err := s.pub.Publish(config.TopicIngest, payload); err != nil {
		if lockErr := s.cache.ReleaseLock(ctx, worker.IngestLockKey(doc.ID)); lockErr != nil {
			slog.WarnContext(ctx, "ingest lock release failed", "document_id", doc.ID, "error", lockErr)
		}
		return fmt.Errorf("publish ingest task: %w", err)
	}

	slog.InfoContext(ctx, "published ingest task", "document_id", doc.ID, "filename", doc.Filename)
	return nil
}

func isPDF(filename string, data []byte) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return false
	}
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

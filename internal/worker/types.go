package worker

import (
	"context"

	"pdfchat/internal/pdf"
)

// ChunkRecord is one embedded chunk ready for the vector index.
type ChunkRecord struct {
	Content    string
	DocumentID string
	OwnerID    string
	PageNumber int
	ChunkIndex int
	Vector     []float32
}

// Job is a single ingestion attempt. Attempt starts at 1.
type Job struct {
	DocumentID string
	OwnerID    string
	Data       []byte
	Attempt    int
}

type Extractor interface {
	Extract(data []byte) (*pdf.Result, error)
}

// ExtractorFunc adapts a plain extraction function to the Extractor interface.
type ExtractorFunc func(data []byte) (*pdf.Result, error)

func (f ExtractorFunc) Extract(data []byte) (*pdf.Result, error) { return f(data) }

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, records []ChunkRecord) ([]string, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

type DocumentStore interface {
	SetStatuses(ctx context.Context, id, processingStatus, embeddingStatus string) error
	SetPageCount(ctx context.Context, id string, pageCount int) error
	SetProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string, vectorIDs []string) error
	MarkFailed(ctx context.Context, id, message string) error
}

type Locker interface {
	ReleaseLock(ctx context.Context, key string) error
}

type DeadLetterStore interface {
	Record(ctx context.Context, documentID, handler string, payload []byte, errMsg string) error
}

type Processor interface {
	Process(ctx context.Context, job Job) error
}

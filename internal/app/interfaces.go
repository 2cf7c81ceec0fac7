package app

import (
	"context"
	"time"

	"pdfchat/internal/retrieval"
	"pdfchat/internal/worker"
)

// Database is satisfied by *sql.DB. Repositories still receive the concrete
// type, the interface only exists so tests can hand New a stub.
type Database interface {
	Ping() error
}

// VectorStore is the full surface of the Weaviate adapter. Each feature
// consumes its own narrower view of it.
type VectorStore interface {
	Upsert(ctx context.Context, records []worker.ChunkRecord) ([]string, error)
	Query(ctx context.Context, vector []float32, documentID, ownerID string, topK int) ([]retrieval.Match, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Count(ctx context.Context) (int, error)
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Cache covers both the response cache and the ingestion locks.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	DeleteByPattern(ctx context.Context, pattern string)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

type BlobStore interface {
	Store(ctx context.Context, key string, data []byte) error
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

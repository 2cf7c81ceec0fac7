package job

import (
	"context"
	"encoding/json"
	"fmt"

	"pdfchat/features/document"
	"pdfchat/internal/worker"
)

// DocumentRetrier restarts ingestion for a failed document. The document
// feature owns the full retry flow: blob re-fetch, status reset, lock and
// publish.
type DocumentRetrier interface {
	Retry(ctx context.Context, id, ownerID string) (*document.Document, error)
}

type Service struct {
	repo    Repository
	retrier DocumentRetrier
}

func NewService(repo Repository, retrier DocumentRetrier) *Service {
	return &Service{repo: repo, retrier: retrier}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// Record implements the worker's dead letter sink.
func (s *Service) Record(ctx context.Context, documentID, handler string, payload []byte, errMsg string) error {
	return s.repo.Save(ctx, &Job{
		DocumentID: documentID,
		Handler:    handler,
		Payload:    json.RawMessage(payload),
		Error:      errMsg,
	})
}

// Retry re-runs a dead-lettered ingestion and removes the row on success.
// The stored payload carries no PDF bytes, the document retry path pulls
// the original from the blob store.
func (s *Service) Retry(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var payload worker.IngestTaskPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("corrupt dead letter payload: %w", err)
	}

	if _, err := s.retrier.Retry(ctx, payload.DocumentID, payload.OwnerID); err != nil {
		return err
	}

	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

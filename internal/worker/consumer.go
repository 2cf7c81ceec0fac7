package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nsqio/go-nsq"
	"golang.org/x/time/rate"

	"pdfchat/internal/middleware"
)

const ingestHandlerName = "ingest"

// IngestConsumer drives the ingestion pipeline from NSQ. Retry semantics:
// a failed attempt below the limit resets the document to processing and
// requeues with backoff; at the limit the document is marked failed for
// good, the job is dead-lettered and the ingest lock released.
type IngestConsumer struct {
	processor   Processor
	docs        DocumentStore
	deadLetters DeadLetterStore
	locker      Locker
	limiter     *rate.Limiter
	maxAttempts int
}

func NewIngestConsumer(processor Processor, docs DocumentStore, deadLetters DeadLetterStore, locker Locker, jobStartsPerSec float64, maxAttempts int) *IngestConsumer {
	return &IngestConsumer{
		processor:   processor,
		docs:        docs,
		deadLetters: deadLetters,
		locker:      locker,
		limiter:     rate.NewLimiter(rate.Limit(jobStartsPerSec), 1),
		maxAttempts: maxAttempts,
	}
}

func (c *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestTaskPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	attempt := int(m.Attempts)
	slog.InfoContext(ctx, "ingest job started",
		"document_id", payload.DocumentID, "attempt", attempt, "size", len(payload.Data))

	err := c.processor.Process(ctx, Job{
		DocumentID: payload.DocumentID,
		OwnerID:    payload.OwnerID,
		Data:       payload.Data,
		Attempt:    attempt,
	})
	if err == nil {
		if lockErr := c.locker.ReleaseLock(ctx, IngestLockKey(payload.DocumentID)); lockErr != nil {
			slog.WarnContext(ctx, "ingest lock release failed", "document_id", payload.DocumentID, "error", lockErr)
		}
		return nil
	}

	if attempt < c.maxAttempts {
		// More attempts coming. Put the document back to processing so the
		// status endpoint does not flap to failed between retries.
		if resetErr := c.docs.SetStatuses(ctx, payload.DocumentID, "processing", "processing"); resetErr != nil {
			slog.ErrorContext(ctx, "status reset failed", "document_id", payload.DocumentID, "error", resetErr)
		}
		slog.WarnContext(ctx, "ingest job failed, requeueing",
			"document_id", payload.DocumentID, "attempt", attempt, "error", err)
		return err
	}

	c.giveUp(ctx, payload, m.Body, err)
	return nil
}

// LogFailedMessage is NSQ's give-up hook. The handler normally dead-letters
// before exhausting attempts, this covers the path where nsqd itself drops
// the message.
func (c *IngestConsumer) LogFailedMessage(m *nsq.Message) {
	var payload IngestTaskPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("dropped message with invalid json", "error", err)
		return
	}
	c.giveUp(context.Background(), payload, m.Body, fmt.Errorf("message exceeded max attempts"))
}

func (c *IngestConsumer) giveUp(ctx context.Context, payload IngestTaskPayload, body []byte, cause error) {
	message := fmt.Sprintf("failed after %d attempts: %v", c.maxAttempts, cause)
	if err := c.docs.MarkFailed(ctx, payload.DocumentID, message); err != nil {
		slog.ErrorContext(ctx, "mark failed errored", "document_id", payload.DocumentID, "error", err)
	}

	// Strip the PDF bytes before dead-lettering, the blob store keeps the
	// original and the row only needs enough to republish.
	record := IngestTaskPayload{
		DocumentID:    payload.DocumentID,
		OwnerID:       payload.OwnerID,
		Filename:      payload.Filename,
		CorrelationID: payload.CorrelationID,
	}
	recordBody, err := json.Marshal(record)
	if err != nil {
		recordBody = body
	}
	if err := c.deadLetters.Record(ctx, payload.DocumentID, ingestHandlerName, recordBody, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "dead letter write failed", "document_id", payload.DocumentID, "error", err)
	}

	if err := c.locker.ReleaseLock(ctx, IngestLockKey(payload.DocumentID)); err != nil {
		slog.WarnContext(ctx, "ingest lock release failed", "document_id", payload.DocumentID, "error", err)
	}

	slog.ErrorContext(ctx, "ingest job gave up",
		"document_id", payload.DocumentID, "attempts", c.maxAttempts, "error", cause)
}

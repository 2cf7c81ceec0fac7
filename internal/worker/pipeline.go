package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pdfchat/internal/pdf"
	"pdfchat/internal/text"
)

// Progress checkpoints reported while a document moves through the pipeline.
// Embedding interpolates between progressChunked and progressEmbedded.
const (
	progressExtracted = 30
	progressChunked   = 40
	progressEmbedded  = 80
	progressUpserted  = 90
)

type PipelineConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	EmbedBatchSize  int
	EmbedBatchDelay time.Duration
}

// Pipeline runs the full ingestion of one PDF: extract, chunk, embed, upsert.
// Any stage error marks the document failed and is returned to the consumer,
// which decides between requeue and giving up.
type Pipeline struct {
	docs      DocumentStore
	embedder  Embedder
	index     VectorIndex
	extractor Extractor
	cfg       PipelineConfig
}

func NewPipeline(docs DocumentStore, embedder Embedder, index VectorIndex, extractor Extractor, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		docs:      docs,
		embedder:  embedder,
		index:     index,
		extractor: extractor,
		cfg:       cfg,
	}
}

type chunkItem struct {
	content    string
	pageNumber int
}

func (p *Pipeline) Process(ctx context.Context, job Job) error {
	if err := p.docs.SetStatuses(ctx, job.DocumentID, "processing", "processing"); err != nil {
		return fmt.Errorf("set statuses: %w", err)
	}

	result, err := p.extractor.Extract(job.Data)
	if err != nil {
		return p.fail(ctx, job.DocumentID, fmt.Errorf("extract: %w", err))
	}

	if err := p.docs.SetPageCount(ctx, job.DocumentID, result.PageCount); err != nil {
		return fmt.Errorf("set page count: %w", err)
	}
	p.progress(ctx, job.DocumentID, progressExtracted)

	chunks, err := p.chunk(result)
	if err != nil {
		return p.fail(ctx, job.DocumentID, err)
	}
	p.progress(ctx, job.DocumentID, progressChunked)

	slog.InfoContext(ctx, "document chunked",
		"document_id", job.DocumentID, "pages", result.PageCount, "chunks", len(chunks))

	// A previous failed attempt may have written vectors already. Clear them
	// so the index never holds two generations of the same document.
	if job.Attempt > 1 {
		if err := p.index.DeleteByDocument(ctx, job.DocumentID); err != nil {
			return p.fail(ctx, job.DocumentID, fmt.Errorf("clear stale vectors: %w", err))
		}
	}

	vectors, err := p.embed(ctx, job.DocumentID, chunks)
	if err != nil {
		return p.fail(ctx, job.DocumentID, fmt.Errorf("embed: %w", err))
	}

	records := make([]ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = ChunkRecord{
			Content:    c.content,
			DocumentID: job.DocumentID,
			OwnerID:    job.OwnerID,
			PageNumber: c.pageNumber,
			ChunkIndex: i,
			Vector:     vectors[i],
		}
	}

	vectorIDs, err := p.index.Upsert(ctx, records)
	if err != nil {
		return p.fail(ctx, job.DocumentID, fmt.Errorf("upsert: %w", err))
	}
	p.progress(ctx, job.DocumentID, progressUpserted)

	if err := p.docs.MarkCompleted(ctx, job.DocumentID, vectorIDs); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	slog.InfoContext(ctx, "document ingested",
		"document_id", job.DocumentID, "chunks", len(chunks), "attempt", job.Attempt)
	return nil
}

func (p *Pipeline) chunk(result *pdf.Result) ([]chunkItem, error) {
	cleaned := pdf.CleanText(result.Text)
	pages := pdf.SplitPages(cleaned, result.PageCount)

	var chunks []chunkItem
	for _, page := range pages {
		spans, err := text.Chunk(page.Text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
		if err != nil {
			return nil, fmt.Errorf("chunk page %d: %w", page.Number, err)
		}
		for _, span := range spans {
			chunks = append(chunks, chunkItem{content: span.Text, pageNumber: page.Number})
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks produced: %w", pdf.ErrExtraction)
	}
	return chunks, nil
}

// embed runs the chunks through the embedder in small batches with a pause
// between them, keeping request rates under the provider's quota. Progress
// advances monotonically from progressChunked to progressEmbedded.
func (p *Pipeline) embed(ctx context.Context, documentID string, chunks []chunkItem) ([][]float32, error) {
	batchSize := p.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.content)
		}

		batch, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)

		span := progressEmbedded - progressChunked
		p.progress(ctx, documentID, progressChunked+span*len(vectors)/len(chunks))

		if end < len(chunks) && p.cfg.EmbedBatchDelay > 0 {
			select {
			case <-time.After(p.cfg.EmbedBatchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return vectors, nil
}

// progress is best effort. A stale progress number is cosmetic, the job
// itself must not fail because of it.
func (p *Pipeline) progress(ctx context.Context, documentID string, value int) {
	if err := p.docs.SetProgress(ctx, documentID, value); err != nil {
		slog.WarnContext(ctx, "progress update failed", "document_id", documentID, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, documentID string, cause error) error {
	if err := p.docs.MarkFailed(ctx, documentID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "mark failed errored", "document_id", documentID, "error", err)
	}
	return cause
}

package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"pdfchat/internal/worker"
)

// Mocks

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type MockVectorIndex struct{ mock.Mock }

func (m *MockVectorIndex) Upsert(ctx context.Context, records []worker.ChunkRecord) ([]string, error) {
	args := m.Called(ctx, records)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockVectorIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

type MockDocumentStore struct{ mock.Mock }

func (m *MockDocumentStore) SetStatuses(ctx context.Context, id, processingStatus, embeddingStatus string) error {
	args := m.Called(ctx, id, processingStatus, embeddingStatus)
	return args.Error(0)
}

func (m *MockDocumentStore) SetPageCount(ctx context.Context, id string, pageCount int) error {
	args := m.Called(ctx, id, pageCount)
	return args.Error(0)
}

func (m *MockDocumentStore) SetProgress(ctx context.Context, id string, progress int) error {
	args := m.Called(ctx, id, progress)
	return args.Error(0)
}

func (m *MockDocumentStore) MarkCompleted(ctx context.Context, id string, vectorIDs []string) error {
	args := m.Called(ctx, id, vectorIDs)
	return args.Error(0)
}

func (m *MockDocumentStore) MarkFailed(ctx context.Context, id, message string) error {
	args := m.Called(ctx, id, message)
	return args.Error(0)
}

type MockLocker struct{ mock.Mock }

func (m *MockLocker) ReleaseLock(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

type MockDeadLetterStore struct{ mock.Mock }

func (m *MockDeadLetterStore) Record(ctx context.Context, documentID, handler string, payload []byte, errMsg string) error {
	args := m.Called(ctx, documentID, handler, payload, errMsg)
	return args.Error(0)
}

type MockProcessor struct{ mock.Mock }

func (m *MockProcessor) Process(ctx context.Context, job worker.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

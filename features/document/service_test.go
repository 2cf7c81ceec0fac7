package document_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"pdfchat/features/document"
	"pdfchat/internal/worker"
)

// Mocks

type MockRepository struct{ mock.Mock }

func (m *MockRepository) Save(ctx context.Context, doc *document.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockRepository) Get(ctx context.Context, id, ownerID string) (*document.Document, error) {
	args := m.Called(ctx, id, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, ownerID string) ([]document.Document, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, id, ownerID string) error {
	args := m.Called(ctx, id, ownerID)
	return args.Error(0)
}

func (m *MockRepository) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CountReady(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) SetStatuses(ctx context.Context, id, processingStatus, embeddingStatus string) error {
	args := m.Called(ctx, id, processingStatus, embeddingStatus)
	return args.Error(0)
}

func (m *MockRepository) SetPageCount(ctx context.Context, id string, pageCount int) error {
	args := m.Called(ctx, id, pageCount)
	return args.Error(0)
}

func (m *MockRepository) SetProgress(ctx context.Context, id string, progress int) error {
	args := m.Called(ctx, id, progress)
	return args.Error(0)
}

func (m *MockRepository) MarkCompleted(ctx context.Context, id string, vectorIDs []string) error {
	args := m.Called(ctx, id, vectorIDs)
	return args.Error(0)
}

func (m *MockRepository) MarkFailed(ctx context.Context, id, message string) error {
	args := m.Called(ctx, id, message)
	return args.Error(0)
}

func (m *MockRepository) ResetForRetry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockBlobStore struct{ mock.Mock }

func (m *MockBlobStore) Store(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockBlobStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockBlobStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, key, expiry)
	return args.String(0), args.Error(1)
}

type MockChunkStore struct{ mock.Mock }

func (m *MockChunkStore) DeleteByIDs(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockChunkStore) DeleteByDocument(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type MockCache struct{ mock.Mock }

func (m *MockCache) DeleteByPattern(ctx context.Context, pattern string) {
	m.Called(ctx, pattern)
}

func (m *MockCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) ReleaseLock(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

type fixture struct {
	repo   *MockRepository
	blobs  *MockBlobStore
	chunks *MockChunkStore
	pub    *MockPublisher
	cache  *MockCache
	svc    *document.Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:   new(MockRepository),
		blobs:  new(MockBlobStore),
		chunks: new(MockChunkStore),
		pub:    new(MockPublisher),
		cache:  new(MockCache),
	}
	f.svc = document.NewService(f.repo, f.blobs, f.chunks, f.pub, f.cache, 30*time.Minute)
	return f
}

var pdfBytes = []byte("%PDF-1.4 fake content")

func TestService_Upload(t *testing.T) {
	f := newFixture()

	f.blobs.On("Store", mock.Anything, mock.MatchedBy(func(key string) bool {
		return len(key) > 0
	}), pdfBytes).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*document.Document).ID = "doc1"
	}).Return(nil)
	f.cache.On("AcquireLock", mock.Anything, worker.IngestLockKey("doc1"), 30*time.Minute).Return(true, nil)
	f.pub.On("Publish", "ingest.task", mock.MatchedBy(func(body []byte) bool {
		var p worker.IngestTaskPayload
		return json.Unmarshal(body, &p) == nil &&
			p.DocumentID == "doc1" && p.OwnerID == "owner1" && string(p.Data) == string(pdfBytes)
	})).Return(nil)

	doc, err := f.svc.Upload(context.Background(), "owner1", "report.pdf", pdfBytes)

	assert.NoError(t, err)
	assert.Equal(t, "doc1", doc.ID)
	assert.Equal(t, document.StatusPending, doc.ProcessingStatus)
	assert.Equal(t, document.StatusPending, doc.EmbeddingStatus)
	f.repo.AssertExpectations(t)
	f.pub.AssertExpectations(t)
}

func TestService_Upload_RejectsNonPDF(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Upload(context.Background(), "owner1", "notes.txt", []byte("plain text"))
	assert.ErrorIs(t, err, document.ErrInvalidFile)

	_, err = f.svc.Upload(context.Background(), "owner1", "fake.pdf", []byte("not a pdf"))
	assert.ErrorIs(t, err, document.ErrInvalidFile)

	f.blobs.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Upload_PublishFailureReleasesLock(t *testing.T) {
	f := newFixture()

	f.blobs.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.repo.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*document.Document).ID = "doc1"
	}).Return(nil)
	f.cache.On("AcquireLock", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nsqd unreachable"))
	f.cache.On("ReleaseLock", mock.Anything, worker.IngestLockKey("doc1")).Return(nil)

	_, err := f.svc.Upload(context.Background(), "owner1", "report.pdf", pdfBytes)

	assert.Error(t, err)
	f.cache.AssertExpectations(t)
}

func TestService_Retry(t *testing.T) {
	f := newFixture()

	failed := &document.Document{
		ID:               "doc1",
		OwnerID:          "owner1",
		StorageKey:       "owner1/abc_report.pdf",
		ProcessingStatus: document.StatusFailed,
		EmbeddingStatus:  document.StatusFailed,
		ProcessingError:  "failed after 3 attempts: embed: quota",
	}

	f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(failed, nil)
	f.blobs.On("Fetch", mock.Anything, "owner1/abc_report.pdf").Return(pdfBytes, nil)
	f.chunks.On("DeleteByDocument", mock.Anything, "doc1").Return(nil)
	f.repo.On("ResetForRetry", mock.Anything, "doc1").Return(nil)
	f.cache.On("AcquireLock", mock.Anything, worker.IngestLockKey("doc1"), 30*time.Minute).Return(true, nil)
	f.pub.On("Publish", "ingest.task", mock.Anything).Return(nil)

	doc, err := f.svc.Retry(context.Background(), "doc1", "owner1")

	assert.NoError(t, err)
	assert.Equal(t, document.StatusPending, doc.ProcessingStatus)
	assert.Empty(t, doc.ProcessingError)
	assert.Equal(t, 0, doc.Progress)
	f.repo.AssertExpectations(t)
	// The failed run may have committed partial batches. A retried job starts
	// with attempt 1, so the cleanup has to happen before re-enqueueing.
	f.chunks.AssertCalled(t, "DeleteByDocument", mock.Anything, "doc1")
}

func TestService_Retry_VectorCleanupFails(t *testing.T) {
	f := newFixture()

	f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(&document.Document{
		ID: "doc1", OwnerID: "owner1", StorageKey: "k", ProcessingStatus: document.StatusFailed,
	}, nil)
	f.blobs.On("Fetch", mock.Anything, "k").Return(pdfBytes, nil)
	f.chunks.On("DeleteByDocument", mock.Anything, "doc1").Return(errors.New("weaviate down"))

	_, err := f.svc.Retry(context.Background(), "doc1", "owner1")

	assert.ErrorContains(t, err, "clear stale vectors")
	f.repo.AssertNotCalled(t, "ResetForRetry", mock.Anything, mock.Anything)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Retry_OnlyFailedDocuments(t *testing.T) {
	f := newFixture()

	for _, status := range []string{document.StatusPending, document.StatusProcessing, document.StatusCompleted} {
		f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(&document.Document{
			ID: "doc1", OwnerID: "owner1", ProcessingStatus: status,
		}, nil).Once()

		_, err := f.svc.Retry(context.Background(), "doc1", "owner1")
		assert.ErrorIs(t, err, document.ErrRetryNotAllowed, "status %s", status)
	}

	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "ResetForRetry", mock.Anything, mock.Anything)
}

func TestService_Retry_LockHeld(t *testing.T) {
	f := newFixture()

	f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(&document.Document{
		ID: "doc1", OwnerID: "owner1", StorageKey: "k", ProcessingStatus: document.StatusFailed,
	}, nil)
	f.blobs.On("Fetch", mock.Anything, "k").Return(pdfBytes, nil)
	f.chunks.On("DeleteByDocument", mock.Anything, "doc1").Return(nil)
	f.repo.On("ResetForRetry", mock.Anything, "doc1").Return(nil)
	f.cache.On("AcquireLock", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	_, err := f.svc.Retry(context.Background(), "doc1", "owner1")

	assert.ErrorIs(t, err, document.ErrIngestInFlight)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Delete_WithRecordedVectorIDs(t *testing.T) {
	f := newFixture()

	f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(&document.Document{
		ID: "doc1", OwnerID: "owner1", StorageKey: "k", VectorIDs: []string{"v1", "v2"},
	}, nil)
	f.chunks.On("DeleteByIDs", mock.Anything, []string{"v1", "v2"}).Return(nil)
	f.blobs.On("Delete", mock.Anything, "k").Return(nil)
	f.cache.On("DeleteByPattern", mock.Anything, "chat:doc1:*").Return()
	f.repo.On("Delete", mock.Anything, "doc1", "owner1").Return(nil)

	err := f.svc.Delete(context.Background(), "doc1", "owner1")

	assert.NoError(t, err)
	f.chunks.AssertExpectations(t)
	f.chunks.AssertNotCalled(t, "DeleteByDocument", mock.Anything, mock.Anything)
	f.cache.AssertExpectations(t)
}

func TestService_Delete_SweepsWhenNoVectorIDs(t *testing.T) {
	f := newFixture()

	f.repo.On("Get", mock.Anything, "doc1", "owner1").Return(&document.Document{
		ID: "doc1", OwnerID: "owner1", StorageKey: "k",
	}, nil)
	f.chunks.On("DeleteByDocument", mock.Anything, "doc1").Return(nil)
	f.blobs.On("Delete", mock.Anything, "k").Return(nil)
	f.cache.On("DeleteByPattern", mock.Anything, "chat:doc1:*").Return()
	f.repo.On("Delete", mock.Anything, "doc1", "owner1").Return(nil)

	err := f.svc.Delete(context.Background(), "doc1", "owner1")

	assert.NoError(t, err)
	f.chunks.AssertExpectations(t)
}

func TestService_Delete_NotFound(t *testing.T) {
	f := newFixture()

	f.repo.On("Get", mock.Anything, "missing", "owner1").Return(nil, document.ErrNotFound)

	err := f.svc.Delete(context.Background(), "missing", "owner1")

	assert.ErrorIs(t, err, document.ErrNotFound)
}

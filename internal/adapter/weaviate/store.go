package weaviate

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"pdfchat/internal/retrieval"
	"pdfchat/internal/vector"
	"pdfchat/internal/worker"
)

const (
	upsertBatchSize = 100
	deleteBatchSize = 1000
)

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// Upsert writes chunk records in batches and returns the generated object
// IDs in record order. IDs are generated client side so the caller can
// persist them before the batch responses come back.
func (s *Store) Upsert(ctx context.Context, records []worker.ChunkRecord) ([]string, error) {
	ids := make([]string, len(records))
	objects := make([]*models.Object, len(records))
	for i, r := range records {
		ids[i] = uuid.New().String()
		objects[i] = &models.Object{
			Class: vector.ClassName,
			ID:    strfmt.UUID(ids[i]),
			Properties: map[string]interface{}{
				"content":    r.Content,
				"pdfId":      r.DocumentID,
				"ownerId":    r.OwnerID,
				"pageNumber": r.PageNumber,
				"chunkIndex": r.ChunkIndex,
			},
			Vector: models.C11yVector(r.Vector),
		}
	}

	for start := 0; start < len(objects); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(objects) {
			end = len(objects)
		}

		resp, err := s.client.Batch().ObjectsBatcher().
			WithObjects(objects[start:end]...).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("batch upsert: %w", err)
		}
		for _, obj := range resp {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return nil, fmt.Errorf("batch upsert object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
			}
		}
	}

	return ids, nil
}

// Query runs a nearVector search scoped to one document and owner.
func (s *Store) Query(ctx context.Context, vec []float32, documentID, ownerID string, topK int) ([]retrieval.Match, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec)

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"pdfId"}).
				WithOperator(filters.Equal).
				WithValueString(documentID),
			filters.Where().
				WithPath([]string{"ownerId"}).
				WithOperator(filters.Equal).
				WithValueString(ownerID),
		})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "pageNumber"},
		{Name: "chunkIndex"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var matches []retrieval.Match
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		if chunks, ok := data[vector.ClassName].([]interface{}); ok {
			for _, c := range chunks {
				props, ok := c.(map[string]interface{})
				if !ok {
					continue
				}

				match := retrieval.Match{}
				if content, ok := props["content"].(string); ok {
					match.Content = content
				}
				if pageNumber, ok := props["pageNumber"].(float64); ok {
					match.PageNumber = int(pageNumber)
				}
				if chunkIndex, ok := props["chunkIndex"].(float64); ok {
					match.ChunkIndex = int(chunkIndex)
				}
				if additional, ok := props["_additional"].(map[string]interface{}); ok {
					if distance, ok := additional["distance"].(float64); ok {
						match.Score = float32(1 - distance)
					}
				}

				matches = append(matches, match)
			}
		}
	}

	return matches, nil
}

// DeleteByIDs removes objects by their Weaviate IDs in batches.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(vector.ClassName).
			WithOutput("minimal").
			WithWhere(filters.Where().
				WithPath([]string{"id"}).
				WithOperator(filters.ContainsAny).
				WithValueString(ids[start:end]...)).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
	}
	return nil
}

// DeleteByDocument removes every chunk belonging to a document, regardless
// of which run wrote it.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"pdfId"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	return err
}

// Count returns the total number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if classes, ok := data[vector.ClassName].([]interface{}); ok && len(classes) > 0 {
			if agg, ok := classes[0].(map[string]interface{}); ok {
				if meta, ok := agg["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

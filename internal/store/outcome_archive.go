// internal/store/outcome_archive.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"api-manager/internal/common/database"
	"api-manager/internal/models"
)

// OutcomeDocument is the archived form of one entity outcome.
type OutcomeDocument struct {
	RunID      string          `json:"runId"`
	Operation  string          `json:"operation"`
	Position   int             `json:"position"`
	EntityID   string          `json:"entityId"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// OutcomeArchive indexes every entity outcome of a run in Elasticsearch so
// failures can be searched across runs.
type OutcomeArchive struct {
	es    *database.ElasticsearchClient
	index string
}

func NewOutcomeArchive(es *database.ElasticsearchClient, index string) *OutcomeArchive {
	return &OutcomeArchive{es: es, index: index}
}

// outcomeMapping keeps the identifiers as keywords so the term filters in
// Failures match whole values.
var outcomeMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"runId":      map[string]interface{}{"type": "keyword"},
			"operation":  map[string]interface{}{"type": "keyword"},
			"position":   map[string]interface{}{"type": "integer"},
			"entityId":   map[string]interface{}{"type": "keyword"},
			"success":    map[string]interface{}{"type": "boolean"},
			"error":      map[string]interface{}{"type": "text"},
			"result":     map[string]interface{}{"type": "object", "enabled": false},
			"cancelled":  map[string]interface{}{"type": "boolean"},
			"finishedAt": map[string]interface{}{"type": "date"},
		},
	},
}

// EnsureIndex creates the archive index with its mapping unless it exists.
func (a *OutcomeArchive) EnsureIndex(ctx context.Context) error {
	if err := a.es.CreateIndex(ctx, a.index, outcomeMapping); err != nil {
		return fmt.Errorf("create %s: %w", a.index, err)
	}
	return nil
}

// Archive indexes each outcome of summary under "<runId>-<position>". It
// stops at the first failed write.
func (a *OutcomeArchive) Archive(ctx context.Context, summary models.Summary) error {
	for i, o := range summary.Outcomes {
		doc := OutcomeDocument{
			RunID:      summary.RunID,
			Operation:  summary.Operation,
			Position:   i + 1,
			EntityID:   o.EntityID,
			Success:    o.Success,
			Error:      o.Error,
			Result:     o.Result,
			Cancelled:  summary.Cancelled,
			FinishedAt: summary.FinishedAt,
		}
		id := fmt.Sprintf("%s-%d", summary.RunID, i+1)
		if err := a.es.IndexDocument(ctx, a.index, id, doc); err != nil {
			return fmt.Errorf("archive %s: %w", o.EntityID, err)
		}
	}
	return nil
}

// Failures returns the archived failures of operation, newest first.
func (a *OutcomeArchive) Failures(ctx context.Context, operation string, limit int) ([]OutcomeDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	query := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{map[string]interface{}{"finishedAt": "desc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"operation": operation}},
					map[string]interface{}{"term": map[string]interface{}{"success": false}},
				},
			},
		},
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				Source OutcomeDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := a.es.Search(ctx, a.index, query, &resp); err != nil {
		return nil, err
	}

	docs := make([]OutcomeDocument, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return docs, nil
}

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// ErrIndexClosed is returned by operations on a closed WeaviateIndex.
var ErrIndexClosed = errors.New("weaviate index is closed")

var cardNamespace = uuid.MustParse("6f1c4f5e-0b7a-4c55-9d0e-4f6f2d1c9a11")

type WeaviateConfig struct {
	Logger *slog.Logger
	URL    string
	APIKey string
	Class  string
}

func (cfg *WeaviateConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("weaviate URL is required")
	}
	if cfg.Class == "" {
		cfg.Class = "SchemaCard"
	}
	return nil
}

// WeaviateIndex is a VectorIndex over a Weaviate class of schema cards with
// properties db, logicalTable and schemaText. Vectors are supplied by the
// caller; the class uses no server-side vectorizer.
type WeaviateIndex struct {
	log    *slog.Logger
	client *weaviate.Client
	class  string
	closed atomic.Bool
}

// OpenWeaviateIndex connects to Weaviate and verifies the class exists.
func OpenWeaviateIndex(ctx context.Context, cfg WeaviateConfig) (*WeaviateIndex, error) {
	idx, err := newWeaviateIndex(cfg)
	if err != nil {
		return nil, err
	}
	exists, err := idx.client.Schema().ClassExistenceChecker().WithClassName(idx.class).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check weaviate class %s: %w", idx.class, err)
	}
	if !exists {
		return nil, fmt.Errorf("weaviate class %s not found, run the schema indexer first", idx.class)
	}
	idx.log.Info("retrieval: weaviate index opened", "class", idx.class)
	return idx, nil
}

// CreateWeaviateIndex connects to Weaviate and creates the class when it is
// missing.
func CreateWeaviateIndex(ctx context.Context, cfg WeaviateConfig) (*WeaviateIndex, error) {
	idx, err := newWeaviateIndex(cfg)
	if err != nil {
		return nil, err
	}
	exists, err := idx.client.Schema().ClassExistenceChecker().WithClassName(idx.class).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check weaviate class %s: %w", idx.class, err)
	}
	if exists {
		return idx, nil
	}
	if err := idx.client.Schema().ClassCreator().WithClass(cardClass(idx.class)).Do(ctx); err != nil {
		return nil, fmt.Errorf("failed to create weaviate class %s: %w", idx.class, err)
	}
	idx.log.Info("retrieval: weaviate class created", "class", idx.class)
	return idx, nil
}

func newWeaviateIndex(cfg WeaviateConfig) (*WeaviateIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weaviate config: %w", err)
	}
	wc := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	if h, ok := strings.CutPrefix(cfg.URL, "https://"); ok {
		wc.Scheme = "https"
		wc.Host = h
	} else if h, ok := strings.CutPrefix(cfg.URL, "http://"); ok {
		wc.Host = h
	}
	if cfg.APIKey != "" {
		wc.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndex{log: cfg.Logger, client: client, class: cfg.Class}, nil
}

func cardClass(name string) *models.Class {
	return &models.Class{
		Class:       name,
		Description: "Schema card of one analytical table",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "db", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "logicalTable", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "schemaText", DataType: []string{"text"}, Tokenization: "word"},
		},
	}
}

// Close releases the index. Later calls fail with ErrIndexClosed.
func (w *WeaviateIndex) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, limit int) ([]catalog.Table, error) {
	if w.closed.Load() {
		return nil, ErrIndexClosed
	}

	fields := []graphql.Field{
		{Name: "db"},
		{Name: "logicalTable"},
		{Name: "schemaText"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}
	return parseCards(result, w.class), nil
}

func parseCards(result *models.GraphQLResponse, class string) []catalog.Table {
	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[class].([]any)
	if !ok {
		return nil
	}
	tables := make([]catalog.Table, 0, len(objects))
	for _, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok {
			continue
		}
		t := catalog.Table{}
		t.DB, _ = obj["db"].(string)
		t.LogicalName, _ = obj["logicalTable"].(string)
		t.SchemaText, _ = obj["schemaText"].(string)
		if add, ok := obj["_additional"].(map[string]any); ok {
			t.RelevanceScore, _ = add["certainty"].(float64)
		}
		if t.LogicalName == "" {
			continue
		}
		tables = append(tables, t)
	}
	return tables
}

// Card is one schema card with its embedding, as written by the indexer.
type Card struct {
	Table  catalog.Table
	Vector []float32
}

// Upsert writes cards in one batch. Object ids derive from the table's full
// name so reindexing replaces rather than duplicates.
func (w *WeaviateIndex) Upsert(ctx context.Context, cards []Card) (int, error) {
	if w.closed.Load() {
		return 0, ErrIndexClosed
	}
	if len(cards) == 0 {
		return 0, nil
	}
	objects := make([]*models.Object, len(cards))
	for i, c := range cards {
		objects[i] = &models.Object{
			Class: w.class,
			ID:    strfmt.UUID(uuid.NewSHA1(cardNamespace, []byte(c.Table.FullName())).String()),
			Properties: map[string]any{
				"db":           c.Table.DB,
				"logicalTable": c.Table.LogicalName,
				"schemaText":   c.Table.SchemaText,
			},
			Vector: c.Vector,
		}
	}

	result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch import failed: %w", err)
	}
	written := 0
	for _, obj := range result {
		if obj.Result != nil && obj.Result.Errors != nil {
			w.log.Warn("retrieval: card import failed", "id", obj.ID, "errors", obj.Result.Errors.Error)
			continue
		}
		written++
	}
	return written, nil
}

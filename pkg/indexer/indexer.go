// Package indexer builds schema cards from the analytical database's catalog
// and writes them, with their embeddings, to the vector index used by
// retrieval.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
)

const (
	defaultBatchSize   = 32
	maxColumnsPerCard  = 200
	maxColumnCommentCh = 120
)

// Column is one column of a source table.
type Column struct {
	Name    string
	Type    string
	Comment string
}

// TableDef describes a source table as read from the catalog.
type TableDef struct {
	Database string
	Name     string
	Comment  string
	Columns  []Column
}

// Source lists the tables to index.
type Source interface {
	Tables(ctx context.Context) ([]TableDef, error)
}

// BatchEmbedder embeds many texts in one call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Writer stores cards in the vector index.
type Writer interface {
	Upsert(ctx context.Context, cards []retrieval.Card) (int, error)
}

type Config struct {
	Logger    *slog.Logger
	Source    Source
	Embedder  BatchEmbedder
	Writer    Writer
	BatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Embedder == nil {
		return errors.New("embedder is required")
	}
	if cfg.Writer == nil {
		return errors.New("writer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return nil
}

type Indexer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indexer config: %w", err)
	}
	return &Indexer{log: cfg.Logger, cfg: cfg}, nil
}

type Stats struct {
	Tables   int
	Written  int
	Skipped  int
	Duration time.Duration
}

// Run reads every table from the source and upserts one card per table.
// Tables without columns are skipped.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	defs, err := ix.cfg.Source.Tables(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list tables: %w", err)
	}

	stats := Stats{Tables: len(defs)}
	tables := make([]catalog.Table, 0, len(defs))
	for _, d := range defs {
		if len(d.Columns) == 0 {
			ix.log.Warn("indexer: skipping table without columns", "table", d.Database+"."+d.Name)
			stats.Skipped++
			continue
		}
		tables = append(tables, Card(d))
	}

	for batch := range chunk(tables, ix.cfg.BatchSize) {
		texts := make([]string, len(batch))
		for i, t := range batch {
			texts[i] = t.SchemaText
		}
		vectors, err := ix.cfg.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("failed to embed cards: %w", err)
		}
		if len(vectors) != len(batch) {
			return stats, fmt.Errorf("embedder returned %d vectors for %d cards", len(vectors), len(batch))
		}
		cards := make([]retrieval.Card, len(batch))
		for i, t := range batch {
			cards[i] = retrieval.Card{Table: t, Vector: vectors[i]}
		}
		written, err := ix.cfg.Writer.Upsert(ctx, cards)
		if err != nil {
			return stats, fmt.Errorf("failed to upsert cards: %w", err)
		}
		stats.Written += written
		stats.Skipped += len(batch) - written
		ix.log.Debug("indexer: batch written", "cards", len(batch), "written", written)
	}

	stats.Duration = time.Since(start)
	ix.log.Info("indexer: done", "tables", stats.Tables, "written", stats.Written, "skipped", stats.Skipped, "duration", stats.Duration)
	return stats, nil
}

// Card renders the schema card for a table. The column list follows
// metadata.ColumnsMarker as "- name (Type) comment" bullets so that
// metadata.ParseSchemaText can recover the columns.
func Card(d TableDef) catalog.Table {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table: %s\n", d.Name)
	fmt.Fprintf(&sb, "Database: %s\n", d.Database)
	if c := strings.TrimSpace(d.Comment); c != "" {
		fmt.Fprintf(&sb, "Description: %s\n", c)
	}
	sb.WriteString(metadata.ColumnsMarker)
	sb.WriteString("\n")
	for i, col := range d.Columns {
		if i == maxColumnsPerCard {
			fmt.Fprintf(&sb, "...(%d more columns)\n", len(d.Columns)-i)
			break
		}
		fmt.Fprintf(&sb, "- %s (%s)", col.Name, col.Type)
		if c := oneLine(col.Comment); c != "" {
			sb.WriteString(" ")
			sb.WriteString(c)
		}
		sb.WriteString("\n")
	}
	return catalog.Table{
		LogicalName: d.Name,
		DB:          d.Database,
		SchemaText:  strings.TrimRight(sb.String(), "\n"),
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > maxColumnCommentCh {
		return string(r[:maxColumnCommentCh]) + "..."
	}
	return s
}

func chunk[T any](items []T, size int) func(func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}

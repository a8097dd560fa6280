// Package repair derives supplemental schema searches from a failed attempt
// and grows the candidate pool with what they find.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent/nodes"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metadata"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

const (
	defaultTopK        = 2
	defaultMaxQueries  = 3
	defaultConcurrency = 4

	maxFeedbackQueryLen = 200
)

// Source names the signal a repair query was derived from, in priority order.
type Source string

const (
	SourceKeywords    Source = "keywords"
	SourceFeedback    Source = "feedback"
	SourceSchemaField Source = "schema_field"
	SourceDBError     Source = "db_error"
	SourceQuestion    Source = "question"
)

type Config struct {
	Logger   *slog.Logger
	Searcher retrieval.Searcher
	Resolver metadata.Resolver

	// TopK is the number of tables requested per repair query.
	TopK int
	// MaxQueries caps how many keyword searches one repair round runs.
	MaxQueries  int
	Concurrency int

	SearchTimeout   time.Duration
	MetadataTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Searcher == nil {
		return fmt.Errorf("searcher is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = defaultMaxQueries
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return nil
}

// Input is the failure signal of the previous attempt together with the pool
// it was made with.
type Input struct {
	Question        string
	Keywords        []string
	Feedback        string
	SQL             string
	ValidationError string
	Tables          []catalog.Table
	Whitelist       catalog.Whitelist
}

// Result is the grown pool. Tables and Whitelist are supersets of the input.
type Result struct {
	Source    Source
	Queries   []string
	Tables    []catalog.Table
	Whitelist catalog.Whitelist
	Added     []catalog.Table
}

// Strategist runs repair rounds.
type Strategist struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[[]catalog.Table]
}

func New(cfg Config) (*Strategist, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Strategist{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[[]catalog.Table](cfg.Concurrency),
	}, nil
}

// Close stops the search pool after in-flight searches finish.
func (s *Strategist) Close() {
	s.pool.StopAndWait()
}

// Queries derives the repair queries for in from the highest priority signal
// that is present.
func (s *Strategist) Queries(in Input) (Source, []string) {
	if kws := limit(in.Keywords, s.cfg.MaxQueries); len(kws) > 0 {
		return SourceKeywords, schemaQueries(kws)
	}
	if fb := strings.TrimSpace(in.Feedback); fb != "" {
		if r := []rune(fb); len(r) > maxFeedbackQueryLen {
			fb = string(r[:maxFeedbackQueryLen])
		}
		return SourceFeedback, []string{fb}
	}
	if sent, ok := sqlguard.ParseSentinel(in.SQL); ok && sent.Code == sqlguard.CodeNeedSchemaField && sent.Field != "" {
		return SourceSchemaField, schemaQueries([]string{sent.Field})
	}
	if col := nodes.MissingColumn(in.ValidationError); col != "" {
		return SourceDBError, schemaQueries([]string{col})
	}
	if kws := nodes.ClassifyErrorHeuristic(in.ValidationError).SearchKeywords; in.ValidationError != "" && len(kws) > 0 {
		return SourceDBError, schemaQueries(kws)
	}
	return SourceQuestion, []string{strings.TrimSpace(in.Question) + " related tables"}
}

// Repair searches for tables matching the failure signal and merges them into
// the pool. Search or metadata failures leave the pool unchanged for the
// affected tables; Repair only returns an error when ctx is done.
func (s *Strategist) Repair(ctx context.Context, in Input) (Result, error) {
	source, queries := s.Queries(in)
	res := Result{
		Source:    source,
		Queries:   queries,
		Tables:    in.Tables,
		Whitelist: in.Whitelist.Clone(),
	}

	group := s.pool.NewGroupContext(ctx)
	for _, q := range queries {
		group.SubmitErr(func() ([]catalog.Table, error) {
			tables, err := capability.Call(ctx, s.cfg.SearchTimeout, "retrieval.search", func(ctx context.Context) ([]catalog.Table, error) {
				return s.cfg.Searcher.Search(ctx, q, s.cfg.TopK)
			})
			if err != nil {
				s.log.Warn("repair: search failed", "query", q, "error", err)
				return nil, nil
			}
			return tables, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		return res, fmt.Errorf("failed to run repair searches: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var found []catalog.Table
	for _, tables := range results {
		found = append(found, tables...)
	}
	res.Tables, res.Added = catalog.MergeTables(in.Tables, found)
	if len(res.Added) == 0 {
		return res, nil
	}

	res.Whitelist = res.Whitelist.Merge(s.resolve(ctx, res.Added))
	return res, nil
}

func (s *Strategist) resolve(ctx context.Context, tables []catalog.Table) catalog.Whitelist {
	resolved := catalog.Whitelist{}
	if s.cfg.Resolver != nil {
		wl, err := capability.Call(ctx, s.cfg.MetadataTimeout, "metadata.columns", func(ctx context.Context) (catalog.Whitelist, error) {
			return s.cfg.Resolver.ColumnsOf(ctx, catalog.FullNames(tables))
		})
		if err != nil {
			s.log.Warn("repair: metadata lookup failed, using schema text", "tables", catalog.Names(tables), "error", err)
		} else {
			resolved = wl
		}
	}
	return metadata.Fill(resolved, tables)
}

func schemaQueries(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		out = append(out, kw+" table schema")
	}
	return out
}

func limit(kws []string, n int) []string {
	var out []string
	for _, kw := range kws {
		if kw = strings.TrimSpace(kw); kw == "" {
			continue
		}
		out = append(out, kw)
		if len(out) == n {
			break
		}
	}
	return out
}

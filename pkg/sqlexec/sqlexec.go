// Package sqlexec validates and runs generated SQL against the analytical
// database, always behind the read-only guard.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlguard"
)

// Validator performs a non-mutating dry run of a statement.
type Validator interface {
	Explain(ctx context.Context, sql string) error
}

// Executor runs a read-only statement and returns a bounded result.
type Executor interface {
	Execute(ctx context.Context, sql string) (Result, error)
}

type Result struct {
	SQL       string           `json:"sql"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated"`
	LatencyMS int64            `json:"latency_ms"`
}

type Config struct {
	Logger         *slog.Logger
	Client         clickhouse.Client
	ExplainTimeout time.Duration
	ExecTimeout    time.Duration
	DefaultLimit   int
	MaxLimit       int
	MaxRows        int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.ExplainTimeout <= 0 {
		cfg.ExplainTimeout = 5 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 200
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", cfg.DefaultLimit, cfg.MaxLimit)
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = cfg.MaxLimit
	}
	return nil
}

// ClickHouseExecutor implements Validator and Executor on ClickHouse.
type ClickHouseExecutor struct {
	log *slog.Logger
	cfg Config
}

func NewClickHouseExecutor(cfg Config) (*ClickHouseExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlexec config: %w", err)
	}
	return &ClickHouseExecutor{log: cfg.Logger, cfg: cfg}, nil
}

// Explain runs EXPLAIN on the statement after the guard pre-check. Server
// exceptions come back as capability.KindRejected with the server message.
func (e *ClickHouseExecutor) Explain(ctx context.Context, sql string) error {
	normalized, err := sqlguard.CheckReadOnly(sql)
	if err != nil {
		return capability.Rejected("sqlexec.explain", err)
	}

	_, err = capability.Call(ctx, e.cfg.ExplainTimeout, "sqlexec.explain", func(ctx context.Context) (struct{}, error) {
		conn, err := e.cfg.Client.Conn(ctx)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		rows, err := conn.Query(clickhouse.WithStatementTimeout(ctx, e.cfg.ExplainTimeout), "EXPLAIN "+normalized)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		_, _, _, err = clickhouse.ScanRows(rows, 0)
		return struct{}{}, err
	})
	return asRejected("sqlexec.explain", err)
}

// Execute applies the guard and LIMIT rewrite and returns at most MaxRows
// rows.
func (e *ClickHouseExecutor) Execute(ctx context.Context, sql string) (Result, error) {
	normalized, err := sqlguard.CheckReadOnly(sql)
	if err != nil {
		return Result{SQL: sql}, capability.Rejected("sqlexec.execute", err)
	}
	rewritten, clamped := sqlguard.RewriteLimit(normalized, e.cfg.DefaultLimit, e.cfg.MaxLimit)

	start := time.Now()
	res, err := capability.Call(ctx, e.cfg.ExecTimeout, "sqlexec.execute", func(ctx context.Context) (Result, error) {
		conn, err := e.cfg.Client.Conn(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		rows, err := conn.Query(clickhouse.WithStatementTimeout(ctx, e.cfg.ExecTimeout), rewritten)
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()

		columns, data, more, err := clickhouse.ScanRows(rows, e.cfg.MaxRows)
		if err != nil {
			return Result{}, err
		}
		return Result{Columns: columns, Rows: data, Count: len(data), Truncated: more}, nil
	})
	latency := time.Since(start)
	if err != nil {
		e.log.Warn("sqlexec: execution failed", "sql", rewritten, "latency", latency, "error", err)
		return Result{SQL: rewritten, LatencyMS: latency.Milliseconds()}, asRejected("sqlexec.execute", err)
	}

	res.SQL = rewritten
	res.Truncated = res.Truncated || clamped
	res.LatencyMS = latency.Milliseconds()
	e.log.Debug("sqlexec: executed", "rows", res.Count, "truncated", res.Truncated, "latency", latency)
	return res, nil
}

// asRejected re-tags server exceptions so callers can tell a bad statement
// from an unreachable database.
func asRejected(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *capability.Error
	if errors.As(err, &ce) && ce.Kind == capability.KindUnavailable && clickhouse.IsServerError(ce.Err) {
		return capability.Rejected(op, ce.Err)
	}
	return err
}

// Message returns the innermost human-readable failure text of err, without
// the capability prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *capability.Error
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}

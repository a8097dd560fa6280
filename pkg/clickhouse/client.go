// Package clickhouse wraps the native ClickHouse driver behind the small
// interface the metadata resolver and SQL executor need.
package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client represents a ClickHouse database connection.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection represents a ClickHouse connection.
type Connection interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Close() error
}

type Config struct {
	Logger           *slog.Logger
	Addr             string
	Database         string
	Username         string
	Password         string
	Secure           bool
	DialTimeout      time.Duration
	MaxExecutionTime time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("clickhouse address is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 60 * time.Second
	}
	return nil
}

type client struct {
	conn driver.Conn
	log  *slog.Logger
}

type connection struct {
	conn driver.Conn
}

// NewClient opens and pings a ClickHouse connection. Every session runs with
// readonly=2 so that statements cannot modify data even if they pass the
// static guard.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clickhouse config: %w", err)
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.MaxExecutionTime.Seconds()),
			"readonly":           2,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.Info("clickhouse: client initialized", "addr", cfg.Addr, "database", cfg.Database)

	return &client{
		conn: conn,
		log:  cfg.Logger,
	}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *connection) Close() error {
	// Connection is shared, don't close it
	return nil
}

// WithStatementTimeout attaches a per-query max_execution_time to ctx.
func WithStatementTimeout(ctx context.Context, timeout time.Duration) context.Context {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"max_execution_time": secs,
	}))
}

// IsServerError reports whether err is an exception raised by the server,
// as opposed to a transport failure.
func IsServerError(err error) bool {
	var ex *clickhouse.Exception
	return errors.As(err, &ex)
}

// ScanRows reads all rows into maps keyed by column name, stopping after
// limit rows when limit > 0. The second result reports whether rows remained.
func ScanRows(rows driver.Rows, limit int) ([]string, []map[string]any, bool, error) {
	columns := rows.Columns()
	types := rows.ColumnTypes()

	var out []map[string]any
	more := false
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			more = true
			break
		}
		values := make([]any, len(types))
		for i, ct := range types {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(values...); err != nil {
			return nil, nil, false, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("error iterating rows: %w", err)
	}
	return columns, out, more, nil
}

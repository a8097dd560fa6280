package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
)

type ClickHouseResolverConfig struct {
	Logger   *slog.Logger
	Client   clickhouse.Client
	Database string
}

func (cfg *ClickHouseResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.Database != "" && !identRe.MatchString(cfg.Database) {
		return fmt.Errorf("invalid database name %q", cfg.Database)
	}
	return nil
}

// ClickHouseResolver reads columns from system.columns.
type ClickHouseResolver struct {
	log      *slog.Logger
	client   clickhouse.Client
	database string
}

func NewClickHouseResolver(cfg ClickHouseResolverConfig) (*ClickHouseResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata resolver config: %w", err)
	}
	return &ClickHouseResolver{log: cfg.Logger, client: cfg.Client, database: cfg.Database}, nil
}

func (r *ClickHouseResolver) ColumnsOf(ctx context.Context, tables []string) (catalog.Whitelist, error) {
	query, ok := r.columnsQuery(tables)
	if !ok {
		return catalog.Whitelist{}, nil
	}

	conn, err := r.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	wl := make(catalog.Whitelist)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		wl[table] = append(wl[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}

	r.log.Debug("metadata: resolved columns", "requested", len(tables), "resolved", len(wl))
	return wl, nil
}

// columnsQuery builds the system.columns lookup. A "db.table" name is looked
// up in its own database; bare names use the configured one. Names that are
// not plain identifiers are skipped rather than quoted.
func (r *ClickHouseResolver) columnsQuery(tables []string) (string, bool) {
	defaultDB := "currentDatabase()"
	if r.database != "" {
		defaultDB = "'" + r.database + "'"
	}

	var order []string
	byDB := make(map[string][]string)
	for _, name := range tables {
		db, table := splitQualified(name)
		if !identRe.MatchString(table) || (db != "" && !identRe.MatchString(db)) {
			r.log.Warn("metadata: skipping invalid table name", "table", name)
			continue
		}
		key := defaultDB
		if db != "" {
			key = "'" + db + "'"
		}
		if _, ok := byDB[key]; !ok {
			order = append(order, key)
		}
		byDB[key] = append(byDB[key], "'"+table+"'")
	}
	if len(order) == 0 {
		return "", false
	}

	conds := make([]string, 0, len(order))
	for _, db := range order {
		conds = append(conds, fmt.Sprintf("database = %s AND table IN (%s)", db, strings.Join(byDB[db], ", ")))
	}
	where := conds[0]
	if len(conds) > 1 {
		where = "(" + strings.Join(conds, ") OR (") + ")"
	}
	return "SELECT table, name FROM system.columns WHERE " + where + " ORDER BY table, position", true
}

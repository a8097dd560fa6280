package indexer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
)

var dbNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseSource reads table and column definitions from system.tables and
// system.columns.
type ClickHouseSource struct {
	client    clickhouse.Client
	databases []string
}

func NewClickHouseSource(client clickhouse.Client, databases []string) (*ClickHouseSource, error) {
	if client == nil {
		return nil, errors.New("clickhouse client is required")
	}
	if len(databases) == 0 {
		return nil, errors.New("at least one database is required")
	}
	for _, db := range databases {
		if !dbNameRe.MatchString(db) {
			return nil, fmt.Errorf("invalid database name %q", db)
		}
	}
	return &ClickHouseSource{client: client, databases: databases}, nil
}

func (s *ClickHouseSource) Tables(ctx context.Context) ([]TableDef, error) {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	in := s.inList()
	comments, order, err := s.tableComments(ctx, conn, in)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT database, table, name, type, comment FROM system.columns WHERE database IN (%s) ORDER BY database, table, position",
		in,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	columns := make(map[string][]Column)
	for rows.Next() {
		var db, table string
		var col Column
		if err := rows.Scan(&db, &table, &col.Name, &col.Type, &col.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns[db+"."+table] = append(columns[db+"."+table], col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}

	defs := make([]TableDef, 0, len(order))
	for _, key := range order {
		db, table, _ := strings.Cut(key, ".")
		defs = append(defs, TableDef{
			Database: db,
			Name:     table,
			Comment:  comments[key],
			Columns:  columns[key],
		})
	}
	return defs, nil
}

func (s *ClickHouseSource) tableComments(ctx context.Context, conn clickhouse.Connection, in string) (map[string]string, []string, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf(
		"SELECT database, name, comment FROM system.tables WHERE database IN (%s) AND NOT is_temporary ORDER BY database, name",
		in,
	))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	comments := make(map[string]string)
	var order []string
	for rows.Next() {
		var db, name, comment string
		if err := rows.Scan(&db, &name, &comment); err != nil {
			return nil, nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		key := db + "." + name
		comments[key] = comment
		order = append(order, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	return comments, order, nil
}

func (s *ClickHouseSource) inList() string {
	quoted := make([]string, len(s.databases))
	for i, db := range s.databases {
		quoted[i] = "'" + db + "'"
	}
	return strings.Join(quoted, ", ")
}

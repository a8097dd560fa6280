// Package clickhousetest starts a ClickHouse container seeded with a small
// shop database for integration tests.
package clickhousetest

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/clickhouse"
)

const (
	image    = "clickhouse/clickhouse-server:23.3.8.21-alpine"
	user     = "copilot"
	password = "clickhouse"

	// Database is the seeded database. It holds orders (3 rows) and users
	// (2 rows).
	Database = "shop"
)

//go:embed testdata/shop.sql
var shopSQL []byte

// Start runs a seeded ClickHouse container and returns a client bound to
// Database. The test is skipped in short mode.
func Start(t *testing.T) clickhouse.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping clickhouse container test in short mode")
	}
	ctx := t.Context()

	script := filepath.Join(t.TempDir(), "shop.sql")
	require.NoError(t, os.WriteFile(script, shopSQL, 0o644))

	ctr, err := tcch.Run(ctx, image,
		tcch.WithUsername(user),
		tcch.WithPassword(password),
		tcch.WithDatabase("default"),
		tcch.WithInitScripts(script),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	addr, err := ctr.ConnectionHost(ctx)
	require.NoError(t, err)

	client, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Addr:     addr,
		Database: Database,
		Username: user,
		Password: password,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/require"

	"github.com/ngageoint/scale/internal/common/config"
)

// WithTestDb creates a fresh sqlite database in a temporary directory, applies migrations and hands it to action.
func WithTestDb(t *testing.T, migrations []Migration, action func(db *goqu.Database)) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, config.DatabaseConfig{
		Dialect: DialectSqlite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, Close(db))
	}()
	require.NoError(t, UpdateDatabase(ctx, db.Db, migrations))
	action(db)
}

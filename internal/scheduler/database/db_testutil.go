package database

import (
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/database"
)

// WithTestDb creates a scheduler database in a temporary directory and hands a repository over it to action.
func WithTestDb(t *testing.T, clock clock.PassiveClock, action func(repo *Repository, db *goqu.Database)) {
	t.Helper()
	migrations, err := Migrations()
	require.NoError(t, err)
	database.WithTestDb(t, migrations, func(db *goqu.Database) {
		action(NewRepository(db, clock), db)
	})
}

package database

import (
	"embed"
	"time"

	"github.com/doug-martin/goqu/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ngageoint/scale/internal/common/database"
	"github.com/ngageoint/scale/internal/common/scalecontext"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrations returns the scheduler schema migrations in the order they must be applied.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(fs, "migrations")
}

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version then this is a no-op
func Migrate(ctx *scalecontext.Context, db *goqu.Database) error {
	start := time.Now()
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db.Db, migrations); err != nil {
		return err
	}
	log.Infof("Updated scheduler database in %s", time.Since(start))
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

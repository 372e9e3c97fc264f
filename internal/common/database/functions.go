package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/ngageoint/scale/internal/common/config"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

const (
	DialectPostgres = "postgres"
	DialectSqlite   = "sqlite"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return strings.TrimSpace(result)
}

// Open connects to the configured database and returns it wrapped in a goqu.Database using the matching dialect.
func Open(ctx context.Context, dbConfig config.DatabaseConfig) (*goqu.Database, error) {
	var (
		db      *sql.DB
		dialect string
		err     error
	)
	switch dbConfig.Dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", CreateConnectionString(dbConfig.Connection))
		dialect = "postgres"
	case DialectSqlite:
		db, err = openSqlite(dbConfig.Path)
		dialect = "sqlite3"
	default:
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "database.dialect",
			Value:   dbConfig.Dialect,
			Message: "must be postgres or sqlite",
		})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if dbConfig.MaxOpenConns > 0 && dbConfig.Dialect != DialectSqlite {
		db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return goqu.New(dialect, db), nil
}

func openSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; serialising through one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Close closes the connection pool underlying db.
func Close(db *goqu.Database) error {
	if closer, ok := db.Db.(*sql.DB); ok {
		return errors.WithStack(closer.Close())
	}
	return nil
}

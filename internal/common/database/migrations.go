package database

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Migration struct {
	id   int
	name string
	sql  string
}

func NewMigration(id int, name string, sql string) Migration {
	return Migration{id: id, name: name, sql: sql}
}

// UpdateDatabase applies, in order, every migration with an id greater than the recorded database version.
// Each migration and its version bump run in one transaction.
func UpdateDatabase(ctx context.Context, db goqu.SQLDatabase, migrations []Migration) error {
	log.Info("Updating database...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			for _, statement := range splitStatements(m.sql) {
				if _, err := tx.ExecContext(ctx, statement); err != nil {
					return errors.Wrapf(err, "migration %s", m.name)
				}
			}
			_, err := tx.ExecContext(ctx, `UPDATE database_version SET version = `+strconv.Itoa(m.id))
			return errors.WithStack(err)
		})
		if err != nil {
			return err
		}
		version = m.id
		log.Infof("Applied migration %s", m.name)
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db goqu.SQLDatabase) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`); err != nil {
		return 0, errors.WithStack(err)
	}
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM database_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.ExecContext(ctx, `INSERT INTO database_version (version) VALUES (0)`)
		return 0, errors.WithStack(err)
	}
	return version, errors.WithStack(err)
}

// ReadMigrations loads files named <id>_<description>.sql from dir, sorted by id.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	migrations := make([]Migration, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with a numeric id", f.Name())
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{id: id, name: f.Name(), sql: string(contents)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].id < migrations[j].id })
	return migrations, nil
}

func splitStatements(script string) []string {
	var statements []string
	for _, s := range strings.Split(script, ";") {
		if strings.TrimSpace(s) != "" {
			statements = append(statements, s)
		}
	}
	return statements
}

func withTx(ctx context.Context, db goqu.SQLDatabase, action func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := action(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.WithStack(tx.Commit())
}

package database

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

// Repository is the scheduler's view of its database. Its embedded Queries run outside any transaction; WithTx
// runs a group of them atomically.
type Repository struct {
	*Queries
	db *goqu.Database
}

func NewRepository(db *goqu.Database, clock clock.PassiveClock) *Repository {
	return &Repository{
		Queries: &Queries{db: db, clock: clock},
		db:      db,
	}
}

// WithTx runs action in a transaction, committing if it returns nil and rolling back otherwise.
func (r *Repository) WithTx(ctx *scalecontext.Context, action func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		return action(&Queries{db: tx, clock: r.clock})
	})
}

// Db returns the underlying database.
func (r *Repository) Db() *goqu.Database {
	return r.db
}

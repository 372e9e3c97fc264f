package database

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
)

type pruneTarget struct {
	table string
	where exp.Expression
}

// PruneDb removes task updates, dead letters and acked messages that are more than keepAfter old.
// Rows are deleted in batches across transactions. This means that if this function fails midway through, it
// still may have deleted some rows.
func PruneDb(ctx *scalecontext.Context, db *goqu.Database, batchLimit int, keepAfter time.Duration, clock clock.PassiveClock) error {
	if batchLimit < 1 {
		return errors.Errorf("batch limit must be positive, got %d", batchLimit)
	}
	start := clock.Now()
	cutOff := start.Add(-keepAfter).UnixNano()
	targets := []pruneTarget{
		{table: taskUpdateTable, where: goqu.C("created").Lt(cutOff)},
		{table: deadLetterTable, where: goqu.C("dead_at").Lt(cutOff)},
		{table: messageTable, where: goqu.And(goqu.C("acked_at").IsNotNull(), goqu.C("acked_at").Lt(cutOff))},
	}
	for _, target := range targets {
		deleted, err := pruneTable(ctx, db, target, batchLimit)
		if err != nil {
			return errors.WithMessagef(err, "pruning %s", target.table)
		}
		log.Infof("Deleted %d rows from %s", deleted, target.table)
	}
	log.Infof("Pruned database in %s", clock.Since(start))
	return nil
}

func pruneTable(ctx *scalecontext.Context, db *goqu.Database, target pruneTarget, batchLimit int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, errors.WithStack(err)
		}
		var ids []string
		err := db.From(target.table).
			Select("id").
			Where(target.where).
			Limit(uint(batchLimit)).
			ScanValsContext(ctx, &ids)
		if err != nil {
			return total, errors.WithStack(err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		batchStart := time.Now()
		result, err := db.Delete(target.table).Where(goqu.C("id").In(ids)).Executor().ExecContext(ctx)
		if err != nil {
			return total, errors.WithStack(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, errors.WithStack(err)
		}
		total += int(n)
		log.Debugf("Deleted %d rows from %s in %s", n, target.table, time.Since(batchStart))
		if len(ids) < batchLimit {
			return total, nil
		}
	}
}

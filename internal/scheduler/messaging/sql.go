package messaging

import (
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/util"
)

const (
	messageTable    = "message"
	deadLetterTable = "dead_letter"
)

type messageRow struct {
	ID         string `db:"id"`
	Type       string `db:"type"`
	Body       string `db:"body"`
	Attempt    int    `db:"attempt"`
	EnqueuedAt int64  `db:"enqueued_at"`
}

type sqlHandle struct {
	id      string
	receipt string
}

// SqlBackend stores messages in the scheduler database. Acked messages are kept, marked with acked_at, so that a
// republished id is recognised; the prune command removes them.
type SqlBackend struct {
	db         *goqu.Database
	clock      clock.PassiveClock
	visibility time.Duration
}

func NewSqlBackend(db *goqu.Database, visibility time.Duration, clock clock.PassiveClock) *SqlBackend {
	return &SqlBackend{db: db, clock: clock, visibility: visibility}
}

func (b *SqlBackend) Publish(ctx *scalecontext.Context, messages ...*Message) error {
	return errors.WithStack(b.db.WithTx(func(tx *goqu.TxDatabase) error {
		return b.insert(ctx, tx, messages)
	}))
}

func (b *SqlBackend) insert(ctx *scalecontext.Context, tx *goqu.TxDatabase, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}
	now := b.clock.Now()
	rows := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		enqueuedAt := msg.EnqueuedAt
		if enqueuedAt.IsZero() {
			enqueuedAt = now
		}
		rows = append(rows, goqu.Record{
			"id":          msg.ID,
			"type":        msg.Type,
			"body":        string(msg.Body),
			"attempt":     msg.Attempt,
			"enqueued_at": enqueuedAt.UnixNano(),
			"visible_at":  now.UnixNano(),
			"receipt":     "",
		})
	}
	_, err := tx.Insert(messageTable).
		Rows(rows...).
		OnConflict(goqu.DoNothing()).
		Executor().
		ExecContext(ctx)
	return err
}

func (b *SqlBackend) Receive(ctx *scalecontext.Context, max int) ([]*Delivery, error) {
	now := b.clock.Now()
	var candidates []messageRow
	err := b.db.From(messageTable).
		Select("id", "type", "body", "attempt", "enqueued_at").
		Where(
			goqu.C("acked_at").IsNull(),
			goqu.C("visible_at").Lte(now.UnixNano()),
		).
		Order(goqu.C("enqueued_at").Asc(), goqu.C("id").Asc()).
		Limit(uint(max)).
		ScanStructsContext(ctx, &candidates)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	deliveries := make([]*Delivery, 0, len(candidates))
	for _, row := range candidates {
		receipt := util.NewULID()
		// The visible_at guard makes the claim safe against other receivers.
		result, err := b.db.Update(messageTable).
			Set(goqu.Record{"visible_at": now.Add(b.visibility).UnixNano(), "receipt": receipt}).
			Where(
				goqu.C("id").Eq(row.ID),
				goqu.C("acked_at").IsNull(),
				goqu.C("visible_at").Lte(now.UnixNano()),
			).
			Executor().
			ExecContext(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n, err := result.RowsAffected(); err != nil || n != 1 {
			continue
		}
		deliveries = append(deliveries, &Delivery{
			Message: &Message{
				ID:         row.ID,
				Type:       row.Type,
				Body:       []byte(row.Body),
				Attempt:    row.Attempt,
				EnqueuedAt: time.Unix(0, row.EnqueuedAt).UTC(),
			},
			handle: sqlHandle{id: row.ID, receipt: receipt},
		})
	}
	return deliveries, nil
}

func handleOf(delivery *Delivery) (sqlHandle, error) {
	h, ok := delivery.handle.(sqlHandle)
	if !ok {
		return sqlHandle{}, errors.Errorf("delivery of message %s was not made by this backend", delivery.Message.ID)
	}
	return h, nil
}

func held(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n != 1 {
		return errors.WithStack(ErrStaleDelivery)
	}
	return nil
}

func (b *SqlBackend) Ack(ctx *scalecontext.Context, delivery *Delivery, fanout []*Message) error {
	h, err := handleOf(delivery)
	if err != nil {
		return err
	}
	return b.db.WithTx(func(tx *goqu.TxDatabase) error {
		result, err := tx.Update(messageTable).
			Set(goqu.Record{"acked_at": b.clock.Now().UnixNano()}).
			Where(goqu.C("id").Eq(h.id), goqu.C("receipt").Eq(h.receipt), goqu.C("acked_at").IsNull()).
			Executor().
			ExecContext(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := held(result); err != nil {
			return err
		}
		return errors.WithStack(b.insert(ctx, tx, fanout))
	})
}

func (b *SqlBackend) Nack(ctx *scalecontext.Context, delivery *Delivery, retryAfter time.Duration) error {
	h, err := handleOf(delivery)
	if err != nil {
		return err
	}
	result, err := b.db.Update(messageTable).
		Set(goqu.Record{
			"attempt":    delivery.Message.Attempt + 1,
			"visible_at": b.clock.Now().Add(retryAfter).UnixNano(),
			"receipt":    "",
		}).
		Where(goqu.C("id").Eq(h.id), goqu.C("receipt").Eq(h.receipt), goqu.C("acked_at").IsNull()).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return held(result)
}

func (b *SqlBackend) DeadLetter(ctx *scalecontext.Context, delivery *Delivery, reason string) error {
	h, err := handleOf(delivery)
	if err != nil {
		return err
	}
	now := b.clock.Now().UnixNano()
	return b.db.WithTx(func(tx *goqu.TxDatabase) error {
		result, err := tx.Update(messageTable).
			Set(goqu.Record{"acked_at": now}).
			Where(goqu.C("id").Eq(h.id), goqu.C("receipt").Eq(h.receipt), goqu.C("acked_at").IsNull()).
			Executor().
			ExecContext(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := held(result); err != nil {
			return err
		}
		msg := delivery.Message
		_, err = tx.Insert(deadLetterTable).
			Rows(goqu.Record{
				"id":      msg.ID,
				"type":    msg.Type,
				"body":    string(msg.Body),
				"attempt": msg.Attempt,
				"reason":  reason,
				"dead_at": now,
			}).
			OnConflict(goqu.DoNothing()).
			Executor().
			ExecContext(ctx)
		return errors.WithStack(err)
	})
}

// DeadLetters returns every dead-lettered message, oldest first.
func (b *SqlBackend) DeadLetters(ctx *scalecontext.Context) ([]*DeadLetter, error) {
	var rows []struct {
		messageRow
		Reason string `db:"reason"`
		DeadAt int64  `db:"dead_at"`
	}
	err := b.db.From(deadLetterTable).
		Select("id", "type", "body", "attempt", "reason", "dead_at").
		Order(goqu.C("dead_at").Asc(), goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*DeadLetter, len(rows))
	for i, row := range rows {
		result[i] = &DeadLetter{
			Message: &Message{ID: row.ID, Type: row.Type, Body: []byte(row.Body), Attempt: row.Attempt},
			Reason:  row.Reason,
			DeadAt:  time.Unix(0, row.DeadAt).UTC(),
		}
	}
	return result, nil
}

func (b *SqlBackend) Close() error {
	return nil
}

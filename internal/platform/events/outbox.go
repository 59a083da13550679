package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hrq/hrq/internal/platform/db"
)

type outboxEntry struct {
	ID       int64
	Attempts int
	Event    QuestionnaireSubmitted
}

// Outbox stores events in event_outbox. Enqueue joins the caller's
// transaction when one is open, so a row exists exactly when the submission
// committed.
type Outbox struct {
	pool *pgxpool.Pool
	wake chan struct{}
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool, wake: make(chan struct{}, 1)}
}

func (o *Outbox) Enqueue(ctx context.Context, evt QuestionnaireSubmitted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("outbox: encode event: %w", err)
	}
	_, err = db.Conn(ctx, o.pool).Exec(ctx,
		`INSERT INTO event_outbox (event_id, event_type, payload) VALUES ($1, $2, $3)`,
		evt.EventID, TypeQuestionnaireSubmitted, payload)
	if err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// Notify wakes the dispatcher. Call it after the enqueuing transaction
// committed; it never blocks.
func (o *Outbox) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) Wake() <-chan struct{} { return o.wake }

// Claim leases up to limit due rows for lease and returns them in id order.
// A leased row is invisible to other dispatchers until the lease runs out, so
// no transaction stays open while the rows are published.
func (o *Outbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]outboxEntry, error) {
	rows, err := db.Conn(ctx, o.pool).Query(ctx, `
		UPDATE event_outbox o
		SET lease_until = NOW() + make_interval(secs => $2)
		FROM (
			SELECT id FROM event_outbox
			WHERE dispatched_at IS NULL AND dead_at IS NULL
			  AND (lease_until IS NULL OR lease_until < NOW())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING o.id, o.attempts, o.payload`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []outboxEntry
	for rows.Next() {
		var e outboxEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Attempts, &payload); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("outbox: decode row %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o *Outbox) MarkDispatched(ctx context.Context, id int64) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx,
		`UPDATE event_outbox SET dispatched_at = NOW(), lease_until = NULL WHERE id = $1`, id)
	return err
}

// MarkFailed releases the lease and counts the attempt. dead parks the row
// for good; it stays in the table for inspection.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, reason string, dead bool) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx, `
		UPDATE event_outbox
		SET attempts = attempts + 1, last_error = $2, lease_until = NULL,
		    dead_at = CASE WHEN $3::boolean THEN NOW() END
		WHERE id = $1`, id, reason, dead)
	return err
}

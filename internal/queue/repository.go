// Package queue implements C10: the durable approval queue. QueueItems are
// persisted with a unique (source, source_id) pair; operations transition
// status, derive tabs, and keep CompensationHandles alive for undo
// (spec.md §4.10). Directly generalizes the teacher's pkg/queue package —
// its "alert session queue" and this spec's "approval queue" are the same
// durable-work-queue problem, now backed by plain database/sql instead of
// the generated ent client (see DESIGN.md).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fourvalet/valet/internal/domain"
)

// repository is the Postgres-backed store for QueueItem rows.
type repository struct {
	db *sql.DB
}

func newRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

// payload is the JSON blob stored in queue_items.payload: everything about
// a QueueItem that isn't a first-class column.
type payload struct {
	Snapshot domain.WorkingMemory `json:"snapshot"`
	Options  []domain.Option      `json:"options"`
}

func (r *repository) insert(ctx context.Context, item domain.QueueItem) error {
	p := payload{Snapshot: item.Snapshot, Options: item.Options}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item payload: %w", err)
	}
	actionKind, risk := topOption(item.Options)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, source, source_id, status, action_kind, risk, confidence, payload, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		item.ID, string(item.Source), item.EventID, string(item.Status), actionKind, risk,
		confidenceOf(item.Snapshot), raw, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
	}
	return nil
}

func topOption(opts []domain.Option) (string, float64) {
	if len(opts) == 0 {
		return "", 0
	}
	var maxRisk float64
	for _, a := range opts[0].Plan.Actions {
		if a.Risk > maxRisk {
			maxRisk = a.Risk
		}
	}
	if len(opts[0].Plan.Actions) == 0 {
		return string(domain.KindQueueForReview), maxRisk
	}
	return string(opts[0].Plan.Actions[0].Kind), maxRisk
}

func confidenceOf(mem domain.WorkingMemory) float64 {
	if h, ok := mem.LastHypothesis(); ok {
		return h.OverallConfidence()
	}
	return 0
}

func (r *repository) get(ctx context.Context, id string) (domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, source, source_id, status, payload, snoozed_until, last_error, undo_token, created_at, updated_at
		 FROM queue_items WHERE id = $1`, id)
	return scanItem(row)
}

func (r *repository) getBySourceID(ctx context.Context, source domain.Source, sourceID string) (domain.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, source, source_id, status, payload, snoozed_until, last_error, undo_token, created_at, updated_at
		 FROM queue_items WHERE source = $1 AND source_id = $2`, string(source), sourceID)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.QueueItem, error) {
	var (
		id, source, sourceID, status string
		raw, undoRaw                 []byte
		snoozedUntil                 sql.NullTime
		lastError                    sql.NullString
		createdAt, updatedAt         time.Time
	)
	err := row.Scan(&id, &source, &sourceID, &status, &raw, &snoozedUntil, &lastError, &undoRaw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, fmt.Errorf("%w: queue item", domain.ErrNotFound)
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("failed to load queue item: %w", err)
	}

	var p payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return domain.QueueItem{}, fmt.Errorf("failed to decode queue item payload: %w", err)
		}
	}

	item := domain.QueueItem{
		ID: id, Source: domain.Source(source), EventID: sourceID,
		Status: domain.QueueStatus(status), Snapshot: p.Snapshot, Options: p.Options,
		CreatedAt: createdAt, UpdatedAt: updatedAt,
	}
	if snoozedUntil.Valid {
		t := snoozedUntil.Time
		item.SnoozedUntil = &t
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	if len(undoRaw) > 0 {
		var tok domain.UndoToken
		if err := json.Unmarshal(undoRaw, &tok); err == nil {
			item.UndoToken = &tok
		}
	}
	return item, nil
}

func (r *repository) updateStatus(ctx context.Context, id string, status domain.QueueStatus, lastError string) error {
	var errArg any
	if lastError != "" {
		errArg = lastError
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=$2, last_error=$3, updated_at=now() WHERE id=$1`,
		id, string(status), errArg)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (r *repository) setSnoozedUntil(ctx context.Context, id string, until *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=$2, snoozed_until=$3, updated_at=now() WHERE id=$1`,
		id, string(domain.StatusSnoozed), until)
	if err != nil {
		return fmt.Errorf("failed to snooze queue item %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func (r *repository) setUndoToken(ctx context.Context, id string, tok *domain.UndoToken) error {
	var raw []byte
	var err error
	if tok != nil {
		raw, err = json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("failed to marshal undo token: %w", err)
		}
	}
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET undo_token=$2, updated_at=now() WHERE id=$1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to set undo token for %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: queue item %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *repository) listByTab(ctx context.Context, tab domain.Tab, limit, offset int) ([]domain.QueueItem, error) {
	statuses := statusesForTab(tab)
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(statuses)+2)
	placeholders = append(placeholders, limit, offset)
	query := `SELECT id, source, source_id, status, payload, snoozed_until, last_error, undo_token, created_at, updated_at
	          FROM queue_items WHERE status = ANY($3) ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	placeholders = append(placeholders, pqStringArray(statuses))

	rows, err := r.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items for tab %s: %w", tab, err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// statusesForTab inverts domain.TabFor for the statuses that land on each
// tab. The SQL predicate is on status alone: the errors tab lists
// status=errored rows, and a row of another status is listed under its own
// status's tab even if last_error is set (updateStatus clears last_error on
// every transition except to errored).
func statusesForTab(tab domain.Tab) []string {
	switch tab {
	case domain.TabToProcess:
		return []string{string(domain.StatusPending)}
	case domain.TabInProgress:
		return []string{string(domain.StatusInProgress)}
	case domain.TabSnoozed:
		return []string{string(domain.StatusSnoozed)}
	case domain.TabHistory:
		return []string{string(domain.StatusExecuted), string(domain.StatusRejected)}
	case domain.TabErrors:
		return []string{string(domain.StatusErrored)}
	default:
		return nil
	}
}

// pqStringArray renders a Go string slice as a Postgres text array literal
// so it can be bound to a single $N parameter for ANY(); avoids pulling in
// lib/pq solely for its array helper when the teacher's own stack already
// uses pgx.
func pqStringArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}

func (r *repository) dueSnoozed(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM queue_items WHERE status = $1 AND snoozed_until <= $2`,
		string(domain.StatusSnoozed), now)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due snoozed items: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) stats(ctx context.Context) (map[domain.Tab]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.Tab]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		tab := domain.TabFor(domain.QueueStatus(status), nil, "")
		out[tab] += count
	}
	return out, rows.Err()
}

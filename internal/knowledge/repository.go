package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fourvalet/valet/internal/domain"
)

// repository is the Postgres-backed half of the knowledge store: the
// append-only version log, review scheduling fields, and entity links
// used by by_entity lookups. Grounded on the teacher's pkg/database
// client usage pattern (plain *sql.DB, hand-written SQL) now that the
// generated ent client has been dropped (see DESIGN.md).
type repository struct {
	db *sql.DB
}

func newRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

// noteRow is the subset of the notes table record returned by lookups.
type noteRow struct {
	ID             string
	Type           domain.NoteType
	Path           string
	CurrentVersion int
	Review         domain.ReviewMeta
	DeletedAt      *time.Time
}

func (r *repository) getNote(ctx context.Context, id string) (noteRow, error) {
	var row noteRow
	var folder string
	var easiness float64
	var intervalDays, repetition int
	var nextReview, lastReviewed, deletedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT type, path, current_version, ease_factor, interval_days, repetitions,
		        next_review_at, last_reviewed_at, deleted_at
		 FROM notes WHERE id = $1`, id).
		Scan(&row.Type, &folder, &row.CurrentVersion, &easiness, &intervalDays, &repetition,
			&nextReview, &lastReviewed, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return noteRow{}, fmt.Errorf("%w: note %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return noteRow{}, fmt.Errorf("failed to load note %s: %w", id, err)
	}

	row.ID = id
	row.Path = folder
	row.Review = domain.ReviewMeta{Easiness: easiness, IntervalD: intervalDays, Repetition: repetition}
	if nextReview.Valid {
		row.Review.NextReview = &nextReview.Time
	}
	if deletedAt.Valid {
		row.DeletedAt = &deletedAt.Time
	}
	return row, nil
}

func (r *repository) insertNote(ctx context.Context, id string, noteType domain.NoteType, folder string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notes (id, type, path, created_at, updated_at) VALUES ($1, $2, $3, now(), now())`,
		id, string(noteType), folder)
	if err != nil {
		return fmt.Errorf("failed to insert note %s: %w", id, err)
	}
	return nil
}

func (r *repository) bumpVersion(ctx context.Context, id string, version int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notes SET current_version = $2, path = path, updated_at = now() WHERE id = $1`, id, version)
	if err != nil {
		return fmt.Errorf("failed to bump version for note %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: note %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *repository) setFolder(ctx context.Context, id, folder string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notes SET path = $2, updated_at = now() WHERE id = $1`, id, folder)
	if err != nil {
		return fmt.Errorf("failed to update folder for note %s: %w", id, err)
	}
	return nil
}

func (r *repository) softDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notes SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete note %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: note %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *repository) restoreSoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notes SET deleted_at = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear soft-delete for note %s: %w", id, err)
	}
	return nil
}

func (r *repository) updateReview(ctx context.Context, id string, review domain.ReviewMeta) error {
	var next, last sql.NullTime
	if review.NextReview != nil {
		next = sql.NullTime{Time: *review.NextReview, Valid: true}
	}
	last = sql.NullTime{Time: time.Now(), Valid: true}
	_, err := r.db.ExecContext(ctx,
		`UPDATE notes SET ease_factor = $2, interval_days = $3, repetitions = $4,
		        next_review_at = $5, last_reviewed_at = $6, updated_at = now() WHERE id = $1`,
		id, review.Easiness, review.IntervalD, review.Repetition, next, last)
	if err != nil {
		return fmt.Errorf("failed to update review state for note %s: %w", id, err)
	}
	return nil
}

func (r *repository) listDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM notes WHERE deleted_at IS NULL AND next_review_at IS NOT NULL AND next_review_at <= $1
		 ORDER BY next_review_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due notes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due note: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *repository) insertVersion(ctx context.Context, noteID string, version int, frontmatter domain.Frontmatter, body string) error {
	fm, err := json.Marshal(frontmatter)
	if err != nil {
		return fmt.Errorf("failed to marshal frontmatter for version log: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO note_versions (note_id, version, frontmatter, body, created_at) VALUES ($1, $2, $3, $4, now())`,
		noteID, version, fm, body)
	if err != nil {
		return fmt.Errorf("failed to insert version %d for note %s: %w", version, noteID, err)
	}
	return nil
}

func (r *repository) getVersion(ctx context.Context, noteID string, version int) (domain.Frontmatter, string, error) {
	var fm []byte
	var body string
	err := r.db.QueryRowContext(ctx,
		`SELECT frontmatter, body FROM note_versions WHERE note_id = $1 AND version = $2`, noteID, version).
		Scan(&fm, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Frontmatter{}, "", fmt.Errorf("%w: note %s version %d", domain.ErrNotFound, noteID, version)
	}
	if err != nil {
		return domain.Frontmatter{}, "", fmt.Errorf("failed to load version %d for note %s: %w", version, noteID, err)
	}
	var frontmatter domain.Frontmatter
	if err := json.Unmarshal(fm, &frontmatter); err != nil {
		return domain.Frontmatter{}, "", fmt.Errorf("failed to unmarshal frontmatter: %w", err)
	}
	return frontmatter, body, nil
}

func (r *repository) listVersions(ctx context.Context, noteID string) ([]domain.NoteVersion, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT version, frontmatter, body, created_at FROM note_versions WHERE note_id = $1 ORDER BY version ASC`, noteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []domain.NoteVersion
	for rows.Next() {
		var v int
		var fm []byte
		var body string
		var createdAt time.Time
		if err := rows.Scan(&v, &fm, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		var frontmatter domain.Frontmatter
		if err := json.Unmarshal(fm, &frontmatter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frontmatter: %w", err)
		}
		out = append(out, domain.NoteVersion{
			NoteID:  noteID,
			Version: v,
			Content: domain.Note{ID: noteID, Frontmatter: frontmatter, Sections: splitSections(body), Version: v},
			CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}

func (r *repository) replaceEntityLinks(ctx context.Context, noteID string, entities []domain.Entity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin entity link transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_entity_links WHERE note_id = $1`, noteID); err != nil {
		return fmt.Errorf("failed to clear entity links for note %s: %w", noteID, err)
	}
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO note_entity_links (note_id, entity_type, entity_value) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, noteID, string(e.Type), e.Value); err != nil {
			return fmt.Errorf("failed to insert entity link for note %s: %w", noteID, err)
		}
	}
	return tx.Commit()
}

func (r *repository) byEntity(ctx context.Context, entityType domain.EntityType, value string, k int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT n.id FROM note_entity_links l
		 JOIN notes n ON n.id = l.note_id
		 WHERE l.entity_type = $1 AND l.entity_value = $2 AND n.deleted_at IS NULL
		 ORDER BY n.updated_at DESC LIMIT $3`,
		string(entityType), value, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity links: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity link: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) searchText(ctx context.Context, query string, k int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (nv.note_id) nv.note_id
		 FROM note_versions nv
		 JOIN notes n ON n.id = nv.note_id
		 WHERE n.deleted_at IS NULL AND n.current_version = nv.version
		   AND to_tsvector('english', nv.body) @@ plainto_tsquery('english', $1)
		 ORDER BY nv.note_id, ts_rank(to_tsvector('english', nv.body), plainto_tsquery('english', $1)) DESC
		 LIMIT $2`, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to full-text search notes: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan full-text result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) isDeleted(ctx context.Context, id string) (bool, error) {
	var deletedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT deleted_at FROM notes WHERE id = $1`, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: note %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check deletion state for note %s: %w", id, err)
	}
	return deletedAt.Valid, nil
}

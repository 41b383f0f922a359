// Package knowledge implements C3, the file-backed, versioned note store
// with a semantic index and SM-2 review scheduling (spec.md §4.3).
package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fourvalet/valet/internal/domain"
)

const lockStripes = 64

// Store is the knowledge store: Markdown+YAML-frontmatter files on disk as
// the canonical note body, a Postgres-backed append-only version log and
// review schedule, and a chromem-go semantic index kept consistent with
// both. Writes are serialized per note id via a striped lock (spec.md
// §5: "serialized per note id via a striped lock (e.g., 64 stripes keyed
// by id hash)").
type Store struct {
	files *fsNotes
	repo  *repository
	index *VectorIndex

	stripes [lockStripes]sync.Mutex
}

// NewStore wires the three backing layers into a Store.
func NewStore(notesRoot string, repo *repository, index *VectorIndex) *Store {
	return &Store{files: newFSNotes(notesRoot), repo: repo, index: index}
}

// NewStoreFromDB is the composition-root entry point: it builds the
// repository layer from an already-open *sql.DB so callers outside this
// package never need to see the unexported repository type.
func NewStoreFromDB(notesRoot string, db *sql.DB, index *VectorIndex) *Store {
	return NewStore(notesRoot, newRepository(db), index)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := sha256.Sum256([]byte(id))
	return &s.stripes[int(h[0])%lockStripes]
}

// Get returns a note by canonical id, including soft-deleted ones (callers
// needing "visible" notes should check IsDeleted()).
func (s *Store) Get(ctx context.Context, id string) (domain.Note, error) {
	row, err := s.repo.getNote(ctx, id)
	if err != nil {
		return domain.Note{}, err
	}
	note, err := s.files.Read(row.Path, id)
	if err != nil {
		return domain.Note{}, err
	}
	note.Version = row.CurrentVersion
	note.Frontmatter.Review = row.Review
	if row.DeletedAt != nil {
		note.Frontmatter.DeletedAt = row.DeletedAt
	}
	return note, nil
}

// Create writes a brand-new note, its first version, and its initial
// embedding.
func (s *Store) Create(ctx context.Context, folder string, frontmatter domain.Frontmatter, sections []domain.Section, entities []domain.Entity) (domain.Note, error) {
	id := uuid.NewString()
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	frontmatter.Review = domain.DefaultReviewMeta()
	note := domain.Note{ID: id, Folder: folder, Frontmatter: frontmatter, Sections: sections, Version: 1, UpdatedAt: time.Now()}

	if err := s.repo.insertNote(ctx, id, frontmatter.Type, folder); err != nil {
		return domain.Note{}, err
	}
	if err := s.repo.insertVersion(ctx, id, 1, frontmatter, note.Body()); err != nil {
		return domain.Note{}, err
	}
	if err := s.repo.replaceEntityLinks(ctx, id, entities); err != nil {
		return domain.Note{}, err
	}
	if err := s.files.Write(note); err != nil {
		return domain.Note{}, err
	}
	if err := s.index.Upsert(ctx, id, note.Body(), map[string]string{"type": string(frontmatter.Type)}); err != nil {
		return domain.Note{}, fmt.Errorf("failed to index note %s: %w", id, err)
	}
	return note, nil
}

// EditSpec describes an update to an existing note. Nil fields are
// left unchanged.
type EditSpec struct {
	NewFolder   *string
	Frontmatter *domain.Frontmatter
	Sections    []domain.Section
	Entities    []domain.Entity
}

// Update applies an edit, producing a new immutable version and refreshing
// the embedding (spec.md §4.3 invariant: "each write produces a new
// immutable version and refreshes the embedding").
func (s *Store) Update(ctx context.Context, id string, edit EditSpec) (domain.Note, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.Note{}, err
	}
	if current.IsDeleted() {
		return domain.Note{}, fmt.Errorf("%w: note %s is soft-deleted", domain.ErrNoteConflict, id)
	}

	next := current
	if edit.Frontmatter != nil {
		review := next.Frontmatter.Review
		next.Frontmatter = *edit.Frontmatter
		next.Frontmatter.Review = review
	}
	if edit.Sections != nil {
		next.Sections = edit.Sections
	}
	if edit.NewFolder != nil {
		next.Folder = *edit.NewFolder
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()

	if edit.NewFolder != nil && *edit.NewFolder != current.Folder {
		if err := s.files.Remove(current.Folder, id); err != nil {
			return domain.Note{}, fmt.Errorf("failed to remove note from old folder: %w", err)
		}
		if err := s.repo.setFolder(ctx, id, *edit.NewFolder); err != nil {
			return domain.Note{}, err
		}
	}

	if err := s.repo.insertVersion(ctx, id, next.Version, next.Frontmatter, next.Body()); err != nil {
		return domain.Note{}, err
	}
	if err := s.repo.bumpVersion(ctx, id, next.Version); err != nil {
		return domain.Note{}, err
	}
	if edit.Entities != nil {
		if err := s.repo.replaceEntityLinks(ctx, id, edit.Entities); err != nil {
			return domain.Note{}, err
		}
	}
	if err := s.files.Write(next); err != nil {
		return domain.Note{}, err
	}
	if err := s.index.Upsert(ctx, id, next.Body(), map[string]string{"type": string(next.Frontmatter.Type)}); err != nil {
		return domain.Note{}, fmt.Errorf("failed to re-index note %s: %w", id, err)
	}
	return next, nil
}

// ListVersions returns every immutable version of a note, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]domain.NoteVersion, error) {
	return s.repo.listVersions(ctx, id)
}

// Diff returns the two versions' rendered bodies so the caller can compute
// a textual diff (left to the presentation layer, which has its own
// diffing library preference).
func (s *Store) Diff(ctx context.Context, id string, v1, v2 int) (string, string, error) {
	_, body1, err := s.repo.getVersion(ctx, id, v1)
	if err != nil {
		return "", "", err
	}
	_, body2, err := s.repo.getVersion(ctx, id, v2)
	if err != nil {
		return "", "", err
	}
	return body1, body2, nil
}

// Restore rewrites the note's canonical file and current_version pointer
// to an older version's content, itself recorded as a new version (the
// version log never loses history, it only ever appends).
func (s *Store) Restore(ctx context.Context, id string, version int) (domain.Note, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	frontmatter, body, err := s.repo.getVersion(ctx, id, version)
	if err != nil {
		return domain.Note{}, err
	}
	row, err := s.repo.getNote(ctx, id)
	if err != nil {
		return domain.Note{}, err
	}
	frontmatter.Review = row.Review

	next := domain.Note{
		ID: id, Folder: row.Path, Frontmatter: frontmatter,
		Sections: splitSections(body), Version: row.CurrentVersion + 1, UpdatedAt: time.Now(),
	}
	if err := s.repo.insertVersion(ctx, id, next.Version, next.Frontmatter, next.Body()); err != nil {
		return domain.Note{}, err
	}
	if err := s.repo.bumpVersion(ctx, id, next.Version); err != nil {
		return domain.Note{}, err
	}
	if err := s.files.Write(next); err != nil {
		return domain.Note{}, err
	}
	if err := s.index.Upsert(ctx, id, next.Body(), map[string]string{"type": string(next.Frontmatter.Type)}); err != nil {
		return domain.Note{}, fmt.Errorf("failed to re-index restored note %s: %w", id, err)
	}
	return next, nil
}

// RecordReview applies an SM-2 review outcome (quality in 0..5).
func (s *Store) RecordReview(ctx context.Context, id string, quality int) (domain.ReviewMeta, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	row, err := s.repo.getNote(ctx, id)
	if err != nil {
		return domain.ReviewMeta{}, err
	}
	next := applySM2(row.Review, quality, time.Now())
	if err := s.repo.updateReview(ctx, id, next); err != nil {
		return domain.ReviewMeta{}, err
	}
	return next, nil
}

// ListDue returns ids of notes whose next review is due.
func (s *Store) ListDue(ctx context.Context) ([]string, error) {
	return s.repo.listDue(ctx, time.Now())
}

// SoftDelete flags a note as deleted without removing any version
// (spec.md §4.3 invariant d).
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.softDelete(ctx, id); err != nil {
		return err
	}
	return s.index.Delete(ctx, id)
}

// SearchText runs a full-text search over current note versions, excluding
// soft-deleted notes. Results are not ranked by relevance: the query picks
// up to k matches in note-id order, and hydrate returns them sorted by
// UpdatedAt, most recent first.
func (s *Store) SearchText(ctx context.Context, query string, k int) ([]domain.Note, error) {
	ids, err := s.repo.searchText(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, ids)
}

// SearchSemantic runs a vector similarity search and excludes any
// soft-deleted note that slipped through (SoftDelete removes a note from
// the index only after flagging it in Postgres, so a failed index delete
// can leave it there; the check here matches spec.md's "excluded from all
// search results").
func (s *Store) SearchSemantic(ctx context.Context, query string, k int) ([]ContextMatch, error) {
	results, err := s.index.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]ContextMatch, 0, len(results))
	for _, r := range results {
		deleted, err := s.repo.isDeleted(ctx, r.NoteID)
		if err != nil || deleted {
			continue
		}
		out = append(out, ContextMatch{NoteID: r.NoteID, Score: r.Similarity})
	}
	return out, nil
}

// ByEntity returns up to k notes linked to the given entity, most recent
// first.
func (s *Store) ByEntity(ctx context.Context, entityType domain.EntityType, value string, k int) ([]domain.Note, error) {
	ids, err := s.repo.byEntity(ctx, entityType, value, k)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, ids)
}

// ContextMatch is a scored semantic search hit.
type ContextMatch struct {
	NoteID string
	Score  float64
}

func (s *Store) hydrate(ctx context.Context, ids []string) ([]domain.Note, error) {
	notes := make([]domain.Note, 0, len(ids))
	for _, id := range ids {
		n, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].UpdatedAt.After(notes[j].UpdatedAt) })
	return notes, nil
}
